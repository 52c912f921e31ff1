// Package sweep implements the periodic reconciliation pass: the recovery
// mechanism for dropped pollers (process restarts) and for orders that
// crashed between webhook receipt and orchestrator dispatch. Scheduled via
// robfig/cron/v3; each tick batch-checks stalled rows and advances them
// through the same transition logic the live paths use.
package sweep

import (
	"context"
	"log"

	"github.com/robfig/cron/v3"

	"github.com/depinlabs/storage-aggregator/internal/domain"
	"github.com/depinlabs/storage-aggregator/internal/metrics"
	"github.com/depinlabs/storage-aggregator/internal/poller"
	"github.com/depinlabs/storage-aggregator/internal/provider"
	"github.com/depinlabs/storage-aggregator/internal/store"
)

// batchLimit bounds how many rows one sweep tick re-checks, so a long
// backlog can't turn a 2-minute tick into an unbounded one.
const batchLimit = 200

// ProviderResolver resolves the adapter for a Provider row's slug.
type ProviderResolver interface {
	Get(slug string) (provider.Adapter, error)
}

// Dispatcher re-enters the Allocation Orchestrator for a stuck order.
type Dispatcher interface {
	Dispatch(ctx context.Context, orderID string) (string, error)
}

// Sweep runs the TX_CONFIRMATION_CRON job.
type Sweep struct {
	store      store.Store
	providers  ProviderResolver
	dispatcher Dispatcher
	logger     *log.Logger
	metrics    *metrics.Metrics

	cron *cron.Cron
}

func New(s store.Store, providers ProviderResolver, dispatcher Dispatcher, logger *log.Logger, m *metrics.Metrics) *Sweep {
	if logger == nil {
		logger = log.New(log.Writer(), "[sweep] ", log.LstdFlags)
	}
	return &Sweep{
		store:      s,
		providers:  providers,
		dispatcher: dispatcher,
		logger:     logger,
		metrics:    m,
		cron:       cron.New(),
	}
}

// Start schedules Run on schedule (a standard five-field cron expression,
// e.g. the default "*/2 * * * *") and begins the scheduler.
func (sw *Sweep) Start(ctx context.Context, schedule string) error {
	_, err := sw.cron.AddFunc(schedule, func() {
		if err := sw.Run(ctx); err != nil {
			sw.logger.Printf("sweep tick failed: %v", err)
		}
	})
	if err != nil {
		return err
	}
	sw.cron.Start()
	return nil
}

func (sw *Sweep) Stop() {
	<-sw.cron.Stop().Done()
}

// Run performs one sweep pass: re-checking stalled transactions, then
// re-dispatching orders stuck before submission.
func (sw *Sweep) Run(ctx context.Context) error {
	if err := sw.recheckTransactions(ctx); err != nil {
		return err
	}
	return sw.redispatchOrders(ctx)
}

func (sw *Sweep) recheckTransactions(ctx context.Context) error {
	stalled, err := sw.store.Transactions().ListByStatus(ctx, []domain.TransactionStatus{
		domain.TxStatusSubmitted,
		domain.TxStatusConfirming,
	}, batchLimit)
	if err != nil {
		return err
	}

	for _, tx := range stalled {
		if err := sw.recheckOne(ctx, tx); err != nil {
			sw.logger.Printf("transaction %s: sweep recheck failed: %v", tx.ID, err)
			continue
		}
		if sw.metrics != nil {
			sw.metrics.SweepReconciled.WithLabelValues("transaction").Inc()
		}
	}
	return nil
}

func (sw *Sweep) recheckOne(ctx context.Context, tx *domain.BlockchainTransaction) error {
	providerRow, err := sw.store.Providers().Get(ctx, tx.ProviderID)
	if err != nil {
		return err
	}
	adapter, err := sw.providers.Get(providerRow.Slug)
	if err != nil {
		return err
	}

	result, err := adapter.CheckTransactionStatus(ctx, tx.TxHash)
	if err != nil {
		return err
	}

	_, err = poller.ApplyStatus(ctx, sw.store, tx, result)
	return err
}

// redispatchOrders re-enters the orchestrator for any order the in-process
// fire-and-forget call path never reached: every order in PAYMENT_COMPLETED
// with no non-FAILED BlockchainTransaction is a candidate for re-dispatch.
func (sw *Sweep) redispatchOrders(ctx context.Context) error {
	if sw.dispatcher == nil {
		return nil
	}
	stuck, err := sw.store.Orders().PendingDispatch(ctx, batchLimit)
	if err != nil {
		return err
	}
	for _, order := range stuck {
		if _, err := sw.dispatcher.Dispatch(ctx, order.ID); err != nil {
			sw.logger.Printf("order %s: sweep re-dispatch failed: %v", order.ID, err)
			continue
		}
		if sw.metrics != nil {
			sw.metrics.SweepReconciled.WithLabelValues("order").Inc()
		}
	}
	return nil
}
