// Package poller implements the confirmation poller: a ticker-driven loop
// that probes the provider adapter for a submitted transaction and writes
// status/confirmations back until finality. Each BlockchainTransaction gets
// its own bounded goroutine, since a storage order's confirmation window is
// bounded rather than open-ended; anything still unresolved when the watch
// expires belongs to the sweep.
package poller

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/depinlabs/storage-aggregator/internal/domain"
	"github.com/depinlabs/storage-aggregator/internal/metrics"
	"github.com/depinlabs/storage-aggregator/internal/provider"
	"github.com/depinlabs/storage-aggregator/internal/store"
)

// Interval and AttemptLimit bound one watch to roughly five minutes; the
// periodic sweep picks up anything still unconfirmed after that.
const (
	Interval     = 10 * time.Second
	AttemptLimit = 30
)

// ProviderResolver resolves the adapter responsible for a given slug.
type ProviderResolver interface {
	Get(slug string) (provider.Adapter, error)
}

// Poller watches individual BlockchainTransactions to confirmation or
// failure.
type Poller struct {
	store     store.Store
	providers ProviderResolver
	logger    *log.Logger
	metrics   *metrics.Metrics

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup

	baseCtx context.Context
}

func New(s store.Store, providers ProviderResolver, logger *log.Logger, m *metrics.Metrics) *Poller {
	if logger == nil {
		logger = log.New(log.Writer(), "[poller] ", log.LstdFlags)
	}
	return &Poller{
		store:     s,
		providers: providers,
		logger:    logger,
		metrics:   m,
		cancels:   make(map[string]context.CancelFunc),
		baseCtx:   context.Background(),
	}
}

// Start records the context goroutines should derive from; Stop cancels all
// in-flight watches and waits for them to exit.
func (p *Poller) Start(ctx context.Context) {
	p.baseCtx = ctx
}

func (p *Poller) Stop() {
	p.mu.Lock()
	for _, cancel := range p.cancels {
		cancel()
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// ScheduleConfirmation launches a detached watch for txID, satisfying
// orchestrator.ConfirmationScheduler. A transaction already being watched is
// left alone rather than double-tracked.
func (p *Poller) ScheduleConfirmation(txID string) {
	p.mu.Lock()
	if _, exists := p.cancels[txID]; exists {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(p.baseCtx)
	p.cancels[txID] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.cancels, txID)
			p.mu.Unlock()
		}()
		p.watch(ctx, txID)
	}()
}

func (p *Poller) watch(ctx context.Context, txID string) {
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()

	for attempt := 1; attempt <= AttemptLimit; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		done, err := p.pollOnce(ctx, txID)
		if err != nil {
			p.logger.Printf("transaction %s: poll attempt %d failed: %v", txID, attempt, err)
			p.recordAttempt("error")
			if done {
				return
			}
			continue
		}
		if done {
			return
		}
		p.recordAttempt("pending")
	}
	p.logger.Printf("transaction %s: exhausted %d attempts without reaching finality; sweep will retry", txID, AttemptLimit)
}

// pollOnce runs one confirmation check and reports whether the transaction
// reached a terminal state.
func (p *Poller) pollOnce(ctx context.Context, txID string) (bool, error) {
	tx, err := p.store.Transactions().Get(ctx, txID)
	if err != nil {
		return true, err // transaction vanished; stop watching
	}
	if tx.Status.IsTerminal() {
		return true, nil
	}

	providerRow, err := p.store.Providers().Get(ctx, tx.ProviderID)
	if err != nil {
		return false, err
	}
	adapter, err := p.providers.Get(providerRow.Slug)
	if err != nil {
		return false, err
	}

	result, err := adapter.CheckTransactionStatus(ctx, tx.TxHash)
	if err != nil {
		return false, err
	}

	done, err := ApplyStatus(ctx, p.store, tx, result)
	if err == nil && done {
		switch domain.TransactionStatus(result.Status) {
		case domain.TxStatusConfirmed:
			p.recordAttempt("confirmed")
		case domain.TxStatusFailed:
			p.recordAttempt("failed")
		}
	}
	return done, err
}

func (p *Poller) recordAttempt(outcome string) {
	if p.metrics != nil {
		p.metrics.PollAttempts.WithLabelValues(outcome).Inc()
	}
}

// ApplyStatus persists one observation and, on a terminal result, advances
// the owning Order. Exported so internal/sweep's batch re-check applies
// identical state-transition logic to the per-transaction watch above.
func ApplyStatus(ctx context.Context, s store.Store, tx *domain.BlockchainTransaction, result provider.StatusResult) (bool, error) {
	newStatus := domain.TransactionStatus(result.Status)
	if err := s.Transactions().UpdateStatus(ctx, tx.ID, newStatus, result.Confirmations, result.BlockNumber, result.BlockHash, result.StatusMessage); err != nil {
		return false, err
	}

	switch newStatus {
	case domain.TxStatusConfirmed:
		return true, finalizeConfirmed(ctx, s, tx)
	case domain.TxStatusFailed:
		return true, finalizeFailed(ctx, s, tx, result.StatusMessage)
	default:
		return false, nil
	}
}

func finalizeConfirmed(ctx context.Context, s store.Store, tx *domain.BlockchainTransaction) error {
	return s.BeginTx(ctx, func(stx store.Tx) error {
		order, err := stx.Orders().Get(ctx, tx.OrderID)
		if err != nil {
			return err
		}
		if order.Status == domain.OrderStatusCompleted {
			return nil // already finalized by a concurrent sweep/poller pass
		}

		if order.Status == domain.OrderStatusBlockchainProcessing {
			if _, err := stx.Orders().UpdateStatus(ctx, order.ID, domain.OrderStatusBlockchainProcessing, domain.OrderStatusBlockchainConfirmed, ""); err != nil {
				return err
			}
		}

		now := time.Now()
		expiresAt := now.AddDate(0, 0, order.DurationDays)
		if err := stx.Orders().SetAllocationWindow(ctx, order.ID, now, expiresAt); err != nil {
			return err
		}

		_, err = stx.Orders().UpdateStatus(ctx, order.ID, domain.OrderStatusBlockchainConfirmed, domain.OrderStatusCompleted, "")
		return err
	})
}

func finalizeFailed(ctx context.Context, s store.Store, tx *domain.BlockchainTransaction, message string) error {
	order, err := s.Orders().Get(ctx, tx.OrderID)
	if err != nil {
		return err
	}
	if order.Status == domain.OrderStatusBlockchainFailed {
		return nil
	}
	_, err = s.Orders().UpdateStatus(ctx, order.ID, domain.OrderStatusBlockchainProcessing, domain.OrderStatusBlockchainFailed, message)
	return err
}
