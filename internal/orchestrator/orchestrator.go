// Package orchestrator drives a paid Order through its provider.Adapter
// submission: observe one unit of work, update its row, move on. Network
// confirmation is someone else's job (internal/poller); this package only
// gets the transaction onto the wire and the result into the store.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/depinlabs/storage-aggregator/internal/apperr"
	"github.com/depinlabs/storage-aggregator/internal/domain"
	"github.com/depinlabs/storage-aggregator/internal/metrics"
	"github.com/depinlabs/storage-aggregator/internal/provider"
	"github.com/depinlabs/storage-aggregator/internal/store"
)

// ProviderResolver resolves the adapter to submit a transaction through, by
// the Provider row's slug.
type ProviderResolver interface {
	Get(slug string) (provider.Adapter, error)
}

// ConfirmationScheduler is invoked after a successful submission to start
// watching the new BlockchainTransaction for confirmation. Kept as a
// narrow interface so Orchestrator can hand work to internal/poller's
// Poller without importing internal/poller.
type ConfirmationScheduler interface {
	ScheduleConfirmation(txID string)
}

// Orchestrator implements Dispatch and Retry.
type Orchestrator struct {
	store     store.Store
	providers ProviderResolver
	confirm   ConfirmationScheduler
	logger    *log.Logger
	metrics   *metrics.Metrics
}

func New(s store.Store, providers ProviderResolver, confirm ConfirmationScheduler, logger *log.Logger, m *metrics.Metrics) *Orchestrator {
	if logger == nil {
		logger = log.Default()
	}
	return &Orchestrator{store: s, providers: providers, confirm: confirm, logger: logger, metrics: m}
}

// Dispatch submits one paid order's allocation through its provider
// adapter, recording the transaction row before and after the attempt.
func (o *Orchestrator) Dispatch(ctx context.Context, orderID string) (string, error) {
	if o.metrics != nil {
		start := time.Now()
		defer func() { o.metrics.DispatchDuration.Observe(time.Since(start).Seconds()) }()
	}

	order, err := o.store.Orders().Get(ctx, orderID)
	if err != nil {
		return "", fmt.Errorf("get order: %w", err)
	}

	var retryTx *domain.BlockchainTransaction
	if existing, err := o.store.Transactions().GetLiveByOrderID(ctx, orderID); err == nil {
		// RETRYING marks a transaction IncrementRetry has cleared for
		// resubmission but that hasn't gone out again yet; Dispatch reuses
		// that row rather than treating it as already in flight. Any other
		// non-FAILED status means a redelivered webhook or a second operator
		// trigger found a submission already underway; return it unchanged.
		if existing.Status != domain.TxStatusRetrying {
			return existing.ID, nil
		}
		retryTx = existing
	} else if err != store.ErrTxNotFound {
		return "", fmt.Errorf("check for live transaction: %w", err)
	}

	// A fresh order enters from PAYMENT_COMPLETED; an operator retry after a
	// prior submission failure re-enters from BLOCKCHAIN_FAILED (the only
	// other state domain.CanTransition permits into BLOCKCHAIN_PENDING).
	fromStatus := order.Status
	if fromStatus != domain.OrderStatusPaymentCompleted && fromStatus != domain.OrderStatusBlockchainFailed {
		return "", apperr.Newf(apperr.KindInvalidOrderState, "order %s is %s, expected PAYMENT_COMPLETED or BLOCKCHAIN_FAILED", orderID, order.Status)
	}

	providerRow, err := o.store.Providers().Get(ctx, order.ProviderID)
	if err != nil {
		return "", fmt.Errorf("load provider: %w", err)
	}
	adapter, err := o.providers.Get(providerRow.Slug)
	if err != nil {
		return "", apperr.Wrap(apperr.KindProviderError, err, "resolve provider adapter").WithProvider(providerRow.Slug)
	}

	if _, err := o.store.Orders().UpdateStatus(ctx, orderID, fromStatus, domain.OrderStatusBlockchainPending, ""); err != nil {
		return "", fmt.Errorf("advance order to blockchain pending: %w", err)
	}

	var tx *domain.BlockchainTransaction
	if retryTx != nil {
		tx = retryTx
		tx.Status = domain.TxStatusPending
		if err := o.store.Transactions().UpdateStatus(ctx, tx.ID, domain.TxStatusPending, 0, 0, "", ""); err != nil {
			return "", fmt.Errorf("reopen transaction for retry: %w", err)
		}
	} else {
		tx = &domain.BlockchainTransaction{
			ID:         uuid.New().String(),
			OrderID:    order.ID,
			ProviderID: order.ProviderID,
			Status:     domain.TxStatusPending,
		}
		if err := o.store.Transactions().Create(ctx, tx); err != nil {
			return "", fmt.Errorf("create blockchain transaction: %w", err)
		}
	}

	if _, err := o.store.Orders().UpdateStatus(ctx, orderID, domain.OrderStatusBlockchainPending, domain.OrderStatusBlockchainProcessing, ""); err != nil {
		return "", fmt.Errorf("advance order to blockchain processing: %w", err)
	}

	result, execErr := adapter.ExecuteStorageTransaction(ctx, provider.ExecuteParams{
		OrderID:          order.ID,
		PlanID:           order.PlanID,
		StorageSizeBytes: order.SizeBytes,
		DurationDays:     order.DurationDays,
	})

	if execErr != nil || !result.Success {
		message := execErrMessage(execErr, result)
		if err := o.store.BeginTx(ctx, func(stx store.Tx) error {
			if err := stx.Transactions().MarkFailed(ctx, tx.ID, message); err != nil {
				return fmt.Errorf("mark transaction failed: %w", err)
			}
			if _, err := stx.Orders().UpdateStatus(ctx, orderID, domain.OrderStatusBlockchainProcessing, domain.OrderStatusBlockchainFailed, message); err != nil {
				return fmt.Errorf("mark order blockchain failed: %w", err)
			}
			return nil
		}); err != nil {
			return "", err
		}
		if o.metrics != nil {
			o.metrics.DispatchFailures.WithLabelValues(providerRow.Slug).Inc()
			o.metrics.OrderTransitions.WithLabelValues(string(domain.OrderStatusBlockchainFailed)).Inc()
		}
		return tx.ID, apperr.Wrap(apperr.KindTransactionFailed, execErr, message).WithProvider(providerRow.Slug)
	}

	tx.TxHash = result.TxHash
	tx.Status = domain.TransactionStatus(result.Status)
	tx.GasUsed = result.GasUsed
	tx.Nonce = result.Nonce
	tx.RawResponse = result.RawResponse
	if err := o.store.Transactions().UpdateSubmission(ctx, tx); err != nil {
		return "", fmt.Errorf("persist transaction submission: %w", err)
	}

	if result.StorageID != "" || result.StorageEndpoint != "" {
		if err := o.store.Orders().SetStorageAllocation(ctx, orderID, result.StorageID, result.StorageEndpoint, result.StorageMetadata); err != nil {
			return "", fmt.Errorf("persist storage allocation: %w", err)
		}
	}

	if o.metrics != nil {
		o.metrics.OrderTransitions.WithLabelValues(string(domain.OrderStatusBlockchainProcessing)).Inc()
	}

	if o.confirm != nil {
		o.confirm.ScheduleConfirmation(tx.ID)
	}

	return tx.ID, nil
}

// ScheduleAllocation satisfies the webhook ingestor's Scheduler interface:
// it runs Dispatch detached, logging failure instead of propagating it
//. The periodic sweep re-dispatches any order
// this path drops, so correctness never depends on the goroutine finishing.
func (o *Orchestrator) ScheduleAllocation(orderID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if _, err := o.Dispatch(ctx, orderID); err != nil {
			o.logger.Printf("order %s: detached allocation dispatch failed: %v", orderID, err)
		}
	}()
}

// Retry re-enters Dispatch for a FAILED transaction, spending one unit of
// its retry budget.
func (o *Orchestrator) Retry(ctx context.Context, txID string) error {
	tx, err := o.store.Transactions().IncrementRetry(ctx, txID)
	if err != nil {
		if err == store.ErrConflict {
			return apperr.New(apperr.KindMaxRetries, "transaction has exhausted its retry budget")
		}
		return fmt.Errorf("increment retry: %w", err)
	}

	_, err = o.Dispatch(ctx, tx.OrderID)
	return err
}

func execErrMessage(err error, result provider.TxResult) string {
	if err != nil {
		return err.Error()
	}
	if result.Error != "" {
		return result.Error
	}
	return "adapter reported an unsuccessful submission"
}
