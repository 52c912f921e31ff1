// Package store defines the persistence contract: primary-key and
// unique-index lookup, filtered listing, and multi-row serializable
// transactions over the six core entities. internal/store/postgres is the
// production implementation and internal/storetest an in-memory one for
// tests; callers (checkout, webhook, orchestrator, poller) depend only on
// these interfaces.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/depinlabs/storage-aggregator/internal/domain"
)

// Sentinel errors, returned instead of (nil, nil) on a miss.
var (
	ErrNotFound          = errors.New("entity not found")
	ErrUserNotFound      = errors.New("user not found")
	ErrProviderNotFound  = errors.New("provider not found")
	ErrPlanNotFound      = errors.New("plan not found")
	ErrOrderNotFound     = errors.New("order not found")
	ErrPaymentNotFound   = errors.New("payment not found")
	ErrTxNotFound        = errors.New("blockchain transaction not found")
	ErrConfigNotFound    = errors.New("system config key not found")
	ErrConflict          = errors.New("unique constraint violation")
)

// Tx is a handle to one multi-row serializable transaction. It exposes the
// same repositories as Store, scoped to the transaction, so the checkout
// initiator and webhook ingestor can atomically mutate Order and Payment
// rows together.
type Tx interface {
	Users() UserStore
	Providers() ProviderStore
	Plans() PlanStore
	Orders() OrderStore
	Payments() PaymentStore
	Transactions() TxStore
	Commit() error
	Rollback() error
}

// Store is the top-level handle: non-transactional repositories plus
// BeginTx for atomic multi-row operations.
type Store interface {
	Users() UserStore
	Providers() ProviderStore
	Plans() PlanStore
	Orders() OrderStore
	Payments() PaymentStore
	Transactions() TxStore
	SyncLogs() SyncLogStore
	SystemConfig() SystemConfigStore

	// BeginTx runs fn inside one serializable transaction, committing on a
	// nil return and rolling back otherwise (including on panic).
	BeginTx(ctx context.Context, fn func(tx Tx) error) error

	Close() error
}

type UserStore interface {
	Create(ctx context.Context, u *domain.User) error
	Get(ctx context.Context, id string) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	SetProcessorCustomerID(ctx context.Context, id, processorCustomerID string) error
}

type ProviderStore interface {
	Create(ctx context.Context, p *domain.Provider) error
	Get(ctx context.Context, id string) (*domain.Provider, error)
	GetBySlug(ctx context.Context, slug string) (*domain.Provider, error)
	List(ctx context.Context) ([]*domain.Provider, error)
}

type PlanStore interface {
	Create(ctx context.Context, p *domain.StoragePlan) error
	Get(ctx context.Context, id string) (*domain.StoragePlan, error)
	GetByExternalID(ctx context.Context, providerID, externalPlanID string) (*domain.StoragePlan, error)
	ListByProvider(ctx context.Context, providerID string) ([]*domain.StoragePlan, error)
	Update(ctx context.Context, p *domain.StoragePlan) error
	MarkUnavailable(ctx context.Context, id string) error
}

type OrderStore interface {
	Create(ctx context.Context, o *domain.Order) error
	Get(ctx context.Context, id string) (*domain.Order, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error)
	GetByOrderNumber(ctx context.Context, orderNumber string) (*domain.Order, error)
	// UpdateStatus performs a state-guarded transition: it only writes when
	// the row's current status equals expectedFrom, consulting
	// domain.CanTransition, returning apperr-kind INVALID_ORDER_STATUS
	// (via the caller) otherwise. It returns (applied=false, nil) on a
	// no-op match rather than an error, so replay callers can treat it as
	// idempotent.
	UpdateStatus(ctx context.Context, id string, expectedFrom, to domain.OrderStatus, statusMessage string) (applied bool, err error)
	SetStorageAllocation(ctx context.Context, id, storageID, storageEndpoint string, metadata map[string]string) error
	SetPaidAt(ctx context.Context, id string) error
	// SetAllocationWindow stamps allocatedAt=now and expiresAt=allocatedAt+
	// durationDays exactly once, when a transaction reaches CONFIRMED.
	SetAllocationWindow(ctx context.Context, id string, allocatedAt, expiresAt time.Time) error
	// PendingDispatch lists orders stuck in PAYMENT_COMPLETED with no
	// non-FAILED BlockchainTransaction, the sweep's re-dispatch candidates.
	PendingDispatch(ctx context.Context, limit int) ([]*domain.Order, error)
}

type PaymentStore interface {
	Create(ctx context.Context, p *domain.Payment) error
	Get(ctx context.Context, id string) (*domain.Payment, error)
	GetByOrderID(ctx context.Context, orderID string) (*domain.Payment, error)
	GetByProcessorSessionID(ctx context.Context, sessionID string) (*domain.Payment, error)
	GetByProcessorPaymentIntentID(ctx context.Context, intentID string) (*domain.Payment, error)
	SetSessionID(ctx context.Context, id, sessionID, sessionURL string) error
	UpdateStatus(ctx context.Context, id string, status domain.PaymentStatus, processorPaymentIntentID, lastError string) error
}

type TxStore interface {
	Create(ctx context.Context, t *domain.BlockchainTransaction) error
	Get(ctx context.Context, id string) (*domain.BlockchainTransaction, error)
	GetByTxHash(ctx context.Context, txHash string) (*domain.BlockchainTransaction, error)
	GetLiveByOrderID(ctx context.Context, orderID string) (*domain.BlockchainTransaction, error)
	UpdateSubmission(ctx context.Context, t *domain.BlockchainTransaction) error
	UpdateStatus(ctx context.Context, id string, status domain.TransactionStatus, confirmations int, blockNumber int64, blockHash, statusMessage string) error
	MarkFailed(ctx context.Context, id, message string) error
	IncrementRetry(ctx context.Context, id string) (*domain.BlockchainTransaction, error)
	ListByStatus(ctx context.Context, statuses []domain.TransactionStatus, limit int) ([]*domain.BlockchainTransaction, error)
	// GetLatestByOrderID returns the order's most recent transaction
	// regardless of status, for the order-detail read surface.
	GetLatestByOrderID(ctx context.Context, orderID string) (*domain.BlockchainTransaction, error)
}

// SyncLogStore records plan-catalog reconciliation runs
// (provider_sync_logs).
type SyncLogStore interface {
	Create(ctx context.Context, l *domain.ProviderSyncLog) error
	ListByProvider(ctx context.Context, providerID string, limit int) ([]*domain.ProviderSyncLog, error)
}

// SystemConfigStore holds operator-tunable key/value settings
// (system_config). Get returns ErrConfigNotFound on a miss.
type SystemConfigStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}
