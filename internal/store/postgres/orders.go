package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/depinlabs/storage-aggregator/internal/domain"
	"github.com/depinlabs/storage-aggregator/internal/store"
)

// OrderRepository handles Order CRUD and the state-guarded status
// transitions of the order lifecycle.
type OrderRepository struct {
	q Querier
}

func NewOrderRepository(q Querier) *OrderRepository { return &OrderRepository{q: q} }

func (r *OrderRepository) Create(ctx context.Context, o *domain.Order) error {
	metadata, err := marshalMetadata(o.StorageMetadata)
	if err != nil {
		return fmt.Errorf("marshal storage metadata: %w", err)
	}

	query := `
		INSERT INTO orders (
			id, order_number, user_id, provider_id, plan_id, size_gb, size_bytes,
			duration_days, price_cents, currency, status, status_message,
			idempotency_key, storage_id, storage_endpoint, storage_metadata,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, now(), now())
		RETURNING created_at, updated_at`

	err = r.q.QueryRowContext(ctx, query,
		o.ID, o.OrderNumber, o.UserID, o.ProviderID, o.PlanID, o.SizeGB, o.SizeBytes,
		o.DurationDays, o.PriceCents, o.Currency, o.Status, nullString(o.StatusMessage),
		nullString(o.IdempotencyKey), nullString(o.StorageID), nullString(o.StorageEndpoint), metadata,
	).Scan(&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create order: %w", wrapUnique(err))
	}
	return nil
}

const orderColumns = `
	id, order_number, user_id, provider_id, plan_id, size_gb, size_bytes, duration_days,
	price_cents, currency, status, status_message, idempotency_key, storage_id,
	storage_endpoint, storage_metadata, paid_at, allocated_at, expires_at, created_at, updated_at`

func (r *OrderRepository) scanOne(ctx context.Context, query string, arg interface{}) (*domain.Order, error) {
	var o domain.Order
	var statusMessage, idempotencyKey, storageID, storageEndpoint sql.NullString
	var metadata []byte
	var paidAt, allocatedAt, expiresAt sql.NullTime

	err := r.q.QueryRowContext(ctx, query, arg).Scan(
		&o.ID, &o.OrderNumber, &o.UserID, &o.ProviderID, &o.PlanID, &o.SizeGB, &o.SizeBytes, &o.DurationDays,
		&o.PriceCents, &o.Currency, &o.Status, &statusMessage, &idempotencyKey, &storageID,
		&storageEndpoint, &metadata, &paidAt, &allocatedAt, &expiresAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, store.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	o.StatusMessage = statusMessage.String
	o.IdempotencyKey = idempotencyKey.String
	o.StorageID = storageID.String
	o.StorageEndpoint = storageEndpoint.String
	o.StorageMetadata = unmarshalMetadata(metadata)
	o.PaidAt = timePtr(paidAt)
	o.AllocatedAt = timePtr(allocatedAt)
	o.ExpiresAt = timePtr(expiresAt)
	return &o, nil
}

func (r *OrderRepository) Get(ctx context.Context, id string) (*domain.Order, error) {
	return r.scanOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
}

func (r *OrderRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error) {
	return r.scanOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE idempotency_key = $1`, key)
}

func (r *OrderRepository) GetByOrderNumber(ctx context.Context, orderNumber string) (*domain.Order, error) {
	return r.scanOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_number = $1`, orderNumber)
}

// UpdateStatus applies the order's current-status-guarded write: the UPDATE
// predicates on status = expectedFrom so two concurrent callers (e.g. a
// redelivered webhook and an operator retry) cannot both apply the same
// transition; per-order writes serialize through the row itself. It returns
// applied=false (no error) when the row is already at `to` (a replayed
// delivery) and a domain-validation error when the requested edge is not in
// the transition graph.
func (r *OrderRepository) UpdateStatus(ctx context.Context, id string, expectedFrom, to domain.OrderStatus, statusMessage string) (bool, error) {
	if !domain.CanTransition(expectedFrom, to) {
		return false, fmt.Errorf("illegal order transition %s -> %s", expectedFrom, to)
	}

	res, err := r.q.ExecContext(ctx, `
		UPDATE orders SET status = $1, status_message = $2, updated_at = now()
		WHERE id = $3 AND status = $4`,
		to, nullString(statusMessage), id, expectedFrom)
	if err != nil {
		return false, fmt.Errorf("update order status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Either the row doesn't exist, or it has already moved past
		// expectedFrom. Disambiguate so callers can tell a genuine
		// not-found from an already-applied (or stale) replay.
		current, getErr := r.Get(ctx, id)
		if getErr != nil {
			return false, getErr
		}
		if current.Status == to {
			return false, nil
		}
		return false, fmt.Errorf("order %s is in status %s, expected %s", id, current.Status, expectedFrom)
	}
	return true, nil
}

func (r *OrderRepository) SetStorageAllocation(ctx context.Context, id, storageID, storageEndpoint string, metadata map[string]string) error {
	m, err := marshalMetadata(metadata)
	if err != nil {
		return fmt.Errorf("marshal storage metadata: %w", err)
	}
	res, err := r.q.ExecContext(ctx, `
		UPDATE orders SET storage_id = $1, storage_endpoint = $2, storage_metadata = $3, updated_at = now()
		WHERE id = $4`, nullString(storageID), nullString(storageEndpoint), m, id)
	if err != nil {
		return fmt.Errorf("set storage allocation: %w", err)
	}
	return checkRowsAffected(res, store.ErrOrderNotFound)
}

func (r *OrderRepository) SetPaidAt(ctx context.Context, id string) error {
	res, err := r.q.ExecContext(ctx, `UPDATE orders SET paid_at = now(), updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("set paid at: %w", err)
	}
	return checkRowsAffected(res, store.ErrOrderNotFound)
}

// SetAllocationWindow stamps allocatedAt/expiresAt exactly once when a
// transaction reaches CONFIRMED. The WHERE clause guards
// against a duplicate confirmation event re-stamping the window.
func (r *OrderRepository) SetAllocationWindow(ctx context.Context, id string, allocatedAt, expiresAt time.Time) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE orders SET allocated_at = $1, expires_at = $2, updated_at = now()
		WHERE id = $3 AND allocated_at IS NULL`, allocatedAt, expiresAt, id)
	if err != nil {
		return fmt.Errorf("set allocation window: %w", err)
	}
	return checkRowsAffected(res, store.ErrOrderNotFound)
}

// PendingDispatch lists orders in PAYMENT_COMPLETED with no non-FAILED
// BlockchainTransaction, the sweep's crash-recovery candidates.
func (r *OrderRepository) PendingDispatch(ctx context.Context, limit int) ([]*domain.Order, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders o
		WHERE o.status = $1
		  AND NOT EXISTS (
			SELECT 1 FROM blockchain_transactions t
			WHERE t.order_id = o.id AND t.status <> $2
		  )
		ORDER BY o.updated_at
		LIMIT $3`,
		domain.OrderStatusPaymentCompleted, domain.TxStatusFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending dispatch orders: %w", err)
	}
	defer rows.Close()

	var out []*domain.Order
	for rows.Next() {
		var o domain.Order
		var statusMessage, idempotencyKey, storageID, storageEndpoint sql.NullString
		var metadata []byte
		var paidAt, allocatedAt, expiresAt sql.NullTime
		if err := rows.Scan(
			&o.ID, &o.OrderNumber, &o.UserID, &o.ProviderID, &o.PlanID, &o.SizeGB, &o.SizeBytes, &o.DurationDays,
			&o.PriceCents, &o.Currency, &o.Status, &statusMessage, &idempotencyKey, &storageID,
			&storageEndpoint, &metadata, &paidAt, &allocatedAt, &expiresAt, &o.CreatedAt, &o.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.StatusMessage = statusMessage.String
		o.IdempotencyKey = idempotencyKey.String
		o.StorageID = storageID.String
		o.StorageEndpoint = storageEndpoint.String
		o.StorageMetadata = unmarshalMetadata(metadata)
		o.PaidAt = timePtr(paidAt)
		o.AllocatedAt = timePtr(allocatedAt)
		o.ExpiresAt = timePtr(expiresAt)
		out = append(out, &o)
	}
	return out, rows.Err()
}
