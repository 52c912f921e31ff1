package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/depinlabs/storage-aggregator/internal/domain"
	"github.com/depinlabs/storage-aggregator/internal/store"
)

// PaymentRepository handles Payment CRUD.
type PaymentRepository struct {
	q Querier
}

func NewPaymentRepository(q Querier) *PaymentRepository { return &PaymentRepository{q: q} }

func (r *PaymentRepository) Create(ctx context.Context, p *domain.Payment) error {
	query := `
		INSERT INTO payments (
			id, order_id, user_id, amount_cents, currency, processor_payment_intent_id,
			processor_session_id, processor_session_url, status, idempotency_key,
			last_processor_error, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())
		RETURNING created_at, updated_at`
	err := r.q.QueryRowContext(ctx, query,
		p.ID, p.OrderID, p.UserID, p.AmountCents, p.Currency, nullString(p.ProcessorPaymentIntentID),
		nullString(p.ProcessorSessionID), nullString(p.ProcessorSessionURL), p.Status,
		nullString(p.IdempotencyKey), nullString(p.LastProcessorError),
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create payment: %w", wrapUnique(err))
	}
	return nil
}

const paymentColumns = `
	id, order_id, user_id, amount_cents, currency, processor_payment_intent_id,
	processor_session_id, processor_session_url, status, idempotency_key,
	last_processor_error, processed_at, created_at, updated_at`

func (r *PaymentRepository) scanOne(ctx context.Context, query string, arg interface{}) (*domain.Payment, error) {
	var p domain.Payment
	var intentID, sessionID, sessionURL, idempotencyKey, lastErr sql.NullString
	var processedAt sql.NullTime

	err := r.q.QueryRowContext(ctx, query, arg).Scan(
		&p.ID, &p.OrderID, &p.UserID, &p.AmountCents, &p.Currency, &intentID,
		&sessionID, &sessionURL, &p.Status, &idempotencyKey, &lastErr, &processedAt,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, store.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	p.ProcessorPaymentIntentID = intentID.String
	p.ProcessorSessionID = sessionID.String
	p.ProcessorSessionURL = sessionURL.String
	p.IdempotencyKey = idempotencyKey.String
	p.LastProcessorError = lastErr.String
	p.ProcessedAt = timePtr(processedAt)
	return &p, nil
}

func (r *PaymentRepository) Get(ctx context.Context, id string) (*domain.Payment, error) {
	return r.scanOne(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
}

// GetByOrderID returns the most recent payment for an order; the model
// allows multiple payments per order only after a prior one fails or is
// cancelled, so "most recent" is always the live one when one exists.
func (r *PaymentRepository) GetByOrderID(ctx context.Context, orderID string) (*domain.Payment, error) {
	return r.scanOne(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_id = $1 ORDER BY created_at DESC LIMIT 1`, orderID)
}

func (r *PaymentRepository) GetByProcessorSessionID(ctx context.Context, sessionID string) (*domain.Payment, error) {
	return r.scanOne(ctx, `SELECT `+paymentColumns+` FROM payments WHERE processor_session_id = $1`, sessionID)
}

func (r *PaymentRepository) GetByProcessorPaymentIntentID(ctx context.Context, intentID string) (*domain.Payment, error) {
	return r.scanOne(ctx, `SELECT `+paymentColumns+` FROM payments WHERE processor_payment_intent_id = $1`, intentID)
}

func (r *PaymentRepository) SetSessionID(ctx context.Context, id, sessionID, sessionURL string) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE payments SET processor_session_id = $1, processor_session_url = $2, updated_at = now()
		WHERE id = $3`, sessionID, sessionURL, id)
	if err != nil {
		return fmt.Errorf("set payment session id: %w", wrapUnique(err))
	}
	return checkRowsAffected(res, store.ErrPaymentNotFound)
}

func (r *PaymentRepository) UpdateStatus(ctx context.Context, id string, status domain.PaymentStatus, processorPaymentIntentID, lastError string) error {
	var res sql.Result
	var err error
	if processorPaymentIntentID != "" {
		res, err = r.q.ExecContext(ctx, `
			UPDATE payments SET status = $1, processor_payment_intent_id = $2,
				last_processor_error = $3, processed_at = now(), updated_at = now()
			WHERE id = $4`, status, processorPaymentIntentID, nullString(lastError), id)
	} else {
		res, err = r.q.ExecContext(ctx, `
			UPDATE payments SET status = $1, last_processor_error = $2, updated_at = now()
			WHERE id = $3`, status, nullString(lastError), id)
	}
	if err != nil {
		return fmt.Errorf("update payment status: %w", wrapUnique(err))
	}
	return checkRowsAffected(res, store.ErrPaymentNotFound)
}
