package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/depinlabs/storage-aggregator/internal/domain"
	"github.com/depinlabs/storage-aggregator/internal/store"
)

// TxRepository handles BlockchainTransaction CRUD across the full
// submission/status/retry lifecycle.
type TxRepository struct {
	q Querier
}

func NewTxRepository(q Querier) *TxRepository { return &TxRepository{q: q} }

func (r *TxRepository) Create(ctx context.Context, t *domain.BlockchainTransaction) error {
	if t.MaxRetries == 0 {
		t.MaxRetries = domain.DefaultMaxRetries
	}
	query := `
		INSERT INTO blockchain_transactions (
			id, order_id, provider_id, network, chain_id, tx_hash, status,
			confirmations, retry_count, max_retries, status_message, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())
		RETURNING created_at, updated_at`
	err := r.q.QueryRowContext(ctx, query,
		t.ID, t.OrderID, t.ProviderID, t.Network, t.ChainID, nullString(t.TxHash), t.Status,
		t.Confirmations, t.RetryCount, t.MaxRetries, nullString(t.StatusMessage),
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create blockchain transaction: %w", wrapUnique(err))
	}
	return nil
}

const txColumns = `
	id, order_id, provider_id, network, chain_id, tx_hash, status, confirmations,
	retry_count, max_retries, last_retry_at, block_number, block_hash, gas_used,
	nonce, status_message, submitted_at, confirmed_at, raw_response, created_at, updated_at`

func (r *TxRepository) scanOne(ctx context.Context, query string, args ...interface{}) (*domain.BlockchainTransaction, error) {
	var t domain.BlockchainTransaction
	var txHash, blockHash, statusMessage, rawResponse sql.NullString
	var blockNumber, gasUsed, nonce sql.NullInt64
	var lastRetryAt, submittedAt, confirmedAt sql.NullTime

	err := r.q.QueryRowContext(ctx, query, args...).Scan(
		&t.ID, &t.OrderID, &t.ProviderID, &t.Network, &t.ChainID, &txHash, &t.Status, &t.Confirmations,
		&t.RetryCount, &t.MaxRetries, &lastRetryAt, &blockNumber, &blockHash, &gasUsed,
		&nonce, &statusMessage, &submittedAt, &confirmedAt, &rawResponse, &t.CreatedAt, &t.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, store.ErrTxNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get blockchain transaction: %w", err)
	}
	t.TxHash = txHash.String
	t.BlockHash = blockHash.String
	t.StatusMessage = statusMessage.String
	t.RawResponse = rawResponse.String
	t.BlockNumber = blockNumber.Int64
	t.GasUsed = uint64(gasUsed.Int64)
	t.Nonce = uint64(nonce.Int64)
	t.LastRetryAt = timePtr(lastRetryAt)
	t.SubmittedAt = timePtr(submittedAt)
	t.ConfirmedAt = timePtr(confirmedAt)
	return &t, nil
}

func (r *TxRepository) Get(ctx context.Context, id string) (*domain.BlockchainTransaction, error) {
	return r.scanOne(ctx, `SELECT `+txColumns+` FROM blockchain_transactions WHERE id = $1`, id)
}

func (r *TxRepository) GetByTxHash(ctx context.Context, txHash string) (*domain.BlockchainTransaction, error) {
	return r.scanOne(ctx, `SELECT `+txColumns+` FROM blockchain_transactions WHERE tx_hash = $1`, txHash)
}

// GetLiveByOrderID returns the order's non-FAILED transaction, if any:
// the idempotency seam that prevents a redelivered webhook from creating a
// second submission.
func (r *TxRepository) GetLiveByOrderID(ctx context.Context, orderID string) (*domain.BlockchainTransaction, error) {
	return r.scanOne(ctx, `
		SELECT `+txColumns+` FROM blockchain_transactions
		WHERE order_id = $1 AND status <> $2
		ORDER BY created_at DESC LIMIT 1`, orderID, domain.TxStatusFailed)
}

// GetLatestByOrderID returns the order's most recent transaction regardless
// of status, for the order-detail read surface.
func (r *TxRepository) GetLatestByOrderID(ctx context.Context, orderID string) (*domain.BlockchainTransaction, error) {
	return r.scanOne(ctx, `
		SELECT `+txColumns+` FROM blockchain_transactions
		WHERE order_id = $1
		ORDER BY created_at DESC LIMIT 1`, orderID)
}

// UpdateSubmission records the outcome of a submission attempt: txHash,
// initial status, and submission metadata.
func (r *TxRepository) UpdateSubmission(ctx context.Context, t *domain.BlockchainTransaction) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE blockchain_transactions SET
			tx_hash = $1, status = $2, gas_used = $3, nonce = $4,
			submitted_at = now(), raw_response = $5, status_message = $6, updated_at = now()
		WHERE id = $7`,
		nullString(t.TxHash), t.Status, int64(t.GasUsed), int64(t.Nonce),
		nullString(t.RawResponse), nullString(t.StatusMessage), t.ID)
	if err != nil {
		return fmt.Errorf("update transaction submission: %w", err)
	}
	return checkRowsAffected(res, store.ErrTxNotFound)
}

// UpdateStatus applies one confirmation-poller observation. It stamps
// confirmed_at only when transitioning into CONFIRMED.
func (r *TxRepository) UpdateStatus(ctx context.Context, id string, status domain.TransactionStatus, confirmations int, blockNumber int64, blockHash, statusMessage string) error {
	var res sql.Result
	var err error
	if status == domain.TxStatusConfirmed {
		res, err = r.q.ExecContext(ctx, `
			UPDATE blockchain_transactions SET
				status = $1, confirmations = $2, block_number = $3, block_hash = $4,
				status_message = $5, confirmed_at = now(), updated_at = now()
			WHERE id = $6`, status, confirmations, blockNumber, nullString(blockHash), nullString(statusMessage), id)
	} else {
		res, err = r.q.ExecContext(ctx, `
			UPDATE blockchain_transactions SET
				status = $1, confirmations = $2, block_number = $3, block_hash = $4,
				status_message = $5, updated_at = now()
			WHERE id = $6`, status, confirmations, blockNumber, nullString(blockHash), nullString(statusMessage), id)
	}
	if err != nil {
		return fmt.Errorf("update transaction status: %w", err)
	}
	return checkRowsAffected(res, store.ErrTxNotFound)
}

func (r *TxRepository) MarkFailed(ctx context.Context, id, message string) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE blockchain_transactions SET status = $1, status_message = $2, updated_at = now()
		WHERE id = $3`, domain.TxStatusFailed, nullString(message), id)
	if err != nil {
		return fmt.Errorf("mark transaction failed: %w", err)
	}
	return checkRowsAffected(res, store.ErrTxNotFound)
}

// IncrementRetry bumps retryCount/lastRetryAt and sets status=RETRYING,
// refusing once retryCount has already reached maxRetries.
func (r *TxRepository) IncrementRetry(ctx context.Context, id string) (*domain.BlockchainTransaction, error) {
	current, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != domain.TxStatusFailed {
		return nil, fmt.Errorf("transaction %s is %s, not FAILED", id, current.Status)
	}
	if current.RetryCount >= current.MaxRetries {
		return nil, store.ErrConflict
	}

	res, err := r.q.ExecContext(ctx, `
		UPDATE blockchain_transactions SET
			retry_count = retry_count + 1, last_retry_at = now(), status = $1, updated_at = now()
		WHERE id = $2 AND status = $3 AND retry_count < max_retries`,
		domain.TxStatusRetrying, id, domain.TxStatusFailed)
	if err != nil {
		return nil, fmt.Errorf("increment retry: %w", err)
	}
	if err := checkRowsAffected(res, store.ErrTxNotFound); err != nil {
		return nil, err
	}
	return r.Get(ctx, id)
}

// ListByStatus is the sweep's recovery query: every transaction whose
// status is SUBMITTED or CONFIRMING, re-probed on a fixed interval
// regardless of whether an in-process poller is still watching it.
func (r *TxRepository) ListByStatus(ctx context.Context, statuses []domain.TransactionStatus, limit int) ([]*domain.BlockchainTransaction, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]interface{}, 0, len(statuses)+1)
	for _, s := range statuses {
		args = append(args, s)
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT %s FROM blockchain_transactions
		WHERE status IN (%s)
		ORDER BY updated_at
		LIMIT $%d`, txColumns, inPlaceholders(len(statuses), 1), len(statuses)+1)

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions by status: %w", err)
	}
	defer rows.Close()

	var out []*domain.BlockchainTransaction
	for rows.Next() {
		var t domain.BlockchainTransaction
		var txHash, blockHash, statusMessage, rawResponse sql.NullString
		var blockNumber, gasUsed, nonce sql.NullInt64
		var lastRetryAt, submittedAt, confirmedAt sql.NullTime
		if err := rows.Scan(
			&t.ID, &t.OrderID, &t.ProviderID, &t.Network, &t.ChainID, &txHash, &t.Status, &t.Confirmations,
			&t.RetryCount, &t.MaxRetries, &lastRetryAt, &blockNumber, &blockHash, &gasUsed,
			&nonce, &statusMessage, &submittedAt, &confirmedAt, &rawResponse, &t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.TxHash = txHash.String
		t.BlockHash = blockHash.String
		t.StatusMessage = statusMessage.String
		t.RawResponse = rawResponse.String
		t.BlockNumber = blockNumber.Int64
		t.GasUsed = uint64(gasUsed.Int64)
		t.Nonce = uint64(nonce.Int64)
		t.LastRetryAt = timePtr(lastRetryAt)
		t.SubmittedAt = timePtr(submittedAt)
		t.ConfirmedAt = timePtr(confirmedAt)
		out = append(out, &t)
	}
	return out, rows.Err()
}
