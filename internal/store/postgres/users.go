package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/depinlabs/storage-aggregator/internal/domain"
	"github.com/depinlabs/storage-aggregator/internal/store"
)

// UserRepository handles User CRUD.
type UserRepository struct {
	q Querier
}

func NewUserRepository(q Querier) *UserRepository { return &UserRepository{q: q} }

func (r *UserRepository) Create(ctx context.Context, u *domain.User) error {
	query := `
		INSERT INTO users (id, email, wallet_address, processor_customer_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		RETURNING created_at, updated_at`

	err := r.q.QueryRowContext(ctx, query,
		u.ID, u.Email, nullString(u.WalletAddress), nullString(u.ProcessorCustomerID),
	).Scan(&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create user: %w", wrapUnique(err))
	}
	return nil
}

func (r *UserRepository) Get(ctx context.Context, id string) (*domain.User, error) {
	return r.scanOne(ctx, `
		SELECT id, email, wallet_address, processor_customer_id, created_at, updated_at
		FROM users WHERE id = $1`, id)
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	return r.scanOne(ctx, `
		SELECT id, email, wallet_address, processor_customer_id, created_at, updated_at
		FROM users WHERE email = $1`, email)
}

func (r *UserRepository) scanOne(ctx context.Context, query string, arg interface{}) (*domain.User, error) {
	var u domain.User
	var wallet, customerID sql.NullString

	err := r.q.QueryRowContext(ctx, query, arg).Scan(
		&u.ID, &u.Email, &wallet, &customerID, &u.CreatedAt, &u.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, store.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.WalletAddress = wallet.String
	u.ProcessorCustomerID = customerID.String
	return &u, nil
}

func (r *UserRepository) SetProcessorCustomerID(ctx context.Context, id, processorCustomerID string) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE users SET processor_customer_id = $1, updated_at = now() WHERE id = $2`,
		processorCustomerID, id)
	if err != nil {
		return fmt.Errorf("set processor customer id: %w", wrapUnique(err))
	}
	return checkRowsAffected(res, store.ErrUserNotFound)
}
