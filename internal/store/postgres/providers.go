package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/depinlabs/storage-aggregator/internal/domain"
	"github.com/depinlabs/storage-aggregator/internal/store"
)

// ProviderRepository handles Provider CRUD.
type ProviderRepository struct {
	q Querier
}

func NewProviderRepository(q Querier) *ProviderRepository { return &ProviderRepository{q: q} }

func (r *ProviderRepository) Create(ctx context.Context, p *domain.Provider) error {
	query := `
		INSERT INTO providers (id, slug, name, network, chain_id, status, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		RETURNING created_at, updated_at`
	err := r.q.QueryRowContext(ctx, query,
		p.ID, p.Slug, p.Name, p.Network, p.ChainID, p.Status, p.Enabled,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create provider: %w", wrapUnique(err))
	}
	return nil
}

func (r *ProviderRepository) Get(ctx context.Context, id string) (*domain.Provider, error) {
	return r.scanOne(ctx, `
		SELECT id, slug, name, network, chain_id, status, enabled, created_at, updated_at
		FROM providers WHERE id = $1`, id)
}

func (r *ProviderRepository) GetBySlug(ctx context.Context, slug string) (*domain.Provider, error) {
	return r.scanOne(ctx, `
		SELECT id, slug, name, network, chain_id, status, enabled, created_at, updated_at
		FROM providers WHERE slug = $1`, slug)
}

func (r *ProviderRepository) scanOne(ctx context.Context, query string, arg interface{}) (*domain.Provider, error) {
	var p domain.Provider
	err := r.q.QueryRowContext(ctx, query, arg).Scan(
		&p.ID, &p.Slug, &p.Name, &p.Network, &p.ChainID, &p.Status, &p.Enabled, &p.CreatedAt, &p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, store.ErrProviderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get provider: %w", err)
	}
	return &p, nil
}

func (r *ProviderRepository) List(ctx context.Context) ([]*domain.Provider, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, slug, name, network, chain_id, status, enabled, created_at, updated_at
		FROM providers ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	var out []*domain.Provider
	for rows.Next() {
		var p domain.Provider
		if err := rows.Scan(&p.ID, &p.Slug, &p.Name, &p.Network, &p.ChainID, &p.Status, &p.Enabled, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}
