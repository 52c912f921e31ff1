package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/depinlabs/storage-aggregator/internal/domain"
	"github.com/depinlabs/storage-aggregator/internal/store"
)

// PlanRepository handles StoragePlan CRUD, including the version-bumping
// writes used by the catalog sync.
type PlanRepository struct {
	q Querier
}

func NewPlanRepository(q Querier) *PlanRepository { return &PlanRepository{q: q} }

func (r *PlanRepository) Create(ctx context.Context, p *domain.StoragePlan) error {
	if p.Version == 0 {
		p.Version = 1
	}
	query := `
		INSERT INTO storage_plans (
			id, provider_id, external_plan_id, size_gb, size_bytes, duration_days,
			price_cents, price_native, currency, status, active, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now(), now())
		RETURNING created_at, updated_at`
	err := r.q.QueryRowContext(ctx, query,
		p.ID, p.ProviderID, p.ExternalPlanID, p.SizeGB, p.SizeBytes, p.DurationDays,
		p.PriceCents, nullString(p.PriceNative), p.Currency, p.Status, p.Active, p.Version,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create plan: %w", wrapUnique(err))
	}
	return nil
}

func (r *PlanRepository) Get(ctx context.Context, id string) (*domain.StoragePlan, error) {
	return r.scanOne(ctx, `
		SELECT id, provider_id, external_plan_id, size_gb, size_bytes, duration_days,
			price_cents, price_native, currency, status, active, version, created_at, updated_at
		FROM storage_plans WHERE id = $1`, id)
}

func (r *PlanRepository) GetByExternalID(ctx context.Context, providerID, externalPlanID string) (*domain.StoragePlan, error) {
	return r.scanOne(ctx, `
		SELECT id, provider_id, external_plan_id, size_gb, size_bytes, duration_days,
			price_cents, price_native, currency, status, active, version, created_at, updated_at
		FROM storage_plans WHERE provider_id = $1 AND external_plan_id = $2`, providerID, externalPlanID)
}

func (r *PlanRepository) scanOne(ctx context.Context, query string, args ...interface{}) (*domain.StoragePlan, error) {
	var p domain.StoragePlan
	var priceNative sql.NullString
	err := r.q.QueryRowContext(ctx, query, args...).Scan(
		&p.ID, &p.ProviderID, &p.ExternalPlanID, &p.SizeGB, &p.SizeBytes, &p.DurationDays,
		&p.PriceCents, &priceNative, &p.Currency, &p.Status, &p.Active, &p.Version, &p.CreatedAt, &p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, store.ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	p.PriceNative = priceNative.String
	return &p, nil
}

func (r *PlanRepository) ListByProvider(ctx context.Context, providerID string) ([]*domain.StoragePlan, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, provider_id, external_plan_id, size_gb, size_bytes, duration_days,
			price_cents, price_native, currency, status, active, version, created_at, updated_at
		FROM storage_plans WHERE provider_id = $1 ORDER BY external_plan_id`, providerID)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var out []*domain.StoragePlan
	for rows.Next() {
		var p domain.StoragePlan
		var priceNative sql.NullString
		if err := rows.Scan(&p.ID, &p.ProviderID, &p.ExternalPlanID, &p.SizeGB, &p.SizeBytes, &p.DurationDays,
			&p.PriceCents, &priceNative, &p.Currency, &p.Status, &p.Active, &p.Version, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		p.PriceNative = priceNative.String
		out = append(out, &p)
	}
	return out, rows.Err()
}

// Update persists a reconciled plan, incrementing version. It never
// touches an Order's snapshotted copy of these fields.
func (r *PlanRepository) Update(ctx context.Context, p *domain.StoragePlan) error {
	p.Version++
	res, err := r.q.ExecContext(ctx, `
		UPDATE storage_plans SET
			size_gb = $1, size_bytes = $2, duration_days = $3, price_cents = $4,
			price_native = $5, currency = $6, status = $7, active = $8, version = $9, updated_at = now()
		WHERE id = $10`,
		p.SizeGB, p.SizeBytes, p.DurationDays, p.PriceCents, nullString(p.PriceNative),
		p.Currency, p.Status, p.Active, p.Version, p.ID)
	if err != nil {
		return fmt.Errorf("update plan: %w", err)
	}
	return checkRowsAffected(res, store.ErrPlanNotFound)
}

// MarkUnavailable marks a plan absent from the provider's remote catalog
// as UNAVAILABLE without deleting it.
func (r *PlanRepository) MarkUnavailable(ctx context.Context, id string) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE storage_plans SET status = $1, active = false, version = version + 1, updated_at = now()
		WHERE id = $2`, domain.PlanStatusUnavailable, id)
	if err != nil {
		return fmt.Errorf("mark plan unavailable: %w", err)
	}
	return checkRowsAffected(res, store.ErrPlanNotFound)
}
