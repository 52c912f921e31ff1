package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/depinlabs/storage-aggregator/internal/domain"
	"github.com/depinlabs/storage-aggregator/internal/store"
)

// SyncLogRepository persists plan-catalog reconciliation runs
// (provider_sync_logs).
type SyncLogRepository struct {
	q Querier
}

func NewSyncLogRepository(q Querier) *SyncLogRepository { return &SyncLogRepository{q: q} }

func (r *SyncLogRepository) Create(ctx context.Context, l *domain.ProviderSyncLog) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO provider_sync_logs (id, provider_id, started_at, finished_at, added, updated, removed, errors)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		l.ID, l.ProviderID, l.StartedAt, nullTime(l.FinishedAt), l.Added, l.Updated, l.Removed, marshalErrors(l.Errors))
	if err != nil {
		return fmt.Errorf("create provider sync log: %w", err)
	}
	return nil
}

func (r *SyncLogRepository) ListByProvider(ctx context.Context, providerID string, limit int) ([]*domain.ProviderSyncLog, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, provider_id, started_at, finished_at, added, updated, removed, errors
		FROM provider_sync_logs WHERE provider_id = $1
		ORDER BY started_at DESC LIMIT $2`, providerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list provider sync logs: %w", err)
	}
	defer rows.Close()

	var out []*domain.ProviderSyncLog
	for rows.Next() {
		var l domain.ProviderSyncLog
		var finishedAt sql.NullTime
		var errsJSON []byte
		if err := rows.Scan(&l.ID, &l.ProviderID, &l.StartedAt, &finishedAt, &l.Added, &l.Updated, &l.Removed, &errsJSON); err != nil {
			return nil, fmt.Errorf("scan provider sync log: %w", err)
		}
		l.FinishedAt = timePtr(finishedAt)
		if len(errsJSON) > 0 {
			if err := json.Unmarshal(errsJSON, &l.Errors); err != nil {
				l.Errors = nil
			}
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

// SystemConfigRepository stores operator-tunable key/value settings
// (system_config).
type SystemConfigRepository struct {
	q Querier
}

func NewSystemConfigRepository(q Querier) *SystemConfigRepository {
	return &SystemConfigRepository{q: q}
}

func (r *SystemConfigRepository) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := r.q.QueryRowContext(ctx, `SELECT value FROM system_config WHERE key = $1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", store.ErrConfigNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get system config %q: %w", key, err)
	}
	return value, nil
}

func (r *SystemConfigRepository) Set(ctx context.Context, key, value string) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO system_config (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`, key, value)
	if err != nil {
		return fmt.Errorf("set system config %q: %w", key, err)
	}
	return nil
}
