// Package plansync reconciles provider plan catalogs into the store: add
// missing plans, update changed ones (incrementing version), mark absent
// ones UNAVAILABLE. Per-plan errors are
// collected into the SyncResult, never thrown. Scheduled on
// PROVIDER_SYNC_CRON via robfig/cron, the same scheduling library the sweep
// uses; each run is recorded as a ProviderSyncLog row.
package plansync

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/depinlabs/storage-aggregator/internal/domain"
	"github.com/depinlabs/storage-aggregator/internal/metrics"
	"github.com/depinlabs/storage-aggregator/internal/provider"
	"github.com/depinlabs/storage-aggregator/internal/store"
)

// Syncer drives the periodic catalog reconciliation across every registered
// adapter.
type Syncer struct {
	store    store.Store
	registry *provider.Registry
	logger   *log.Logger
	metrics  *metrics.Metrics

	cron *cron.Cron
}

func New(s store.Store, registry *provider.Registry, logger *log.Logger, m *metrics.Metrics) *Syncer {
	if logger == nil {
		logger = log.New(log.Writer(), "[plansync] ", log.LstdFlags)
	}
	return &Syncer{
		store:    s,
		registry: registry,
		logger:   logger,
		metrics:  m,
		cron:     cron.New(),
	}
}

// Start schedules Run on schedule (five-field cron, default "0 */6 * * *")
// and begins the scheduler.
func (sy *Syncer) Start(ctx context.Context, schedule string) error {
	_, err := sy.cron.AddFunc(schedule, func() {
		sy.Run(ctx)
	})
	if err != nil {
		return err
	}
	sy.cron.Start()
	return nil
}

func (sy *Syncer) Stop() {
	<-sy.cron.Stop().Done()
}

// Run fans the reconciliation out across every registered adapter and logs
// the per-slug outcomes.
func (sy *Syncer) Run(ctx context.Context) map[string]provider.SyncResult {
	results := sy.registry.SyncAll(ctx, sy.Reconcile)
	for slug, res := range results {
		if len(res.Errors) > 0 {
			sy.logger.Printf("provider %s: sync finished with %d errors (added=%d updated=%d removed=%d): %v",
				slug, len(res.Errors), res.Added, res.Updated, res.Removed, res.Errors)
			continue
		}
		sy.logger.Printf("provider %s: sync ok (added=%d updated=%d removed=%d)", slug, res.Added, res.Updated, res.Removed)
	}
	return results
}

// Reconcile is the provider.SyncFunc bound to the store: it diffs the
// remote catalog against the stored plans for the provider identified by
// slug and persists a ProviderSyncLog row for the run.
func (sy *Syncer) Reconcile(ctx context.Context, slug string, remote []provider.Plan) (provider.SyncResult, error) {
	providerRow, err := sy.store.Providers().GetBySlug(ctx, slug)
	if err != nil {
		return provider.SyncResult{}, fmt.Errorf("resolve provider %q: %w", slug, err)
	}

	startedAt := time.Now()
	var result provider.SyncResult

	existing, err := sy.store.Plans().ListByProvider(ctx, providerRow.ID)
	if err != nil {
		return provider.SyncResult{}, fmt.Errorf("list plans for %q: %w", slug, err)
	}
	byExternalID := make(map[string]*domain.StoragePlan, len(existing))
	for _, p := range existing {
		byExternalID[p.ExternalPlanID] = p
	}

	seen := make(map[string]bool, len(remote))
	for _, rp := range remote {
		seen[rp.ExternalPlanID] = true
		current, ok := byExternalID[rp.ExternalPlanID]
		if !ok {
			plan := &domain.StoragePlan{
				ID:             uuid.New().String(),
				ProviderID:     providerRow.ID,
				ExternalPlanID: rp.ExternalPlanID,
				SizeGB:         rp.SizeGB,
				SizeBytes:      rp.SizeBytes,
				DurationDays:   rp.DurationDays,
				PriceCents:     rp.PriceCents,
				PriceNative:    rp.PriceNative,
				Currency:       rp.Currency,
				Status:         domain.PlanStatusAvailable,
				Active:         true,
			}
			if err := sy.store.Plans().Create(ctx, plan); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("add %s: %v", rp.ExternalPlanID, err))
				continue
			}
			result.Added++
			sy.recordAction(slug, "added")
			continue
		}

		if planUnchanged(current, rp) {
			continue
		}
		current.SizeGB = rp.SizeGB
		current.SizeBytes = rp.SizeBytes
		current.DurationDays = rp.DurationDays
		current.PriceCents = rp.PriceCents
		current.PriceNative = rp.PriceNative
		current.Currency = rp.Currency
		current.Status = domain.PlanStatusAvailable
		current.Active = true
		if err := sy.store.Plans().Update(ctx, current); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("update %s: %v", rp.ExternalPlanID, err))
			continue
		}
		result.Updated++
		sy.recordAction(slug, "updated")
	}

	for _, p := range existing {
		if seen[p.ExternalPlanID] || p.Status == domain.PlanStatusUnavailable {
			continue
		}
		if err := sy.store.Plans().MarkUnavailable(ctx, p.ID); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("remove %s: %v", p.ExternalPlanID, err))
			continue
		}
		result.Removed++
		sy.recordAction(slug, "removed")
	}

	finishedAt := time.Now()
	entry := &domain.ProviderSyncLog{
		ID:         uuid.New().String(),
		ProviderID: providerRow.ID,
		StartedAt:  startedAt,
		FinishedAt: &finishedAt,
		Added:      result.Added,
		Updated:    result.Updated,
		Removed:    result.Removed,
		Errors:     result.Errors,
	}
	if err := sy.store.SyncLogs().Create(ctx, entry); err != nil {
		sy.logger.Printf("provider %s: record sync log: %v", slug, err)
	}

	return result, nil
}

func (sy *Syncer) recordAction(slug, action string) {
	if sy.metrics != nil {
		sy.metrics.PlanSyncReconciled.WithLabelValues(slug, action).Inc()
	}
}

func planUnchanged(current *domain.StoragePlan, remote provider.Plan) bool {
	return current.SizeGB == remote.SizeGB &&
		current.SizeBytes == remote.SizeBytes &&
		current.DurationDays == remote.DurationDays &&
		current.PriceCents == remote.PriceCents &&
		current.PriceNative == remote.PriceNative &&
		current.Currency == remote.Currency &&
		current.Status == domain.PlanStatusAvailable &&
		current.Active
}
