package provider

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Registry is a concurrency-safe lookup of Adapters keyed by provider
// slug, populated once at startup and read-mostly thereafter.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	degraded map[string]bool
}

func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		degraded: make(map[string]bool),
	}
}

// Register adds an adapter under its own Slug(). A second call for the
// same slug replaces the prior entry (last write wins, no error on
// overwrite).
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Slug()] = a
	delete(r.degraded, a.Slug())
}

// InitializeAll calls Initialize on every registered adapter. An adapter
// whose Initialize fails is marked degraded rather than removed: it stays
// visible via All() but is excluded from Available().
func (r *Registry) InitializeAll(ctx context.Context) map[string]error {
	r.mu.RLock()
	snapshot := make(map[string]Adapter, len(r.adapters))
	for slug, a := range r.adapters {
		snapshot[slug] = a
	}
	r.mu.RUnlock()

	errs := make(map[string]error)
	for slug, a := range snapshot {
		if err := a.Initialize(ctx); err != nil {
			r.mu.Lock()
			r.degraded[slug] = true
			r.mu.Unlock()
			errs[slug] = err
		}
	}
	return errs
}

// Get returns the adapter for slug, or an error if it was never registered.
func (r *Registry) Get(slug string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[slug]
	if !ok {
		return nil, fmt.Errorf("provider %q is not registered", slug)
	}
	return a, nil
}

// GetOrNone returns (adapter, true) on hit and (nil, false) on miss, for
// callers that want to branch without constructing an error.
func (r *Registry) GetOrNone(slug string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[slug]
	return a, ok
}

// All returns every registered adapter, regardless of degraded state.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	return out
}

// Available returns adapters that are registered, not flagged degraded, and
// currently pass IsAvailable. The checkout initiator does not consult it.
func (r *Registry) Available(ctx context.Context) []Adapter {
	r.mu.RLock()
	snapshot := make([]Adapter, 0, len(r.adapters))
	for slug, a := range r.adapters {
		if r.degraded[slug] {
			continue
		}
		snapshot = append(snapshot, a)
	}
	r.mu.RUnlock()

	out := make([]Adapter, 0, len(snapshot))
	for _, a := range snapshot {
		if a.IsAvailable(ctx) {
			out = append(out, a)
		}
	}
	return out
}

// SyncAll runs SyncPlans against every registered adapter concurrently,
// passing each the caller's sync func, and collects the per-slug results
// for the periodic catalog-sync job. Adapters have no
// ordering guarantee against each other; a single adapter's
// failure does not block the others and is folded into its own SyncResult
// rather than aborting the group.
func (r *Registry) SyncAll(ctx context.Context, syncFn SyncFunc) map[string]SyncResult {
	r.mu.RLock()
	snapshot := make(map[string]Adapter, len(r.adapters))
	for slug, a := range r.adapters {
		snapshot[slug] = a
	}
	r.mu.RUnlock()

	var mu sync.Mutex
	out := make(map[string]SyncResult, len(snapshot))

	g, gctx := errgroup.WithContext(ctx)
	for slug, a := range snapshot {
		slug, a := slug, a
		g.Go(func() error {
			res, err := a.SyncPlans(gctx, syncFn)
			if err != nil {
				res.Errors = append(res.Errors, err.Error())
			}
			mu.Lock()
			out[slug] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}
