package sweep_test

import (
	"context"
	"errors"
	"testing"

	"github.com/depinlabs/storage-aggregator/internal/domain"
	"github.com/depinlabs/storage-aggregator/internal/provider"
	"github.com/depinlabs/storage-aggregator/internal/storetest"
	"github.com/depinlabs/storage-aggregator/internal/sweep"
)

type fakeAdapter struct {
	slug   string
	result provider.StatusResult
	err    error
}

func (f *fakeAdapter) Slug() string                         { return f.slug }
func (f *fakeAdapter) Initialize(ctx context.Context) error  { return nil }
func (f *fakeAdapter) IsAvailable(ctx context.Context) bool  { return true }
func (f *fakeAdapter) GetAvailablePlans(ctx context.Context) ([]provider.Plan, error) {
	return nil, nil
}
func (f *fakeAdapter) SyncPlans(ctx context.Context, sync provider.SyncFunc) (provider.SyncResult, error) {
	return provider.SyncResult{}, nil
}
func (f *fakeAdapter) ExecuteStorageTransaction(ctx context.Context, params provider.ExecuteParams) (provider.TxResult, error) {
	return provider.TxResult{}, nil
}
func (f *fakeAdapter) CheckTransactionStatus(ctx context.Context, txHash string) (provider.StatusResult, error) {
	return f.result, f.err
}
func (f *fakeAdapter) GetTransactionExplorerUrl(txHash string) string { return "https://explorer/" + txHash }

type fakeResolver struct {
	adapters map[string]provider.Adapter
}

func (r *fakeResolver) Get(slug string) (provider.Adapter, error) {
	a, ok := r.adapters[slug]
	if !ok {
		return nil, errors.New("no adapter for " + slug)
	}
	return a, nil
}

type fakeDispatcher struct {
	dispatched []string
	err        error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, orderID string) (string, error) {
	f.dispatched = append(f.dispatched, orderID)
	if f.err != nil {
		return "", f.err
	}
	return "tx-" + orderID, nil
}

func seedProviderAndUser(t *testing.T, s *storetest.Store, slug string) (*domain.Provider, *domain.User) {
	t.Helper()
	ctx := context.Background()
	p := &domain.Provider{Slug: slug, Status: domain.ProviderStatusActive, Enabled: true}
	if err := s.Providers().Create(ctx, p); err != nil {
		t.Fatalf("create provider: %v", err)
	}
	u := &domain.User{Email: "buyer@example.com"}
	if err := s.Users().Create(ctx, u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return p, u
}

// TestSweep_RecheckTransactions_AdvancesStalledSubmission exercises the
// recovery path for a transaction a restarted poller lost track of.
func TestSweep_RecheckTransactions_AdvancesStalledSubmission(t *testing.T) {
	s := storetest.New()
	ctx := context.Background()
	p, u := seedProviderAndUser(t, s, "filecoin")

	order := &domain.Order{UserID: u.ID, ProviderID: p.ID, PlanID: "plan-1", Status: domain.OrderStatusBlockchainProcessing, DurationDays: 90}
	if err := s.Orders().Create(ctx, order); err != nil {
		t.Fatalf("create order: %v", err)
	}
	tx := &domain.BlockchainTransaction{OrderID: order.ID, ProviderID: p.ID, TxHash: "0xabc", Status: domain.TxStatusSubmitted}
	if err := s.Transactions().Create(ctx, tx); err != nil {
		t.Fatalf("create tx: %v", err)
	}

	adapter := &fakeAdapter{slug: "filecoin", result: provider.StatusResult{Status: provider.StatusConfirmed, Confirmations: 10}}
	sw := sweep.New(s, &fakeResolver{adapters: map[string]provider.Adapter{"filecoin": adapter}}, nil, nil, nil)

	if err := sw.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	gotOrder, err := s.Orders().Get(ctx, order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if gotOrder.Status != domain.OrderStatusCompleted {
		t.Errorf("expected order COMPLETED after sweep reconciliation, got %s", gotOrder.Status)
	}
}

// TestSweep_RedispatchOrders_RecoversOrdersStuckBeforeDispatch exercises
// the PAYMENT_COMPLETED-with-no-live-transaction recovery path.
func TestSweep_RedispatchOrders_RecoversOrdersStuckBeforeDispatch(t *testing.T) {
	s := storetest.New()
	ctx := context.Background()
	p, u := seedProviderAndUser(t, s, "lighthouse")

	stuckOrder := &domain.Order{UserID: u.ID, ProviderID: p.ID, PlanID: "plan-1", Status: domain.OrderStatusPaymentCompleted}
	if err := s.Orders().Create(ctx, stuckOrder); err != nil {
		t.Fatalf("create order: %v", err)
	}

	dispatcher := &fakeDispatcher{}
	sw := sweep.New(s, &fakeResolver{}, dispatcher, nil, nil)

	if err := sw.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(dispatcher.dispatched) != 1 || dispatcher.dispatched[0] != stuckOrder.ID {
		t.Errorf("expected the stuck order to be re-dispatched, got %v", dispatcher.dispatched)
	}
}

// TestSweep_RedispatchOrders_SkipsOrdersWithALiveTransaction confirms the
// sweep does not re-trigger submission for an order that already has a
// non-FAILED transaction in flight.
func TestSweep_RedispatchOrders_SkipsOrdersWithALiveTransaction(t *testing.T) {
	s := storetest.New()
	ctx := context.Background()
	p, u := seedProviderAndUser(t, s, "greenfield")

	order := &domain.Order{UserID: u.ID, ProviderID: p.ID, PlanID: "plan-1", Status: domain.OrderStatusPaymentCompleted}
	if err := s.Orders().Create(ctx, order); err != nil {
		t.Fatalf("create order: %v", err)
	}
	tx := &domain.BlockchainTransaction{OrderID: order.ID, ProviderID: p.ID, Status: domain.TxStatusPending}
	if err := s.Transactions().Create(ctx, tx); err != nil {
		t.Fatalf("create tx: %v", err)
	}

	dispatcher := &fakeDispatcher{}
	sw := sweep.New(s, &fakeResolver{}, dispatcher, nil, nil)

	if err := sw.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dispatcher.dispatched) != 0 {
		t.Errorf("expected no re-dispatch for an order with a live transaction, got %v", dispatcher.dispatched)
	}
}

// TestSweep_RecheckTransactions_ContinuesPastOneAdapterError confirms a
// single failing recheck doesn't block the rest of the batch.
func TestSweep_RecheckTransactions_ContinuesPastOneAdapterError(t *testing.T) {
	s := storetest.New()
	ctx := context.Background()
	p, u := seedProviderAndUser(t, s, "filecoin")

	bad := &domain.Order{UserID: u.ID, ProviderID: p.ID, PlanID: "plan-1", Status: domain.OrderStatusBlockchainProcessing, DurationDays: 90}
	if err := s.Orders().Create(ctx, bad); err != nil {
		t.Fatalf("create order: %v", err)
	}
	badTx := &domain.BlockchainTransaction{OrderID: bad.ID, ProviderID: p.ID, TxHash: "0xbad", Status: domain.TxStatusSubmitted}
	if err := s.Transactions().Create(ctx, badTx); err != nil {
		t.Fatalf("create tx: %v", err)
	}

	good := &domain.Order{UserID: u.ID, ProviderID: p.ID, PlanID: "plan-1", Status: domain.OrderStatusBlockchainProcessing, DurationDays: 90}
	if err := s.Orders().Create(ctx, good); err != nil {
		t.Fatalf("create order: %v", err)
	}
	goodTx := &domain.BlockchainTransaction{OrderID: good.ID, ProviderID: p.ID, TxHash: "0xgood", Status: domain.TxStatusConfirming}
	if err := s.Transactions().Create(ctx, goodTx); err != nil {
		t.Fatalf("create tx: %v", err)
	}

	adapter := &erroringOnceAdapter{
		slug:    "filecoin",
		failFor: "0xbad",
		ok:      provider.StatusResult{Status: provider.StatusConfirmed, Confirmations: 12},
	}
	sw := sweep.New(s, &fakeResolver{adapters: map[string]provider.Adapter{"filecoin": adapter}}, nil, nil, nil)

	if err := sw.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	gotGood, err := s.Orders().Get(ctx, good.ID)
	if err != nil {
		t.Fatalf("get good order: %v", err)
	}
	if gotGood.Status != domain.OrderStatusCompleted {
		t.Errorf("expected the unaffected order to still be reconciled to COMPLETED, got %s", gotGood.Status)
	}
}

type erroringOnceAdapter struct {
	slug    string
	failFor string
	ok      provider.StatusResult
}

func (f *erroringOnceAdapter) Slug() string                        { return f.slug }
func (f *erroringOnceAdapter) Initialize(ctx context.Context) error { return nil }
func (f *erroringOnceAdapter) IsAvailable(ctx context.Context) bool { return true }
func (f *erroringOnceAdapter) GetAvailablePlans(ctx context.Context) ([]provider.Plan, error) {
	return nil, nil
}
func (f *erroringOnceAdapter) SyncPlans(ctx context.Context, sync provider.SyncFunc) (provider.SyncResult, error) {
	return provider.SyncResult{}, nil
}
func (f *erroringOnceAdapter) ExecuteStorageTransaction(ctx context.Context, params provider.ExecuteParams) (provider.TxResult, error) {
	return provider.TxResult{}, nil
}
func (f *erroringOnceAdapter) CheckTransactionStatus(ctx context.Context, txHash string) (provider.StatusResult, error) {
	if txHash == f.failFor {
		return provider.StatusResult{}, errors.New("rpc unreachable")
	}
	return f.ok, nil
}
func (f *erroringOnceAdapter) GetTransactionExplorerUrl(txHash string) string { return "https://explorer/" + txHash }
