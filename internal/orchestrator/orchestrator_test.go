package orchestrator_test

import (
	"context"
	"testing"

	"github.com/depinlabs/storage-aggregator/internal/apperr"
	"github.com/depinlabs/storage-aggregator/internal/domain"
	"github.com/depinlabs/storage-aggregator/internal/orchestrator"
	"github.com/depinlabs/storage-aggregator/internal/provider"
	"github.com/depinlabs/storage-aggregator/internal/storetest"
)

type fakeAdapter struct {
	slug   string
	result provider.TxResult
	err    error
	calls  int
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
	f.calls++
	return f.result, f.err
}
func (f *fakeAdapter) CheckTransactionStatus(ctx context.Context, txHash string) (provider.StatusResult, error) {
	return provider.StatusResult{}, nil
}
func (f *fakeAdapter) GetTransactionExplorerUrl(txHash string) string { return "https://explorer/" + txHash }

type fakeResolver struct {
	adapters map[string]provider.Adapter
}

func (r *fakeResolver) Get(slug string) (provider.Adapter, error) {
	a, ok := r.adapters[slug]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "unknown provider "+slug)
	}
	return a, nil
}

type fakeConfirmScheduler struct {
	scheduled []string
}

func (f *fakeConfirmScheduler) ScheduleConfirmation(txID string) {
	f.scheduled = append(f.scheduled, txID)
}

func seedReadyOrder(t *testing.T, s *storetest.Store, adapterSlug string) *domain.Order {
	t.Helper()
	ctx := context.Background()

	p := &domain.Provider{Slug: adapterSlug, Status: domain.ProviderStatusActive, Enabled: true}
	if err := s.Providers().Create(ctx, p); err != nil {
		t.Fatalf("create provider: %v", err)
	}
	user := &domain.User{Email: "buyer@example.com"}
	if err := s.Users().Create(ctx, user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	order := &domain.Order{
		UserID: user.ID, ProviderID: p.ID, PlanID: "plan-1",
		Status: domain.OrderStatusPaymentCompleted, PriceCents: 99, Currency: "usd",
		SizeBytes: 1 << 30, DurationDays: 180,
	}
	if err := s.Orders().Create(ctx, order); err != nil {
		t.Fatalf("create order: %v", err)
	}
	return order
}

func TestDispatch_HappyPath_SchedulesConfirmation(t *testing.T) {
	s := storetest.New()
	order := seedReadyOrder(t, s, "filecoin")

	adapter := &fakeAdapter{slug: "filecoin", result: provider.TxResult{
		Success: true, TxHash: "0xabc", Status: provider.StatusSubmitted,
		StorageID: "deal-1", StorageEndpoint: "https://filecoin/deal-1",
	}}
	confirm := &fakeConfirmScheduler{}
	orch := orchestrator.New(s, &fakeResolver{adapters: map[string]provider.Adapter{"filecoin": adapter}}, confirm, nil, nil)

	txID, err := orch.Dispatch(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if txID == "" {
		t.Fatal("expected a transaction id")
	}

	got, err := s.Orders().Get(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != domain.OrderStatusBlockchainProcessing {
		t.Errorf("expected order BLOCKCHAIN_PROCESSING, got %s", got.Status)
	}
	if got.StorageID != "deal-1" {
		t.Errorf("expected storage allocation persisted, got %q", got.StorageID)
	}

	tx, err := s.Transactions().Get(context.Background(), txID)
	if err != nil {
		t.Fatalf("get tx: %v", err)
	}
	if tx.TxHash != "0xabc" {
		t.Errorf("expected tx hash persisted, got %q", tx.TxHash)
	}

	if len(confirm.scheduled) != 1 || confirm.scheduled[0] != txID {
		t.Errorf("expected confirmation scheduled for %s, got %v", txID, confirm.scheduled)
	}
}

func TestDispatch_RejectsWrongOrderStatus(t *testing.T) {
	s := storetest.New()
	order := seedReadyOrder(t, s, "filecoin")
	if _, err := s.Orders().UpdateStatus(context.Background(), order.ID, domain.OrderStatusPaymentCompleted, domain.OrderStatusBlockchainPending, ""); err != nil {
		t.Fatalf("advance order: %v", err)
	}

	orch := orchestrator.New(s, &fakeResolver{adapters: map[string]provider.Adapter{}}, nil, nil, nil)
	_, err := orch.Dispatch(context.Background(), order.ID)

	appErr, ok := apperr.As(err)
	if !ok || appErr.Kind != apperr.KindInvalidOrderState {
		t.Fatalf("expected INVALID_ORDER_STATE, got %v", err)
	}
}

func TestDispatch_ExistingLiveTransactionIsIdempotent(t *testing.T) {
	s := storetest.New()
	order := seedReadyOrder(t, s, "filecoin")

	adapter := &fakeAdapter{slug: "filecoin", result: provider.TxResult{Success: true, TxHash: "0x1", Status: provider.StatusSubmitted}}
	orch := orchestrator.New(s, &fakeResolver{adapters: map[string]provider.Adapter{"filecoin": adapter}}, nil, nil, nil)

	first, err := orch.Dispatch(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("first dispatch: %v", err)
	}

	// A redelivered webhook/operator trigger calling Dispatch again for the
	// same order must return the existing transaction rather than submitting
	// a second one.
	second, err := orch.Dispatch(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if second != first {
		t.Errorf("expected the same transaction id on redelivery, got first=%s second=%s", first, second)
	}
	if adapter.calls != 1 {
		t.Errorf("expected the adapter to be invoked exactly once, got %d calls", adapter.calls)
	}
}

func TestDispatch_SubmissionFailure_MarksOrderBlockchainFailed(t *testing.T) {
	s := storetest.New()
	order := seedReadyOrder(t, s, "filecoin")

	adapter := &fakeAdapter{slug: "filecoin", result: provider.TxResult{Success: false, Error: "insufficient balance"}}
	orch := orchestrator.New(s, &fakeResolver{adapters: map[string]provider.Adapter{"filecoin": adapter}}, nil, nil, nil)

	_, err := orch.Dispatch(context.Background(), order.ID)
	appErr, ok := apperr.As(err)
	if !ok || appErr.Kind != apperr.KindTransactionFailed {
		t.Fatalf("expected TRANSACTION_FAILED, got %v", err)
	}

	got, _ := s.Orders().Get(context.Background(), order.ID)
	if got.Status != domain.OrderStatusBlockchainFailed {
		t.Errorf("expected order BLOCKCHAIN_FAILED, got %s", got.Status)
	}
}

// A transaction whose retry budget is spent must refuse further retries
// with MAX_RETRIES rather than resubmitting.
func TestRetry_MaxRetriesExceeded(t *testing.T) {
	s := storetest.New()
	order := seedReadyOrder(t, s, "filecoin")
	tx := &domain.BlockchainTransaction{
		OrderID: order.ID, ProviderID: order.ProviderID, Status: domain.TxStatusFailed,
		RetryCount: domain.DefaultMaxRetries, MaxRetries: domain.DefaultMaxRetries,
	}
	if err := s.Transactions().Create(context.Background(), tx); err != nil {
		t.Fatalf("create tx: %v", err)
	}

	orch := orchestrator.New(s, &fakeResolver{adapters: map[string]provider.Adapter{}}, nil, nil, nil)
	err := orch.Retry(context.Background(), tx.ID)

	appErr, ok := apperr.As(err)
	if !ok || appErr.Kind != apperr.KindMaxRetries {
		t.Fatalf("expected MAX_RETRIES, got %v", err)
	}
}

// TestRetry_WithBudgetRemaining_RedispatchesSuccessfully models an operator
// retry after a failed submission: the retry budget still has room and the
// order sits in BLOCKCHAIN_FAILED, from which Dispatch re-enters.
func TestRetry_WithBudgetRemaining_RedispatchesSuccessfully(t *testing.T) {
	s := storetest.New()
	order := seedReadyOrder(t, s, "filecoin")
	if _, err := s.Orders().UpdateStatus(context.Background(), order.ID, domain.OrderStatusPaymentCompleted, domain.OrderStatusBlockchainPending, ""); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := s.Orders().UpdateStatus(context.Background(), order.ID, domain.OrderStatusBlockchainPending, domain.OrderStatusBlockchainProcessing, ""); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := s.Orders().UpdateStatus(context.Background(), order.ID, domain.OrderStatusBlockchainProcessing, domain.OrderStatusBlockchainFailed, "rpc timeout"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	tx := &domain.BlockchainTransaction{
		OrderID: order.ID, ProviderID: order.ProviderID, Status: domain.TxStatusFailed,
		RetryCount: 1, MaxRetries: domain.DefaultMaxRetries,
	}
	if err := s.Transactions().Create(context.Background(), tx); err != nil {
		t.Fatalf("create tx: %v", err)
	}

	adapter := &fakeAdapter{slug: "filecoin", result: provider.TxResult{Success: true, TxHash: "0xretry", Status: provider.StatusSubmitted}}
	orch := orchestrator.New(s, &fakeResolver{adapters: map[string]provider.Adapter{"filecoin": adapter}}, nil, nil, nil)

	if err := orch.Retry(context.Background(), tx.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := s.Orders().Get(context.Background(), order.ID)
	if got.Status != domain.OrderStatusBlockchainProcessing {
		t.Errorf("expected order BLOCKCHAIN_PROCESSING after successful retry, got %s", got.Status)
	}
	if adapter.calls != 1 {
		t.Errorf("expected the adapter to be invoked once on retry, got %d", adapter.calls)
	}

	gotTx, _ := s.Transactions().Get(context.Background(), tx.ID)
	if gotTx.TxHash != "0xretry" {
		t.Errorf("expected the retried submission to reuse the original transaction row, got %+v", gotTx)
	}
}
