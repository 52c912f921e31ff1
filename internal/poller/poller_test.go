package poller_test

import (
	"context"
	"testing"

	"github.com/depinlabs/storage-aggregator/internal/domain"
	"github.com/depinlabs/storage-aggregator/internal/poller"
	"github.com/depinlabs/storage-aggregator/internal/provider"
	"github.com/depinlabs/storage-aggregator/internal/storetest"
)

func seedProcessingOrderWithTx(t *testing.T, s *storetest.Store) (*domain.Order, *domain.BlockchainTransaction) {
	t.Helper()
	ctx := context.Background()

	p := &domain.Provider{Slug: "filecoin", Status: domain.ProviderStatusActive, Enabled: true}
	if err := s.Providers().Create(ctx, p); err != nil {
		t.Fatalf("create provider: %v", err)
	}
	user := &domain.User{Email: "buyer@example.com"}
	if err := s.Users().Create(ctx, user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	order := &domain.Order{
		UserID: user.ID, ProviderID: p.ID, PlanID: "plan-1",
		Status: domain.OrderStatusBlockchainProcessing, DurationDays: 180, PriceCents: 99, Currency: "usd",
	}
	if err := s.Orders().Create(ctx, order); err != nil {
		t.Fatalf("create order: %v", err)
	}
	tx := &domain.BlockchainTransaction{
		OrderID: order.ID, ProviderID: p.ID, TxHash: "0xabc", Status: domain.TxStatusSubmitted,
	}
	if err := s.Transactions().Create(ctx, tx); err != nil {
		t.Fatalf("create tx: %v", err)
	}
	return order, tx
}

func TestApplyStatus_Confirmed_CompletesOrderAndStampsExpiry(t *testing.T) {
	s := storetest.New()
	order, tx := seedProcessingOrderWithTx(t, s)

	done, err := poller.ApplyStatus(context.Background(), s, tx, provider.StatusResult{
		Status: provider.StatusConfirmed, Confirmations: 6, BlockNumber: 1000,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !done {
		t.Error("expected CONFIRMED to be reported as a terminal result")
	}

	gotOrder, err := s.Orders().Get(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if gotOrder.Status != domain.OrderStatusCompleted {
		t.Errorf("expected order COMPLETED, got %s", gotOrder.Status)
	}
	if gotOrder.AllocatedAt == nil || gotOrder.ExpiresAt == nil {
		t.Fatal("expected allocation window to be stamped")
	}
	wantExpiry := gotOrder.AllocatedAt.AddDate(0, 0, order.DurationDays)
	if !gotOrder.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("expected expiresAt = allocatedAt + %d days, got allocatedAt=%v expiresAt=%v", order.DurationDays, gotOrder.AllocatedAt, gotOrder.ExpiresAt)
	}

	gotTx, err := s.Transactions().Get(context.Background(), tx.ID)
	if err != nil {
		t.Fatalf("get tx: %v", err)
	}
	if gotTx.Status != domain.TxStatusConfirmed || gotTx.Confirmations != 6 {
		t.Errorf("expected tx CONFIRMED with 6 confirmations, got %+v", gotTx)
	}
}

func TestApplyStatus_Confirmed_IsIdempotentOnReplay(t *testing.T) {
	s := storetest.New()
	_, tx := seedProcessingOrderWithTx(t, s)

	ctx := context.Background()
	if _, err := poller.ApplyStatus(ctx, s, tx, provider.StatusResult{Status: provider.StatusConfirmed, Confirmations: 6}); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	// A duplicate sweep pass observing the same finality must not error even
	// though the order has already moved past BLOCKCHAIN_CONFIRMED.
	if _, err := poller.ApplyStatus(ctx, s, tx, provider.StatusResult{Status: provider.StatusConfirmed, Confirmations: 7}); err != nil {
		t.Fatalf("replayed apply: %v", err)
	}
}

func TestApplyStatus_Failed_MarksOrderBlockchainFailed(t *testing.T) {
	s := storetest.New()
	order, tx := seedProcessingOrderWithTx(t, s)

	done, err := poller.ApplyStatus(context.Background(), s, tx, provider.StatusResult{
		Status: provider.StatusFailed, StatusMessage: "reverted",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !done {
		t.Error("expected FAILED to be reported as a terminal result")
	}

	got, err := s.Orders().Get(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != domain.OrderStatusBlockchainFailed {
		t.Errorf("expected order BLOCKCHAIN_FAILED, got %s", got.Status)
	}
}

func TestApplyStatus_Confirming_IsNotTerminal(t *testing.T) {
	s := storetest.New()
	_, tx := seedProcessingOrderWithTx(t, s)

	done, err := poller.ApplyStatus(context.Background(), s, tx, provider.StatusResult{
		Status: provider.StatusConfirming, Confirmations: 2,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if done {
		t.Error("expected CONFIRMING to not be reported as terminal, so the watch continues")
	}

	gotTx, err := s.Transactions().Get(context.Background(), tx.ID)
	if err != nil {
		t.Fatalf("get tx: %v", err)
	}
	if gotTx.Status != domain.TxStatusConfirming || gotTx.Confirmations != 2 {
		t.Errorf("expected tx CONFIRMING with 2 confirmations recorded, got %+v", gotTx)
	}
}
