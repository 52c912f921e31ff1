package webhook_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/depinlabs/storage-aggregator/internal/apperr"
	"github.com/depinlabs/storage-aggregator/internal/domain"
	"github.com/depinlabs/storage-aggregator/internal/storetest"
	"github.com/depinlabs/storage-aggregator/internal/webhook"
)

const testSecret = "whsec_test_secret"

type fakeScheduler struct {
	scheduled []string
}

func (f *fakeScheduler) ScheduleAllocation(orderID string) {
	f.scheduled = append(f.scheduled, orderID)
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func seedPaidOrder(t *testing.T, s *storetest.Store) (*domain.Order, *domain.Payment) {
	t.Helper()
	ctx := context.Background()

	provider := &domain.Provider{Slug: "filecoin", Status: domain.ProviderStatusActive, Enabled: true}
	if err := s.Providers().Create(ctx, provider); err != nil {
		t.Fatalf("create provider: %v", err)
	}
	user := &domain.User{Email: "buyer@example.com"}
	if err := s.Users().Create(ctx, user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	order := &domain.Order{
		UserID: user.ID, ProviderID: provider.ID, PlanID: "plan-1",
		Status: domain.OrderStatusPendingPayment, PriceCents: 99, Currency: "usd", DurationDays: 180,
	}
	if err := s.Orders().Create(ctx, order); err != nil {
		t.Fatalf("create order: %v", err)
	}
	payment := &domain.Payment{
		OrderID: order.ID, UserID: user.ID, AmountCents: 99, Currency: "usd",
		Status: domain.PaymentStatusPending, ProcessorSessionID: "cs_1",
	}
	if err := s.Payments().Create(ctx, payment); err != nil {
		t.Fatalf("create payment: %v", err)
	}
	return order, payment
}

func checkoutCompletedBody(sessionID, paymentIntentID string) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"type": "checkout.session.completed",
		"data": map[string]interface{}{
			"id":              sessionID,
			"payment_intent":  paymentIntentID,
		},
	})
	return body
}

func TestHandle_InvalidSignatureIsRejected(t *testing.T) {
	s := storetest.New()
	ing := webhook.New(s, testSecret, nil, nil, nil)

	body := checkoutCompletedBody("cs_1", "pi_1")
	err := ing.Handle(context.Background(), body, "deadbeef")

	appErr, ok := apperr.As(err)
	if !ok || appErr.Kind != apperr.KindInvalidSignature {
		t.Fatalf("expected INVALID_SIGNATURE, got %v", err)
	}
}

func TestHandle_CheckoutCompleted_AdvancesOrderAndSchedulesAllocation(t *testing.T) {
	s := storetest.New()
	order, _ := seedPaidOrder(t, s)
	sched := &fakeScheduler{}
	ing := webhook.New(s, testSecret, sched, nil, nil)

	body := checkoutCompletedBody("cs_1", "pi_1")
	if err := ing.Handle(context.Background(), body, sign(body)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := s.Orders().Get(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != domain.OrderStatusPaymentCompleted {
		t.Errorf("expected order PAYMENT_COMPLETED, got %s", got.Status)
	}
	if got.PaidAt == nil {
		t.Error("expected paidAt to be stamped")
	}

	payment, err := s.Payments().GetByOrderID(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if payment.Status != domain.PaymentStatusSucceeded {
		t.Errorf("expected payment SUCCEEDED, got %s", payment.Status)
	}

	if len(sched.scheduled) != 1 || sched.scheduled[0] != order.ID {
		t.Errorf("expected allocation scheduled exactly once for %s, got %v", order.ID, sched.scheduled)
	}
}

// Replaying the same event after it already succeeded must not re-trigger
// allocation scheduling or mutate rows a second time.
func TestHandle_CheckoutCompleted_ReplayIsNoOp(t *testing.T) {
	s := storetest.New()
	order, _ := seedPaidOrder(t, s)
	sched := &fakeScheduler{}
	ing := webhook.New(s, testSecret, sched, nil, nil)

	body := checkoutCompletedBody("cs_1", "pi_1")
	if err := ing.Handle(context.Background(), body, sign(body)); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := ing.Handle(context.Background(), body, sign(body)); err != nil {
		t.Fatalf("replayed delivery: %v", err)
	}

	if len(sched.scheduled) != 1 {
		t.Errorf("expected allocation scheduled exactly once across both deliveries, got %d", len(sched.scheduled))
	}

	got, _ := s.Orders().Get(context.Background(), order.ID)
	if got.Status != domain.OrderStatusPaymentCompleted {
		t.Errorf("expected order to remain PAYMENT_COMPLETED, got %s", got.Status)
	}
}

func TestHandle_SessionExpired_CancelsOrder(t *testing.T) {
	s := storetest.New()
	order, _ := seedPaidOrder(t, s)
	ing := webhook.New(s, testSecret, nil, nil, nil)

	expiredBody, _ := json.Marshal(map[string]interface{}{
		"type": "checkout.session.expired",
		"data": map[string]interface{}{"id": "cs_1"},
	})
	if err := ing.Handle(context.Background(), expiredBody, sign(expiredBody)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := s.Orders().Get(context.Background(), order.ID)
	if got.Status != domain.OrderStatusCancelled {
		t.Errorf("expected order CANCELLED, got %s", got.Status)
	}

	payment, _ := s.Payments().GetByOrderID(context.Background(), order.ID)
	if payment.Status != domain.PaymentStatusCancelled {
		t.Errorf("expected payment CANCELLED, got %s", payment.Status)
	}

	// A late checkout.session.completed for the same session must now be a
	// no-op: the payment is terminal.
	completedBody := checkoutCompletedBody("cs_1", "pi_1")
	if err := ing.Handle(context.Background(), completedBody, sign(completedBody)); err != nil {
		t.Fatalf("unexpected error on late completion: %v", err)
	}
	after, _ := s.Orders().Get(context.Background(), order.ID)
	if after.Status != domain.OrderStatusCancelled {
		t.Errorf("expected order to remain CANCELLED after a late completion event, got %s", after.Status)
	}
}

func TestHandle_PaymentIntentFailed_MarksOrderFailed(t *testing.T) {
	s := storetest.New()
	order, payment := seedPaidOrder(t, s)
	if err := s.Payments().UpdateStatus(context.Background(), payment.ID, domain.PaymentStatusProcessing, "pi_1", ""); err != nil {
		t.Fatalf("seed payment intent id: %v", err)
	}
	ing := webhook.New(s, testSecret, nil, nil, nil)

	body, _ := json.Marshal(map[string]interface{}{
		"type": "payment_intent.payment_failed",
		"data": map[string]interface{}{"id": "pi_1", "last_payment_error": "card_declined"},
	})
	if err := ing.Handle(context.Background(), body, sign(body)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := s.Orders().Get(context.Background(), order.ID)
	if got.Status != domain.OrderStatusPaymentFailed {
		t.Errorf("expected order PAYMENT_FAILED, got %s", got.Status)
	}
}

func TestHandle_UnknownEventType_IsIgnored(t *testing.T) {
	s := storetest.New()
	ing := webhook.New(s, testSecret, nil, nil, nil)

	body, _ := json.Marshal(map[string]interface{}{"type": "customer.updated", "data": map[string]interface{}{}})
	if err := ing.Handle(context.Background(), body, sign(body)); err != nil {
		t.Errorf("expected an unhandled event type to be silently ignored, got %v", err)
	}
}
