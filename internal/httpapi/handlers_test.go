package httpapi_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/depinlabs/storage-aggregator/internal/checkout"
	"github.com/depinlabs/storage-aggregator/internal/domain"
	"github.com/depinlabs/storage-aggregator/internal/httpapi"
	"github.com/depinlabs/storage-aggregator/internal/processor"
	"github.com/depinlabs/storage-aggregator/internal/provider"
	"github.com/depinlabs/storage-aggregator/internal/storetest"
	"github.com/depinlabs/storage-aggregator/internal/webhook"
)

const testWebhookSecret = "whsec_http_test"

type fakeProcessor struct {
	nextSessionID int
}

func (f *fakeProcessor) CreateCustomer(ctx context.Context, params processor.CustomerParams) (string, error) {
	return "cus_1", nil
}

func (f *fakeProcessor) CreateCheckoutSession(ctx context.Context, params processor.SessionParams) (processor.Session, error) {
	f.nextSessionID++
	id := "cs_" + string(rune('0'+f.nextSessionID))
	return processor.Session{ID: id, URL: "https://checkout.example/" + id, Status: "open"}, nil
}

func (f *fakeProcessor) GetCheckoutSession(ctx context.Context, sessionID string) (processor.Session, error) {
	return processor.Session{ID: sessionID, URL: "https://checkout.example/" + sessionID, Status: "open"}, nil
}

type fakeScheduler struct{ scheduled []string }

func (f *fakeScheduler) ScheduleAllocation(orderID string) { f.scheduled = append(f.scheduled, orderID) }

type fakeExplorerResolver struct{ adapters map[string]provider.Adapter }

func (f *fakeExplorerResolver) GetOrNone(slug string) (provider.Adapter, bool) {
	a, ok := f.adapters[slug]
	return a, ok
}

func newTestServer(t *testing.T) (*httptest.Server, *storetest.Store) {
	t.Helper()
	s := storetest.New()
	in := checkout.New(s, &fakeProcessor{}, 0, nil)
	ing := webhook.New(s, testWebhookSecret, &fakeScheduler{}, nil, nil)
	h := httpapi.NewHandlers(s, in, ing, &fakeExplorerResolver{adapters: map[string]provider.Adapter{"filecoin": &explorerOnlyAdapter{}}}, "", nil)
	r := httpapi.NewRouter(h, nil, nil, httpapi.RouterConfig{})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, s
}

// explorerOnlyAdapter is the minimal provider.Adapter the order-detail
// handler needs: only GetTransactionExplorerUrl is ever called.
type explorerOnlyAdapter struct{}

func (a *explorerOnlyAdapter) Slug() string                          { return "filecoin" }
func (a *explorerOnlyAdapter) Initialize(ctx context.Context) error   { return nil }
func (a *explorerOnlyAdapter) IsAvailable(ctx context.Context) bool   { return true }
func (a *explorerOnlyAdapter) GetAvailablePlans(ctx context.Context) ([]provider.Plan, error) {
	return nil, nil
}
func (a *explorerOnlyAdapter) SyncPlans(ctx context.Context, sync provider.SyncFunc) (provider.SyncResult, error) {
	return provider.SyncResult{}, nil
}
func (a *explorerOnlyAdapter) ExecuteStorageTransaction(ctx context.Context, params provider.ExecuteParams) (provider.TxResult, error) {
	return provider.TxResult{}, nil
}
func (a *explorerOnlyAdapter) CheckTransactionStatus(ctx context.Context, txHash string) (provider.StatusResult, error) {
	return provider.StatusResult{}, nil
}
func (a *explorerOnlyAdapter) GetTransactionExplorerUrl(txHash string) string {
	return "https://filfox.info/en/message/" + txHash
}

func seedUserAndPlan(t *testing.T, s *storetest.Store) (*domain.User, *domain.StoragePlan) {
	t.Helper()
	ctx := context.Background()

	p := &domain.Provider{Slug: "filecoin", Status: domain.ProviderStatusActive, Enabled: true}
	if err := s.Providers().Create(ctx, p); err != nil {
		t.Fatalf("create provider: %v", err)
	}
	plan := &domain.StoragePlan{
		ProviderID: p.ID, ExternalPlanID: "fil-starter-1gb", SizeGB: 1, SizeBytes: 1 << 30,
		DurationDays: 180, PriceCents: 99, Currency: "usd", Status: domain.PlanStatusAvailable, Active: true,
	}
	if err := s.Plans().Create(ctx, plan); err != nil {
		t.Fatalf("create plan: %v", err)
	}
	user := &domain.User{Email: "buyer@example.com"}
	if err := s.Users().Create(ctx, user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user, plan
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestHandleHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestHandleCreateCheckout_HappyPath(t *testing.T) {
	srv, s := newTestServer(t)
	user, plan := seedUserAndPlan(t, s)

	body, _ := json.Marshal(map[string]string{"userId": user.ID, "planId": plan.ID})
	resp, err := http.Post(srv.URL+"/api/v1/payments/checkout", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post checkout: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out["orderId"] == "" || out["paymentId"] == "" || out["sessionId"] == "" || out["sessionUrl"] == "" {
		t.Errorf("expected all ids populated, got %+v", out)
	}
}

func TestHandleCreateCheckout_UnknownPlanMapsToPlanUnavailable(t *testing.T) {
	srv, s := newTestServer(t)
	user, _ := seedUserAndPlan(t, s)

	body, _ := json.Marshal(map[string]string{"userId": user.ID, "planId": "ghost"})
	resp, err := http.Post(srv.URL+"/api/v1/payments/checkout", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post checkout: %v", err)
	}
	defer resp.Body.Close()

	var out map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&out)
	errBody, _ := out["error"].(map[string]interface{})
	if errBody["kind"] != "PLAN_UNAVAILABLE" {
		t.Errorf("expected PLAN_UNAVAILABLE error kind, got %+v", out)
	}
}

func TestHandleCreateCheckout_InvalidBodyReturnsValidationError(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/payments/checkout", "application/json", bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatalf("post checkout: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid body, got %d", resp.StatusCode)
	}
}

func TestHandleGetOrder_ReturnsOrder(t *testing.T) {
	srv, s := newTestServer(t)
	user, plan := seedUserAndPlan(t, s)

	in := checkout.New(s, &fakeProcessor{}, 0, nil)
	result, err := in.Start(context.Background(), checkout.Params{UserID: user.ID, PlanID: plan.ID})
	if err != nil {
		t.Fatalf("start checkout: %v", err)
	}

	resp, err := http.Get(srv.URL + "/api/v1/orders/" + result.OrderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var detail struct {
		Order   *domain.Order   `json:"order"`
		Payment *domain.Payment `json:"payment"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		t.Fatalf("decode order detail: %v", err)
	}
	if detail.Order == nil || detail.Order.ID != result.OrderID {
		t.Errorf("expected order id %s, got %+v", result.OrderID, detail.Order)
	}
	if detail.Payment == nil || detail.Payment.OrderID != result.OrderID {
		t.Errorf("expected the order's payment in the detail response, got %+v", detail.Payment)
	}
}

// TestHandleGetOrder_IncludesTransactionAndExplorerURL covers the full
// order-detail read: order + latest payment + latest blockchain transaction
// with the adapter-formatted explorer URL.
func TestHandleGetOrder_IncludesTransactionAndExplorerURL(t *testing.T) {
	srv, s := newTestServer(t)
	ctx := context.Background()
	user, plan := seedUserAndPlan(t, s)

	order := &domain.Order{
		UserID: user.ID, ProviderID: plan.ProviderID, PlanID: plan.ID,
		Status: domain.OrderStatusBlockchainProcessing, PriceCents: 99, Currency: "usd", DurationDays: 180,
	}
	if err := s.Orders().Create(ctx, order); err != nil {
		t.Fatalf("create order: %v", err)
	}
	tx := &domain.BlockchainTransaction{
		OrderID: order.ID, ProviderID: plan.ProviderID,
		TxHash: "0xdead", Status: domain.TxStatusSubmitted,
	}
	if err := s.Transactions().Create(ctx, tx); err != nil {
		t.Fatalf("create tx: %v", err)
	}

	resp, err := http.Get(srv.URL + "/api/v1/orders/" + order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	defer resp.Body.Close()

	var detail struct {
		Transaction *domain.BlockchainTransaction `json:"transaction"`
		ExplorerURL string                        `json:"explorerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		t.Fatalf("decode order detail: %v", err)
	}
	if detail.Transaction == nil || detail.Transaction.TxHash != "0xdead" {
		t.Errorf("expected the latest transaction in the detail response, got %+v", detail.Transaction)
	}
	if detail.ExplorerURL != "https://filfox.info/en/message/0xdead" {
		t.Errorf("expected the adapter-formatted explorer url, got %q", detail.ExplorerURL)
	}
}

func TestHandleGetOrder_UnknownIDReturns404(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/orders/ghost")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestHandleCancelOrder_CancelsFromPendingPayment(t *testing.T) {
	srv, s := newTestServer(t)
	ctx := context.Background()
	p := &domain.Provider{Slug: "filecoin", Status: domain.ProviderStatusActive, Enabled: true}
	if err := s.Providers().Create(ctx, p); err != nil {
		t.Fatalf("create provider: %v", err)
	}
	user := &domain.User{Email: "buyer@example.com"}
	if err := s.Users().Create(ctx, user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	order := &domain.Order{UserID: user.ID, ProviderID: p.ID, PlanID: "plan-1", Status: domain.OrderStatusPendingPayment}
	if err := s.Orders().Create(ctx, order); err != nil {
		t.Fatalf("create order: %v", err)
	}

	resp, err := http.Post(srv.URL+"/api/v1/orders/"+order.ID+"/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("cancel order: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	got, err := s.Orders().Get(ctx, order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != domain.OrderStatusCancelled {
		t.Errorf("expected CANCELLED, got %s", got.Status)
	}
}

func TestHandleCancelOrder_RejectsOrderPastPendingPayment(t *testing.T) {
	srv, s := newTestServer(t)
	ctx := context.Background()
	p := &domain.Provider{Slug: "filecoin", Status: domain.ProviderStatusActive, Enabled: true}
	if err := s.Providers().Create(ctx, p); err != nil {
		t.Fatalf("create provider: %v", err)
	}
	user := &domain.User{Email: "buyer@example.com"}
	if err := s.Users().Create(ctx, user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	order := &domain.Order{UserID: user.ID, ProviderID: p.ID, PlanID: "plan-1", Status: domain.OrderStatusPaymentCompleted}
	if err := s.Orders().Create(ctx, order); err != nil {
		t.Fatalf("create order: %v", err)
	}

	resp, err := http.Post(srv.URL+"/api/v1/orders/"+order.ID+"/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("cancel order: %v", err)
	}
	defer resp.Body.Close()

	var out map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&out)
	errBody, _ := out["error"].(map[string]interface{})
	if errBody["kind"] != "INVALID_ORDER_STATUS" {
		t.Errorf("expected INVALID_ORDER_STATUS, got %+v", out)
	}
}

func TestRateLimit_RejectsPastWindowBudget(t *testing.T) {
	s := storetest.New()
	in := checkout.New(s, &fakeProcessor{}, 0, nil)
	ing := webhook.New(s, testWebhookSecret, &fakeScheduler{}, nil, nil)
	h := httpapi.NewHandlers(s, in, ing, nil, "", nil)
	r := httpapi.NewRouter(h, nil, nil, httpapi.RouterConfig{
		RateLimitWindow: time.Minute,
		RateLimitMax:    2,
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	for i := 0; i < 2; i++ {
		resp, err := http.Get(srv.URL + "/healthz")
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: expected 200 inside the budget, got %d", i, resp.StatusCode)
		}
	}

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("over-budget request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected 429 past the budget, got %d", resp.StatusCode)
	}
}

func TestHandleWebhook_InvalidSignatureRejected(t *testing.T) {
	srv, _ := newTestServer(t)

	body := []byte(`{"type":"checkout.session.completed","data":{}}`)
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/payments/webhook", bytes.NewReader(body))
	req.Header.Set("X-Webhook-Signature", "deadbeef")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post webhook: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Error("expected a non-200 response for an invalid signature")
	}
}

func TestHandleWebhook_ValidSignatureAdvancesOrder(t *testing.T) {
	srv, s := newTestServer(t)
	user, plan := seedUserAndPlan(t, s)

	in := checkout.New(s, &fakeProcessor{}, 0, nil)
	result, err := in.Start(context.Background(), checkout.Params{UserID: user.ID, PlanID: plan.ID})
	if err != nil {
		t.Fatalf("start checkout: %v", err)
	}
	payment, err := s.Payments().GetByOrderID(context.Background(), result.OrderID)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}

	body, _ := json.Marshal(map[string]interface{}{
		"type": "checkout.session.completed",
		"data": map[string]string{
			"id":             payment.ProcessorSessionID,
			"payment_intent": "pi_1",
		},
	})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/payments/webhook", bytes.NewReader(body))
	req.Header.Set("X-Webhook-Signature", sign(body))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post webhook: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	order, err := s.Orders().Get(context.Background(), result.OrderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.Status != domain.OrderStatusPaymentCompleted {
		t.Errorf("expected order PAYMENT_COMPLETED, got %s", order.Status)
	}
}
