package httpapi

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/depinlabs/storage-aggregator/internal/apperr"
	"github.com/depinlabs/storage-aggregator/internal/checkout"
	"github.com/depinlabs/storage-aggregator/internal/domain"
	"github.com/depinlabs/storage-aggregator/internal/provider"
	"github.com/depinlabs/storage-aggregator/internal/store"
	"github.com/depinlabs/storage-aggregator/internal/webhook"
)

// ExplorerResolver looks up the adapter whose GetTransactionExplorerUrl
// formats the explorer link on the order-detail read.
type ExplorerResolver interface {
	GetOrNone(slug string) (provider.Adapter, bool)
}

// Handlers implements the service's order-facing endpoints.
type Handlers struct {
	store     store.Store
	checkout  *checkout.Initiator
	webhook   *webhook.Ingestor
	providers ExplorerResolver
	logger    *log.Logger
	sigHeader string
}

func NewHandlers(s store.Store, c *checkout.Initiator, w *webhook.Ingestor, providers ExplorerResolver, sigHeader string, logger *log.Logger) *Handlers {
	if logger == nil {
		logger = log.Default()
	}
	if sigHeader == "" {
		sigHeader = "X-Webhook-Signature"
	}
	return &Handlers{store: s, checkout: c, webhook: w, providers: providers, logger: logger, sigHeader: sigHeader}
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createCheckoutRequest struct {
	UserID         string `json:"userId"`
	PlanID         string `json:"planId"`
	SuccessURL     string `json:"successUrl"`
	CancelURL      string `json:"cancelUrl"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// HandleCreateCheckout handles POST /api/v1/payments/checkout.
func (h *Handlers) HandleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req createCheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperr.New(apperr.KindValidation, "invalid request body"))
		return
	}

	result, err := h.checkout.Start(r.Context(), checkout.Params{
		UserID:         req.UserID,
		PlanID:         req.PlanID,
		SuccessURL:     req.SuccessURL,
		CancelURL:      req.CancelURL,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"orderId":    result.OrderID,
		"paymentId":  result.PaymentID,
		"sessionId":  result.SessionID,
		"sessionUrl": result.SessionURL,
	})
}

// HandleWebhook handles POST /api/v1/payments/webhook. It always replies
// 2xx once the signature is verified, so the processor never retries a
// delivery whose internal handling merely logged an error.
func (h *Handlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, apperr.New(apperr.KindValidation, "could not read request body"))
		return
	}

	signature := r.Header.Get(h.sigHeader)
	if err := h.webhook.Handle(r.Context(), body, signature); err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"received": "true"})
}

// orderDetail is the GET /orders/{id} response: the order plus its latest
// payment and blockchain transaction, with the adapter-formatted explorer
// URL.
type orderDetail struct {
	Order       *domain.Order                  `json:"order"`
	Payment     *domain.Payment                `json:"payment,omitempty"`
	Transaction *domain.BlockchainTransaction  `json:"transaction,omitempty"`
	ExplorerURL string                         `json:"explorerUrl,omitempty"`
}

// HandleGetOrder handles GET /api/v1/orders/{orderID}.
func (h *Handlers) HandleGetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	order, err := h.store.Orders().Get(r.Context(), orderID)
	if err != nil {
		if err == store.ErrOrderNotFound {
			h.writeError(w, apperr.New(apperr.KindNotFound, "order not found"))
			return
		}
		h.writeError(w, apperr.Wrap(apperr.KindInternal, err, "get order"))
		return
	}

	detail := orderDetail{Order: order}
	if payment, err := h.store.Payments().GetByOrderID(r.Context(), orderID); err == nil {
		detail.Payment = payment
	}
	if tx, err := h.store.Transactions().GetLatestByOrderID(r.Context(), orderID); err == nil {
		detail.Transaction = tx
		detail.ExplorerURL = h.explorerURL(r, order.ProviderID, tx.TxHash)
	}
	h.writeJSON(w, http.StatusOK, detail)
}

func (h *Handlers) explorerURL(r *http.Request, providerID, txHash string) string {
	if h.providers == nil || txHash == "" {
		return ""
	}
	providerRow, err := h.store.Providers().Get(r.Context(), providerID)
	if err != nil {
		return ""
	}
	adapter, ok := h.providers.GetOrNone(providerRow.Slug)
	if !ok {
		return ""
	}
	return adapter.GetTransactionExplorerUrl(txHash)
}

// HandleCancelOrder handles POST /api/v1/orders/{orderID}/cancel. Cancel is
// only legal from PENDING_PAYMENT, where the order stays for the whole
// hosted-checkout window; a still-live payment is cancelled with it.
func (h *Handlers) HandleCancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	applied, err := h.store.Orders().UpdateStatus(r.Context(), orderID, domain.OrderStatusPendingPayment, domain.OrderStatusCancelled, "cancelled by buyer")
	if err != nil {
		if err == store.ErrOrderNotFound {
			h.writeError(w, apperr.New(apperr.KindNotFound, "order not found"))
			return
		}
		// Any other error from this call is a state conflict: the row
		// exists but isn't in PENDING_PAYMENT and isn't already CANCELLED.
		h.writeError(w, apperr.New(apperr.KindInvalidOrderState, "order is not cancellable from its current status"))
		return
	}
	_ = applied // false+nil means it was already CANCELLED; idempotent either way

	if payment, err := h.store.Payments().GetByOrderID(r.Context(), orderID); err == nil && payment.Status.IsLive() {
		_ = h.store.Payments().UpdateStatus(r.Context(), payment.ID, domain.PaymentStatusCancelled, "", "order cancelled by buyer")
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"orderId": orderID, "status": string(domain.OrderStatusCancelled)})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Printf("httpapi: error encoding response: %v", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	appErr, ok := apperr.As(err)
	if !ok {
		h.logger.Printf("httpapi: unclassified error: %v", err)
		appErr = apperr.New(apperr.KindInternal, "internal error")
	}
	h.writeJSON(w, appErr.ToHTTPStatus(), map[string]interface{}{
		"error": map[string]string{
			"kind":    string(appErr.Kind),
			"message": appErr.Message,
		},
		"timestamp": time.Now().UTC(),
	})
}
