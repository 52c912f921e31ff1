// Package webhook ingests signed events from the payment processor:
// HMAC-SHA256 verification of the raw body (constant-time compare against
// the hex-decoded signature header), then event-to-action dispatch onto the
// order and payment rows.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/depinlabs/storage-aggregator/internal/apperr"
	"github.com/depinlabs/storage-aggregator/internal/domain"
	"github.com/depinlabs/storage-aggregator/internal/metrics"
	"github.com/depinlabs/storage-aggregator/internal/store"
)

// EventType mirrors the processor's event discriminator.
type EventType string

const (
	EventCheckoutCompleted EventType = "checkout.session.completed"
	EventCheckoutExpired   EventType = "checkout.session.expired"
	EventPaymentSucceeded  EventType = "payment_intent.succeeded"
	EventPaymentFailed     EventType = "payment_intent.payment_failed"
)

type envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

type checkoutSessionPayload struct {
	ID              string `json:"id"`
	PaymentIntentID string `json:"payment_intent"`
}

type paymentIntentPayload struct {
	ID           string `json:"id"`
	LastError    string `json:"last_payment_error"`
}

// Scheduler decouples the ingestor from internal/orchestrator so the two
// packages don't import each other (orchestrator already depends on store,
// and a webhook->orchestrator->webhook cycle would otherwise be forced by
// any future callback from dispatch back into event handling).
type Scheduler interface {
	ScheduleAllocation(orderID string)
}

// Ingestor verifies and applies processor webhook events.
type Ingestor struct {
	store     store.Store
	secret    string
	scheduler Scheduler
	logger    *log.Logger
	metrics   *metrics.Metrics
}

func New(s store.Store, webhookSecret string, scheduler Scheduler, logger *log.Logger, m *metrics.Metrics) *Ingestor {
	if logger == nil {
		logger = log.Default()
	}
	return &Ingestor{store: s, secret: webhookSecret, scheduler: scheduler, logger: logger, metrics: m}
}

// VerifySignature reports whether signature (hex-encoded HMAC-SHA256 of
// body, keyed by the configured webhook secret) is valid.
func (in *Ingestor) VerifySignature(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(in.secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	cleaned := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(signature)), "0x")
	if cleaned == "" {
		return false
	}
	decoded, err := hex.DecodeString(cleaned)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, decoded)
}

// Handle verifies the signature and dispatches the event. It always returns
// a nil error for a verified-but-unprocessable event (logged instead),
// so the processor's at-least-once delivery never retries a payload whose
// handling merely logged; only a signature failure is surfaced to the caller.
func (in *Ingestor) Handle(ctx context.Context, body []byte, signature string) error {
	if !in.VerifySignature(body, signature) {
		if in.metrics != nil {
			in.metrics.WebhookRejected.Inc()
		}
		return apperr.New(apperr.KindInvalidSignature, "webhook signature verification failed")
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		in.logger.Printf("webhook: malformed payload: %v", err)
		return nil
	}

	if in.metrics != nil {
		in.metrics.WebhookEvents.WithLabelValues(string(env.Type)).Inc()
	}

	var err error
	switch env.Type {
	case EventCheckoutCompleted:
		err = in.handleCheckoutCompleted(ctx, env.Data)
	case EventCheckoutExpired:
		err = in.handleCheckoutExpired(ctx, env.Data)
	case EventPaymentSucceeded:
		err = in.handlePaymentSucceeded(ctx, env.Data)
	case EventPaymentFailed:
		err = in.handlePaymentFailed(ctx, env.Data)
	default:
		in.logger.Printf("webhook: ignoring unhandled event type %q", env.Type)
		return nil
	}

	if err != nil {
		in.logger.Printf("webhook: handling %s failed: %v", env.Type, err)
	}
	return nil
}

func (in *Ingestor) handleCheckoutCompleted(ctx context.Context, data json.RawMessage) error {
	var payload checkoutSessionPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decode checkout.session.completed: %w", err)
	}

	payment, err := in.store.Payments().GetByProcessorSessionID(ctx, payload.ID)
	if err != nil {
		return fmt.Errorf("lookup payment by session id %q: %w", payload.ID, err)
	}
	if payment.Status == domain.PaymentStatusSucceeded {
		return nil // already handled, replay no-op
	}
	if !payment.Status.IsLive() {
		// The payment was cancelled or failed before this event arrived (an
		// expired session, a buyer cancellation); a late completion cannot
		// resurrect it.
		return nil
	}

	var orderID string
	err = in.store.BeginTx(ctx, func(tx store.Tx) error {
		if err := tx.Payments().UpdateStatus(ctx, payment.ID, domain.PaymentStatusSucceeded, payload.PaymentIntentID, ""); err != nil {
			return fmt.Errorf("mark payment succeeded: %w", err)
		}
		if err := tx.Orders().SetPaidAt(ctx, payment.OrderID); err != nil {
			return fmt.Errorf("set paid at: %w", err)
		}
		applied, err := tx.Orders().UpdateStatus(ctx, payment.OrderID, domain.OrderStatusPendingPayment, domain.OrderStatusPaymentCompleted, "")
		if err != nil {
			return fmt.Errorf("advance order to payment completed: %w", err)
		}
		_ = applied // false means a concurrent/duplicate delivery already advanced it; still a success
		orderID = payment.OrderID
		return nil
	})
	if err != nil {
		return err
	}

	if in.scheduler != nil {
		in.scheduler.ScheduleAllocation(orderID)
	}
	return nil
}

func (in *Ingestor) handleCheckoutExpired(ctx context.Context, data json.RawMessage) error {
	var payload checkoutSessionPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decode checkout.session.expired: %w", err)
	}

	payment, err := in.store.Payments().GetByProcessorSessionID(ctx, payload.ID)
	if err != nil {
		return fmt.Errorf("lookup payment by session id %q: %w", payload.ID, err)
	}
	if !payment.Status.IsLive() {
		return nil
	}

	return in.store.BeginTx(ctx, func(tx store.Tx) error {
		if err := tx.Payments().UpdateStatus(ctx, payment.ID, domain.PaymentStatusCancelled, "", ""); err != nil {
			return fmt.Errorf("mark payment cancelled: %w", err)
		}
		if _, err := tx.Orders().UpdateStatus(ctx, payment.OrderID, domain.OrderStatusPendingPayment, domain.OrderStatusCancelled, "Payment session expired"); err != nil {
			return fmt.Errorf("cancel order: %w", err)
		}
		return nil
	})
}

func (in *Ingestor) handlePaymentSucceeded(ctx context.Context, data json.RawMessage) error {
	var payload paymentIntentPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decode payment_intent.succeeded: %w", err)
	}

	payment, err := in.store.Payments().GetByProcessorPaymentIntentID(ctx, payload.ID)
	if err != nil {
		return fmt.Errorf("lookup payment by intent id %q: %w", payload.ID, err)
	}
	if payment.Status == domain.PaymentStatusSucceeded {
		return nil
	}
	return in.store.Payments().UpdateStatus(ctx, payment.ID, domain.PaymentStatusSucceeded, payload.ID, "")
}

func (in *Ingestor) handlePaymentFailed(ctx context.Context, data json.RawMessage) error {
	var payload paymentIntentPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decode payment_intent.payment_failed: %w", err)
	}

	payment, err := in.store.Payments().GetByProcessorPaymentIntentID(ctx, payload.ID)
	if err != nil {
		return fmt.Errorf("lookup payment by intent id %q: %w", payload.ID, err)
	}
	if !payment.Status.IsLive() {
		return nil
	}

	return in.store.BeginTx(ctx, func(tx store.Tx) error {
		if err := tx.Payments().UpdateStatus(ctx, payment.ID, domain.PaymentStatusFailed, payload.ID, payload.LastError); err != nil {
			return fmt.Errorf("mark payment failed: %w", err)
		}
		if _, err := tx.Orders().UpdateStatus(ctx, payment.OrderID, domain.OrderStatusPendingPayment, domain.OrderStatusPaymentFailed, payload.LastError); err != nil {
			return fmt.Errorf("mark order payment failed: %w", err)
		}
		return nil
	})
}
