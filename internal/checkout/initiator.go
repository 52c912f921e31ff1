// Package checkout opens an Order/Payment pair and a hosted-checkout
// session for a buyer. The pair is created inside one store.BeginTx
// callback so a crash can never leave an order without its payment.
package checkout

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/depinlabs/storage-aggregator/internal/apperr"
	"github.com/depinlabs/storage-aggregator/internal/domain"
	"github.com/depinlabs/storage-aggregator/internal/metrics"
	"github.com/depinlabs/storage-aggregator/internal/processor"
	"github.com/depinlabs/storage-aggregator/internal/store"
)

// Params carries the caller-supplied checkout inputs.
type Params struct {
	UserID         string
	PlanID         string
	SuccessURL     string
	CancelURL      string
	IdempotencyKey string
}

// Result is returned to the HTTP layer on success.
type Result struct {
	SessionID  string
	SessionURL string
	OrderID    string
	PaymentID  string
}

// Initiator implements the Checkout Initiator.
type Initiator struct {
	store      store.Store
	processor  processor.Processor
	sessionTTL time.Duration
	metrics    *metrics.Metrics
}

func New(s store.Store, p processor.Processor, sessionTTL time.Duration, m *metrics.Metrics) *Initiator {
	if sessionTTL <= 0 {
		sessionTTL = 30 * time.Minute
	}
	return &Initiator{store: s, processor: p, sessionTTL: sessionTTL, metrics: m}
}

// Start creates the Order/Payment pair in one transaction, then opens the
// hosted-checkout session and stamps its id onto the payment.
func (in *Initiator) Start(ctx context.Context, params Params) (Result, error) {
	if params.UserID == "" || params.PlanID == "" {
		return Result{}, in.fail(apperr.New(apperr.KindValidation, "userId and planId are required"))
	}

	if params.IdempotencyKey != "" {
		if existing, err := in.store.Orders().GetByIdempotencyKey(ctx, params.IdempotencyKey); err == nil {
			if in.metrics != nil {
				in.metrics.CheckoutReplayed.Inc()
			}
			return in.replay(ctx, existing)
		} else if err != store.ErrOrderNotFound {
			return Result{}, fmt.Errorf("lookup order by idempotency key: %w", err)
		}
	}

	plan, err := in.store.Plans().Get(ctx, params.PlanID)
	if err != nil {
		if err == store.ErrPlanNotFound {
			return Result{}, in.fail(apperr.New(apperr.KindPlanUnavailable, "plan not found"))
		}
		return Result{}, fmt.Errorf("get plan: %w", err)
	}
	if plan.Status != domain.PlanStatusAvailable || !plan.Active {
		return Result{}, in.fail(apperr.New(apperr.KindPlanUnavailable, "plan is not available for purchase"))
	}

	user, err := in.store.Users().Get(ctx, params.UserID)
	if err != nil {
		if err == store.ErrUserNotFound {
			return Result{}, in.fail(apperr.New(apperr.KindUserNotFound, "user not found"))
		}
		return Result{}, fmt.Errorf("get user: %w", err)
	}

	if user.ProcessorCustomerID == "" {
		customerID, err := in.processor.CreateCustomer(ctx, processor.CustomerParams{Email: user.Email})
		if err != nil {
			return Result{}, apperr.Wrap(apperr.KindPaymentError, err, "create processor customer")
		}
		if err := in.store.Users().SetProcessorCustomerID(ctx, user.ID, customerID); err != nil {
			return Result{}, fmt.Errorf("persist processor customer id: %w", err)
		}
		user.ProcessorCustomerID = customerID
	}

	var order *domain.Order
	var payment *domain.Payment

	err = in.store.BeginTx(ctx, func(tx store.Tx) error {
		order = &domain.Order{
			ID:             uuid.New().String(),
			OrderNumber:    newOrderNumber(),
			UserID:         user.ID,
			ProviderID:     plan.ProviderID,
			PlanID:         plan.ID,
			SizeGB:         plan.SizeGB,
			SizeBytes:      plan.SizeBytes,
			DurationDays:   plan.DurationDays,
			PriceCents:     plan.PriceCents,
			Currency:       plan.Currency,
			Status:         domain.OrderStatusPendingPayment,
			IdempotencyKey: params.IdempotencyKey,
		}
		if err := tx.Orders().Create(ctx, order); err != nil {
			return fmt.Errorf("create order: %w", err)
		}

		payment = &domain.Payment{
			ID:             uuid.New().String(),
			OrderID:        order.ID,
			UserID:         user.ID,
			AmountCents:    plan.PriceCents,
			Currency:       plan.Currency,
			Status:         domain.PaymentStatusPending,
			IdempotencyKey: uuid.New().String(),
		}
		if err := tx.Payments().Create(ctx, payment); err != nil {
			return fmt.Errorf("create payment: %w", err)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	session, err := in.processor.CreateCheckoutSession(ctx, processor.SessionParams{
		CustomerID:  user.ProcessorCustomerID,
		AmountCents: payment.AmountCents,
		Currency:    payment.Currency,
		SuccessURL:  params.SuccessURL,
		CancelURL:   params.CancelURL,
		TTL:         in.sessionTTL,
		Metadata: map[string]string{
			"order_id":   order.ID,
			"payment_id": payment.ID,
			"user_id":    user.ID,
			"plan_id":    plan.ID,
		},
	})
	if err != nil {
		// Order/Payment stay in PENDING_PAYMENT/PENDING with no session
		// attached; the periodic sweep does not revisit them.
		return Result{}, apperr.Wrap(apperr.KindPaymentError, err, "create hosted checkout session")
	}

	if err := in.store.Payments().SetSessionID(ctx, payment.ID, session.ID, session.URL); err != nil {
		return Result{}, fmt.Errorf("persist session id: %w", err)
	}

	// The order stays in PENDING_PAYMENT for the whole hosted-checkout
	// window; only a processor webhook or a buyer cancellation moves it.

	if in.metrics != nil {
		in.metrics.CheckoutStarted.Inc()
	}

	return Result{
		SessionID:  session.ID,
		SessionURL: session.URL,
		OrderID:    order.ID,
		PaymentID:  payment.ID,
	}, nil
}

// replay re-fetches the hosted session for an order that already bears the
// supplied idempotency key, without creating new rows.
func (in *Initiator) replay(ctx context.Context, order *domain.Order) (Result, error) {
	payment, err := in.store.Payments().GetByOrderID(ctx, order.ID)
	if err != nil {
		return Result{}, fmt.Errorf("get payment for replayed order: %w", err)
	}
	if payment.ProcessorSessionID == "" {
		// No session was ever created for this order; return it unchanged
		// and let the caller retry with a fresh idempotency key.
		return Result{OrderID: order.ID, PaymentID: payment.ID}, nil
	}

	session, err := in.processor.GetCheckoutSession(ctx, payment.ProcessorSessionID)
	if err != nil {
		// Session lookup failing (e.g. expired/purged upstream) still
		// returns the existing order rather than erroring.
		return Result{OrderID: order.ID, PaymentID: payment.ID}, nil
	}

	return Result{
		SessionID:  session.ID,
		SessionURL: session.URL,
		OrderID:    order.ID,
		PaymentID:  payment.ID,
	}, nil
}

// fail records a rejected checkout attempt, labeled by its apperr kind, and
// returns err unchanged.
func (in *Initiator) fail(err *apperr.Error) error {
	if in.metrics != nil {
		in.metrics.CheckoutFailed.WithLabelValues(string(err.Kind)).Inc()
	}
	return err
}

func newOrderNumber() string {
	id := uuid.New().String()
	return "ORD-" + strings.ToUpper(strings.ReplaceAll(id[:8], "-", ""))
}
