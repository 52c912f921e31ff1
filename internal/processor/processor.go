// Package processor defines the contract against the external hosted-
// checkout payment processor, plus a net/http client implementing it. The
// processor is an external collaborator; nothing in here knows about
// orders or the store.
package processor

import (
	"context"
	"time"
)

// CustomerParams describes a processor-side customer to create or reuse.
type CustomerParams struct {
	Email string
}

// SessionParams describes a hosted-checkout session to create.
type SessionParams struct {
	CustomerID  string
	AmountCents int64
	Currency    string
	SuccessURL  string
	CancelURL   string
	TTL         time.Duration
	Metadata    map[string]string
}

// Session is the processor's view of one hosted-checkout session.
type Session struct {
	ID        string
	URL       string
	Status    string // "open" | "complete" | "expired"
	ExpiresAt time.Time
}

// Processor is the uniform capability set the checkout initiator and
// webhook ingestor need from the external payment processor.
type Processor interface {
	// CreateCustomer returns a processor-side customer id, creating one if
	// the user has never purchased before.
	CreateCustomer(ctx context.Context, params CustomerParams) (string, error)

	// CreateCheckoutSession opens a new hosted-checkout session.
	CreateCheckoutSession(ctx context.Context, params SessionParams) (Session, error)

	// GetCheckoutSession re-fetches a session by id, used by the
	// idempotency-key replay path in the checkout initiator.
	GetCheckoutSession(ctx context.Context, sessionID string) (Session, error)
}
