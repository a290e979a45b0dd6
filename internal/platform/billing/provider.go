package billing

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/composerkit/billing-api/pkg/types"
)

var (
	// ErrSignatureInvalid is returned when the webhook payload cannot be
	// authenticated. The caller must not retry with the same signature.
	ErrSignatureInvalid = errors.New("webhook signature invalid")
	// ErrMalformedEvent is returned when an authenticated payload cannot be
	// decoded into a known event shape.
	ErrMalformedEvent = errors.New("malformed webhook event")
)

type EventKind string

const (
	EventSubscriptionCreated EventKind = "customer.subscription.created"
	EventSubscriptionUpdated EventKind = "customer.subscription.updated"
	EventSubscriptionDeleted EventKind = "customer.subscription.deleted"
	EventCheckoutCompleted   EventKind = "checkout.session.completed"
)

// Event is a verified, typed webhook event. Exactly one of Subscription and
// Checkout is set for recognized kinds; both are nil for unrecognized kinds,
// which callers acknowledge without processing.
type Event struct {
	ID           string
	Kind         EventKind
	Created      time.Time
	Subscription *SubscriptionSnapshot
	Checkout     *CheckoutSession
	Raw          json.RawMessage
}

func (e *Event) Recognized() bool {
	switch e.Kind {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted, EventCheckoutCompleted:
		return true
	}
	return false
}

// SubscriptionSnapshot is one provider-side subscription object as carried by
// an event or returned by retrieval. Timestamps are provider epoch seconds;
// zero means absent.
type SubscriptionSnapshot struct {
	ID                 string
	CustomerID         string
	Status             types.SubscriptionStatus
	PriceID            string
	Quantity           int64
	CancelAtPeriodEnd  bool
	Created            int64
	CurrentPeriodStart int64
	CurrentPeriodEnd   int64
	EndedAt            int64
	CancelAt           int64
	CanceledAt         int64
	TrialStart         int64
	TrialEnd           int64
	Metadata           map[string]string
}

// CheckoutSession is the subset of a provider checkout session the
// reconciler needs.
type CheckoutSession struct {
	ID                string
	URL               string
	ClientReferenceID string
	CustomerID        string
	SubscriptionID    string
	Paid              bool
}

type Customer struct {
	ID       string
	Email    string
	Metadata map[string]string
}

// Provider is the billing-provider client consumed by the reconciler.
type Provider interface {
	// VerifyEvent authenticates a raw webhook payload against its signature
	// header and returns the typed event. Fails with ErrSignatureInvalid on
	// any authentication problem, including a timestamp outside the replay
	// tolerance window.
	VerifyEvent(payload []byte, sigHeader string) (*Event, error)
	RetrieveSubscription(ctx context.Context, id string) (*SubscriptionSnapshot, error)
	RetrieveCustomer(ctx context.Context, id string) (*Customer, error)
	ListCustomersByEmail(ctx context.Context, email string) ([]*Customer, error)
	RetrieveCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error)
	CreateCheckoutSession(ctx context.Context, accountID, email, priceID string) (*CheckoutSession, error)
	CreatePortalSession(ctx context.Context, customerID string) (string, error)
}
