package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"

	"github.com/composerkit/billing-api/pkg/config"
	"github.com/composerkit/billing-api/pkg/types"
)

// StripeProvider implements Provider against the Stripe API.
type StripeProvider struct {
	api           *client.API
	webhookSecret string
	tolerance     time.Duration
	successURL    string
	cancelURL     string
	returnURL     string
	log           *zap.SugaredLogger
}

func NewStripeProvider(cfg *config.Config, log *zap.SugaredLogger) *StripeProvider {
	api := &client.API{}
	api.Init(cfg.Stripe.SecretKey, nil)
	tolerance := cfg.Stripe.ReplayTolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &StripeProvider{
		api:           api,
		webhookSecret: cfg.Stripe.WebhookSecret,
		tolerance:     tolerance,
		successURL:    cfg.Stripe.CheckoutSuccessURL,
		cancelURL:     cfg.Stripe.CheckoutCancelURL,
		returnURL:     cfg.Stripe.PortalReturnURL,
		log:           log,
	}
}

func (p *StripeProvider) VerifyEvent(payload []byte, sigHeader string) (*Event, error) {
	// Webhook endpoints deliver whatever API version they were created with,
	// so the library's version pin must not reject the payload; the parsers
	// below tolerate both shapes.
	ev, err := webhook.ConstructEventWithOptions(payload, sigHeader, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
		Tolerance:                p.tolerance,
	})
	if err != nil {
		if errors.Is(err, webhook.ErrNotSigned) ||
			errors.Is(err, webhook.ErrInvalidHeader) ||
			errors.Is(err, webhook.ErrNoValidSignature) ||
			errors.Is(err, webhook.ErrTooOld) {
			return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return parseEvent(&ev)
}

func parseEvent(ev *stripe.Event) (*Event, error) {
	out := &Event{
		ID:      ev.ID,
		Kind:    EventKind(ev.Type),
		Created: time.Unix(ev.Created, 0),
	}
	if ev.Data != nil {
		out.Raw = ev.Data.Raw
	}

	switch out.Kind {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		snap, err := parseSubscriptionPayload(out.Raw)
		if err != nil {
			return nil, err
		}
		out.Subscription = snap
	case EventCheckoutCompleted:
		cs, err := parseCheckoutPayload(out.Raw)
		if err != nil {
			return nil, err
		}
		out.Checkout = cs
	default:
		// Unrecognized kinds are returned as-is; callers acknowledge them.
	}
	return out, nil
}

// expandableID accepts either a plain id string or an expanded object with
// an "id" field, both of which appear in provider payloads.
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

type subscriptionItemPayload struct {
	Price struct {
		ID string `json:"id"`
	} `json:"price"`
	Quantity           int64 `json:"quantity"`
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
}

type subscriptionPayload struct {
	ID                 string       `json:"id"`
	Customer           expandableID `json:"customer"`
	Status             string       `json:"status"`
	CancelAtPeriodEnd  bool         `json:"cancel_at_period_end"`
	Created            int64        `json:"created"`
	CurrentPeriodStart int64        `json:"current_period_start"`
	CurrentPeriodEnd   int64        `json:"current_period_end"`
	EndedAt            int64        `json:"ended_at"`
	CancelAt           int64        `json:"cancel_at"`
	CanceledAt         int64        `json:"canceled_at"`
	TrialStart         int64        `json:"trial_start"`
	TrialEnd           int64        `json:"trial_end"`
	Items              struct {
		Data []subscriptionItemPayload `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

func parseSubscriptionPayload(raw json.RawMessage) (*SubscriptionSnapshot, error) {
	var sp subscriptionPayload
	if err := json.Unmarshal(raw, &sp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if sp.ID == "" {
		return nil, fmt.Errorf("%w: subscription payload without id", ErrMalformedEvent)
	}
	snap := &SubscriptionSnapshot{
		ID:                 sp.ID,
		CustomerID:         string(sp.Customer),
		Status:             types.SubscriptionStatus(sp.Status),
		CancelAtPeriodEnd:  sp.CancelAtPeriodEnd,
		Created:            sp.Created,
		CurrentPeriodStart: sp.CurrentPeriodStart,
		CurrentPeriodEnd:   sp.CurrentPeriodEnd,
		EndedAt:            sp.EndedAt,
		CancelAt:           sp.CancelAt,
		CanceledAt:         sp.CanceledAt,
		TrialStart:         sp.TrialStart,
		TrialEnd:           sp.TrialEnd,
		Metadata:           sp.Metadata,
	}
	if len(sp.Items.Data) > 0 {
		item := sp.Items.Data[0]
		snap.PriceID = item.Price.ID
		snap.Quantity = item.Quantity
		// Newer API versions carry period fields on the item only.
		if snap.CurrentPeriodStart == 0 {
			snap.CurrentPeriodStart = item.CurrentPeriodStart
		}
		if snap.CurrentPeriodEnd == 0 {
			snap.CurrentPeriodEnd = item.CurrentPeriodEnd
		}
	}
	return snap, nil
}

type checkoutPayload struct {
	ID                string       `json:"id"`
	URL               string       `json:"url"`
	ClientReferenceID string       `json:"client_reference_id"`
	Customer          expandableID `json:"customer"`
	Subscription      expandableID `json:"subscription"`
	PaymentStatus     string       `json:"payment_status"`
}

func parseCheckoutPayload(raw json.RawMessage) (*CheckoutSession, error) {
	var cp checkoutPayload
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if cp.ID == "" {
		return nil, fmt.Errorf("%w: checkout payload without id", ErrMalformedEvent)
	}
	return &CheckoutSession{
		ID:                cp.ID,
		URL:               cp.URL,
		ClientReferenceID: cp.ClientReferenceID,
		CustomerID:        string(cp.Customer),
		SubscriptionID:    string(cp.Subscription),
		Paid:              cp.PaymentStatus == "paid",
	}, nil
}

func (p *StripeProvider) RetrieveSubscription(ctx context.Context, id string) (*SubscriptionSnapshot, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := p.api.Subscriptions.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve subscription %s: %w", id, err)
	}
	return subscriptionToSnapshot(sub), nil
}

func subscriptionToSnapshot(sub *stripe.Subscription) *SubscriptionSnapshot {
	snap := &SubscriptionSnapshot{
		ID:                sub.ID,
		Status:            types.SubscriptionStatus(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Created:           sub.Created,
		EndedAt:           sub.EndedAt,
		CancelAt:          sub.CancelAt,
		CanceledAt:        sub.CanceledAt,
		TrialStart:        sub.TrialStart,
		TrialEnd:          sub.TrialEnd,
		Metadata:          sub.Metadata,
	}
	if sub.Customer != nil {
		snap.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.Price != nil {
			snap.PriceID = item.Price.ID
		}
		snap.Quantity = item.Quantity
		snap.CurrentPeriodStart = item.CurrentPeriodStart
		snap.CurrentPeriodEnd = item.CurrentPeriodEnd
	}
	return snap
}

func (p *StripeProvider) RetrieveCustomer(ctx context.Context, id string) (*Customer, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	cus, err := p.api.Customers.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve customer %s: %w", id, err)
	}
	return &Customer{ID: cus.ID, Email: cus.Email, Metadata: cus.Metadata}, nil
}

func (p *StripeProvider) ListCustomersByEmail(ctx context.Context, email string) ([]*Customer, error) {
	params := &stripe.CustomerListParams{Email: stripe.String(email)}
	params.Context = ctx
	iter := p.api.Customers.List(params)
	var out []*Customer
	for iter.Next() {
		cus := iter.Customer()
		out = append(out, &Customer{ID: cus.ID, Email: cus.Email, Metadata: cus.Metadata})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list customers: %w", err)
	}
	return out, nil
}

func (p *StripeProvider) RetrieveCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := p.api.CheckoutSessions.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve checkout session %s: %w", id, err)
	}
	out := &CheckoutSession{
		ID:                sess.ID,
		URL:               sess.URL,
		ClientReferenceID: sess.ClientReferenceID,
		Paid:              sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
	}
	if sess.Customer != nil {
		out.CustomerID = sess.Customer.ID
	}
	if sess.Subscription != nil {
		out.SubscriptionID = sess.Subscription.ID
	}
	return out, nil
}

func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, accountID, email, priceID string) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		ClientReferenceID: stripe.String(accountID),
		CustomerEmail:     stripe.String(email),
		SuccessURL:        stripe.String(p.successURL),
		CancelURL:         stripe.String(p.cancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(priceID), Quantity: stripe.Int64(1)},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{metadataAccountKey: accountID},
		},
	}
	params.Context = ctx
	sess, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}
	return &CheckoutSession{ID: sess.ID, URL: sess.URL, ClientReferenceID: accountID}, nil
}

func (p *StripeProvider) CreatePortalSession(ctx context.Context, customerID string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(p.returnURL),
	}
	params.Context = ctx
	sess, err := p.api.BillingPortalSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("failed to create portal session: %w", err)
	}
	return sess.URL, nil
}

// metadataAccountKey is the subscription/customer metadata key carrying the
// owning account id.
const metadataAccountKey = "account_id"

// AccountIDFromMetadata extracts the owning account from provider metadata,
// accepting the legacy key written by older checkout flows.
func AccountIDFromMetadata(md map[string]string) string {
	if md == nil {
		return ""
	}
	if v := md[metadataAccountKey]; v != "" {
		return v
	}
	return md["user_id"]
}
