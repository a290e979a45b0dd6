package reconciler

import "errors"

var (
	// ErrUnresolvedAccount means the event carried no resolvable account id
	// on either the subscription or its customer. The event is unfixable;
	// callers acknowledge it so the provider stops redelivering.
	ErrUnresolvedAccount = errors.New("no resolvable account for billing event")

	// ErrIncompleteCheckout means the checkout session is valid but carries
	// no subscription reference yet. Recoverable: the follow-up
	// subscription.created event completes the projection.
	ErrIncompleteCheckout = errors.New("checkout session carries no subscription")

	// ErrTransientRead is returned when every manual-refresh read attempt
	// failed. The projection is left untouched.
	ErrTransientRead = errors.New("transient read failure")

	// ErrStoreWrite wraps record-store write failures. Webhook redelivery is
	// the recovery path.
	ErrStoreWrite = errors.New("store write failed")
)
