package billing

import "go.uber.org/fx"

// Module exposes the Stripe-backed provider via Fx.
var Module = fx.Options(
	fx.Provide(func(p *StripeProvider) Provider { return p }),
	fx.Provide(NewStripeProvider),
)
