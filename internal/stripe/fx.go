package stripe

import (
	"github.com/tillworks/licensing/internal/clock"
	"github.com/tillworks/licensing/internal/config"
	"go.uber.org/fx"
)

// Module wires the webhook verifier and the provider client from app config.
var Module = fx.Module("stripe",
	fx.Provide(func(cfg config.Config, clk clock.Clock) *Verifier {
		return NewVerifier(cfg.StripeWebhookSecret, DefaultSignatureTolerance, clk)
	}),
	fx.Provide(func(cfg config.Config) API {
		return NewClient(cfg.StripeSecretKey, cfg.StripeAPIBaseURL)
	}),
)
