package subscription

import (
	"github.com/tillworks/licensing/internal/subscription/service"
	"go.uber.org/fx"
)

// Module wires the subscription command service.
var Module = fx.Module("subscription",
	fx.Provide(service.NewService),
)
