package identity

import "go.uber.org/fx"

// Module wires the default header based resolver.
var Module = fx.Module("identity",
	fx.Provide(NewHeaderResolver),
)
