package license

import (
	"github.com/tillworks/licensing/internal/license/repository"
	"go.uber.org/fx"
)

// Module wires the license repository.
var Module = fx.Module("license",
	fx.Provide(repository.Provide),
)
