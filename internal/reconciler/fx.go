package reconciler

import (
	"github.com/tillworks/licensing/internal/reconciler/repository"
	"github.com/tillworks/licensing/internal/reconciler/service"
	"go.uber.org/fx"
)

// Module wires the webhook event ledger and the reconciliation pipeline.
var Module = fx.Module("reconciler",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
