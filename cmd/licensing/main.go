package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/tillworks/licensing/internal/clock"
	"github.com/tillworks/licensing/internal/config"
	"github.com/tillworks/licensing/internal/migration"
	"github.com/tillworks/licensing/internal/observability"
	"github.com/tillworks/licensing/internal/scheduler"
	"github.com/tillworks/licensing/internal/server"
	"github.com/tillworks/licensing/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		server.Module,
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
