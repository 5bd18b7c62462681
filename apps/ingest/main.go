package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/railhook/internal/clock"
	"github.com/smallbiznis/railhook/internal/config"
	"github.com/smallbiznis/railhook/internal/migration"
	"github.com/smallbiznis/railhook/internal/observability"
	"github.com/smallbiznis/railhook/internal/ratelimit"
	"github.com/smallbiznis/railhook/internal/server"
	"github.com/smallbiznis/railhook/internal/webhook"
	"github.com/smallbiznis/railhook/pkg/db"
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
		ratelimit.Module,

		// No worker: items are consumed by apps/worker.
		webhook.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
