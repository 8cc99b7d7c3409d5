package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tablepay/internal/clock"
	"github.com/smallbiznis/tablepay/internal/config"
	"github.com/smallbiznis/tablepay/internal/observability"
	"github.com/smallbiznis/tablepay/internal/scheduler"
	"github.com/smallbiznis/tablepay/internal/server"
	"github.com/smallbiznis/tablepay/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		// Domain services required by the reconcile and close jobs
		server.Services,

		// No HTTP server
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(3)
	if err != nil {
		panic(err)
	}
	return node
}
