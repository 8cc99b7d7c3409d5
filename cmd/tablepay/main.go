package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tablepay/internal/clock"
	"github.com/smallbiznis/tablepay/internal/config"
	"github.com/smallbiznis/tablepay/internal/migration"
	"github.com/smallbiznis/tablepay/internal/observability"
	"github.com/smallbiznis/tablepay/internal/scheduler"
	"github.com/smallbiznis/tablepay/internal/server"
	"github.com/smallbiznis/tablepay/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// HTTP API and the ledger domains behind it
		server.Module,

		// Background reconciliation and settlement close
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
