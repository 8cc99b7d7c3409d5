package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tablepay/internal/clock"
	"github.com/smallbiznis/tablepay/internal/config"
	"github.com/smallbiznis/tablepay/internal/observability"
	"github.com/smallbiznis/tablepay/internal/server"
	"github.com/smallbiznis/tablepay/pkg/db"
	"go.uber.org/fx"
)

// The API deployable serves HTTP only; run apps/scheduler alongside it.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		server.Module,
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
