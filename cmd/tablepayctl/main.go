package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tablepay/internal/clock"
	"github.com/smallbiznis/tablepay/internal/config"
	"github.com/smallbiznis/tablepay/internal/observability"
	"github.com/smallbiznis/tablepay/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var Version = "dev"

const appTimeout = 30 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:          "tablepayctl",
		Short:        "Operator tooling for the tablepay ledger",
		Version:      Version,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(settlementCmd())
	rootCmd.AddCommand(schedulerCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func baseOptions() []fx.Option {
	return []fx.Option{
		fx.NopLogger,
		config.Module,
		observability.Module,
		fx.Provide(newSnowflake),
		db.Module,
		clock.Module,
	}
}

// startApp starts an fx app over opts, fills targets and returns its stop func.
func startApp(ctx context.Context, opts []fx.Option, targets ...any) (func(), error) {
	opts = append(opts, fx.Populate(targets...))
	app := fx.New(opts...)
	if err := app.Err(); err != nil {
		return nil, err
	}

	startCtx, cancel := context.WithTimeout(ctx, appTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return nil, err
	}

	return func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), appTimeout)
		defer cancel()
		_ = app.Stop(stopCtx)
	}, nil
}

func newSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(2)
}
