package main

import (
	"errors"
	"fmt"

	"github.com/smallbiznis/tablepay/internal/migration"
	"github.com/smallbiznis/tablepay/pkg/db"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var errSQLiteMigrations = errors.New("sqlite databases use the bundled schema; only up is supported")

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the ledger schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(conn *gorm.DB, cfg db.Config, m *migration.Migrator) error {
				if m == nil {
					return migration.ApplySQLiteSchema(conn)
				}
				if err := m.Up(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
				return nil
			})
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Revert the most recent migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(conn *gorm.DB, cfg db.Config, m *migration.Migrator) error {
				if m == nil {
					return errSQLiteMigrations
				}
				if err := m.Down(steps); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reverted %d migration(s)\n", steps)
				return nil
			})
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to revert")
	cmd.AddCommand(down)

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(conn *gorm.DB, cfg db.Config, m *migration.Migrator) error {
				if m == nil {
					return errSQLiteMigrations
				}
				version, dirty, err := m.Version()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty=%t)\n", version, dirty)
				return nil
			})
		},
	})

	return cmd
}

// withMigrator passes a nil Migrator for sqlite connections.
func withMigrator(cmd *cobra.Command, fn func(conn *gorm.DB, cfg db.Config, m *migration.Migrator) error) error {
	var (
		conn *gorm.DB
		cfg  db.Config
	)
	stop, err := startApp(cmd.Context(), baseOptions(), &conn, &cfg)
	if err != nil {
		return err
	}
	defer stop()

	if cfg.Type == "sqlite" {
		return fn(conn, cfg, nil)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	m, err := migration.NewMigrator(sqlDB)
	if err != nil {
		return err
	}
	return fn(conn, cfg, m)
}
