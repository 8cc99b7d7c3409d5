package main

import (
	"fmt"

	"github.com/smallbiznis/tablepay/internal/scheduler"
	"github.com/smallbiznis/tablepay/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func schedulerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Run background jobs by hand",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "jobs",
		Short: "List the scheduler jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScheduler(cmd, func(s *scheduler.Scheduler) error {
				for _, name := range s.JobNames() {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "run-once [job]",
		Short: "Run one job, or every enabled job when none is named",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScheduler(cmd, func(s *scheduler.Scheduler) error {
				if len(args) == 1 {
					return s.RunJob(cmd.Context(), args[0])
				}
				return s.RunOnce(cmd.Context())
			})
		},
	})

	return cmd
}

func withScheduler(cmd *cobra.Command, fn func(s *scheduler.Scheduler) error) error {
	var sched *scheduler.Scheduler
	opts := append(baseOptions(),
		server.Services,
		fx.Provide(scheduler.ProvideConfig, scheduler.New),
	)
	stop, err := startApp(cmd.Context(), opts, &sched)
	if err != nil {
		return err
	}
	defer stop()
	return fn(sched)
}
