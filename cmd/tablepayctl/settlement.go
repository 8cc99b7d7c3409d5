package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/tablepay/internal/audit/domain"
	"github.com/smallbiznis/tablepay/internal/auditcontext"
	"github.com/smallbiznis/tablepay/internal/orgcontext"
	"github.com/smallbiznis/tablepay/internal/server"
	settlementdomain "github.com/smallbiznis/tablepay/internal/settlement/domain"
	"github.com/spf13/cobra"
)

var errDrift = errors.New("settlement drift detected")

func settlementCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settlement",
		Short: "Inspect and close daily settlements",
	}

	var restaurant string
	cmd.PersistentFlags().StringVar(&restaurant, "restaurant-id", "", "restaurant the settlement belongs to")
	_ = cmd.MarkPersistentFlagRequired("restaurant-id")

	cmd.AddCommand(&cobra.Command{
		Use:   "verify [business-date]",
		Short: "Recompute a day from its payments and refunds and report drift",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSettlement(cmd, restaurant, func(ctx context.Context, restaurantID snowflake.ID, svc settlementdomain.Service) error {
				result, err := svc.Verify(ctx, restaurantID, args[0])
				if err != nil {
					return err
				}
				if err := printJSON(cmd, result); err != nil {
					return err
				}
				if !result.Consistent {
					return errDrift
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "close [business-date]",
		Short: "Close a finished business day",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSettlement(cmd, restaurant, func(ctx context.Context, restaurantID snowflake.ID, svc settlementdomain.Service) error {
				day, err := svc.CloseDay(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, day)
			})
		},
	})

	return cmd
}

func withSettlement(cmd *cobra.Command, restaurant string, fn func(ctx context.Context, restaurantID snowflake.ID, svc settlementdomain.Service) error) error {
	restaurantID, err := snowflake.ParseString(restaurant)
	if err != nil {
		return fmt.Errorf("invalid restaurant id %q", restaurant)
	}

	var svc settlementdomain.Service
	opts := append(baseOptions(), server.Services)
	stop, err := startApp(cmd.Context(), opts, &svc)
	if err != nil {
		return err
	}
	defer stop()

	ctx := orgcontext.WithRestaurantID(cmd.Context(), restaurantID)
	ctx = auditcontext.WithActor(ctx, string(auditdomain.ActorTypeSystem), "tablepayctl")
	return fn(ctx, restaurantID, svc)
}

func printJSON(cmd *cobra.Command, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
