package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/curebird/curebird/internal/infrastructure/redpanda"
)

func topicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage the change feed topics",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "ensure",
		Short: "Create the change feed topics if missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd.Context(), func(ctx context.Context, a *redpanda.Admin, logger *zap.Logger) error {
				if err := a.EnsureTopics(ctx); err != nil {
					return err
				}
				logger.Info("topics ensured")
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List topics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd.Context(), func(ctx context.Context, a *redpanda.Admin, _ *zap.Logger) error {
				names, err := a.ListTopics(ctx)
				if err != nil {
					return err
				}
				for _, n := range names {
					fmt.Println(n)
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "describe <topic>",
		Short: "Show a topic's partitions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd.Context(), func(ctx context.Context, a *redpanda.Admin, _ *zap.Logger) error {
				details, err := a.DescribeTopic(ctx, args[0])
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "PARTITION\tLEADER\tREPLICAS\tISR")
				for _, p := range details.Partitions {
					fmt.Fprintf(w, "%d\t%d\t%v\t%v\n", p.ID, p.Leader, p.Replicas, p.ISR)
				}
				return w.Flush()
			})
		},
	})

	return cmd
}

func withAdmin(ctx context.Context, fn func(context.Context, *redpanda.Admin, *zap.Logger) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if len(cfg.RedpandaBrokers) == 0 {
		return fmt.Errorf("REDPANDA_BROKERS is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	admin, err := redpanda.NewAdmin(cfg.RedpandaBrokers, logger)
	if err != nil {
		return err
	}
	defer admin.Close()

	return fn(ctx, admin, logger)
}
