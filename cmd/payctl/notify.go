package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/imrishuroy/go-payment-reconciler/internal/notifylog"
)

func (c *cli) notifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Inspect and replay gateway notifications",
	}
	cmd.AddCommand(c.notifyRetryCmd(), c.notifySweepCmd(), c.notifyStatsCmd(), c.notifyListCmd())
	return cmd
}

func (c *cli) notifyRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry [logId]",
		Short: "Replay one FAILED or stale PENDING notify log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.with(cmd, func(ctx context.Context, s *services) error {
				res := s.notify.RetryFailedNotify(ctx, args[0])
				if err := printJSON(cmd, res); err != nil {
					return err
				}
				return resultErr(res)
			})
		},
	}
}

func (c *cli) notifySweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one bounded retry sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.with(cmd, func(ctx context.Context, s *services) error {
				report, err := s.sweep.Run(ctx)
				if err != nil {
					return err
				}
				if err := printJSON(cmd, report); err != nil {
					return err
				}
				if report.Failed > 0 {
					return fmt.Errorf("%d of %d replays failed", report.Failed, report.Attempted)
				}
				return nil
			})
		},
	}
}

func (c *cli) notifyStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count notify logs by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.with(cmd, func(ctx context.Context, s *services) error {
				stats, err := s.notify.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, stats)
			})
		},
	}
}

func (c *cli) notifyListCmd() *cobra.Command {
	var (
		status string
		limit  int32
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List notify logs with a given status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.with(cmd, func(ctx context.Context, s *services) error {
				logs, err := s.notify.ListLogs(ctx, notifylog.ListFilter{
					Status: notifylog.ProcessStatus(status),
					Limit:  limit,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd, logs)
			})
		},
	}
	cmd.Flags().StringVarP(&status, "status", "s", string(notifylog.StatusFailed), "Status (PENDING, SUCCESS, FAILED)")
	cmd.Flags().Int32VarP(&limit, "limit", "n", 20, "Maximum rows")
	return cmd
}
