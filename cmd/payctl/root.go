package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/imrishuroy/go-payment-reconciler/internal/notifylog"
	"github.com/imrishuroy/go-payment-reconciler/internal/orders"
	"github.com/imrishuroy/go-payment-reconciler/internal/payment"
)

type orderOps interface {
	GetOrderStatus(ctx context.Context, orderNo string, req payment.Requester) (*payment.StatusView, error)
	CancelOrder(ctx context.Context, orderNo string, req payment.Requester) (*orders.Order, error)
	RefundOrder(ctx context.Context, orderNo, reason string, req payment.Requester) (*payment.RefundOutcome, error)
}

type notifyOps interface {
	RetryFailedNotify(ctx context.Context, logID string) payment.NotifyResult
	ListLogs(ctx context.Context, f notifylog.ListFilter) ([]notifylog.Record, error)
	Stats(ctx context.Context) (notifylog.Stats, error)
}

type sweepOps interface {
	Run(ctx context.Context) (payment.SweepReport, error)
}

type services struct {
	orders orderOps
	notify notifyOps
	sweep  sweepOps
	close  func() error
}

type loader func(ctx context.Context, envFile string) (*services, error)

// operator is who payctl acts as.
var operator = payment.Requester{UserID: "payctl", Username: "payctl", Admin: true}

type cli struct {
	load    loader
	envFile string
}

func newRootCmd(load loader) *cobra.Command {
	c := &cli{load: load}
	root := &cobra.Command{
		Use:           "payctl",
		Short:         "Operate the payment service: replay notifies, inspect and fix orders",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.envFile, "env-file", ".env", "dotenv file read before the environment")

	root.AddCommand(c.notifyCmd())
	root.AddCommand(c.orderCmd())
	return root
}

// with wires services for one command run.
func (c *cli) with(cmd *cobra.Command, fn func(ctx context.Context, s *services) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := c.load(ctx, c.envFile)
	if err != nil {
		return fmt.Errorf("wire services: %w", err)
	}
	if s.close != nil {
		defer s.close()
	}
	return fn(ctx, s)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func resultErr(res payment.NotifyResult) error {
	if res.Success {
		return nil
	}
	return fmt.Errorf("notify %s not processed (%s): %s", res.LogID, res.Kind, res.Message)
}
