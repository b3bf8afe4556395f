package main

import (
	"context"

	"github.com/spf13/cobra"
)

func (c *cli) orderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Inspect and act on payment orders as an admin",
	}
	cmd.AddCommand(c.orderStatusCmd(), c.orderCancelCmd(), c.orderRefundCmd())
	return cmd
}

func (c *cli) orderStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [orderNo]",
		Short: "Show an order, refreshing it from the gateway while pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.with(cmd, func(ctx context.Context, s *services) error {
				view, err := s.orders.GetOrderStatus(ctx, args[0], operator)
				if err != nil {
					return err
				}
				return printJSON(cmd, view)
			})
		},
	}
}

func (c *cli) orderCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel [orderNo]",
		Short: "Close a pending order at the gateway and mark it CANCELLED",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.with(cmd, func(ctx context.Context, s *services) error {
				order, err := s.orders.CancelOrder(ctx, args[0], operator)
				if err != nil {
					return err
				}
				return printJSON(cmd, order)
			})
		},
	}
}

func (c *cli) orderRefundCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "refund [orderNo]",
		Short: "Refund a PAID order in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.with(cmd, func(ctx context.Context, s *services) error {
				out, err := s.orders.RefundOrder(ctx, args[0], reason, operator)
				if err != nil {
					return err
				}
				return printJSON(cmd, out)
			})
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Refund reason shown to the payer")
	return cmd
}
