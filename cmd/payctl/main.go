// Command payctl is the operator CLI for the payment service. It talks to
// the same tables and gateway as the API and acts as an admin.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/imrishuroy/go-payment-reconciler/internal/app"
	"github.com/imrishuroy/go-payment-reconciler/internal/config"
	"github.com/imrishuroy/go-payment-reconciler/internal/logging"
)

var Version = "dev"

func main() {
	if err := newRootCmd(loadServices).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadServices wires the real components from the environment.
func loadServices(ctx context.Context, envFile string) (*services, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}
	log := logging.New("payctl", cfg.LogLevel, true)
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	return &services{
		orders: a.Manager,
		notify: a.Notify,
		sweep:  a.Sweeper,
		close:  a.Close,
	}, nil
}
