package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/imrishuroy/go-payment-reconciler/internal/app"
	"github.com/imrishuroy/go-payment-reconciler/internal/config"
	"github.com/imrishuroy/go-payment-reconciler/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("payment-worker", "info", true)
		boot.Fatal().Err(err).Msg("load config")
	}
	log := logging.New("payment-worker", cfg.LogLevel, cfg.RunLocal)

	a, err := app.New(context.Background(), cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("wire app")
	}
	defer a.Close()

	p := NewProcessor(a.Notify, a.Sweeper, log)

	// If RUN_LOCAL=true there is no queue or EventBridge rule; run the sweep on a schedule instead.
	if cfg.RunLocal {
		runSweeps(p, cfg.SweepSchedule, log)
		return
	}

	lambda.Start(p.Invoke)
}

func runSweeps(p *Processor, schedule string, log zerolog.Logger) {
	c := cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(schedule, func() { sweepOnce(p) }); err != nil {
		log.Fatal().Err(err).Str("schedule", schedule).Msg("schedule sweep")
	}
	log.Info().Str("schedule", schedule).Msg("running notify sweep locally")
	c.Start()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	<-c.Stop().Done()
}

func sweepOnce(p *Processor) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	_, _ = p.Sweep(ctx)
}
