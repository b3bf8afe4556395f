package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog"

	"github.com/imrishuroy/go-payment-reconciler/internal/aws"
	"github.com/imrishuroy/go-payment-reconciler/internal/payment"
)

// Retrier replays one notify log row.
type Retrier interface {
	RetryFailedNotify(ctx context.Context, logID string) payment.NotifyResult
}

// Sweeper replays FAILED and stale PENDING rows in bulk.
type Sweeper interface {
	Run(ctx context.Context) (payment.SweepReport, error)
}

// Processor consumes the notify retry queue and runs the scheduled sweep.
type Processor struct {
	retrier Retrier
	sweeper Sweeper
	log     zerolog.Logger
}

// NewProcessor returns a Processor replaying rows through r and sweeping
// through sw.
func NewProcessor(r Retrier, sw Sweeper, log zerolog.Logger) *Processor {
	return &Processor{retrier: r, sweeper: sw, log: log.With().Str("component", "notify_retry_worker").Logger()}
}

// Invoke is the Lambda entry point. EventBridge schedule events trigger a
// sweep; everything else is treated as an SQS batch.
func (p *Processor) Invoke(ctx context.Context, payload json.RawMessage) (any, error) {
	var ev events.CloudWatchEvent
	if err := json.Unmarshal(payload, &ev); err == nil && (ev.Source == scheduledSource || ev.DetailType == scheduledDetailType) {
		return p.Sweep(ctx)
	}
	var batch events.SQSEvent
	if err := json.Unmarshal(payload, &batch); err != nil {
		return nil, fmt.Errorf("decode sqs event: %w", err)
	}
	return p.Handle(ctx, batch)
}

const (
	scheduledSource     = "aws.events"
	scheduledDetailType = "Scheduled Event"
)

// Sweep runs one sweep and logs its report.
func (p *Processor) Sweep(ctx context.Context) (payment.SweepReport, error) {
	if p.sweeper == nil {
		return payment.SweepReport{}, errors.New("sweeper not configured")
	}
	report, err := p.sweeper.Run(ctx)
	if err != nil {
		p.log.Error().Err(err).Msg("notify sweep failed")
		return report, err
	}
	p.log.Info().
		Bool("skipped", report.Skipped).
		Int("attempted", report.Attempted).
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Msg("notify sweep finished")
	return report, nil
}

// Handle processes an SQS batch. Only messages whose replay failed with a
// retryable error are reported back, so SQS redelivers just those; the rest
// are acknowledged and left for the sweep or an operator.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		if p.processMessage(ctx, rec) {
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
		}
	}
	return resp, nil
}

// processMessage reports whether the message should be redelivered.
func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) bool {
	log := p.log.With().Str("message_id", rec.MessageId).Logger()

	var msg aws.NotifyRetryMessage
	if err := json.Unmarshal([]byte(rec.Body), &msg); err != nil || msg.LogID == "" {
		log.Error().Err(err).Str("body", rec.Body).Msg("dropping malformed retry message")
		return false
	}
	log = log.With().Str("log_id", msg.LogID).Logger()

	res := p.retrier.RetryFailedNotify(ctx, msg.LogID)
	switch {
	case res.Success:
		log.Info().Bool("applied", res.Applied).Str("order_no", res.OrderNo).Msg("notify replayed")
		return false
	case res.Retryable:
		log.Warn().Str("error", res.Message).Msg("notify replay failed, will retry")
		return true
	default:
		log.Warn().Str("kind", res.Kind.String()).Str("error", res.Message).Msg("notify replay gave up")
		return false
	}
}
