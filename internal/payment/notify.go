package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/imrishuroy/go-payment-reconciler/internal/gateway"
	"github.com/imrishuroy/go-payment-reconciler/internal/notifylog"
	"github.com/imrishuroy/go-payment-reconciler/internal/orders"
	"github.com/imrishuroy/go-payment-reconciler/internal/payerr"
)

// NotifyConfig bounds notify retries.
type NotifyConfig struct {
	MaxRetry   int
	StaleAfter time.Duration
	RetryDelay time.Duration
}

// DefaultNotifyConfig is three retries, a ten minute stale window and a one
// minute retry delay.
func DefaultNotifyConfig() NotifyConfig {
	return NotifyConfig{MaxRetry: 3, StaleAfter: 10 * time.Minute, RetryDelay: time.Minute}
}

// NotifyResult is the structured outcome of one processing attempt. Kind
// is meaningful only when Success is false.
type NotifyResult struct {
	LogID     string      `json:"logId"`
	OrderNo   string      `json:"orderNo,omitempty"`
	Success   bool        `json:"success"`
	Applied   bool        `json:"applied"`
	Retryable bool        `json:"retryable"`
	Kind      payerr.Kind `json:"-"`
	Message   string      `json:"message,omitempty"`
}

// NotifyProcessor persists, verifies and dispatches gateway callbacks.
type NotifyProcessor struct {
	logs       NotifyLogStore
	gateway    Gateway
	reconciler *Reconciler
	retries    RetryScheduler
	metrics    Metrics
	cfg        NotifyConfig
	log        zerolog.Logger
	nowFunc    func() time.Time
}

// NewNotifyProcessor wires a NotifyProcessor. retries and metrics may be nil.
func NewNotifyProcessor(logs NotifyLogStore, gw Gateway, rec *Reconciler, retries RetryScheduler, metrics Metrics, cfg NotifyConfig, log zerolog.Logger) *NotifyProcessor {
	if metrics == nil {
		metrics = NopMetrics
	}
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = DefaultNotifyConfig().MaxRetry
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultNotifyConfig().StaleAfter
	}
	return &NotifyProcessor{
		logs:       logs,
		gateway:    gw,
		reconciler: rec,
		retries:    retries,
		metrics:    metrics,
		cfg:        cfg,
		log:        log.With().Str("component", "notify_processor").Logger(),
		nowFunc:    time.Now,
	}
}

// HandleNotify records an inbound callback and processes it. It never
// panics or returns an error; every outcome is a NotifyResult.
func (p *NotifyProcessor) HandleNotify(ctx context.Context, headers http.Header, body []byte, clientIP, notifyType string) (res NotifyResult) {
	var logID string
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Str("log_id", logID).Msg("notify handling panicked")
			res = NotifyResult{LogID: logID, Retryable: true, Kind: payerr.KindInternal, Message: fmt.Sprintf("internal error: %v", r)}
			if logID != "" {
				p.finish(ctx, res, true)
			}
		}
	}()

	p.incr(ctx, MetricNotifyReceived, map[string]string{"type": notifyType})

	rec := &notifylog.Record{
		PaymentMethod:  orders.MethodWechatPay,
		NotifyType:     notifyType,
		RequestHeaders: flattenHeaders(headers),
		RequestBody:    string(body),
		ClientIP:       clientIP,
		ReceivedAt:     p.nowFunc(),
	}
	if err := p.logs.Create(ctx, rec); err != nil {
		p.log.Error().Err(err).Str("client_ip", clientIP).Msg("persist notify log")
		return NotifyResult{Retryable: true, Kind: payerr.KindInternal, Message: "notify log unavailable"}
	}
	logID = rec.LogID

	res = p.process(ctx, rec.LogID, headers, body, rec.ReceivedAt)
	p.finish(ctx, res, true)
	return res
}

// RetryFailedNotify claims a FAILED (or stale PENDING) log row and replays
// it from the stored headers and body. A row already SUCCESS is a no-op.
func (p *NotifyProcessor) RetryFailedNotify(ctx context.Context, logID string) (res NotifyResult) {
	var claimed *notifylog.Record
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Str("log_id", logID).Msg("notify retry panicked")
			res = NotifyResult{LogID: logID, Retryable: true, Kind: payerr.KindInternal, Message: fmt.Sprintf("internal error: %v", r)}
			if claimed != nil {
				p.finish(ctx, res, claimed.RetryCount < p.cfg.MaxRetry)
			}
		}
	}()

	log := p.log.With().Str("log_id", logID).Logger()

	rec, err := p.logs.Claim(ctx, logID, p.cfg.MaxRetry, p.nowFunc().Add(-p.cfg.StaleAfter))
	switch {
	case errors.Is(err, notifylog.ErrNotFound):
		return NotifyResult{LogID: logID, Kind: payerr.KindNotFound, Message: "notify log not found"}
	case errors.Is(err, notifylog.ErrNotClaimable):
		if rec != nil && rec.ProcessStatus == notifylog.StatusSuccess {
			return NotifyResult{LogID: logID, OrderNo: rec.OrderNo, Success: true, Message: MsgAlreadyProcessed}
		}
		msg := "notify log is not retryable"
		if rec != nil {
			msg = fmt.Sprintf("notify log is %s after %d retries", rec.ProcessStatus, rec.RetryCount)
		}
		return NotifyResult{LogID: logID, Kind: payerr.KindStateConflict, Message: msg}
	case err != nil:
		log.Error().Err(err).Msg("claim notify log")
		return NotifyResult{LogID: logID, Retryable: true, Kind: payerr.KindInternal, Message: "notify log unavailable"}
	}

	claimed = rec
	log.Info().Int("retry_count", rec.RetryCount).Msg("replaying notify")
	res = p.process(ctx, logID, expandHeaders(rec.RequestHeaders), []byte(rec.RequestBody), rec.ReceivedAt)
	p.finish(ctx, res, rec.RetryCount < p.cfg.MaxRetry)
	return res
}

// ListLogs lists log rows for operators.
func (p *NotifyProcessor) ListLogs(ctx context.Context, f notifylog.ListFilter) ([]notifylog.Record, error) {
	if f.Status == "" {
		return nil, payerr.New(payerr.KindValidation, "payment.ListLogs", "status is required")
	}
	recs, err := p.logs.List(ctx, f)
	if err != nil {
		return nil, payerr.Wrap(payerr.KindInternal, "payment.ListLogs", err, "list notify logs")
	}
	return recs, nil
}

// Stats counts log rows per status.
func (p *NotifyProcessor) Stats(ctx context.Context) (notifylog.Stats, error) {
	st, err := p.logs.Stats(ctx, p.cfg.MaxRetry)
	if err != nil {
		return st, payerr.Wrap(payerr.KindInternal, "payment.NotifyStats", err, "notify stats")
	}
	return st, nil
}

// process runs verification and dispatch for one attempt.
func (p *NotifyProcessor) process(ctx context.Context, logID string, headers http.Header, body []byte, receivedAt time.Time) NotifyResult {
	log := p.log.With().Str("log_id", logID).Logger()

	n, err := p.gateway.VerifyAndDecodeNotify(headers, body, receivedAt)
	if err != nil {
		p.incr(ctx, MetricNotifyRejected, map[string]string{"kind": payerr.KindOf(err).String()})
		log.Warn().Err(err).Str("kind", payerr.KindOf(err).String()).Msg("notify rejected")
		return NotifyResult{LogID: logID, Kind: payerr.KindOf(err), Message: err.Error()}
	}

	switch {
	case n.Transaction != nil:
		tx := n.Transaction
		log = log.With().Str("out_trade_no", tx.OutTradeNo).Str("trade_state", tx.TradeState).Logger()
		if tx.TradeState != gateway.TradeSuccess {
			log.Info().Msg("non-success trade notify acknowledged")
			return NotifyResult{LogID: logID, Success: true, Message: "trade state " + tx.TradeState + " acknowledged"}
		}

		sr, err := p.reconciler.HandlePaymentSuccess(ctx, tx.OutTradeNo, tx.TransactionID, tx.PaidAt(), string(n.Plain))
		res := NotifyResult{LogID: logID, Applied: sr.Applied, Message: sr.Message}
		if sr.Order != nil {
			res.OrderNo = sr.Order.OrderNo
		}
		if err != nil {
			res.Kind = payerr.KindOf(err)
			res.Message = err.Error()
			res.Retryable = res.Kind == payerr.KindInternal || res.Kind == payerr.KindNetwork
			log.Warn().Err(err).Str("kind", res.Kind.String()).Bool("retryable", res.Retryable).Msg("payment success not applied")
			return res
		}
		res.Success = true
		return res

	case n.Refund != nil:
		rf := n.Refund
		log.Info().
			Str("out_trade_no", rf.OutTradeNo).
			Str("out_refund_no", rf.OutRefundNo).
			Str("refund_status", rf.RefundStatus).
			Int64("refund", rf.Amount.Refund).
			Msg("refund notify acknowledged")
		return NotifyResult{LogID: logID, Success: true, Message: "refund " + rf.RefundStatus + " acknowledged"}
	}

	return NotifyResult{LogID: logID, Kind: payerr.KindValidation, Message: "unsupported event type " + n.EventType}
}

// finish records the attempt outcome on the log row and, for retryable
// failures, schedules a replay.
func (p *NotifyProcessor) finish(ctx context.Context, res NotifyResult, mayRetry bool) {
	ctx = context.WithoutCancel(ctx)
	log := p.log.With().Str("log_id", res.LogID).Logger()

	out := notifylog.Outcome{Status: notifylog.StatusSuccess, OrderNo: res.OrderNo, Applied: res.Applied}
	if !res.Success {
		out.Status = notifylog.StatusFailed
		out.ErrorMessage = res.Message
	}
	if res.Kind == payerr.KindFatalInconsistency {
		// Replaying would read the paid order as already processed and
		// overwrite the alert with SUCCESS.
		out.RetryCount = p.cfg.MaxRetry
	}
	if err := p.logs.MarkProcessed(ctx, res.LogID, out); err != nil {
		log.Error().Err(err).Str("process_status", string(out.Status)).Msg("mark notify log processed")
	}

	if res.Retryable && mayRetry && p.retries != nil {
		if err := p.retries.ScheduleNotifyRetry(ctx, res.LogID, res.Message, p.cfg.RetryDelay); err != nil {
			log.Error().Err(err).Msg("schedule notify retry")
		}
	}
}

func (p *NotifyProcessor) incr(ctx context.Context, name string, dims map[string]string) {
	if err := p.metrics.Incr(ctx, name, dims); err != nil {
		p.log.Warn().Err(err).Str("metric", name).Msg("emit metric")
	}
}

// flattenHeaders keeps the first value of every header under its canonical name.
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[http.CanonicalHeaderKey(k)] = v[0]
		}
	}
	return out
}

func expandHeaders(m map[string]string) http.Header {
	h := make(http.Header, len(m))
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}
