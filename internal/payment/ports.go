package payment

import (
	"context"
	"net/http"
	"time"

	"github.com/imrishuroy/go-payment-reconciler/internal/catalog"
	"github.com/imrishuroy/go-payment-reconciler/internal/credits"
	"github.com/imrishuroy/go-payment-reconciler/internal/gateway"
	"github.com/imrishuroy/go-payment-reconciler/internal/notifylog"
	"github.com/imrishuroy/go-payment-reconciler/internal/orders"
)

// OrderStore is the subset of orders.Store the payment core uses.
type OrderStore interface {
	Create(ctx context.Context, order *orders.Order) error
	Get(ctx context.Context, orderNo string) (*orders.Order, error)
	GetByOutTradeNo(ctx context.Context, outTradeNo string) (*orders.Order, error)
	TransitionIfPending(ctx context.Context, orderNo string, to orders.Status, t orders.Transition) (orders.TransitionResult, error)
	MarkCreditOutcome(ctx context.Context, orderNo string, status orders.CreditStatus, note string) error
	ListByUser(ctx context.Context, userID string, f orders.ListFilter) (orders.Page, error)
}

// NotifyLogStore is the subset of notifylog.Store the payment core uses.
type NotifyLogStore interface {
	Create(ctx context.Context, rec *notifylog.Record) error
	Get(ctx context.Context, logID string) (*notifylog.Record, error)
	MarkProcessed(ctx context.Context, logID string, o notifylog.Outcome) error
	Claim(ctx context.Context, logID string, maxRetry int, staleBefore time.Time) (*notifylog.Record, error)
	List(ctx context.Context, f notifylog.ListFilter) ([]notifylog.Record, error)
	Stats(ctx context.Context, maxRetry int) (notifylog.Stats, error)
}

// Gateway is the payment gateway as seen by the core.
type Gateway interface {
	CreateIntent(ctx context.Context, req gateway.IntentRequest) (*gateway.Intent, error)
	QueryIntent(ctx context.Context, outTradeNo string) (*gateway.TradeQuery, error)
	CloseIntent(ctx context.Context, outTradeNo string) error
	Refund(ctx context.Context, req gateway.RefundRequest) (*gateway.RefundResult, error)
	VerifyAndDecodeNotify(headers http.Header, body []byte, receivedAt time.Time) (*gateway.Notification, error)
}

// Catalog resolves purchasable packages.
type Catalog interface {
	GetPackage(ctx context.Context, id string) (*catalog.Package, error)
	ListActive(ctx context.Context) ([]catalog.Package, error)
}

// CreditGranter is the external points ledger. It is not idempotent.
type CreditGranter interface {
	GrantPoints(ctx context.Context, userID string, amount int64, reason string) (credits.Grant, error)
}

// Metrics counts notable events. Errors are logged and otherwise ignored.
type Metrics interface {
	Incr(ctx context.Context, name string, dims map[string]string) error
}

// RetryScheduler enqueues a delayed replay of a notify log row.
type RetryScheduler interface {
	ScheduleNotifyRetry(ctx context.Context, logID, reason string, delay time.Duration) error
}

// Locker takes a cluster-wide lock. ok is false when another holder has it.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(context.Context) error, ok bool, err error)
}

// Metric names.
const (
	MetricNotifyReceived     = "notify_received"
	MetricNotifyRejected     = "notify_rejected"
	MetricPaymentApplied     = "payment_applied"
	MetricPaymentDuplicate   = "payment_duplicate"
	MetricFatalInconsistency = "fatal_inconsistency"
)

type nopMetrics struct{}

func (nopMetrics) Incr(context.Context, string, map[string]string) error { return nil }

// NopMetrics discards every counter.
var NopMetrics Metrics = nopMetrics{}
