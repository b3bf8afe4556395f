package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/imrishuroy/go-payment-reconciler/internal/gateway"
	"github.com/imrishuroy/go-payment-reconciler/internal/orders"
	"github.com/imrishuroy/go-payment-reconciler/internal/payerr"
)

// MsgAlreadyProcessed is the message returned for a duplicate success.
const MsgAlreadyProcessed = "already processed"

// SuccessResult is the outcome of HandlePaymentSuccess. Order is the row as
// last read or written.
type SuccessResult struct {
	Applied bool
	Message string
	Order   *orders.Order
}

// Reconciler is the only writer of terminal order state and the only caller
// of the credit ledger.
type Reconciler struct {
	orders  OrderStore
	credits CreditGranter
	metrics Metrics
	log     zerolog.Logger
}

// NewReconciler wires a Reconciler. A nil metrics discards counters.
func NewReconciler(store OrderStore, granter CreditGranter, metrics Metrics, log zerolog.Logger) *Reconciler {
	if metrics == nil {
		metrics = NopMetrics
	}
	return &Reconciler{
		orders:  store,
		credits: granter,
		metrics: metrics,
		log:     log.With().Str("component", "reconciler").Logger(),
	}
}

// HandlePaymentSuccess moves the order behind outTradeNo from PENDING to PAID
// and grants its points. Any number of callers may race on the same order;
// exactly one sees Applied and exactly one grant is made.
//
// A duplicate returns Applied=false with MsgAlreadyProcessed and no error.
// A missing order is KindNotFound, a non-pending non-paid order is
// KindStateConflict. If the grant fails after PAID is written the result is
// Applied=true together with a KindFatalInconsistency error.
func (r *Reconciler) HandlePaymentSuccess(ctx context.Context, outTradeNo, transactionID string, paidAt *time.Time, rawNotify string) (SuccessResult, error) {
	const op = "payment.HandlePaymentSuccess"
	log := r.log.With().Str("out_trade_no", outTradeNo).Logger()

	order, err := r.orders.GetByOutTradeNo(ctx, outTradeNo)
	if err != nil {
		return SuccessResult{}, payerr.Wrap(payerr.KindInternal, op, err, "load order")
	}
	if order == nil {
		log.Warn().Msg("payment success for unknown order")
		return SuccessResult{}, payerr.New(payerr.KindNotFound, op, "order not found for out_trade_no %s", outTradeNo)
	}
	log = log.With().Str("order_no", order.OrderNo).Logger()

	switch order.Status {
	case orders.StatusPending:
	case orders.StatusPaid:
		r.duplicate(ctx, log, order)
		return SuccessResult{Message: MsgAlreadyProcessed, Order: order}, nil
	default:
		log.Error().Str("status", string(order.Status)).Msg("payment success for non-pending order, manual review needed")
		return SuccessResult{Order: order}, payerr.New(payerr.KindStateConflict, op, "order %s is %s", order.OrderNo, order.Status)
	}

	res, err := r.orders.TransitionIfPending(ctx, order.OrderNo, orders.StatusPaid, orders.Transition{
		TransactionID: transactionID,
		PaymentTime:   paidAt,
		NotifyPayload: rawNotify,
	})
	if err != nil {
		return SuccessResult{Order: order}, payerr.Wrap(payerr.KindInternal, op, err, "transition to PAID")
	}
	if !res.Applied {
		// Lost the race. The winner decides what happened.
		current := res.Order
		if current == nil {
			current = order
		}
		if current.Status == orders.StatusPaid {
			r.duplicate(ctx, log, current)
			return SuccessResult{Message: MsgAlreadyProcessed, Order: current}, nil
		}
		log.Error().Str("status", string(current.Status)).Msg("lost PAID transition to a different terminal state")
		return SuccessResult{Order: current}, payerr.New(payerr.KindStateConflict, op, "order %s is %s", current.OrderNo, current.Status)
	}

	paid := res.Order
	if paid == nil {
		paid = order
	}
	r.incr(ctx, MetricPaymentApplied, nil)
	log.Info().Str("transaction_id", transactionID).Msg("order paid")

	// The grant must not be abandoned half way because the caller went away.
	grantCtx := context.WithoutCancel(ctx)
	grant, err := r.credits.GrantPoints(grantCtx, paid.UserID, paid.TotalPoints(), creditReason(paid))
	if err != nil {
		log.Error().
			Err(err).
			Str("event", "fatal_inconsistency").
			Str("user_id", paid.UserID).
			Int64("points", paid.TotalPoints()).
			Str("amount", paid.Amount.String()).
			Msg("order is PAID but points were not granted")
		r.incr(ctx, MetricFatalInconsistency, nil)
		if merr := r.orders.MarkCreditOutcome(grantCtx, paid.OrderNo, orders.CreditFailed, err.Error()); merr != nil {
			log.Error().Err(merr).Msg("record credit failure")
		}
		return SuccessResult{Applied: true, Order: paid}, payerr.Wrap(payerr.KindFatalInconsistency, op, err,
			"order %s paid but %d points not granted to %s", paid.OrderNo, paid.TotalPoints(), paid.UserID)
	}

	if err := r.orders.MarkCreditOutcome(grantCtx, paid.OrderNo, orders.CreditGranted, fmt.Sprintf("balance %d", grant.NewBalance)); err != nil {
		log.Warn().Err(err).Msg("record credit outcome")
	}
	log.Info().Int64("points", paid.TotalPoints()).Int64("balance", grant.NewBalance).Msg("points granted")
	return SuccessResult{Applied: true, Message: "payment applied", Order: paid}, nil
}

// SyncFromGatewayState folds a gateway query result into the local order and
// returns the order as it stands afterwards. A pending order stays pending
// for NOTPAY, USERPAYING, unknown states and trades the gateway has not seen.
func (r *Reconciler) SyncFromGatewayState(ctx context.Context, order *orders.Order, q gateway.TradeQuery) (*orders.Order, error) {
	const op = "payment.SyncFromGatewayState"
	if order.Status != orders.StatusPending || !q.Found {
		return order, nil
	}

	target, ok := MapTradeState(q.TradeState)
	if !ok {
		r.log.Warn().Str("order_no", order.OrderNo).Str("trade_state", q.TradeState).Msg("unknown gateway trade state ignored")
		return order, nil
	}
	if target == orders.StatusPending {
		return order, nil
	}

	if target == orders.StatusPaid {
		res, err := r.HandlePaymentSuccess(ctx, order.OutTradeNo, q.TransactionID, q.SuccessTime, string(q.Raw))
		switch {
		case err == nil, payerr.Is(err, payerr.KindFatalInconsistency):
			// Fatal inconsistency is already logged and alerted; the caller
			// still gets the PAID order.
		case payerr.Is(err, payerr.KindStateConflict):
			if res.Order != nil {
				return res.Order, nil
			}
			return order, nil
		default:
			return order, err
		}
		if res.Order != nil {
			return res.Order, nil
		}
		return order, nil
	}

	reason := fmt.Sprintf("gateway trade state %s", q.TradeState)
	if q.TradeStateDesc != "" {
		reason += ": " + q.TradeStateDesc
	}
	res, err := r.orders.TransitionIfPending(ctx, order.OrderNo, target, orders.Transition{FailReason: reason})
	if err != nil {
		return order, payerr.Wrap(payerr.KindInternal, op, err, "transition to %s", target)
	}
	if res.Applied {
		r.log.Info().Str("order_no", order.OrderNo).Str("status", string(target)).Msg("order synced from gateway")
	}
	if res.Order != nil {
		return res.Order, nil
	}
	return order, nil
}

// MapTradeState maps a gateway trade state to a local status. ok is false for
// states the gateway has not documented.
func MapTradeState(tradeState string) (orders.Status, bool) {
	switch tradeState {
	case gateway.TradeSuccess:
		return orders.StatusPaid, true
	case gateway.TradeNotPay, gateway.TradeUserPaying:
		return orders.StatusPending, true
	case gateway.TradeClosed, gateway.TradeRevoked:
		return orders.StatusCancelled, true
	case gateway.TradePayError, gateway.TradeRefund:
		return orders.StatusFailed, true
	}
	return "", false
}

func (r *Reconciler) duplicate(ctx context.Context, log zerolog.Logger, order *orders.Order) {
	r.incr(ctx, MetricPaymentDuplicate, nil)
	log.Info().Str("transaction_id", order.TransactionID).Msg("payment already processed")
}

func (r *Reconciler) incr(ctx context.Context, name string, dims map[string]string) {
	if err := r.metrics.Incr(ctx, name, dims); err != nil {
		r.log.Warn().Err(err).Str("metric", name).Msg("emit metric")
	}
}

func creditReason(o *orders.Order) string {
	name := o.Metadata.Package.Name
	if name == "" {
		name = o.PackageID
	}
	if o.BonusPoints > 0 {
		return fmt.Sprintf("Purchased %s: %d points + %d bonus (order %s)", name, o.Points, o.BonusPoints, o.OrderNo)
	}
	return fmt.Sprintf("Purchased %s: %d points (order %s)", name, o.Points, o.OrderNo)
}
