package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/imrishuroy/go-payment-reconciler/internal/catalog"
	"github.com/imrishuroy/go-payment-reconciler/internal/gateway"
	"github.com/imrishuroy/go-payment-reconciler/internal/money"
	"github.com/imrishuroy/go-payment-reconciler/internal/orders"
	"github.com/imrishuroy/go-payment-reconciler/internal/payerr"
)

// Order expiry bounds.
const (
	MinExpireAfter = 15 * time.Minute
	MaxExpireAfter = 30 * time.Minute
)

// ManagerConfig holds order creation policy. Amounts are in currency units.
type ManagerConfig struct {
	ExpireAfter time.Duration
	MinAmount   money.Money
	MaxAmount   money.Money
}

// DefaultManagerConfig is 15 minute expiry and 1..1000 per order.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		ExpireAfter: MinExpireAfter,
		MinAmount:   money.MustParse("1"),
		MaxAmount:   money.MustParse("1000"),
	}
}

// Requester is the caller as identified by the upstream auth layer.
type Requester struct {
	UserID   string
	Username string
	Admin    bool
}

func (r Requester) owns(o *orders.Order) bool {
	return r.Admin || (r.UserID != "" && r.UserID == o.UserID)
}

// CreatedOrder is what the client needs to render a payment QR code.
type CreatedOrder struct {
	OrderNo    string      `json:"orderNo"`
	CodeURL    string      `json:"codeUrl"`
	Amount     money.Money `json:"amount"`
	ExpireTime time.Time   `json:"expireTime"`
}

// StatusView is an order with the gateway trade state seen while
// refreshing it, if any.
type StatusView struct {
	Order      *orders.Order `json:"order"`
	TradeState string        `json:"tradeState,omitempty"`
}

// RefundOutcome reports a refund accepted by the gateway.
type RefundOutcome struct {
	OrderNo     string      `json:"orderNo"`
	OutRefundNo string      `json:"outRefundNo"`
	RefundID    string      `json:"refundId"`
	Status      string      `json:"status"`
	Amount      money.Money `json:"amount"`
}

// Manager creates, refreshes and cancels orders.
type Manager struct {
	orders     OrderStore
	catalog    Catalog
	gateway    Gateway
	reconciler *Reconciler
	cfg        ManagerConfig
	log        zerolog.Logger
	nowFunc    func() time.Time
}

// NewManager wires a Manager. ExpireAfter is clamped to 15..30 minutes.
func NewManager(store OrderStore, cat Catalog, gw Gateway, rec *Reconciler, cfg ManagerConfig, log zerolog.Logger) *Manager {
	if cfg.ExpireAfter < MinExpireAfter {
		cfg.ExpireAfter = MinExpireAfter
	}
	if cfg.ExpireAfter > MaxExpireAfter {
		cfg.ExpireAfter = MaxExpireAfter
	}
	return &Manager{
		orders:     store,
		catalog:    cat,
		gateway:    gw,
		reconciler: rec,
		cfg:        cfg,
		log:        log.With().Str("component", "order_manager").Logger(),
		nowFunc:    time.Now,
	}
}

// CreateOrder opens a gateway intent for packageID and persists the order.
// Validation failures persist nothing. Any other gateway failure leaves a
// FAILED order behind so no PENDING order exists without a remote intent.
func (m *Manager) CreateOrder(ctx context.Context, req Requester, packageID, paymentMethod string) (*CreatedOrder, error) {
	const op = "payment.CreateOrder"

	if paymentMethod != orders.MethodWechatPay {
		return nil, payerr.New(payerr.KindValidation, op, "unsupported payment method %q", paymentMethod)
	}
	if req.UserID == "" {
		return nil, payerr.New(payerr.KindValidation, op, "user id is required")
	}
	if packageID == "" {
		return nil, payerr.New(payerr.KindValidation, op, "package id is required")
	}

	pkg, err := m.catalog.GetPackage(ctx, packageID)
	if err != nil {
		return nil, payerr.Wrap(payerr.KindInternal, op, err, "load package")
	}
	if pkg == nil || !pkg.IsActive {
		return nil, payerr.New(payerr.KindValidation, op, "package %s does not exist or is not on sale", packageID)
	}
	minor, err := m.checkAmount(pkg.Amount)
	if err != nil {
		return nil, payerr.Wrap(payerr.KindValidation, op, err, "package %s", packageID)
	}

	now := m.nowFunc().UTC()
	order := &orders.Order{
		OrderNo:       newOrderNo(now),
		OutTradeNo:    newOutTradeNo(now),
		UserID:        req.UserID,
		PackageID:     pkg.ID,
		Amount:        pkg.Amount,
		Points:        pkg.Points,
		BonusPoints:   pkg.BonusPoints,
		PaymentMethod: paymentMethod,
		Status:        orders.StatusPending,
		ExpireTime:    now.Add(m.cfg.ExpireAfter),
		Metadata: orders.Metadata{
			User:    orders.UserSnapshot{ID: req.UserID, Username: req.Username},
			Package: orders.PackageSnapshot{Name: pkg.Name, Description: pkg.Description},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	attach, err := buildAttach(order, pkg)
	if err != nil {
		return nil, payerr.Wrap(payerr.KindInternal, op, err, "encode attach")
	}
	order.Metadata.Attach = attach

	log := m.log.With().Str("order_no", order.OrderNo).Str("out_trade_no", order.OutTradeNo).Str("user_id", req.UserID).Logger()

	intent, err := m.gateway.CreateIntent(ctx, gateway.IntentRequest{
		OutTradeNo:  order.OutTradeNo,
		AmountMinor: minor,
		Description: gateway.FormatDescription(describe(pkg)),
		Attach:      attach,
		ExpireAt:    order.ExpireTime,
	})
	if err != nil {
		if payerr.Is(err, payerr.KindValidation) {
			return nil, err
		}
		log.Warn().Err(err).Str("kind", payerr.KindOf(err).String()).Msg("create intent failed")
		if payerr.Is(err, payerr.KindNetwork) {
			// The intent may exist remotely even though we never saw the answer.
			m.closeBestEffort(ctx, log, order.OutTradeNo)
		}
		order.Status = orders.StatusFailed
		order.FailReason = err.Error()
		if perr := m.orders.Create(context.WithoutCancel(ctx), order); perr != nil {
			log.Error().Err(perr).Msg("persist failed order")
		}
		return nil, err
	}

	if err := m.orders.Create(ctx, order); err != nil {
		log.Error().Err(err).Msg("persist pending order, closing intent")
		m.closeBestEffort(ctx, log, order.OutTradeNo)
		return nil, payerr.Wrap(payerr.KindInternal, op, err, "persist order")
	}

	log.Info().Str("amount", order.Amount.String()).Msg("order created")
	return &CreatedOrder{
		OrderNo:    order.OrderNo,
		CodeURL:    intent.CodeURL,
		Amount:     order.Amount,
		ExpireTime: order.ExpireTime,
	}, nil
}

// GetOrderStatus returns a definitive state for orderNo. Terminal orders are
// answered locally. A pending order past its expiry becomes EXPIRED. Anything
// else is refreshed from the gateway; a failed refresh returns local state.
func (m *Manager) GetOrderStatus(ctx context.Context, orderNo string, req Requester) (*StatusView, error) {
	const op = "payment.GetOrderStatus"

	order, err := m.load(ctx, op, orderNo, req)
	if err != nil {
		return nil, err
	}
	if order.Status.IsTerminal() {
		return &StatusView{Order: order}, nil
	}

	log := m.log.With().Str("order_no", orderNo).Logger()

	if order.Expired(m.nowFunc()) {
		res, err := m.orders.TransitionIfPending(ctx, orderNo, orders.StatusExpired, orders.Transition{FailReason: "order expired"})
		if err != nil {
			return nil, payerr.Wrap(payerr.KindInternal, op, err, "expire order")
		}
		if res.Applied {
			log.Info().Msg("order expired")
		}
		return &StatusView{Order: res.Order}, nil
	}

	q, err := m.gateway.QueryIntent(ctx, order.OutTradeNo)
	if err != nil {
		log.Warn().Err(err).Msg("query intent failed, returning local state")
		return &StatusView{Order: order}, nil
	}
	synced, err := m.reconciler.SyncFromGatewayState(ctx, order, *q)
	if err != nil {
		log.Warn().Err(err).Str("trade_state", q.TradeState).Msg("sync from gateway failed, returning local state")
		return &StatusView{Order: order, TradeState: q.TradeState}, nil
	}
	return &StatusView{Order: synced, TradeState: q.TradeState}, nil
}

// CancelOrder closes a pending order owned by req (or any order for admins).
// A concurrent payment wins over the cancel; the loser sees
// KindStateConflict.
func (m *Manager) CancelOrder(ctx context.Context, orderNo string, req Requester) (*orders.Order, error) {
	const op = "payment.CancelOrder"

	order, err := m.load(ctx, op, orderNo, req)
	if err != nil {
		return nil, err
	}
	if order.Status != orders.StatusPending {
		return nil, payerr.New(payerr.KindStateConflict, op, "order %s is %s", orderNo, order.Status)
	}

	log := m.log.With().Str("order_no", orderNo).Str("user_id", req.UserID).Logger()

	if err := m.gateway.CloseIntent(ctx, order.OutTradeNo); err != nil {
		var pe *payerr.Error
		if errors.As(err, &pe) && pe.Code == gateway.CodeOrderPaid {
			log.Info().Msg("cancel refused, gateway reports trade paid")
			return nil, payerr.New(payerr.KindStateConflict, op, "order %s has been paid", orderNo)
		}
		log.Warn().Err(err).Msg("close intent failed, cancelling locally")
	}

	reason := "cancelled by user"
	if req.Admin && req.UserID != order.UserID {
		reason = "cancelled by admin"
	}
	res, err := m.orders.TransitionIfPending(ctx, orderNo, orders.StatusCancelled, orders.Transition{FailReason: reason})
	if err != nil {
		return nil, payerr.Wrap(payerr.KindInternal, op, err, "cancel order")
	}
	if !res.Applied {
		return nil, payerr.New(payerr.KindStateConflict, op, "order %s is %s", orderNo, res.Order.Status)
	}
	log.Info().Str("reason", reason).Msg("order cancelled")
	return res.Order, nil
}

// RefundOrder asks the gateway to refund a PAID order in full. The order
// keeps its PAID status; the refund is tracked by the gateway and the
// REFUND notify log.
func (m *Manager) RefundOrder(ctx context.Context, orderNo, reason string, req Requester) (*RefundOutcome, error) {
	const op = "payment.RefundOrder"
	if !req.Admin {
		return nil, payerr.New(payerr.KindForbidden, op, "refunds are admin only")
	}
	order, err := m.load(ctx, op, orderNo, req)
	if err != nil {
		return nil, err
	}
	if order.Status != orders.StatusPaid {
		return nil, payerr.New(payerr.KindStateConflict, op, "order %s is %s, only PAID orders can be refunded", orderNo, order.Status)
	}
	minor, err := order.Amount.MinorUnits()
	if err != nil {
		return nil, payerr.Wrap(payerr.KindInternal, op, err, "order amount")
	}

	res, err := m.gateway.Refund(ctx, gateway.RefundRequest{
		OutTradeNo:  order.OutTradeNo,
		OutRefundNo: newOutRefundNo(),
		Reason:      reason,
		RefundMinor: minor,
		TotalMinor:  minor,
	})
	if err != nil {
		return nil, err
	}
	m.log.Info().Str("order_no", orderNo).Str("refund_id", res.RefundID).Str("status", res.Status).Msg("refund requested")
	return &RefundOutcome{
		OrderNo:     orderNo,
		OutRefundNo: res.OutRefundNo,
		RefundID:    res.RefundID,
		Status:      res.Status,
		Amount:      money.FromMinor(res.RefundMinor),
	}, nil
}

// ListOrders pages through req's orders, newest first.
func (m *Manager) ListOrders(ctx context.Context, req Requester, f orders.ListFilter) (orders.Page, error) {
	const op = "payment.ListOrders"
	if req.UserID == "" {
		return orders.Page{}, payerr.New(payerr.KindValidation, op, "user id is required")
	}
	if f.Status != "" && !f.Status.Valid() {
		return orders.Page{}, payerr.New(payerr.KindValidation, op, "unknown status %q", f.Status)
	}
	page, err := m.orders.ListByUser(ctx, req.UserID, f)
	if errors.Is(err, orders.ErrInvalidCursor) {
		return orders.Page{}, payerr.Wrap(payerr.KindValidation, op, err, "list orders")
	}
	if err != nil {
		return orders.Page{}, payerr.Wrap(payerr.KindInternal, op, err, "list orders")
	}
	return page, nil
}

// ListPackages returns the packages on sale.
func (m *Manager) ListPackages(ctx context.Context) ([]catalog.Package, error) {
	pkgs, err := m.catalog.ListActive(ctx)
	if err != nil {
		return nil, payerr.Wrap(payerr.KindInternal, "payment.ListPackages", err, "list packages")
	}
	return pkgs, nil
}

func (m *Manager) load(ctx context.Context, op, orderNo string, req Requester) (*orders.Order, error) {
	order, err := m.orders.Get(ctx, orderNo)
	if err != nil {
		return nil, payerr.Wrap(payerr.KindInternal, op, err, "load order")
	}
	if order == nil {
		return nil, payerr.New(payerr.KindNotFound, op, "order %s not found", orderNo)
	}
	if !req.owns(order) {
		return nil, payerr.New(payerr.KindForbidden, op, "order %s belongs to another user", orderNo)
	}
	return order, nil
}

func (m *Manager) checkAmount(amount money.Money) (int64, error) {
	if !amount.IsPositive() {
		return 0, fmt.Errorf("amount %s must be positive", amount.String())
	}
	if amount.LessThan(m.cfg.MinAmount.Decimal) || amount.GreaterThan(m.cfg.MaxAmount.Decimal) {
		return 0, fmt.Errorf("amount %s outside %s..%s", amount.String(), m.cfg.MinAmount.String(), m.cfg.MaxAmount.String())
	}
	minor, err := amount.MinorUnits()
	if err != nil {
		return 0, err
	}
	if minor < gateway.MinAmountMinor || minor > gateway.MaxAmountMinor {
		return 0, fmt.Errorf("amount %s outside gateway limits", amount.String())
	}
	return minor, nil
}

func (m *Manager) closeBestEffort(ctx context.Context, log zerolog.Logger, outTradeNo string) {
	if err := m.gateway.CloseIntent(context.WithoutCancel(ctx), outTradeNo); err != nil {
		log.Warn().Err(err).Msg("close intent failed")
	}
}

// buildAttach encodes the gateway attach field. The package name is dropped
// when it would push the field past the gateway limit.
func buildAttach(o *orders.Order, pkg *catalog.Package) (string, error) {
	a := orders.Attach{OrderNo: o.OrderNo, UserID: o.UserID, PackageID: pkg.ID, PackageName: pkg.Name}
	b, err := json.Marshal(a)
	if err != nil {
		return "", err
	}
	if len(b) > gateway.MaxAttachLen {
		a.PackageName = ""
		if b, err = json.Marshal(a); err != nil {
			return "", err
		}
	}
	return string(b), nil
}

func describe(pkg *catalog.Package) string {
	if pkg.BonusPoints > 0 {
		return fmt.Sprintf("%s - %d points (+%d bonus)", pkg.Name, pkg.Points, pkg.BonusPoints)
	}
	return fmt.Sprintf("%s - %d points", pkg.Name, pkg.Points)
}
