package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/imrishuroy/go-payment-reconciler/internal/catalog"
	"github.com/imrishuroy/go-payment-reconciler/internal/gateway"
	"github.com/imrishuroy/go-payment-reconciler/internal/gateway/gatewaytest"
	"github.com/imrishuroy/go-payment-reconciler/internal/money"
	"github.com/imrishuroy/go-payment-reconciler/internal/orders"
	"github.com/imrishuroy/go-payment-reconciler/internal/payerr"
)

var (
	orderNoPattern    = regexp.MustCompile(`^PAY\d{13}\d{4}$`)
	outTradeNoPattern = regexp.MustCompile(`^PAY_\d{13}_\d{5}$`)
)

func TestCreateOrder(t *testing.T) {
	e := newEnv(t)
	before := time.Now()

	created, err := e.manager.CreateOrder(context.Background(), alice, "starter", orders.MethodWechatPay)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(created.CodeURL, "weixin://") {
		t.Fatalf("unexpected code url %q", created.CodeURL)
	}
	if d := created.ExpireTime.Sub(before); d < 15*time.Minute || d > 16*time.Minute {
		t.Fatalf("unexpected expiry %s", d)
	}

	o := e.order(t, created.OrderNo)
	if o.Status != orders.StatusPending || o.Points != 100 || o.BonusPoints != 20 || !o.Amount.Equal(money.MustParse("10").Decimal) {
		t.Fatalf("unexpected order %+v", o)
	}
	if !orderNoPattern.MatchString(o.OrderNo) || !outTradeNoPattern.MatchString(o.OutTradeNo) {
		t.Fatalf("unexpected ids %s %s", o.OrderNo, o.OutTradeNo)
	}

	var sent struct {
		OutTradeNo  string         `json:"out_trade_no"`
		Description string         `json:"description"`
		Attach      string         `json:"attach"`
		Amount      gateway.Amount `json:"amount"`
	}
	if err := json.Unmarshal(e.gateway.LastBody("create"), &sent); err != nil {
		t.Fatalf("decode create body: %v", err)
	}
	if sent.OutTradeNo != o.OutTradeNo || sent.Amount.Total != 1000 {
		t.Fatalf("unexpected intent %+v", sent)
	}
	var attach orders.Attach
	if err := json.Unmarshal([]byte(sent.Attach), &attach); err != nil {
		t.Fatalf("attach is not JSON: %v", err)
	}
	if attach.OrderNo != o.OrderNo || attach.UserID != alice.UserID || attach.PackageID != "starter" {
		t.Fatalf("unexpected attach %+v", attach)
	}
	if o.Metadata.Attach != sent.Attach {
		t.Fatalf("attach not kept on the order")
	}
}

func TestCreateOrder_ValidationPersistsNothing(t *testing.T) {
	e := newEnv(t)
	e.seedPackage(t, catalog.Package{ID: "retired", Name: "Old", Amount: money.MustParse("5"), Points: 50})
	e.seedPackage(t, catalog.Package{ID: "whale", Name: "Whale", Amount: money.MustParse("2000"), Points: 99999, IsActive: true})
	e.seedPackage(t, catalog.Package{ID: "fraction", Name: "Odd", Amount: money.MustParse("1.005"), Points: 1, IsActive: true})
	ctx := context.Background()

	cases := []struct {
		name      string
		req       Requester
		packageID string
		method    string
	}{
		{"unknown package", alice, "missing", orders.MethodWechatPay},
		{"inactive package", alice, "retired", orders.MethodWechatPay},
		{"amount above limit", alice, "whale", orders.MethodWechatPay},
		{"sub-cent amount", alice, "fraction", orders.MethodWechatPay},
		{"unsupported method", alice, "starter", orders.MethodAlipay},
		{"no package", alice, "", orders.MethodWechatPay},
		{"anonymous", Requester{}, "starter", orders.MethodWechatPay},
	}
	for _, tc := range cases {
		if _, err := e.manager.CreateOrder(ctx, tc.req, tc.packageID, tc.method); !payerr.Is(err, payerr.KindValidation) {
			t.Fatalf("%s: expected validation error, got %v", tc.name, err)
		}
	}
	if n := e.dynamo.Len(ordersTable); n != 0 {
		t.Fatalf("expected no orders, got %d", n)
	}
	if n := e.gateway.Calls("create"); n != 0 {
		t.Fatalf("expected no gateway calls, got %d", n)
	}
}

func TestCreateOrder_GatewayRejectedPersistsFailed(t *testing.T) {
	e := newEnv(t)
	e.gateway.FailNext("create", gatewaytest.Failure{Status: http.StatusBadRequest, Code: "ORDER_CLOSED", Message: "closed"})

	_, err := e.manager.CreateOrder(context.Background(), alice, "starter", orders.MethodWechatPay)
	if !payerr.Is(err, payerr.KindGatewayRejected) {
		t.Fatalf("expected gateway rejected, got %v", err)
	}
	page, err := e.orders.ListByUser(context.Background(), alice.UserID, orders.ListFilter{})
	if err != nil || len(page.Orders) != 1 {
		t.Fatalf("expected one persisted order, got %+v %v", page, err)
	}
	if o := page.Orders[0]; o.Status != orders.StatusFailed || !strings.Contains(o.FailReason, "ORDER_CLOSED") {
		t.Fatalf("unexpected order %+v", o)
	}
	if e.gateway.Calls("close") != 0 {
		t.Fatalf("a rejected intent needs no close")
	}
}

func TestCreateOrder_NetworkErrorClosesIntent(t *testing.T) {
	e := newEnv(t)
	e.gateway.FailNext("create", gatewaytest.Failure{Status: http.StatusBadGateway, Code: "SYSTEM_ERROR"})

	_, err := e.manager.CreateOrder(context.Background(), alice, "starter", orders.MethodWechatPay)
	if !payerr.Is(err, payerr.KindNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
	if e.gateway.Calls("close") != 1 {
		t.Fatalf("expected a best-effort close")
	}
	page, _ := e.orders.ListByUser(context.Background(), alice.UserID, orders.ListFilter{Status: orders.StatusPending})
	if len(page.Orders) != 0 {
		t.Fatalf("no PENDING order may exist without an intent")
	}
}

func TestCreateOrder_PersistFailureClosesIntent(t *testing.T) {
	e := newEnv(t)
	e.dynamo.FailNext("PutItem", errors.New("throttled"))

	_, err := e.manager.CreateOrder(context.Background(), alice, "starter", orders.MethodWechatPay)
	if !payerr.Is(err, payerr.KindInternal) {
		t.Fatalf("expected internal error, got %v", err)
	}
	if e.gateway.Calls("create") != 1 || e.gateway.Calls("close") != 1 {
		t.Fatalf("expected the orphaned intent to be closed")
	}
}

func TestCreateOrder_LongPackageNameDroppedFromAttach(t *testing.T) {
	e := newEnv(t)
	e.seedPackage(t, catalog.Package{ID: "long", Name: strings.Repeat("n", 100), Amount: money.MustParse("1"), Points: 10, IsActive: true})

	created, err := e.manager.CreateOrder(context.Background(), alice, "long", orders.MethodWechatPay)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	o := e.order(t, created.OrderNo)
	if len(o.Metadata.Attach) > gateway.MaxAttachLen {
		t.Fatalf("attach too long: %d", len(o.Metadata.Attach))
	}
	var attach orders.Attach
	_ = json.Unmarshal([]byte(o.Metadata.Attach), &attach)
	if attach.PackageName != "" || attach.OrderNo != o.OrderNo {
		t.Fatalf("unexpected attach %+v", attach)
	}
}

func TestGetOrderStatus_ExpiresOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	o := e.createOrder(t)
	later := o.ExpireTime.Add(time.Minute)
	e.manager.nowFunc = func() time.Time { return later }

	updates := e.dynamo.Calls("UpdateItem")
	for i := 0; i < 3; i++ {
		view, err := e.manager.GetOrderStatus(ctx, o.OrderNo, alice)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if view.Order.Status != orders.StatusExpired {
			t.Fatalf("call %d: expected EXPIRED, got %s", i, view.Order.Status)
		}
	}
	if n := e.dynamo.Calls("UpdateItem") - updates; n != 1 {
		t.Fatalf("expected a single transition, got %d writes", n)
	}
	if e.gateway.Calls("query") != 0 {
		t.Fatalf("expired and terminal orders must not query the gateway")
	}
}

func TestGetOrderStatus_PaidAtGateway(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	o := e.createOrder(t)
	e.gateway.SetTrade(gatewaytest.PaidTransaction(o.OutTradeNo, "tx-poll", 1000, time.Now()))

	view, err := e.manager.GetOrderStatus(ctx, o.OrderNo, alice)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if view.Order.Status != orders.StatusPaid || view.TradeState != gateway.TradeSuccess || view.Order.TransactionID != "tx-poll" {
		t.Fatalf("unexpected view %+v", view)
	}
	if len(e.credits.Calls()) != 1 {
		t.Fatalf("expected one grant")
	}

	if _, err := e.manager.GetOrderStatus(ctx, o.OrderNo, alice); err != nil {
		t.Fatalf("status: %v", err)
	}
	if e.gateway.Calls("query") != 1 {
		t.Fatalf("a PAID order must be answered locally")
	}
}

func TestGetOrderStatus_ClosedAtGatewayCancels(t *testing.T) {
	e := newEnv(t)
	o := e.createOrder(t)
	tx := gatewaytest.PaidTransaction(o.OutTradeNo, "", 1000, time.Now())
	tx.TradeState = gateway.TradeClosed
	tx.SuccessTime = ""
	e.gateway.SetTrade(tx)

	view, err := e.manager.GetOrderStatus(context.Background(), o.OrderNo, alice)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if view.Order.Status != orders.StatusCancelled || !strings.Contains(view.Order.FailReason, gateway.TradeClosed) {
		t.Fatalf("unexpected order %+v", view.Order)
	}
}

func TestGetOrderStatus_QueryFailureReturnsLocalState(t *testing.T) {
	e := newEnv(t)
	o := e.createOrder(t)
	e.gateway.FailNext("query", gatewaytest.Failure{Status: http.StatusServiceUnavailable, Code: "SYSTEM_ERROR"})

	view, err := e.manager.GetOrderStatus(context.Background(), o.OrderNo, alice)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if view.Order.Status != orders.StatusPending {
		t.Fatalf("expected local PENDING, got %s", view.Order.Status)
	}
}

func TestGetOrderStatus_Access(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	o := e.createOrder(t)

	if _, err := e.manager.GetOrderStatus(ctx, "PAY0", alice); !payerr.Is(err, payerr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := e.manager.GetOrderStatus(ctx, o.OrderNo, Requester{UserID: "u-bob"}); !payerr.Is(err, payerr.KindForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := e.manager.GetOrderStatus(ctx, o.OrderNo, Requester{UserID: "ops", Admin: true}); err != nil {
		t.Fatalf("admin must see any order: %v", err)
	}
}

func TestCancelOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	o := e.createOrder(t)

	if _, err := e.manager.CancelOrder(ctx, o.OrderNo, Requester{UserID: "u-bob"}); !payerr.Is(err, payerr.KindForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}

	got, err := e.manager.CancelOrder(ctx, o.OrderNo, alice)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != orders.StatusCancelled || got.FailReason != "cancelled by user" {
		t.Fatalf("unexpected order %+v", got)
	}
	if tx, _ := e.gateway.Trade(o.OutTradeNo); tx.TradeState != gateway.TradeClosed {
		t.Fatalf("expected intent closed, got %s", tx.TradeState)
	}

	if _, err := e.manager.CancelOrder(ctx, o.OrderNo, alice); !payerr.Is(err, payerr.KindStateConflict) {
		t.Fatalf("expected state conflict, got %v", err)
	}

	other := e.createOrder(t)
	got, err = e.manager.CancelOrder(ctx, other.OrderNo, Requester{UserID: "ops", Admin: true})
	if err != nil || got.FailReason != "cancelled by admin" {
		t.Fatalf("admin cancel: %+v %v", got, err)
	}
}

func TestCancelOrder_CloseFailureStillCancels(t *testing.T) {
	e := newEnv(t)
	o := e.createOrder(t)
	e.gateway.FailNext("close", gatewaytest.Failure{Status: http.StatusServiceUnavailable, Code: "SYSTEM_ERROR"})

	got, err := e.manager.CancelOrder(context.Background(), o.OrderNo, alice)
	if err != nil || got.Status != orders.StatusCancelled {
		t.Fatalf("expected cancel despite close failure, got %+v %v", got, err)
	}
}

func TestCancelOrder_PaidAtGatewayIsConflict(t *testing.T) {
	e := newEnv(t)
	o := e.createOrder(t)
	e.gateway.SetTrade(gatewaytest.PaidTransaction(o.OutTradeNo, "tx-3", 1000, time.Now()))

	if _, err := e.manager.CancelOrder(context.Background(), o.OrderNo, alice); !payerr.Is(err, payerr.KindStateConflict) {
		t.Fatalf("expected state conflict, got %v", err)
	}
	if got := e.order(t, o.OrderNo); got.Status != orders.StatusPending {
		t.Fatalf("order must stay PENDING for the notify to settle, got %s", got.Status)
	}
}

func TestCancelOrder_RacesPayment(t *testing.T) {
	for i := 0; i < 10; i++ {
		e := newEnv(t)
		o := e.createOrder(t)

		var wg sync.WaitGroup
		var cancelErr, payErr error
		var paid SuccessResult
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, cancelErr = e.manager.CancelOrder(context.Background(), o.OrderNo, alice)
		}()
		go func() {
			defer wg.Done()
			paid, payErr = e.reconciler.HandlePaymentSuccess(context.Background(), o.OutTradeNo, "tx-race", nil, "")
		}()
		wg.Wait()

		final := e.order(t, o.OrderNo)
		grants := len(e.credits.Calls())
		switch final.Status {
		case orders.StatusPaid:
			if !paid.Applied || payErr != nil || grants != 1 || !payerr.Is(cancelErr, payerr.KindStateConflict) {
				t.Fatalf("PAID won but: applied=%v payErr=%v grants=%d cancelErr=%v", paid.Applied, payErr, grants, cancelErr)
			}
		case orders.StatusCancelled:
			if paid.Applied || grants != 0 || cancelErr != nil || !payerr.Is(payErr, payerr.KindStateConflict) {
				t.Fatalf("CANCELLED won but: applied=%v payErr=%v grants=%d cancelErr=%v", paid.Applied, payErr, grants, cancelErr)
			}
		default:
			t.Fatalf("unexpected final status %s", final.Status)
		}
	}
}

func TestRefundOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	admin := Requester{UserID: "ops", Admin: true}
	o := e.createOrder(t)

	if _, err := e.manager.RefundOrder(ctx, o.OrderNo, "requested", alice); !payerr.Is(err, payerr.KindForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := e.manager.RefundOrder(ctx, o.OrderNo, "requested", admin); !payerr.Is(err, payerr.KindStateConflict) {
		t.Fatalf("pending order: expected state conflict, got %v", err)
	}

	if _, err := e.reconciler.HandlePaymentSuccess(ctx, o.OutTradeNo, "tx-4", nil, ""); err != nil {
		t.Fatalf("pay: %v", err)
	}
	out, err := e.manager.RefundOrder(ctx, o.OrderNo, "requested", admin)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if out.RefundID == "" || !strings.HasPrefix(out.OutRefundNo, "RF") || !out.Amount.Equal(money.MustParse("10").Decimal) {
		t.Fatalf("unexpected refund %+v", out)
	}
	if got := e.order(t, o.OrderNo); got.Status != orders.StatusPaid {
		t.Fatalf("refund must not change order status, got %s", got.Status)
	}
}

func TestListOrdersAndPackages(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	first := e.createOrder(t)
	time.Sleep(2 * time.Millisecond)
	second := e.createOrder(t)

	page, err := e.manager.ListOrders(ctx, alice, orders.ListFilter{Limit: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Orders) != 1 || page.Orders[0].OrderNo != second.OrderNo || page.NextCursor == "" {
		t.Fatalf("unexpected first page %+v", page)
	}
	page, err = e.manager.ListOrders(ctx, alice, orders.ListFilter{Limit: 1, Cursor: page.NextCursor})
	if err != nil || len(page.Orders) != 1 || page.Orders[0].OrderNo != first.OrderNo {
		t.Fatalf("unexpected second page %+v %v", page, err)
	}

	if _, err := e.manager.ListOrders(ctx, alice, orders.ListFilter{Cursor: "%%%"}); !payerr.Is(err, payerr.KindValidation) {
		t.Fatalf("expected validation error for bad cursor, got %v", err)
	}
	if _, err := e.manager.ListOrders(ctx, alice, orders.ListFilter{Status: "SHIPPED"}); !payerr.Is(err, payerr.KindValidation) {
		t.Fatalf("expected validation error for bad status, got %v", err)
	}

	pkgs, err := e.manager.ListPackages(ctx)
	if err != nil || len(pkgs) != 1 || pkgs[0].ID != "starter" {
		t.Fatalf("unexpected packages %+v %v", pkgs, err)
	}
}
