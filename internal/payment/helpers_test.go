package payment

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/rs/zerolog"

	"github.com/imrishuroy/go-payment-reconciler/internal/aws/awstest"
	"github.com/imrishuroy/go-payment-reconciler/internal/catalog"
	"github.com/imrishuroy/go-payment-reconciler/internal/credits"
	"github.com/imrishuroy/go-payment-reconciler/internal/gateway/gatewaytest"
	"github.com/imrishuroy/go-payment-reconciler/internal/money"
	"github.com/imrishuroy/go-payment-reconciler/internal/notifylog"
	"github.com/imrishuroy/go-payment-reconciler/internal/orders"
)

const (
	ordersTable   = "orders"
	logsTable     = "notify-logs"
	packagesTable = "packages"
)

type grantCall struct {
	UserID string
	Amount int64
	Reason string
}

// fakeCredits records every grant attempt, failed or not.
type fakeCredits struct {
	mu      sync.Mutex
	calls   []grantCall
	fail    error
	balance int64
}

func (f *fakeCredits) GrantPoints(ctx context.Context, userID string, amount int64, reason string) (credits.Grant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, grantCall{UserID: userID, Amount: amount, Reason: reason})
	if f.fail != nil {
		return credits.Grant{}, f.fail
	}
	f.balance += amount
	return credits.Grant{Success: true, NewBalance: f.balance}, nil
}

func (f *fakeCredits) Calls() []grantCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]grantCall(nil), f.calls...)
}

type fakeRetries struct {
	mu     sync.Mutex
	logIDs []string
}

func (f *fakeRetries) ScheduleNotifyRetry(ctx context.Context, logID, reason string, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logIDs = append(f.logIDs, logID)
	return nil
}

type fakeMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func (f *fakeMetrics) Incr(ctx context.Context, name string, dims map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts == nil {
		f.counts = map[string]int{}
	}
	f.counts[name]++
	return nil
}

func (f *fakeMetrics) Count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[name]
}

type fakeLocker struct {
	mu   sync.Mutex
	held bool
}

func (f *fakeLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held {
		return nil, false, nil
	}
	f.held = true
	return func(context.Context) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.held = false
		return nil
	}, true, nil
}

// env is the payment core wired against an in-memory DynamoDB, the fake
// gateway and a fake ledger.
type env struct {
	dynamo   *awstest.Dynamo
	orders   *orders.Store
	logs     *notifylog.Store
	merchant *gatewaytest.Merchant
	gateway  *gatewaytest.Server
	credits  *fakeCredits
	retries  *fakeRetries
	metrics  *fakeMetrics

	reconciler *Reconciler
	manager    *Manager
	notify     *NotifyProcessor
}

func newEnv(t *testing.T) *env {
	t.Helper()
	d := awstest.NewDynamo()
	d.CreateTable(ordersTable, "order_no")
	d.CreateIndex(ordersTable, orders.UserIndex, "created_at_ms")
	d.CreateTable(logsTable, "log_id")
	d.CreateIndex(logsTable, notifylog.StatusIndex, "received_epoch")
	d.CreateTable(packagesTable, "package_id")

	m := gatewaytest.NewMerchant(t)
	srv := gatewaytest.NewServer(t, m)
	gw := srv.Client(t)

	e := &env{
		dynamo:   d,
		orders:   orders.NewStore(d, ordersTable),
		logs:     notifylog.NewStore(d, logsTable),
		merchant: m,
		gateway:  srv,
		credits:  &fakeCredits{},
		retries:  &fakeRetries{},
		metrics:  &fakeMetrics{},
	}
	log := zerolog.Nop()
	e.reconciler = NewReconciler(e.orders, e.credits, e.metrics, log)
	e.manager = NewManager(e.orders, catalog.NewStore(d, packagesTable), gw, e.reconciler, DefaultManagerConfig(), log)
	cfg := DefaultNotifyConfig()
	cfg.RetryDelay = 0
	e.notify = NewNotifyProcessor(e.logs, gw, e.reconciler, e.retries, e.metrics, cfg, log)

	e.seedPackage(t, catalog.Package{
		ID: "starter", Name: "Starter", Description: "Starter pack",
		Amount: money.MustParse("10.00"), Points: 100, BonusPoints: 20, IsActive: true,
	})
	return e
}

func (e *env) seedPackage(t *testing.T, p catalog.Package) {
	t.Helper()
	item, err := attributevalue.MarshalMap(p)
	if err != nil {
		t.Fatalf("marshal package: %v", err)
	}
	e.dynamo.Seed(packagesTable, item)
}

var alice = Requester{UserID: "u-alice", Username: "alice"}

// createOrder places a Starter order for alice and returns the stored row.
func (e *env) createOrder(t *testing.T) *orders.Order {
	t.Helper()
	created, err := e.manager.CreateOrder(context.Background(), alice, "starter", orders.MethodWechatPay)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return e.order(t, created.OrderNo)
}

func (e *env) order(t *testing.T, orderNo string) *orders.Order {
	t.Helper()
	o, err := e.orders.Get(context.Background(), orderNo)
	if err != nil || o == nil {
		t.Fatalf("get order %s: %v", orderNo, err)
	}
	return o
}

func (e *env) logRow(t *testing.T, logID string) *notifylog.Record {
	t.Helper()
	rec, err := e.logs.Get(context.Background(), logID)
	if err != nil || rec == nil {
		t.Fatalf("get log %s: %v", logID, err)
	}
	return rec
}

// paidNotify is a signed TRANSACTION.SUCCESS callback for outTradeNo.
func (e *env) paidNotify(t *testing.T, outTradeNo, txID string) (http.Header, []byte) {
	t.Helper()
	now := time.Now()
	return e.merchant.SignedNotify(t, "TRANSACTION.SUCCESS", gatewaytest.PaidTransaction(outTradeNo, txID, 1000, now.Add(-time.Second)), now)
}
