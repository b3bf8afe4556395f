package app

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/imrishuroy/go-payment-reconciler/internal/aws"
	"github.com/imrishuroy/go-payment-reconciler/internal/aws/awstest"
	"github.com/imrishuroy/go-payment-reconciler/internal/catalog"
	"github.com/imrishuroy/go-payment-reconciler/internal/config"
	"github.com/imrishuroy/go-payment-reconciler/internal/credits"
	"github.com/imrishuroy/go-payment-reconciler/internal/gateway/gatewaytest"
	"github.com/imrishuroy/go-payment-reconciler/internal/money"
	"github.com/imrishuroy/go-payment-reconciler/internal/notifylog"
	"github.com/imrishuroy/go-payment-reconciler/internal/orders"
	"github.com/imrishuroy/go-payment-reconciler/internal/payment"
)

type countingCredits struct {
	mu    sync.Mutex
	total int64
	calls int
}

func (c *countingCredits) GrantPoints(_ context.Context, _ string, amount int64, _ string) (credits.Grant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.total += amount
	return credits.Grant{Success: true, NewBalance: c.total}, nil
}

var paymentAdmin = payment.Requester{UserID: "ops", Admin: true}

func testConfig() *config.Config {
	return &config.Config{
		OrdersTable:      "orders",
		NotifyLogTable:   "notify-logs",
		PackagesTable:    "packages",
		OrderExpireAfter: 15 * time.Minute,
		MinAmount:        "1",
		MaxAmount:        "1000",
		NotifyMaxRetry:   3,
		NotifyTimeout:    2 * time.Second,
		NotifyStaleAfter: 10 * time.Minute,
		SweepBatch:       10,
	}
}

func newTestApp(t *testing.T) (*App, *gatewaytest.Merchant, *countingCredits) {
	t.Helper()
	d := awstest.NewDynamo()
	d.CreateTable("orders", "order_no")
	d.CreateIndex("orders", orders.UserIndex, "created_at_ms")
	d.CreateTable("notify-logs", "log_id")
	d.CreateIndex("notify-logs", notifylog.StatusIndex, "received_epoch")
	d.CreateTable("packages", "package_id")
	item, err := attributevalue.MarshalMap(catalog.Package{
		ID: "starter", Name: "Starter", Amount: money.MustParse("10.00"),
		Points: 100, BonusPoints: 20, IsActive: true,
	})
	if err != nil {
		t.Fatalf("marshal package: %v", err)
	}
	d.Seed("packages", item)

	m := gatewaytest.NewMerchant(t)
	srv := gatewaytest.NewServer(t, m)
	cr := &countingCredits{}

	a, err := Build(context.Background(), testConfig(), zerolog.Nop(), Deps{
		Clients: &aws.AWSClients{DynamoDB: d},
		Gateway: srv.Client(t),
		Credits: cr,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a, m, cr
}

func serve(r *gin.Engine, method, path string, body []byte, hdr http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range hdr {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestPurchaseFlow(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a, m, cr := newTestApp(t)
	r := a.Router()
	user := http.Header{"X-User-Id": {"u-1"}, "Content-Type": {"application/json"}}

	w := serve(r, http.MethodPost, "/orders", []byte(`{"packageId":"starter","paymentMethod":"WECHAT_PAY"}`), user)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	var created struct {
		OrderNo string `json:"orderNo"`
		CodeURL string `json:"codeUrl"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.CodeURL == "" {
		t.Fatalf("missing code url")
	}

	o, err := a.Manager.GetOrderStatus(context.Background(), created.OrderNo, paymentAdmin)
	if err != nil {
		t.Fatalf("status: %v", err)
	}

	now := time.Now()
	hdr, body := m.SignedNotify(t, "TRANSACTION.SUCCESS", gatewaytest.PaidTransaction(o.Order.OutTradeNo, "tx-1", 1000, now), now)
	for i := 0; i < 2; i++ {
		w = serve(r, http.MethodPost, "/notify/wechat", body, hdr)
		if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"SUCCESS"`) {
			t.Fatalf("notify %d: %d %s", i, w.Code, w.Body.String())
		}
	}
	if cr.calls != 1 || cr.total != 120 {
		t.Fatalf("expected one grant of 120, got %d calls %d total", cr.calls, cr.total)
	}

	w = serve(r, http.MethodGet, "/orders/"+created.OrderNo, nil, user)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"paymentStatus":"PAID"`) {
		t.Fatalf("status: %d %s", w.Code, w.Body.String())
	}

	admin := http.Header{"X-User-Id": {"ops"}, "X-User-Role": {"admin"}}
	w = serve(r, http.MethodGet, "/admin/notify-logs/stats", nil, admin)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"success":2`) {
		t.Fatalf("stats: %d %s", w.Code, w.Body.String())
	}
}

func TestTamperedNotifyIsRejected(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a, m, cr := newTestApp(t)
	now := time.Now()
	hdr, body := m.SignedNotify(t, "TRANSACTION.SUCCESS", gatewaytest.PaidTransaction("PAY_1_00001", "tx", 1000, now), now)
	body = bytes.Replace(body, []byte(`"id"`), []byte(`"Id"`), 1)

	w := serve(a.Router(), http.MethodPost, "/notify/wechat", body, hdr)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if cr.calls != 0 {
		t.Fatalf("unexpected grant")
	}
}

func TestManagerConfig(t *testing.T) {
	cfg := testConfig()
	mcfg, err := managerConfig(cfg)
	if err != nil {
		t.Fatalf("manager config: %v", err)
	}
	if !mcfg.MaxAmount.Equal(money.MustParse("1000").Decimal) || mcfg.ExpireAfter != 15*time.Minute {
		t.Fatalf("unexpected %+v", mcfg)
	}

	cfg.MinAmount = "abc"
	if _, err := managerConfig(cfg); err == nil {
		t.Fatal("expected parse error")
	}
	cfg.MinAmount, cfg.MaxAmount = "50", "10"
	if _, err := managerConfig(cfg); err == nil {
		t.Fatal("expected range error")
	}
}

func TestNewGateway_LoadsKeyFiles(t *testing.T) {
	m := gatewaytest.NewMerchant(t)
	dir := t.TempDir()

	der, err := x509.MarshalPKCS8PrivateKey(m.MerchantKey)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	keyPath := filepath.Join(dir, "apiclient_key.pem")
	writePEM(t, keyPath, "PRIVATE KEY", der)

	pub, err := x509.MarshalPKIXPublicKey(&m.PlatformKey.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	certPath := filepath.Join(dir, "platform.pem")
	writePEM(t, certPath, "PUBLIC KEY", pub)

	gw, err := NewGateway(config.GatewayConfig{
		AppID: gatewaytest.AppID, MchID: gatewaytest.MchID, SerialNo: gatewaytest.MerchantSerial,
		PrivateKeyPath: keyPath, PlatformCertPath: certPath, PlatformSerialNo: gatewaytest.PlatformSerial,
		APIv3Key: string(m.APIv3Key), NotifyURL: "https://example.test/notify/wechat",
	})
	if err != nil || gw == nil {
		t.Fatalf("new gateway: %v", err)
	}

	if _, err := NewGateway(config.GatewayConfig{PrivateKeyPath: filepath.Join(dir, "missing.pem")}); err == nil {
		t.Fatal("expected error for missing key file")
	}
}

func writePEM(t *testing.T, path, typ string, der []byte) {
	t.Helper()
	data := pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
