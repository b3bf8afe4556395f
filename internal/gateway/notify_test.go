package gateway_test

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/imrishuroy/go-payment-reconciler/internal/gateway"
	"github.com/imrishuroy/go-payment-reconciler/internal/gateway/gatewaytest"
	"github.com/imrishuroy/go-payment-reconciler/internal/payerr"
)

func newNotifyClient(t *testing.T) (*gatewaytest.Merchant, *gateway.Client) {
	t.Helper()
	m := gatewaytest.NewMerchant(t)
	return m, m.Client(t, "http://gateway.invalid")
}

func TestVerifyAndDecodeNotify_Transaction(t *testing.T) {
	m, c := newNotifyClient(t)
	now := time.Now()
	paidAt := now.Add(-time.Minute).Truncate(time.Second)
	hdr, body := m.SignedNotify(t, "TRANSACTION.SUCCESS", gatewaytest.PaidTransaction("PAY_1", "tx-1", 1000, paidAt), now)

	n, err := c.VerifyAndDecodeNotify(hdr, body, now)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if n.Transaction == nil || n.Transaction.OutTradeNo != "PAY_1" || n.Transaction.TradeState != gateway.TradeSuccess {
		t.Fatalf("unexpected notification %+v", n)
	}
	if pt := n.Transaction.PaidAt(); pt == nil || !pt.Equal(paidAt) {
		t.Fatalf("unexpected paid at %v", pt)
	}
}

func TestVerifyAndDecodeNotify_HeadersAreCaseInsensitive(t *testing.T) {
	m, c := newNotifyClient(t)
	now := time.Now()
	hdr, body := m.SignedNotify(t, "TRANSACTION.SUCCESS", gatewaytest.PaidTransaction("PAY_1", "tx-1", 1000, now), now)

	rebuilt := http.Header{}
	for k, v := range hdr {
		rebuilt.Set(strings.ToLower(k), v[0])
	}
	if _, err := c.VerifyAndDecodeNotify(rebuilt, body, now); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyAndDecodeNotify_BitFlipIsRejected(t *testing.T) {
	m, c := newNotifyClient(t)
	now := time.Now()
	hdr, body := m.SignedNotify(t, "TRANSACTION.SUCCESS", gatewaytest.PaidTransaction("PAY_1", "tx-1", 1000, now), now)

	for _, i := range []int{0, len(body) / 2, len(body) - 1} {
		tampered := append([]byte(nil), body...)
		tampered[i] ^= 0x01
		_, err := c.VerifyAndDecodeNotify(hdr, tampered, now)
		if !payerr.Is(err, payerr.KindAuthenticity) {
			t.Fatalf("byte %d: expected authenticity error, got %v", i, err)
		}
	}
}

func TestVerifyAndDecodeNotify_AuthenticityFailures(t *testing.T) {
	m, c := newNotifyClient(t)
	now := time.Now()
	hdr, body := m.SignedNotify(t, "TRANSACTION.SUCCESS", gatewaytest.PaidTransaction("PAY_1", "tx-1", 1000, now), now)

	for _, h := range []string{gateway.HeaderTimestamp, gateway.HeaderNonce, gateway.HeaderSignature, gateway.HeaderSerial} {
		missing := hdr.Clone()
		missing.Del(h)
		if _, err := c.VerifyAndDecodeNotify(missing, body, now); !payerr.Is(err, payerr.KindAuthenticity) {
			t.Fatalf("missing %s: expected authenticity error, got %v", h, err)
		}
	}

	unknown := hdr.Clone()
	unknown.Set(gateway.HeaderSerial, "ROTATED-AWAY")
	if _, err := c.VerifyAndDecodeNotify(unknown, body, now); !payerr.Is(err, payerr.KindAuthenticity) {
		t.Fatalf("unknown serial: expected authenticity error, got %v", err)
	}

	if _, err := c.VerifyAndDecodeNotify(hdr, body, now.Add(10*time.Minute)); !payerr.Is(err, payerr.KindAuthenticity) {
		t.Fatalf("stale timestamp: expected authenticity error, got %v", err)
	}
}

func TestVerifyAndDecodeNotify_WrongAPIKeyFailsDecrypt(t *testing.T) {
	m := gatewaytest.NewMerchant(t)
	now := time.Now()
	hdr, body := m.SignedNotify(t, "TRANSACTION.SUCCESS", gatewaytest.PaidTransaction("PAY_1", "tx-1", 1000, now), now)

	cfg := m.Config("http://gateway.invalid")
	cfg.APIv3Key = []byte("ffffffffffffffffffffffffffffffff")
	c, err := gateway.NewClient(cfg)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if _, err := c.VerifyAndDecodeNotify(hdr, body, now); !payerr.Is(err, payerr.KindAuthenticity) {
		t.Fatalf("expected authenticity error, got %v", err)
	}
}

func TestVerifyAndDecodeNotify_SignedGarbageIsValidation(t *testing.T) {
	m, c := newNotifyClient(t)
	now := time.Now()
	body := []byte(`not json`)
	hdr := m.Sign(t, body, now)
	if _, err := c.VerifyAndDecodeNotify(hdr, body, now); !payerr.Is(err, payerr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestVerifyAndDecodeNotify_Refund(t *testing.T) {
	m, c := newNotifyClient(t)
	now := time.Now()
	hdr, body := m.SignedNotify(t, "REFUND.SUCCESS", map[string]any{
		"out_trade_no":  "PAY_1",
		"out_refund_no": "RF1",
		"refund_id":     "r-1",
		"refund_status": "SUCCESS",
		"amount":        map[string]int64{"total": 1000, "refund": 100},
	}, now)

	n, err := c.VerifyAndDecodeNotify(hdr, body, now)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if n.Refund == nil || n.Refund.OutRefundNo != "RF1" || n.Refund.Amount.Refund != 100 || n.Transaction != nil {
		t.Fatalf("unexpected refund notification %+v", n)
	}
}
