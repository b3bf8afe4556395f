// Package gatewaytest fakes the payment gateway for tests: a merchant key
// set, an httptest server answering the v3 endpoints, and a builder for
// signed, encrypted notifications.
package gatewaytest

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/imrishuroy/go-payment-reconciler/internal/gateway"
)

// Fixed identities used by the fake.
const (
	AppID          = "wx-test-app"
	MchID          = "1900000001"
	MerchantSerial = "MERCHANT-SERIAL"
	PlatformSerial = "PLATFORM-SERIAL"
)

var (
	keysOnce    sync.Once
	merchantKey *rsa.PrivateKey
	platformKey *rsa.PrivateKey
)

func keys(t testing.TB) (*rsa.PrivateKey, *rsa.PrivateKey) {
	t.Helper()
	keysOnce.Do(func() {
		var err error
		if merchantKey, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			panic(err)
		}
		if platformKey, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			panic(err)
		}
	})
	return merchantKey, platformKey
}

// Merchant holds the key material shared by client and fake server.
type Merchant struct {
	MerchantKey *rsa.PrivateKey
	PlatformKey *rsa.PrivateKey
	APIv3Key    []byte
}

// NewMerchant returns key material. RSA keys are generated once per process.
func NewMerchant(t testing.TB) *Merchant {
	mk, pk := keys(t)
	return &Merchant{
		MerchantKey: mk,
		PlatformKey: pk,
		APIv3Key:    []byte("0123456789abcdef0123456789abcdef"),
	}
}

// Config returns a client configuration pointing at baseURL.
func (m *Merchant) Config(baseURL string) gateway.Config {
	return gateway.Config{
		BaseURL:      baseURL,
		AppID:        AppID,
		MchID:        MchID,
		SerialNo:     MerchantSerial,
		PrivateKey:   m.MerchantKey,
		PlatformKeys: map[string]*rsa.PublicKey{PlatformSerial: &m.PlatformKey.PublicKey},
		APIv3Key:     m.APIv3Key,
		NotifyURL:    "https://example.test/notify/wechat",
		RefundURL:    "https://example.test/notify/wechat/refund",
		Timeout:      5 * time.Second,
	}
}

// Client builds a gateway client against baseURL or fails the test.
func (m *Merchant) Client(t testing.TB, baseURL string) *gateway.Client {
	t.Helper()
	c, err := gateway.NewClient(m.Config(baseURL))
	if err != nil {
		t.Fatalf("gateway client: %v", err)
	}
	return c
}

// SignedNotify builds the headers and body of a notification whose resource
// is encrypted with the API v3 key and signed by the platform key at ts.
func (m *Merchant) SignedNotify(t testing.TB, eventType string, resource any, ts time.Time) (http.Header, []byte) {
	t.Helper()
	plain, err := json.Marshal(resource)
	if err != nil {
		t.Fatalf("marshal resource: %v", err)
	}
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	aad := "transaction"
	if strings.HasPrefix(eventType, gateway.EventRefundPrefix) {
		aad = "refund"
	}
	block, err := aes.NewCipher(m.APIv3Key)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(nonce))
	if err != nil {
		t.Fatalf("gcm: %v", err)
	}
	sealed := gcm.Seal(nil, []byte(nonce), plain, []byte(aad))

	body, err := json.Marshal(map[string]any{
		"id":            uuid.NewString(),
		"create_time":   ts.Format(time.RFC3339),
		"event_type":    eventType,
		"resource_type": "encrypt-resource",
		"summary":       "notification",
		"resource": map[string]string{
			"algorithm":       "AEAD_AES_256_GCM",
			"ciphertext":      base64.StdEncoding.EncodeToString(sealed),
			"associated_data": aad,
			"original_type":   aad,
			"nonce":           nonce,
		},
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return m.Sign(t, body, ts), body
}

// Sign returns notify headers carrying a platform signature over body.
func (m *Merchant) Sign(t testing.TB, body []byte, ts time.Time) http.Header {
	t.Helper()
	sec := strconv.FormatInt(ts.Unix(), 10)
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")
	h := sha256.Sum256([]byte(sec + "\n" + nonce + "\n" + string(body) + "\n"))
	sig, err := rsa.SignPKCS1v15(rand.Reader, m.PlatformKey, crypto.SHA256, h[:])
	if err != nil {
		t.Fatalf("sign notify: %v", err)
	}
	hdr := http.Header{}
	hdr.Set(gateway.HeaderTimestamp, sec)
	hdr.Set(gateway.HeaderNonce, nonce)
	hdr.Set(gateway.HeaderSignature, base64.StdEncoding.EncodeToString(sig))
	hdr.Set(gateway.HeaderSerial, PlatformSerial)
	return hdr
}

// PaidTransaction is a SUCCESS transaction resource for outTradeNo.
func PaidTransaction(outTradeNo, transactionID string, totalMinor int64, paidAt time.Time) gateway.Transaction {
	return gateway.Transaction{
		AppID:          AppID,
		MchID:          MchID,
		OutTradeNo:     outTradeNo,
		TransactionID:  transactionID,
		TradeType:      "NATIVE",
		TradeState:     gateway.TradeSuccess,
		TradeStateDesc: "paid",
		SuccessTime:    paidAt.Format(time.RFC3339),
		Payer:          gateway.Payer{OpenID: "o-test"},
		Amount:         gateway.Amount{Total: totalMinor, PayerTotal: totalMinor, Currency: "CNY"},
	}
}

// Failure is a canned error response.
type Failure struct {
	Status  int
	Code    string
	Message string
}

// Server is a fake gateway. It verifies merchant signatures on every call.
type Server struct {
	*httptest.Server
	merchant *Merchant

	mu     sync.Mutex
	trades map[string]*gateway.Transaction
	fail   map[string]Failure
	calls  map[string]int
	last   map[string][]byte
}

var byOutPath = regexp.MustCompile(`^/v3/pay/transactions/out-trade-no/([^/]+)(/close)?$`)

// NewServer starts a fake gateway; it is closed with the test.
func NewServer(t testing.TB, m *Merchant) *Server {
	s := &Server{
		merchant: m,
		trades:   map[string]*gateway.Transaction{},
		fail:     map[string]Failure{},
		calls:    map[string]int{},
		last:     map[string][]byte{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// Client returns a gateway client pointed at this server.
func (s *Server) Client(t testing.TB) *gateway.Client {
	return s.merchant.Client(t, s.URL)
}

// FailNext makes the next call to op ("create", "query", "close", "refund") fail.
func (s *Server) FailNext(op string, f Failure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[op] = f
}

// Calls reports how many times op was served.
func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// LastBody returns the last request body received for op.
func (s *Server) LastBody(op string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last[op]
}

// SetTrade overwrites the stored trade for tx.OutTradeNo.
func (s *Server) SetTrade(tx gateway.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades[tx.OutTradeNo] = &tx
}

// Trade returns the stored trade.
func (s *Server) Trade(outTradeNo string) (gateway.Transaction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.trades[outTradeNo]
	if !ok {
		return gateway.Transaction{}, false
	}
	return *tx, true
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	op := s.route(r)
	s.mu.Lock()
	s.calls[op]++
	s.last[op] = body
	f, failing := s.fail[op]
	delete(s.fail, op)
	s.mu.Unlock()

	if err := s.verify(r, body); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"code": "SIGN_ERROR", "message": err.Error()})
		return
	}
	if failing {
		writeJSON(w, f.Status, map[string]string{"code": f.Code, "message": f.Message})
		return
	}

	switch op {
	case "create":
		var req struct {
			OutTradeNo string         `json:"out_trade_no"`
			Attach     string         `json:"attach"`
			Amount     gateway.Amount `json:"amount"`
		}
		_ = json.Unmarshal(body, &req)
		s.mu.Lock()
		s.trades[req.OutTradeNo] = &gateway.Transaction{
			AppID: AppID, MchID: MchID, OutTradeNo: req.OutTradeNo, TradeType: "NATIVE",
			TradeState: gateway.TradeNotPay, Attach: req.Attach, Amount: req.Amount,
		}
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"code_url": "weixin://wxpay/bizpayurl?pr=" + req.OutTradeNo})
	case "query":
		no := byOutPath.FindStringSubmatch(r.URL.Path)[1]
		tx, ok := s.Trade(no)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"code": "ORDER_NOT_EXIST", "message": "order not exist"})
			return
		}
		writeJSON(w, http.StatusOK, tx)
	case "close":
		no := byOutPath.FindStringSubmatch(r.URL.Path)[1]
		s.mu.Lock()
		tx, ok := s.trades[no]
		paid := ok && tx.TradeState == gateway.TradeSuccess
		if ok && !paid {
			tx.TradeState = gateway.TradeClosed
		}
		s.mu.Unlock()
		if paid {
			writeJSON(w, http.StatusBadRequest, map[string]string{"code": gateway.CodeOrderPaid, "message": "order paid"})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case "refund":
		var req struct {
			OutRefundNo string `json:"out_refund_no"`
			Amount      struct {
				Refund int64 `json:"refund"`
			} `json:"amount"`
		}
		_ = json.Unmarshal(body, &req)
		writeJSON(w, http.StatusOK, map[string]any{
			"refund_id":     "r-" + req.OutRefundNo,
			"out_refund_no": req.OutRefundNo,
			"status":        "PROCESSING",
			"amount":        map[string]int64{"refund": req.Amount.Refund},
		})
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"code": "NOT_FOUND", "message": r.URL.Path})
	}
}

func (s *Server) route(r *http.Request) string {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v3/pay/transactions/native":
		return "create"
	case r.Method == http.MethodPost && r.URL.Path == "/v3/refund/domestic/refunds":
		return "refund"
	}
	if m := byOutPath.FindStringSubmatch(r.URL.Path); m != nil {
		if m[2] != "" {
			return "close"
		}
		return "query"
	}
	return "unknown"
}

var authField = regexp.MustCompile(`(\w+)="([^"]*)"`)

func (s *Server) verify(r *http.Request, body []byte) error {
	auth := r.Header.Get("Authorization")
	scheme, params, ok := strings.Cut(auth, " ")
	if !ok || scheme != "WECHATPAY2-SHA256-RSA2048" {
		return fmt.Errorf("bad scheme")
	}
	fields := map[string]string{}
	for _, m := range authField.FindAllStringSubmatch(params, -1) {
		fields[m[1]] = m[2]
	}
	if fields["mchid"] != MchID || fields["serial_no"] != MerchantSerial {
		return fmt.Errorf("unknown merchant")
	}
	msg := r.Method + "\n" + r.URL.RequestURI() + "\n" + fields["timestamp"] + "\n" + fields["nonce_str"] + "\n" + string(body) + "\n"
	sig, err := base64.StdEncoding.DecodeString(fields["signature"])
	if err != nil {
		return err
	}
	h := sha256.Sum256([]byte(msg))
	return rsa.VerifyPKCS1v15(&s.merchant.MerchantKey.PublicKey, crypto.SHA256, h[:], sig)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
