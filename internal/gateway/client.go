// Package gateway speaks the WeChat Pay API v3 wire protocol: signed
// merchant requests and verified, decrypted notifications. It holds no
// business logic.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/imrishuroy/go-payment-reconciler/internal/payerr"
)

const (
	pathNative  = "/v3/pay/transactions/native"
	pathByOut   = "/v3/pay/transactions/out-trade-no/"
	pathRefunds = "/v3/refund/domestic/refunds"

	// UTC offset the gateway expects on time_expire.
	beijingOffset = 8 * 60 * 60
)

var beijing = time.FixedZone("CST", beijingOffset)

// Client is a GatewayClient for one merchant account.
type Client struct {
	cfg    Config
	http   *http.Client
	signer *signer
	now    func() time.Time
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg Config) (*Client, error) {
	switch {
	case cfg.MchID == "" || cfg.AppID == "":
		return nil, errors.New("gateway: mch id and app id are required")
	case cfg.PrivateKey == nil || cfg.SerialNo == "":
		return nil, errors.New("gateway: merchant private key and serial are required")
	case len(cfg.PlatformKeys) == 0:
		return nil, errors.New("gateway: at least one platform key is required")
	case len(cfg.APIv3Key) != 32:
		return nil, errors.New("gateway: api v3 key must be 32 bytes")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	c := &Client{cfg: cfg, http: hc, now: time.Now}
	c.signer = &signer{
		mchID:    cfg.MchID,
		serialNo: cfg.SerialNo,
		key:      cfg.PrivateKey,
		now:      func() time.Time { return c.now() },
		nonce:    newNonce,
	}
	return c, nil
}

type nativeRequest struct {
	AppID       string `json:"appid"`
	MchID       string `json:"mchid"`
	Description string `json:"description"`
	OutTradeNo  string `json:"out_trade_no"`
	TimeExpire  string `json:"time_expire,omitempty"`
	Attach      string `json:"attach,omitempty"`
	NotifyURL   string `json:"notify_url"`
	Amount      Amount `json:"amount"`
}

// CreateIntent opens a native payment and returns the QR code URL.
func (c *Client) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	const op = "gateway.CreateIntent"
	if req.OutTradeNo == "" {
		return nil, payerr.New(payerr.KindValidation, op, "out_trade_no is required")
	}
	if req.AmountMinor < MinAmountMinor || req.AmountMinor > MaxAmountMinor {
		return nil, payerr.New(payerr.KindValidation, op, "amount %d outside %d..%d", req.AmountMinor, MinAmountMinor, MaxAmountMinor)
	}
	if len(req.Attach) > MaxAttachLen {
		return nil, payerr.New(payerr.KindValidation, op, "attach is %d bytes, limit %d", len(req.Attach), MaxAttachLen)
	}

	body := nativeRequest{
		AppID:       c.cfg.AppID,
		MchID:       c.cfg.MchID,
		Description: FormatDescription(req.Description),
		OutTradeNo:  req.OutTradeNo,
		Attach:      req.Attach,
		NotifyURL:   c.cfg.NotifyURL,
		Amount:      Amount{Total: req.AmountMinor, Currency: "CNY"},
	}
	if !req.ExpireAt.IsZero() {
		body.TimeExpire = FormatExpireTime(req.ExpireAt)
	}

	status, raw, err := c.do(ctx, op, http.MethodPost, pathNative, body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, rejected(op, status, raw)
	}
	var out struct {
		CodeURL  string `json:"code_url"`
		PrepayID string `json:"prepay_id"`
	}
	if err := json.Unmarshal(raw, &out); err != nil || (out.CodeURL == "" && out.PrepayID == "") {
		return nil, payerr.Wrap(payerr.KindGatewayRejected, op, err, "response carries no code_url")
	}
	return &Intent{CodeURL: out.CodeURL, PrepayID: out.PrepayID}, nil
}

// QueryIntent reads the trade state. A 404 is reported as Found=false.
func (c *Client) QueryIntent(ctx context.Context, outTradeNo string) (*TradeQuery, error) {
	const op = "gateway.QueryIntent"
	pathQuery := pathByOut + url.PathEscape(outTradeNo) + "?mchid=" + url.QueryEscape(c.cfg.MchID)
	status, raw, err := c.do(ctx, op, http.MethodGet, pathQuery, nil)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusNotFound:
		return &TradeQuery{Found: false}, nil
	case http.StatusOK:
	default:
		return nil, rejected(op, status, raw)
	}
	var tx Transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, payerr.Wrap(payerr.KindGatewayRejected, op, err, "malformed query response")
	}
	return &TradeQuery{
		Found:          true,
		TradeState:     tx.TradeState,
		TradeStateDesc: tx.TradeStateDesc,
		TransactionID:  tx.TransactionID,
		SuccessTime:    tx.PaidAt(),
		AmountMinor:    tx.Amount.Total,
		Attach:         tx.Attach,
		Raw:            raw,
	}, nil
}

// CloseIntent closes an unpaid trade. The gateway answers 204.
func (c *Client) CloseIntent(ctx context.Context, outTradeNo string) error {
	const op = "gateway.CloseIntent"
	body := map[string]string{"mchid": c.cfg.MchID}
	status, raw, err := c.do(ctx, op, http.MethodPost, pathByOut+url.PathEscape(outTradeNo)+"/close", body)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent && status != http.StatusOK {
		return rejected(op, status, raw)
	}
	return nil
}

type refundBody struct {
	OutTradeNo  string `json:"out_trade_no"`
	OutRefundNo string `json:"out_refund_no"`
	Reason      string `json:"reason,omitempty"`
	NotifyURL   string `json:"notify_url,omitempty"`
	Amount      struct {
		Refund   int64  `json:"refund"`
		Total    int64  `json:"total"`
		Currency string `json:"currency"`
	} `json:"amount"`
}

// Refund requests a domestic refund against a paid trade.
func (c *Client) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	const op = "gateway.Refund"
	if req.RefundMinor < MinAmountMinor || req.RefundMinor > MaxAmountMinor || req.RefundMinor > req.TotalMinor {
		return nil, payerr.New(payerr.KindValidation, op, "refund %d not within 1..%d", req.RefundMinor, req.TotalMinor)
	}
	var body refundBody
	body.OutTradeNo = req.OutTradeNo
	body.OutRefundNo = req.OutRefundNo
	body.Reason = req.Reason
	body.NotifyURL = c.cfg.RefundURL
	body.Amount.Refund = req.RefundMinor
	body.Amount.Total = req.TotalMinor
	body.Amount.Currency = "CNY"

	status, raw, err := c.do(ctx, op, http.MethodPost, pathRefunds, body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, rejected(op, status, raw)
	}
	var out struct {
		RefundID    string `json:"refund_id"`
		OutRefundNo string `json:"out_refund_no"`
		Status      string `json:"status"`
		Amount      struct {
			Refund int64 `json:"refund"`
		} `json:"amount"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, payerr.Wrap(payerr.KindGatewayRejected, op, err, "malformed refund response")
	}
	return &RefundResult{RefundID: out.RefundID, OutRefundNo: out.OutRefundNo, Status: out.Status, RefundMinor: out.Amount.Refund}, nil
}

// do signs and sends one request. Transport failures, timeouts and 5xx are
// KindNetwork; every other status is returned for the caller to interpret.
func (c *Client) do(ctx context.Context, op, method, pathQuery string, payload any) (int, []byte, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return 0, nil, payerr.Wrap(payerr.KindInternal, op, err, "marshal request")
		}
	}
	auth, err := c.signer.authorization(method, pathQuery, body)
	if err != nil {
		return 0, nil, payerr.Wrap(payerr.KindInternal, op, err, "sign request")
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+pathQuery, bytes.NewReader(body))
	if err != nil {
		return 0, nil, payerr.Wrap(payerr.KindInternal, op, err, "build request")
	}
	req.Header.Set("Authorization", auth)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "go-payment-reconciler")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, payerr.Wrap(payerr.KindNetwork, op, err, "request failed")
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, payerr.Wrap(payerr.KindNetwork, op, err, "read response")
	}
	if resp.StatusCode >= 500 {
		return resp.StatusCode, raw, payerr.New(payerr.KindNetwork, op, "gateway returned %d", resp.StatusCode)
	}
	return resp.StatusCode, raw, nil
}

func rejected(op string, status int, raw []byte) error {
	var eb errorBody
	_ = json.Unmarshal(raw, &eb)
	if eb.Code == "" {
		eb.Code = fmt.Sprintf("HTTP_%d", status)
	}
	if eb.Message == "" {
		eb.Message = http.StatusText(status)
	}
	return payerr.Rejected(op, eb.Code, eb.Message)
}

// FormatDescription caps a description at MaxDescriptionLen characters,
// marking truncation with "...".
func FormatDescription(s string) string {
	if utf8.RuneCountInString(s) <= MaxDescriptionLen {
		return s
	}
	r := []rune(s)
	return string(r[:MaxDescriptionLen-3]) + "..."
}

// FormatExpireTime renders t in RFC 3339 with the +08:00 offset.
func FormatExpireTime(t time.Time) string {
	return t.In(beijing).Format("2006-01-02T15:04:05-07:00")
}
