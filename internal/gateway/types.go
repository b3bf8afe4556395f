package gateway

import (
	"crypto/rsa"
	"net/http"
	"time"
)

// Gateway limits.
const (
	MinAmountMinor    int64 = 1
	MaxAmountMinor    int64 = 100000000
	MaxDescriptionLen       = 127
	MaxAttachLen            = 128
	NotifyMaxSkew           = 300 * time.Second
	DefaultTimeout          = 30 * time.Second
	DefaultBaseURL          = "https://api.mch.weixin.qq.com"
)

// Trade states reported by the gateway.
const (
	TradeSuccess    = "SUCCESS"
	TradeRefund     = "REFUND"
	TradeNotPay     = "NOTPAY"
	TradeClosed     = "CLOSED"
	TradeRevoked    = "REVOKED"
	TradeUserPaying = "USERPAYING"
	TradePayError   = "PAYERROR"
)

// CodeOrderPaid is the error code CloseIntent gets for a trade already paid.
const CodeOrderPaid = "ORDERPAID"

// Notify event type prefixes.
const (
	EventTransactionPrefix = "TRANSACTION."
	EventRefundPrefix      = "REFUND."
)

// Notify header names.
const (
	HeaderTimestamp = "Wechatpay-Timestamp"
	HeaderNonce     = "Wechatpay-Nonce"
	HeaderSignature = "Wechatpay-Signature"
	HeaderSerial    = "Wechatpay-Serial"
)

// Config holds merchant credentials and endpoints.
type Config struct {
	BaseURL      string
	AppID        string
	MchID        string
	SerialNo     string
	PrivateKey   *rsa.PrivateKey
	PlatformKeys map[string]*rsa.PublicKey // certificate serial -> key
	APIv3Key     []byte
	NotifyURL    string
	RefundURL    string
	Timeout      time.Duration
	HTTPClient   *http.Client
}

// IntentRequest creates a native (QR code) payment.
type IntentRequest struct {
	OutTradeNo  string
	AmountMinor int64
	Description string
	Attach      string
	ExpireAt    time.Time
}

// Intent is the gateway's answer to CreateIntent.
type Intent struct {
	CodeURL  string
	PrepayID string
}

// TradeQuery is the result of QueryIntent. Found is false on HTTP 404.
type TradeQuery struct {
	Found          bool
	TradeState     string
	TradeStateDesc string
	TransactionID  string
	SuccessTime    *time.Time
	AmountMinor    int64
	Attach         string
	Raw            []byte
}

// RefundRequest asks the gateway to refund part or all of a trade.
type RefundRequest struct {
	OutTradeNo  string
	OutRefundNo string
	Reason      string
	RefundMinor int64
	TotalMinor  int64
}

// RefundResult is the gateway's answer to Refund.
type RefundResult struct {
	RefundID    string
	OutRefundNo string
	Status      string
	RefundMinor int64
}

// Amount as carried in transaction payloads.
type Amount struct {
	Total         int64  `json:"total"`
	PayerTotal    int64  `json:"payer_total,omitempty"`
	Currency      string `json:"currency,omitempty"`
	PayerCurrency string `json:"payer_currency,omitempty"`
}

// Payer identifies who paid.
type Payer struct {
	OpenID string `json:"openid,omitempty"`
}

// Transaction is the decrypted resource of a TRANSACTION.* notify, and the
// body of a query response.
type Transaction struct {
	AppID          string `json:"appid"`
	MchID          string `json:"mchid"`
	OutTradeNo     string `json:"out_trade_no"`
	TransactionID  string `json:"transaction_id"`
	TradeType      string `json:"trade_type"`
	TradeState     string `json:"trade_state"`
	TradeStateDesc string `json:"trade_state_desc"`
	BankType       string `json:"bank_type,omitempty"`
	Attach         string `json:"attach,omitempty"`
	SuccessTime    string `json:"success_time,omitempty"`
	Payer          Payer  `json:"payer"`
	Amount         Amount `json:"amount"`
}

// PaidAt parses SuccessTime. It returns nil when the field is empty or
// unparseable.
func (t *Transaction) PaidAt() *time.Time {
	if t.SuccessTime == "" {
		return nil
	}
	ts, err := time.Parse(time.RFC3339, t.SuccessTime)
	if err != nil {
		return nil
	}
	return &ts
}

// RefundNotice is the decrypted resource of a REFUND.* notify.
type RefundNotice struct {
	MchID         string `json:"mchid"`
	OutTradeNo    string `json:"out_trade_no"`
	TransactionID string `json:"transaction_id"`
	OutRefundNo   string `json:"out_refund_no"`
	RefundID      string `json:"refund_id"`
	RefundStatus  string `json:"refund_status"`
	SuccessTime   string `json:"success_time,omitempty"`
	Amount        struct {
		Total  int64 `json:"total"`
		Refund int64 `json:"refund"`
	} `json:"amount"`
}

// Notification is a verified, decrypted webhook.
type Notification struct {
	ID           string
	EventType    string
	ResourceType string
	Summary      string
	CreateTime   string
	Transaction  *Transaction
	Refund       *RefundNotice
	Plain        []byte
}

// envelope is the signed outer notify body.
type envelope struct {
	ID           string   `json:"id"`
	CreateTime   string   `json:"create_time"`
	EventType    string   `json:"event_type"`
	ResourceType string   `json:"resource_type"`
	Summary      string   `json:"summary"`
	Resource     resource `json:"resource"`
}

type resource struct {
	Algorithm      string `json:"algorithm"`
	Ciphertext     string `json:"ciphertext"`
	AssociatedData string `json:"associated_data"`
	OriginalType   string `json:"original_type"`
	Nonce          string `json:"nonce"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
