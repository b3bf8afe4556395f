package orders

import (
	"time"

	"github.com/imrishuroy/go-payment-reconciler/internal/money"
)

// Status is an order's payment status.
type Status string

// Order statuses. Everything except PENDING is terminal.
const (
	StatusPending   Status = "PENDING"
	StatusPaid      Status = "PAID"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusExpired   Status = "EXPIRED"
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusPaid, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusPending || s.IsTerminal()
}

// CreditStatus records the outcome of the credit grant that follows PAID.
type CreditStatus string

const (
	CreditGranted CreditStatus = "GRANTED"
	CreditFailed  CreditStatus = "FAILED"
)

// Payment methods accepted at order creation.
const (
	MethodWechatPay = "WECHAT_PAY"
	MethodAlipay    = "ALIPAY"
)

// UserSnapshot is the buyer as seen at creation time.
type UserSnapshot struct {
	ID       string `dynamodbav:"id" json:"id"`
	Username string `dynamodbav:"username,omitempty" json:"username,omitempty"`
}

// PackageSnapshot is the purchased package as seen at creation time.
type PackageSnapshot struct {
	Name        string `dynamodbav:"name" json:"name"`
	Description string `dynamodbav:"description,omitempty" json:"description,omitempty"`
}

// Attach is sent to the gateway verbatim and echoed back on notify.
type Attach struct {
	OrderNo     string `json:"orderNo"`
	UserID      string `json:"userId"`
	PackageID   string `json:"packageId"`
	PackageName string `json:"packageName,omitempty"`
}

// Metadata is the typed replacement for a free-form JSON blob.
type Metadata struct {
	User              UserSnapshot    `dynamodbav:"user" json:"user"`
	Package           PackageSnapshot `dynamodbav:"package" json:"package"`
	Attach            string          `dynamodbav:"attach,omitempty" json:"attach,omitempty"`
	LastNotifyPayload string          `dynamodbav:"last_notify_payload,omitempty" json:"lastNotifyPayload,omitempty"`
}

// Order represents the item stored in the orders DynamoDB table.
type Order struct {
	OrderNo       string       `dynamodbav:"order_no" json:"orderNo"`                 // PK
	OutTradeNo    string       `dynamodbav:"out_trade_no" json:"outTradeNo"`          // GSI out_trade_no-index
	UserID        string       `dynamodbav:"user_id" json:"userId"`                   // GSI user_id-index
	PackageID     string       `dynamodbav:"package_id" json:"packageId"`
	Amount        money.Money  `dynamodbav:"amount" json:"amount"`
	Points        int64        `dynamodbav:"points" json:"points"`
	BonusPoints   int64        `dynamodbav:"bonus_points" json:"bonusPoints"`
	PaymentMethod string       `dynamodbav:"payment_method" json:"paymentMethod"`
	Status        Status       `dynamodbav:"status" json:"paymentStatus"`
	TransactionID string       `dynamodbav:"transaction_id,omitempty" json:"transactionId,omitempty"`
	PaymentTime   *time.Time   `dynamodbav:"payment_time,omitempty" json:"paymentTime,omitempty"`
	NotifyTime    *time.Time   `dynamodbav:"notify_time,omitempty" json:"notifyTime,omitempty"`
	ExpireTime    time.Time    `dynamodbav:"expire_time" json:"expireTime"`
	FailReason    string       `dynamodbav:"fail_reason,omitempty" json:"failReason,omitempty"`
	Metadata      Metadata     `dynamodbav:"metadata" json:"metadata"`
	CreditStatus  CreditStatus `dynamodbav:"credit_status,omitempty" json:"creditStatus,omitempty"`
	CreditNote    string       `dynamodbav:"credit_note,omitempty" json:"creditNote,omitempty"`
	CreatedAt     time.Time    `dynamodbav:"created_at" json:"createdAt"`
	CreatedAtMs   int64        `dynamodbav:"created_at_ms" json:"-"` // GSI sort key
	UpdatedAt     time.Time    `dynamodbav:"updated_at" json:"updatedAt"`
}

// TotalPoints is what the credit grant awards.
func (o *Order) TotalPoints() int64 { return o.Points + o.BonusPoints }

// Expired reports whether a still-pending order is past its expiry at now.
func (o *Order) Expired(now time.Time) bool {
	return o.Status == StatusPending && !o.ExpireTime.IsZero() && now.After(o.ExpireTime)
}

// Transition carries the fields written alongside a terminal status.
type Transition struct {
	TransactionID string
	PaymentTime   *time.Time
	FailReason    string
	NotifyPayload string
}

// TransitionResult reports the outcome of TransitionIfPending. Order is the
// row after the write when Applied, or the current row when not.
type TransitionResult struct {
	Applied bool
	Order   *Order
}

// ListFilter narrows ListByUser.
type ListFilter struct {
	Status Status
	Limit  int32
	Cursor string
}

// Page is one page of orders, newest first.
type Page struct {
	Orders     []Order
	NextCursor string
}
