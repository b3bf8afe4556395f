package validation

// CreateOrderRequest is the payload for POST /orders
type CreateOrderRequest struct {
	PackageID     string `json:"packageId" validate:"required,max=64"`              // catalog package id
	PaymentMethod string `json:"paymentMethod" validate:"required,payment_method"` // WECHAT_PAY or ALIPAY
}

// RefundRequest is the optional payload for POST /admin/orders/:orderNo/refund
type RefundRequest struct {
	Reason string `json:"reason" validate:"max=80"` // shown to the payer by the gateway
}

// ListOrdersQuery is the query string for GET /orders
type ListOrdersQuery struct {
	Status string `form:"status" validate:"omitempty,order_status"`
	Limit  int32  `form:"limit" validate:"omitempty,min=1,max=100"`
	Cursor string `form:"cursor"`
}

// ListNotifyLogsQuery is the query string for GET /admin/notify-logs
type ListNotifyLogsQuery struct {
	Status string `form:"status" validate:"required,oneof=PENDING SUCCESS FAILED"`
	Limit  int32  `form:"limit" validate:"omitempty,min=1,max=200"`
}
