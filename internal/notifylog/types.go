package notifylog

import "time"

// ProcessStatus values for notify log rows.
type ProcessStatus string

const (
	StatusPending ProcessStatus = "PENDING"
	StatusSuccess ProcessStatus = "SUCCESS"
	StatusFailed  ProcessStatus = "FAILED"
)

// Notify types.
const (
	TypePayment = "payment"
	TypeRefund  = "refund"
)

// Record is one inbound gateway callback, persisted before it is trusted.
type Record struct {
	LogID          string            `dynamodbav:"log_id" json:"logId"` // PK
	OrderNo        string            `dynamodbav:"order_no,omitempty" json:"orderNo,omitempty"`
	PaymentMethod  string            `dynamodbav:"payment_method" json:"paymentMethod"`
	NotifyType     string            `dynamodbav:"notify_type" json:"notifyType"`
	RequestHeaders map[string]string `dynamodbav:"request_headers" json:"requestHeaders"`
	RequestBody    string            `dynamodbav:"request_body" json:"requestBody"`
	ClientIP       string            `dynamodbav:"client_ip,omitempty" json:"clientIp,omitempty"`
	ProcessStatus  ProcessStatus     `dynamodbav:"process_status" json:"processStatus"` // GSI process_status-index
	Applied        bool              `dynamodbav:"applied" json:"applied"`
	RetryCount     int               `dynamodbav:"retry_count" json:"retryCount"`
	ErrorMessage   string            `dynamodbav:"error_message,omitempty" json:"errorMessage,omitempty"`
	ProcessTime    *time.Time        `dynamodbav:"process_time,omitempty" json:"processTime,omitempty"`
	ReceivedAt     time.Time         `dynamodbav:"received_at" json:"receivedAt"`
	ReceivedEpoch  int64             `dynamodbav:"received_epoch" json:"-"` // GSI sort key
	AttemptEpoch   int64             `dynamodbav:"attempt_epoch" json:"-"`  // start of the latest attempt
}

// Outcome is written by MarkProcessed at the end of an attempt.
type Outcome struct {
	Status       ProcessStatus
	OrderNo      string
	Applied      bool
	ErrorMessage string
	// RetryCount, when positive, overwrites retry_count. Setting it to the
	// retry ceiling takes the row out of the sweep.
	RetryCount int
}

// ListFilter narrows List. Before, when set, keeps rows received earlier
// whose latest attempt also started earlier. MaxRetry, when positive, keeps rows with retry_count below it.
type ListFilter struct {
	Status   ProcessStatus
	Before   time.Time
	MaxRetry int
	Limit    int32
}

// Stats summarises the log table.
type Stats struct {
	Pending   int `json:"pending"`
	Success   int `json:"success"`
	Failed    int `json:"failed"`
	Retryable int `json:"retryable"`
}
