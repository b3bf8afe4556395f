package payment

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// newOrderNo returns the user-facing order number: PAY<unix-ms><4 digits>.
func newOrderNo(now time.Time) string {
	return fmt.Sprintf("PAY%d%04d", now.UnixMilli(), rand.Intn(10000))
}

// newOutTradeNo returns the merchant trade number sent to the gateway:
// PAY_<unix-ms>_<5 digits>.
func newOutTradeNo(now time.Time) string {
	return fmt.Sprintf("PAY_%d_%05d", now.UnixMilli(), rand.Intn(100000))
}

// newOutRefundNo returns a refund number. The gateway caps it at 64 chars.
func newOutRefundNo() string {
	return "RF" + uuid.NewString()
}
