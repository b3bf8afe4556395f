package validation

import (
	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/imrishuroy/go-payment-reconciler/internal/orders"
)

// New returns a configured validator with the payment tags registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	// payment_method accepts the methods the API knows about; whether one is
	// currently enabled is decided by the order manager.
	_ = v.RegisterValidation("payment_method", paymentMethod)
	_ = v.RegisterValidation("order_status", orderStatus)

	return v
}

func paymentMethod(fl validatorv10.FieldLevel) bool {
	switch fl.Field().String() {
	case orders.MethodWechatPay, orders.MethodAlipay:
		return true
	}
	return false
}

func orderStatus(fl validatorv10.FieldLevel) bool {
	return orders.Status(fl.Field().String()).Valid()
}
