package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/imrishuroy/go-payment-reconciler/internal/payerr"
)

// statusFor maps a failure kind to an HTTP status.
func statusFor(kind payerr.Kind) int {
	switch kind {
	case payerr.KindValidation:
		return http.StatusBadRequest
	case payerr.KindAuthenticity:
		return http.StatusUnauthorized
	case payerr.KindForbidden:
		return http.StatusForbidden
	case payerr.KindNotFound:
		return http.StatusNotFound
	case payerr.KindStateConflict:
		return http.StatusConflict
	case payerr.KindGatewayRejected:
		return http.StatusBadGateway
	case payerr.KindNetwork:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError answers with the error's kind. Internal details stay in the log.
func writeError(c *gin.Context, log zerolog.Logger, err error) {
	kind := payerr.KindOf(err)
	status := statusFor(kind)
	body := gin.H{"error": kind.String()}
	if status < http.StatusInternalServerError || kind == payerr.KindGatewayRejected {
		body["detail"] = err.Error()
	}
	var pe *payerr.Error
	if errors.As(err, &pe) && pe.Code != "" {
		body["code"] = pe.Code
	}
	ev := log.Warn()
	if status >= http.StatusInternalServerError {
		ev = log.Error()
	}
	ev.Err(err).Str("path", c.FullPath()).Str("kind", kind.String()).Int("status", status).Msg("request failed")
	c.JSON(status, body)
}
