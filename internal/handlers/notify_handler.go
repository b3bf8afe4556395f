package handlers

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-payment-reconciler/internal/notifylog"
	"github.com/imrishuroy/go-payment-reconciler/internal/payment"
)

const maxNotifyBody = 1 << 20

// Acknowledgement bodies the gateway understands. Anything but 200 makes it
// redeliver.
var (
	ackSuccess = gin.H{"code": "SUCCESS", "message": "OK"}
	ackFail    = gin.H{"code": "FAIL", "message": "FAIL"}
)

// RegisterNotifyRoutes registers the gateway webhook routes.
func RegisterNotifyRoutes(r *gin.Engine, a *api) {
	r.POST("/notify/wechat", a.notify(notifylog.TypePayment))
	r.POST("/notify/wechat/refund", a.notify(notifylog.TypeRefund))
}

func (a *api) notify(notifyType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		log := a.cfg.Logger.With().Str("notify_type", notifyType).Logger()

		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxNotifyBody))
		if err != nil {
			log.Warn().Err(err).Msg("unreadable notify body")
			c.JSON(http.StatusBadRequest, ackFail)
			return
		}
		headers := c.Request.Header.Clone()
		clientIP := c.ClientIP()

		// Processing outlives the request so a slow attempt still lands in
		// the log; the sweep picks up whatever it leaves PENDING.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), a.cfg.NotifyDeadline)
		wait := time.NewTimer(a.cfg.NotifyWait)
		defer wait.Stop()
		done := make(chan payment.NotifyResult, 1)
		go func() {
			defer cancel()
			done <- a.cfg.Notify.HandleNotify(ctx, headers, body, clientIP, notifyType)
		}()

		select {
		case res := <-done:
			writeAck(c, res)
		case <-c.Request.Context().Done():
			log.Warn().Msg("notify request cancelled before processing finished")
			c.JSON(http.StatusInternalServerError, ackFail)
		case <-wait.C:
			log.Warn().Dur("wait", a.cfg.NotifyWait).Msg("notify processing still running, asking for redelivery")
			c.JSON(http.StatusInternalServerError, ackFail)
		}
	}
}

func writeAck(c *gin.Context, res payment.NotifyResult) {
	switch {
	case res.Success:
		c.JSON(http.StatusOK, ackSuccess)
	case res.Retryable:
		c.JSON(http.StatusInternalServerError, ackFail)
	default:
		c.JSON(http.StatusBadRequest, ackFail)
	}
}
