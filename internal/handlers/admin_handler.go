package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-payment-reconciler/internal/notifylog"
	"github.com/imrishuroy/go-payment-reconciler/internal/validation"
)

// RegisterAdminRoutes registers operator routes. Every route requires the
// admin role.
func RegisterAdminRoutes(r *gin.Engine, a *api) {
	log := a.cfg.Logger
	admin := r.Group("/admin")

	admin.GET("/notify-logs", func(c *gin.Context) {
		if _, ok := requireAdmin(c); !ok {
			return
		}
		var q validation.ListNotifyLogsQuery
		if err := validation.BindQueryAndValidate(c, &q, a.v); err != nil {
			return
		}
		logs, err := a.cfg.Notify.ListLogs(c.Request.Context(), notifylog.ListFilter{
			Status: notifylog.ProcessStatus(q.Status),
			Limit:  q.Limit,
		})
		if err != nil {
			writeError(c, log, err)
			return
		}
		if logs == nil {
			logs = []notifylog.Record{}
		}
		c.JSON(http.StatusOK, gin.H{"logs": logs})
	})

	admin.GET("/notify-logs/stats", func(c *gin.Context) {
		if _, ok := requireAdmin(c); !ok {
			return
		}
		stats, err := a.cfg.Notify.Stats(c.Request.Context())
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	})

	admin.POST("/notify-logs/:id/retry", func(c *gin.Context) {
		if _, ok := requireAdmin(c); !ok {
			return
		}
		res := a.cfg.Notify.RetryFailedNotify(c.Request.Context(), c.Param("id"))
		status := http.StatusOK
		if !res.Success {
			status = statusFor(res.Kind)
		}
		c.JSON(status, res)
	})

	admin.POST("/orders/:orderNo/cancel", func(c *gin.Context) {
		req, ok := requireAdmin(c)
		if !ok {
			return
		}
		a.cancel(c, req)
	})

	admin.POST("/orders/:orderNo/refund", func(c *gin.Context) {
		req, ok := requireAdmin(c)
		if !ok {
			return
		}
		var body validation.RefundRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request_body", "msg": err.Error()})
				return
			}
			if err := a.v.Struct(body); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "msg": err.Error()})
				return
			}
		}
		out, err := a.cfg.Orders.RefundOrder(c.Request.Context(), c.Param("orderNo"), body.Reason, req)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, out)
	})
}
