// Package handlers exposes the payment core over HTTP with gin.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/imrishuroy/go-payment-reconciler/internal/catalog"
	"github.com/imrishuroy/go-payment-reconciler/internal/notifylog"
	"github.com/imrishuroy/go-payment-reconciler/internal/orders"
	"github.com/imrishuroy/go-payment-reconciler/internal/payment"
	"github.com/imrishuroy/go-payment-reconciler/internal/validation"
)

// Identity headers set by the upstream auth layer.
const (
	HeaderUserID   = "X-User-Id"
	HeaderUserName = "X-User-Name"
	HeaderUserRole = "X-User-Role"
	RoleAdmin      = "admin"
)

// OrderService is the part of payment.Manager the routes use.
type OrderService interface {
	CreateOrder(ctx context.Context, req payment.Requester, packageID, paymentMethod string) (*payment.CreatedOrder, error)
	GetOrderStatus(ctx context.Context, orderNo string, req payment.Requester) (*payment.StatusView, error)
	CancelOrder(ctx context.Context, orderNo string, req payment.Requester) (*orders.Order, error)
	RefundOrder(ctx context.Context, orderNo, reason string, req payment.Requester) (*payment.RefundOutcome, error)
	ListOrders(ctx context.Context, req payment.Requester, f orders.ListFilter) (orders.Page, error)
	ListPackages(ctx context.Context) ([]catalog.Package, error)
}

// NotifyService is the part of payment.NotifyProcessor the routes use.
type NotifyService interface {
	HandleNotify(ctx context.Context, headers http.Header, body []byte, clientIP, notifyType string) payment.NotifyResult
	RetryFailedNotify(ctx context.Context, logID string) payment.NotifyResult
	ListLogs(ctx context.Context, f notifylog.ListFilter) ([]notifylog.Record, error)
	Stats(ctx context.Context) (notifylog.Stats, error)
}

// HandlerConfig groups dependencies for the payment routes.
type HandlerConfig struct {
	Orders OrderService
	Notify NotifyService
	Logger zerolog.Logger

	// NotifyWait bounds how long a webhook response waits for processing.
	NotifyWait time.Duration
	// NotifyDeadline bounds the detached processing itself.
	NotifyDeadline time.Duration
}

type api struct {
	cfg HandlerConfig
	v   *validatorv10.Validate
}

// Register registers every route on r.
func Register(r *gin.Engine, cfg HandlerConfig) {
	if cfg.NotifyWait <= 0 {
		cfg.NotifyWait = 5 * time.Second
	}
	if cfg.NotifyDeadline < cfg.NotifyWait {
		cfg.NotifyDeadline = max(30*time.Second, cfg.NotifyWait)
	}
	a := &api{cfg: cfg, v: validation.New()}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	RegisterOrdersRoutes(r, a)
	RegisterNotifyRoutes(r, a)
	RegisterAdminRoutes(r, a)
}

// requester reads the caller identity headers. ok is false when no user id
// was supplied.
func requester(c *gin.Context) (payment.Requester, bool) {
	req := payment.Requester{
		UserID:   c.GetHeader(HeaderUserID),
		Username: c.GetHeader(HeaderUserName),
		Admin:    c.GetHeader(HeaderUserRole) == RoleAdmin,
	}
	return req, req.UserID != ""
}

func requireUser(c *gin.Context) (payment.Requester, bool) {
	req, ok := requester(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
	}
	return req, ok
}

func requireAdmin(c *gin.Context) (payment.Requester, bool) {
	req, ok := requireUser(c)
	if !ok {
		return req, false
	}
	if !req.Admin {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return req, false
	}
	return req, true
}
