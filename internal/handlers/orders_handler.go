package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-payment-reconciler/internal/orders"
	"github.com/imrishuroy/go-payment-reconciler/internal/payment"
	"github.com/imrishuroy/go-payment-reconciler/internal/validation"
)

// RegisterOrdersRoutes registers the buyer-facing order routes.
func RegisterOrdersRoutes(r *gin.Engine, a *api) {
	log := a.cfg.Logger

	r.GET("/packages", func(c *gin.Context) {
		pkgs, err := a.cfg.Orders.ListPackages(c.Request.Context())
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"packages": pkgs})
	})

	r.POST("/orders", func(c *gin.Context) {
		req, ok := requireUser(c)
		if !ok {
			return
		}

		var body validation.CreateOrderRequest
		if err := validation.BindAndValidate(c, &body, a.v); err != nil {
			// BindAndValidate already wrote a 400
			return
		}

		created, err := a.cfg.Orders.CreateOrder(c.Request.Context(), req, body.PackageID, body.PaymentMethod)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.Header("Location", fmt.Sprintf("/orders/%s", created.OrderNo))
		c.JSON(http.StatusCreated, created)
	})

	r.GET("/orders", func(c *gin.Context) {
		req, ok := requireUser(c)
		if !ok {
			return
		}

		var q validation.ListOrdersQuery
		if err := validation.BindQueryAndValidate(c, &q, a.v); err != nil {
			return
		}

		page, err := a.cfg.Orders.ListOrders(c.Request.Context(), req, orders.ListFilter{
			Status: orders.Status(q.Status),
			Limit:  q.Limit,
			Cursor: q.Cursor,
		})
		if err != nil {
			writeError(c, log, err)
			return
		}
		if page.Orders == nil {
			page.Orders = []orders.Order{}
		}
		c.JSON(http.StatusOK, gin.H{"orders": page.Orders, "nextCursor": page.NextCursor})
	})

	r.GET("/orders/:orderNo", func(c *gin.Context) {
		req, ok := requireUser(c)
		if !ok {
			return
		}
		view, err := a.cfg.Orders.GetOrderStatus(c.Request.Context(), c.Param("orderNo"), req)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, view)
	})

	r.POST("/orders/:orderNo/cancel", func(c *gin.Context) {
		req, ok := requireUser(c)
		if !ok {
			return
		}
		a.cancel(c, req)
	})
}

func (a *api) cancel(c *gin.Context, req payment.Requester) {
	order, err := a.cfg.Orders.CancelOrder(c.Request.Context(), c.Param("orderNo"), req)
	if err != nil {
		writeError(c, a.cfg.Logger, err)
		return
	}
	c.JSON(http.StatusOK, order)
}
