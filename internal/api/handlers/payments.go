package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/bitlair/Print-manager/internal/db"
)

type PaymentStore interface {
	ListPayments(ctx context.Context, serial string, limit, offset int) ([]*db.Payment, error)
	TotalsByUser(ctx context.Context) ([]db.UserTotal, error)
}

type PaymentHandler struct {
	store PaymentStore
}

func NewPaymentHandler(store PaymentStore) *PaymentHandler {
	return &PaymentHandler{store: store}
}

// ListPayments supports ?printer=<serial>&limit=&offset=.
func (h *PaymentHandler) ListPayments(c *gin.Context) {
	limit, err := queryInt(c, "limit", 50)
	if err != nil || limit > 500 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_limit", Message: "limit must be a number up to 500"})
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_offset", Message: "offset must be a number"})
		return
	}

	payments, err := h.store.ListPayments(c.Request.Context(), c.Query("printer"), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "database_error", Message: "Failed to retrieve payments"})
		return
	}
	c.JSON(http.StatusOK, payments)
}

func (h *PaymentHandler) Totals(c *gin.Context) {
	totals, err := h.store.TotalsByUser(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "database_error", Message: "Failed to sum payments"})
		return
	}
	c.JSON(http.StatusOK, totals)
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func RegisterPaymentRoutes(router *gin.RouterGroup, h *PaymentHandler) {
	router.GET("/payments", h.ListPayments)
	router.GET("/payments/totals", h.Totals)
}
