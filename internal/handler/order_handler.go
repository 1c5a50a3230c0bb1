package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/PlebeianApp/market-sub007/internal/domain"
	"github.com/PlebeianApp/market-sub007/internal/service"
	"github.com/PlebeianApp/market-sub007/internal/store"
)

type OrderHandler struct {
	orderService *service.OrderService
	logger       *zap.Logger
}

func NewOrderHandler(orderService *service.OrderService, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{
		orderService: orderService,
		logger:       logger,
	}
}

func (h *OrderHandler) CreateOrder(c *gin.Context) {
	var req domain.CreateOrderRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request format",
			"details": err.Error(),
		})
		return
	}

	requestID := c.GetString("request_id")

	creation, err := h.orderService.CreateOrder(c.Request.Context(), req)
	if err != nil {
		h.logger.Error("Failed to create order",
			zap.String("request_id", requestID),
			zap.Error(err))

		if errors.Is(err, store.ErrDegraded) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":      "No relay accepted the order",
				"request_id": requestID,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":      "Failed to create order",
			"request_id": requestID,
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"order_id":    creation.OrderID,
		"creation_id": creation.Message().ID,
		"status":      domain.OrderStatusPending,
	})
}

func (h *OrderHandler) GetOrder(c *gin.Context) {
	id := c.Param("id")

	view, err := h.orderService.GetOrder(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
			return
		}
		if errors.Is(err, store.ErrDegraded) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "message store unreachable"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, view)
}

func (h *OrderHandler) UpdateStatus(c *gin.Context) {
	id := c.Param("id")

	var req domain.UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request format",
			"details": err.Error(),
		})
		return
	}

	upd, err := h.orderService.UpdateStatus(c.Request.Context(), id, req)
	if err != nil {
		h.writeUpdateError(c, id, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order_id": id,
		"status":   upd.Status,
	})
}

func (h *OrderHandler) UpdateShipping(c *gin.Context) {
	id := c.Param("id")

	var req domain.UpdateShippingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request format",
			"details": err.Error(),
		})
		return
	}

	upd, err := h.orderService.UpdateShipping(c.Request.Context(), id, req)
	if err != nil {
		h.writeUpdateError(c, id, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order_id": id,
		"status":   upd.Status,
		"tracking": upd.Tracking,
	})
}

func (h *OrderHandler) writeUpdateError(c *gin.Context, orderID string, err error) {
	switch {
	case errors.Is(err, service.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
	case errors.Is(err, service.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "signing key is not a party to this order"})
	case errors.Is(err, domain.ErrMalformedEvent):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrDegraded):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "message store unreachable"})
	default:
		h.logger.Error("Failed to update order",
			zap.String("order_id", orderID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
	}
}
