package handler

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/PlebeianApp/market-sub007/internal/checkout"
	"github.com/PlebeianApp/market-sub007/internal/domain"
	"github.com/PlebeianApp/market-sub007/internal/service"
)

var errNoActiveCheckout = errors.New("no active checkout for order")

// StartCheckoutRequest opens a checkout session for an order.
type StartCheckoutRequest struct {
	Mode  string             `json:"mode"`
	Split domain.SplitConfig `json:"split" binding:"required"`
}

// checkoutSession pairs an orchestrator with a context that outlives any
// single HTTP request. Payment monitors must keep watching for receipts
// after the response is written, so they run on the session context, not the
// request's.
type checkoutSession struct {
	orch   *checkout.Orchestrator
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *checkoutSession) stop() {
	s.orch.Cancel()
	s.cancel()
}

// CheckoutHandler keeps one live session per order. Sessions are in-memory;
// a restart rebuilds them from the persisted invoice snapshot.
type CheckoutHandler struct {
	orderService *service.OrderService
	strategy     checkout.PaymentStrategy
	logger       *zap.Logger

	mu     sync.Mutex
	active map[string]*checkoutSession
}

func NewCheckoutHandler(orderService *service.OrderService, strategy checkout.PaymentStrategy, logger *zap.Logger) *CheckoutHandler {
	return &CheckoutHandler{
		orderService: orderService,
		strategy:     strategy,
		logger:       logger,
		active:       make(map[string]*checkoutSession),
	}
}

func (h *CheckoutHandler) StartCheckout(c *gin.Context) {
	orderID := c.Param("id")

	var req StartCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request format",
			"details": err.Error(),
		})
		return
	}
	mode, err := parseMode(req.Mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.mu.Lock()
	if existing, ok := h.active[orderID]; ok {
		h.mu.Unlock()
		c.JSON(http.StatusOK, gin.H{
			"order_id": orderID,
			"invoices": existing.orch.Invoices(),
		})
		return
	}
	h.mu.Unlock()

	o, err := h.orderService.StartCheckout(c.Request.Context(), orderID, req.Split, mode)
	if err != nil {
		if errors.Is(err, service.ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
			return
		}
		h.logger.Error("Failed to start checkout",
			zap.String("order_id", orderID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start checkout"})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &checkoutSession{orch: o, ctx: ctx, cancel: cancel}

	h.mu.Lock()
	// another request may have won the race; keep the first session
	if existing, ok := h.active[orderID]; ok {
		h.mu.Unlock()
		sess.stop()
		c.JSON(http.StatusOK, gin.H{
			"order_id": orderID,
			"invoices": existing.orch.Invoices(),
		})
		return
	}
	h.active[orderID] = sess
	h.mu.Unlock()

	c.JSON(http.StatusCreated, gin.H{
		"order_id": orderID,
		"invoices": o.Invoices(),
	})
}

func (h *CheckoutHandler) GetCheckout(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"order_id": c.Param("id"),
		"invoices": sess.orch.Invoices(),
		"complete": sess.orch.Complete(),
	})
}

// PayInvoice starts the invoice (generating a payable if needed) and drives
// the configured payment strategy against it. Both run on the session
// context: the monitor must survive this request, and a client disconnect
// must not abort a payment already in flight.
func (h *CheckoutHandler) PayInvoice(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	invoiceID := c.Param("invoiceId")

	if _, err := sess.orch.StartInvoice(sess.ctx, invoiceID); err != nil {
		h.writeCheckoutError(c, err)
		return
	}
	if err := sess.orch.AttemptPay(sess.ctx, invoiceID, h.strategy); err != nil {
		h.writeCheckoutError(c, err)
		return
	}

	h.persist(c, sess.orch)
	c.JSON(http.StatusOK, gin.H{
		"order_id": c.Param("id"),
		"invoices": sess.orch.Invoices(),
		"complete": sess.orch.Complete(),
	})
}

func (h *CheckoutHandler) SkipInvoice(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	if err := sess.orch.Skip(c.Param("invoiceId")); err != nil {
		h.writeCheckoutError(c, err)
		return
	}
	h.persist(c, sess.orch)
	c.JSON(http.StatusOK, gin.H{
		"order_id": c.Param("id"),
		"invoices": sess.orch.Invoices(),
		"complete": sess.orch.Complete(),
	})
}

// Advance returns the next invoice still awaiting settlement.
func (h *CheckoutHandler) Advance(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	inv, more := sess.orch.Advance()
	if !more {
		c.JSON(http.StatusOK, gin.H{
			"order_id": c.Param("id"),
			"complete": sess.orch.Complete(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"order_id": c.Param("id"),
		"invoice":  inv,
	})
}

// PayAll settles every open invoice in order, stopping at the first failure.
func (h *CheckoutHandler) PayAll(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	err := sess.orch.PayAll(sess.ctx, h.strategy)
	h.persist(c, sess.orch)
	if err != nil {
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":    err.Error(),
			"invoices": sess.orch.Invoices(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"order_id": c.Param("id"),
		"invoices": sess.orch.Invoices(),
		"complete": sess.orch.Complete(),
	})
}

func (h *CheckoutHandler) CancelCheckout(c *gin.Context) {
	orderID := c.Param("id")
	h.mu.Lock()
	sess, ok := h.active[orderID]
	delete(h.active, orderID)
	h.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": errNoActiveCheckout.Error()})
		return
	}
	h.persist(c, sess.orch)
	sess.stop()
	c.JSON(http.StatusOK, gin.H{"order_id": orderID})
}

// Shutdown persists and cancels every live session.
func (h *CheckoutHandler) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for orderID, sess := range h.active {
		h.orderService.SaveCheckout(context.Background(), orderID, sess.orch.Invoices())
		sess.stop()
		delete(h.active, orderID)
	}
}

func (h *CheckoutHandler) session(c *gin.Context) (*checkoutSession, bool) {
	orderID := c.Param("id")
	h.mu.Lock()
	sess, ok := h.active[orderID]
	h.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": errNoActiveCheckout.Error()})
		return nil, false
	}
	return sess, true
}

func (h *CheckoutHandler) persist(c *gin.Context, o *checkout.Orchestrator) {
	h.orderService.SaveCheckout(c.Request.Context(), c.Param("id"), o.Invoices())
}

func (h *CheckoutHandler) writeCheckoutError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, checkout.ErrUnknownInvoice):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, checkout.ErrNotSkippable),
		errors.Is(err, checkout.ErrTerminalInvoice):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, checkout.ErrNoPayable):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusPaymentRequired, gin.H{"error": err.Error()})
	}
}

func parseMode(s string) (checkout.Mode, error) {
	switch s {
	case "", "all-settled":
		return checkout.ModeAllSettled, nil
	case "order-completion":
		return checkout.ModeOrderCompletion, nil
	}
	return 0, errors.New("mode must be all-settled or order-completion")
}
