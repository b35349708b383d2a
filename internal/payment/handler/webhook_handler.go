package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"ms-commerce/internal/gateway"
	"ms-commerce/internal/logger"
	"ms-commerce/internal/models"
	"ms-commerce/internal/reconcile"
	"ms-commerce/internal/utils"

	"github.com/gin-gonic/gin"
)

// OrderLookup answers whether an order number exists and which aggregate it
// belongs to, without exposing the full store.
type OrderLookup interface {
	GetTicketOrderByNumber(ctx context.Context, orderNumber string) (*models.TicketOrder, error)
	GetProductOrderByNumber(ctx context.Context, orderNumber string) (*models.ProductOrder, error)
	AppendWebhookLog(ctx context.Context, orderNumber, eventType, payload string, success bool, errMessage string) error
}

type EffectsEngine interface {
	Apply(ctx context.Context, kind models.OrderKind, orderNumber string, status gateway.InternalStatus, payload *models.GatewayNotification) error
}

// WebhookHandler is the gateway-facing surface. Its contract with the
// gateway's retry machinery rides on status codes: 2xx acknowledges, 5xx
// requests a retry, and 4xx tells it to stop.
type WebhookHandler struct {
	engine    EffectsEngine
	orders    OrderLookup
	sweeper   *reconcile.Sweeper
	serverKey string
	logger    *logger.Logger
}

func NewWebhookHandler(engine EffectsEngine, orders OrderLookup, sweeper *reconcile.Sweeper, serverKey string, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{
		engine:    engine,
		orders:    orders,
		sweeper:   sweeper,
		serverKey: serverKey,
		logger:    log,
	}
}

func (h *WebhookHandler) RegisterRoutes(r *gin.Engine) {
	r.POST("/webhook/payment", h.HandleNotification)
	r.POST("/internal/reconcile", h.RunReconciliation)
}

// HandleNotification processes one gateway webhook. Signature verification
// happens before any database work: a forged payload must not leave a trace
// beyond the audit log.
func (h *WebhookHandler) HandleNotification(c *gin.Context) {
	var payload models.GatewayNotification
	if err := c.ShouldBindJSON(&payload); err != nil {
		h.logger.Warn("WEBHOOK", fmt.Sprintf("Malformed notification body: %v", err))
		c.JSON(http.StatusBadRequest, utils.ErrorResponse("Invalid request payload", err.Error()))
		return
	}
	if payload.OrderID == "" {
		c.JSON(http.StatusBadRequest, utils.ErrorResponse("Invalid request payload", "order_id is required"))
		return
	}

	if !gateway.VerifySignature(payload.OrderID, payload.StatusCode, payload.GrossAmount, h.serverKey, payload.SignatureKey) {
		h.logger.Warn("WEBHOOK", fmt.Sprintf("Rejected notification for %s: signature mismatch", payload.OrderID))
		h.audit(c, payload, false, "signature verification failed")
		c.JSON(http.StatusForbidden, utils.ErrorResponse("Forbidden", "signature verification failed"))
		return
	}

	kind, err := h.resolveOrder(c.Request.Context(), payload.OrderID)
	if err != nil {
		h.logger.Warn("WEBHOOK", fmt.Sprintf("Notification for unknown order %s", payload.OrderID))
		h.audit(c, payload, false, "order not found")
		c.JSON(http.StatusNotFound, utils.ErrorResponse("Not found", "no order matches order_id"))
		return
	}

	status := gateway.MapStatus(payload.TransactionStatus, payload.FraudStatus)
	h.logger.LogOrder("WEBHOOK", payload.OrderID, fmt.Sprintf("%s/%s mapped to %s", payload.TransactionStatus, payload.FraudStatus, status))

	if err := h.engine.Apply(c.Request.Context(), kind, payload.OrderID, status, &payload); err != nil {
		h.logger.Error("WEBHOOK", fmt.Sprintf("Applying %s to %s failed: %v", status, payload.OrderID, err))
		h.audit(c, payload, false, err.Error())
		// 5xx asks the gateway to redeliver; every effect is idempotent, so
		// the retry is safe.
		c.JSON(http.StatusInternalServerError, utils.ErrorResponse("Processing failed", "notification will be retried"))
		return
	}

	h.audit(c, payload, true, "")
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *WebhookHandler) resolveOrder(ctx context.Context, orderNumber string) (models.OrderKind, error) {
	switch {
	case strings.HasPrefix(orderNumber, "TKT-"):
		if _, err := h.orders.GetTicketOrderByNumber(ctx, orderNumber); err != nil {
			return "", err
		}
		return models.KindTicket, nil
	case strings.HasPrefix(orderNumber, "PRD-"):
		if _, err := h.orders.GetProductOrderByNumber(ctx, orderNumber); err != nil {
			return "", err
		}
		return models.KindProduct, nil
	}
	return "", fmt.Errorf("unrecognized order number %q", orderNumber)
}

func (h *WebhookHandler) audit(c *gin.Context, payload models.GatewayNotification, success bool, errMessage string) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := h.orders.AppendWebhookLog(c.Request.Context(), payload.OrderID, models.EventWebhook, string(raw), success, errMessage); err != nil {
		h.logger.Warn("WEBHOOK", fmt.Sprintf("Failed to audit notification for %s: %v", payload.OrderID, err))
	}
}

// RunReconciliation triggers one sweep on demand. The scheduled reconciler
// binary uses the same sweeper; this endpoint exists for operators.
func (h *WebhookHandler) RunReconciliation(c *gin.Context) {
	summary, err := h.sweeper.Run(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, utils.ErrorResponse("Reconciliation failed", err.Error()))
		return
	}
	c.JSON(http.StatusOK, utils.SuccessResponse("Reconciliation complete", summary))
}
