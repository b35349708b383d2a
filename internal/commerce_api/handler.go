package commerce_api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"ms-commerce/internal/auth"
	"ms-commerce/internal/checkout"
	"ms-commerce/internal/effects"
	"ms-commerce/internal/gateway"
	"ms-commerce/internal/logger"
	"ms-commerce/internal/models"
	"ms-commerce/internal/orders"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	Checkout *checkout.Service
	Orders   *orders.Store
	Engine   *effects.Engine
	Gateway  *gateway.Client
	Logger   *logger.Logger
}

func NewHandler(co *checkout.Service, store *orders.Store, engine *effects.Engine, gw *gateway.Client, log *logger.Logger) *Handler {
	return &Handler{
		Checkout: co,
		Orders:   store,
		Engine:   engine,
		Gateway:  gw,
		Logger:   log,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/checkout/tickets", h.TicketCheckout)
		r.Post("/checkout/products", h.ProductCheckout)
		r.Route("/order", func(r chi.Router) {
			r.Get("/{orderNumber}", h.GetOrder)
			r.Get("/{orderNumber}/logs", h.GetOrderLogs)
			r.Post("/sync", h.SyncOrder)
		})
	})
}

func (h *Handler) TicketCheckout(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req models.TicketCheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Error("API", fmt.Sprintf("TicketCheckout: failed to decode request body: %v", err))
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := h.Checkout.TicketCheckout(r.Context(), userID, req)
	if err != nil {
		h.writeCheckoutError(w, "TicketCheckout", err)
		return
	}

	h.Logger.Info("API", fmt.Sprintf("TicketCheckout: order %s created", resp.OrderNumber))
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) ProductCheckout(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req models.ProductCheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Error("API", fmt.Sprintf("ProductCheckout: failed to decode request body: %v", err))
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := h.Checkout.ProductCheckout(r.Context(), userID, req)
	if err != nil {
		h.writeCheckoutError(w, "ProductCheckout", err)
		return
	}

	h.Logger.Info("API", fmt.Sprintf("ProductCheckout: order %s created", resp.OrderNumber))
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) writeCheckoutError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, checkout.ErrValidation):
		h.Logger.Warn("API", fmt.Sprintf("%s: %v", op, err))
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, checkout.ErrUnavailable):
		h.Logger.Warn("API", fmt.Sprintf("%s: %v", op, err))
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, checkout.ErrUpstream):
		h.Logger.Error("API", fmt.Sprintf("%s: %v", op, err))
		http.Error(w, "Payment gateway unavailable, please retry", http.StatusBadGateway)
	default:
		h.Logger.Error("API", fmt.Sprintf("%s: %v", op, err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// OrderView is the client-facing order shape for both aggregates.
type OrderView struct {
	Kind    models.OrderKind `json:"kind"`
	Ticket  *TicketOrderView `json:"ticket,omitempty"`
	Product *ProductView     `json:"product,omitempty"`
}

type TicketOrderView struct {
	models.TicketOrder
	Items   []models.TicketOrderItem `json:"items"`
	Tickets []models.PurchasedTicket `json:"tickets,omitempty"`
}

type ProductView struct {
	models.ProductOrder
	Items []models.ProductOrderItem `json:"items"`
}

// kindFromOrderNumber infers the aggregate from the order-number prefix.
func kindFromOrderNumber(orderNumber string) (models.OrderKind, bool) {
	switch {
	case strings.HasPrefix(orderNumber, "TKT-"):
		return models.KindTicket, true
	case strings.HasPrefix(orderNumber, "PRD-"):
		return models.KindProduct, true
	}
	return "", false
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderNumber := chi.URLParam(r, "orderNumber")
	userID := auth.UserID(r.Context())

	view, ownerID, err := h.loadOrder(r, orderNumber)
	if err != nil {
		h.Logger.Warn("API", fmt.Sprintf("GetOrder: %v", err))
		http.Error(w, "Order not found", http.StatusNotFound)
		return
	}
	if ownerID != userID {
		h.Logger.Warn("API", fmt.Sprintf("GetOrder: user %s denied access to order %s", userID, orderNumber))
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) loadOrder(r *http.Request, orderNumber string) (*OrderView, string, error) {
	kind, ok := kindFromOrderNumber(orderNumber)
	if !ok {
		return nil, "", fmt.Errorf("unrecognized order number %q", orderNumber)
	}
	ctx := r.Context()

	if kind == models.KindTicket {
		order, err := h.Orders.GetTicketOrderByNumber(ctx, orderNumber)
		if err != nil {
			return nil, "", err
		}
		items, err := h.Orders.ListTicketOrderItems(ctx, order.ID)
		if err != nil {
			return nil, "", err
		}
		view := &TicketOrderView{TicketOrder: *order, Items: items}
		if order.TicketsIssuedAt != nil {
			for _, item := range items {
				tickets, err := h.Orders.ListPurchasedTicketsByItem(ctx, item.ID)
				if err != nil {
					return nil, "", err
				}
				view.Tickets = append(view.Tickets, tickets...)
			}
		}
		return &OrderView{Kind: kind, Ticket: view}, order.UserID, nil
	}

	order, err := h.Orders.GetProductOrderByNumber(ctx, orderNumber)
	if err != nil {
		return nil, "", err
	}
	items, err := h.Orders.ListProductOrderItems(ctx, order.ID)
	if err != nil {
		return nil, "", err
	}
	return &OrderView{Kind: kind, Product: &ProductView{ProductOrder: *order, Items: items}}, order.UserID, nil
}

func (h *Handler) GetOrderLogs(w http.ResponseWriter, r *http.Request) {
	orderNumber := chi.URLParam(r, "orderNumber")
	userID := auth.UserID(r.Context())

	_, ownerID, err := h.loadOrder(r, orderNumber)
	if err != nil {
		http.Error(w, "Order not found", http.StatusNotFound)
		return
	}
	if ownerID != userID {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	logs, err := h.Orders.ListWebhookLogs(r.Context(), orderNumber, 100)
	if err != nil {
		h.Logger.Error("API", fmt.Sprintf("GetOrderLogs: %v", err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// SyncOrder lets the client's post-payment redirect actively pull the final
// status instead of waiting for the webhook to land.
func (h *Handler) SyncOrder(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	var req struct {
		OrderNumber string `json:"order_number"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrderNumber == "" {
		http.Error(w, "order_number is required", http.StatusBadRequest)
		return
	}

	kind, ok := kindFromOrderNumber(req.OrderNumber)
	if !ok {
		http.Error(w, "Order not found", http.StatusNotFound)
		return
	}

	_, ownerID, err := h.loadOrder(r, req.OrderNumber)
	if err != nil {
		http.Error(w, "Order not found", http.StatusNotFound)
		return
	}
	if ownerID != userID {
		h.Logger.Warn("API", fmt.Sprintf("SyncOrder: user %s denied access to order %s", userID, req.OrderNumber))
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	notification, err := h.Gateway.QueryStatus(r.Context(), req.OrderNumber)
	if err != nil {
		if errors.Is(err, gateway.ErrTransactionNotFound) {
			writeJSON(w, http.StatusOK, map[string]string{
				"status": "pending",
				"detail": "no transaction started yet",
			})
			return
		}
		h.Logger.Error("API", fmt.Sprintf("SyncOrder: gateway query for %s failed: %v", req.OrderNumber, err))
		http.Error(w, "Payment gateway unavailable, please retry", http.StatusBadGateway)
		return
	}

	status := gateway.MapStatus(notification.TransactionStatus, notification.FraudStatus)
	if err := h.Engine.Apply(r.Context(), kind, req.OrderNumber, status, notification); err != nil {
		h.Logger.Error("API", fmt.Sprintf("SyncOrder: applying %s to %s failed: %v", status, req.OrderNumber, err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if err := h.Orders.AppendWebhookLog(r.Context(), req.OrderNumber, models.EventStatusSync, "", true, ""); err != nil {
		h.Logger.Warn("API", fmt.Sprintf("SyncOrder: failed to audit sync for %s: %v", req.OrderNumber, err))
	}

	view, _, err := h.loadOrder(r, req.OrderNumber)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"order":  view,
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
