package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"ms-commerce/internal/config"
	"ms-commerce/internal/logger"
	"ms-commerce/internal/models"

	"github.com/google/uuid"
)

// Error taxonomy surfaced to the API layer. Every failure after inventory was
// touched carries a rollback guarantee: no order exists with reserved
// inventory but no valid payment path.
var (
	ErrValidation  = errors.New("validation failed")
	ErrUnavailable = errors.New("inventory unavailable")
	ErrUpstream    = errors.New("payment gateway unavailable")
)

type OrdersStore interface {
	CreateTicketOrder(ctx context.Context, order *models.TicketOrder, items []models.TicketOrderItem) error
	DeleteTicketOrder(ctx context.Context, orderID int64) error
	SetTicketOrderPayment(ctx context.Context, orderID int64, token, redirectURL string) error
	CreateProductOrder(ctx context.Context, order *models.ProductOrder, items []models.ProductOrderItem) error
	DeleteProductOrder(ctx context.Context, orderID int64) error
	SetProductOrderPayment(ctx context.Context, orderID int64, token, redirectURL string) error
}

type InventoryLedger interface {
	GetTicketType(ctx context.Context, ticketTypeID int64) (*models.TicketType, error)
	ReserveTicketCapacity(ctx context.Context, ticketTypeID int64, visitDate, timeSlot string, quantity int) (bool, error)
	ReleaseTicketCapacity(ctx context.Context, ticketTypeID int64, visitDate, timeSlot string, quantity int) error
	GetVariant(ctx context.Context, variantID int64) (*models.ProductVariant, error)
	ReserveProductStock(ctx context.Context, variantID int64, quantity int) (bool, error)
	ReleaseProductStock(ctx context.Context, variantID int64, quantity int) error
}

type TokenClient interface {
	CreateToken(ctx context.Context, req *models.TokenRequest) (*models.TokenResponse, error)
}

type Publisher interface {
	Publish(topic string, key string, value []byte) error
}

// Service runs the checkout saga: validate, reserve, create, tokenize — with
// a compensating rollback at every step. The gateway call goes last so the
// slowest external dependency holds inventory hostage for the shortest time.
type Service struct {
	Orders          OrdersStore
	Ledger          InventoryLedger
	Gateway         TokenClient
	Kafka           Publisher
	Logger          *logger.Logger
	Topics          config.TopicConfig
	FinishURL       string
	SessionDuration time.Duration
	Now             func() time.Time
}

func NewService(store OrdersStore, ledger InventoryLedger, gw TokenClient, kafka Publisher, log *logger.Logger, cfg *config.Config) *Service {
	return &Service{
		Orders:          store,
		Ledger:          ledger,
		Gateway:         gw,
		Kafka:           kafka,
		Logger:          log,
		Topics:          cfg.Kafka.Topics,
		FinishURL:       cfg.Gateway.FinishURL,
		SessionDuration: cfg.Checkout.SessionDuration,
		Now:             time.Now,
	}
}

func newOrderNumber(prefix string) string {
	return prefix + "-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
}

// ---------------- TICKET CHECKOUT ----------------

func (s *Service) TicketCheckout(ctx context.Context, userID string, req models.TicketCheckoutRequest) (*models.CheckoutResponse, error) {
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: no items", ErrValidation)
	}
	now := s.Now()

	// Step 2: validate items against the catalog before touching inventory.
	type resolvedItem struct {
		item     models.TicketCheckoutItem
		ticket   *models.TicketType
		slots    []string
		subtotal float64
	}
	resolved := make([]resolvedItem, 0, len(req.Items))
	total := 0.0
	for _, item := range req.Items {
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity must be positive", ErrValidation)
		}
		if _, err := time.Parse("2006-01-02", item.VisitDate); err != nil {
			return nil, fmt.Errorf("%w: invalid visit date %q", ErrValidation, item.VisitDate)
		}
		tt, err := s.Ledger.GetTicketType(ctx, item.TicketTypeID)
		if err != nil {
			return nil, fmt.Errorf("%w: ticket type %d not found", ErrValidation, item.TicketTypeID)
		}
		if !tt.Active {
			return nil, fmt.Errorf("%w: ticket type %d is not on sale", ErrValidation, item.TicketTypeID)
		}
		if tt.Price <= 0 {
			return nil, fmt.Errorf("%w: ticket type %d has no valid price", ErrValidation, item.TicketTypeID)
		}
		slots := normalizeSlots(item.TimeSlots)
		subtotal := tt.Price * float64(item.Quantity*len(slots))
		total += subtotal
		resolved = append(resolved, resolvedItem{item: item, ticket: tt, slots: slots, subtotal: subtotal})
	}

	windowMinutes, err := TicketPaymentWindow(req.Items, s.SessionDuration, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	// Step 3: reserve capacity per aggregated bucket; release everything
	// acquired so far on the first refusal.
	reservations := make(map[models.CapacityKey]int)
	for _, r := range resolved {
		for _, slot := range r.slots {
			key := models.CapacityKey{TicketTypeID: r.item.TicketTypeID, VisitDate: r.item.VisitDate, TimeSlot: slot}
			reservations[key] += r.item.Quantity
		}
	}
	var acquired []models.CapacityKey
	for key, qty := range reservations {
		ok, err := s.Ledger.ReserveTicketCapacity(ctx, key.TicketTypeID, key.VisitDate, key.TimeSlot, qty)
		if err != nil || !ok {
			s.rollbackCapacity(ctx, acquired, reservations)
			if err != nil {
				return nil, fmt.Errorf("reserve capacity: %w", err)
			}
			return nil, fmt.Errorf("%w: no capacity for ticket %d on %s %s", ErrUnavailable, key.TicketTypeID, key.VisitDate, slotLabel(key.TimeSlot))
		}
		acquired = append(acquired, key)
	}

	// Step 4: create the order aggregate.
	order := &models.TicketOrder{
		OrderNumber: newOrderNumber("TKT"),
		UserID:      userID,
		Status:      models.OrderStatusPending,
		Total:       total,
		ExpiresAt:   now.Add(time.Duration(windowMinutes) * time.Minute),
		CreatedAt:   now,
	}
	items := make([]models.TicketOrderItem, 0, len(resolved))
	for _, r := range resolved {
		items = append(items, models.TicketOrderItem{
			TicketTypeID: r.item.TicketTypeID,
			VisitDate:    r.item.VisitDate,
			TimeSlots:    r.slots,
			Quantity:     r.item.Quantity,
			UnitPrice:    r.ticket.Price,
			Subtotal:     r.subtotal,
		})
	}
	if err := s.Orders.CreateTicketOrder(ctx, order, items); err != nil {
		s.rollbackCapacity(ctx, acquired, reservations)
		return nil, fmt.Errorf("create ticket order: %w", err)
	}

	// Step 5: gateway token, the final and slowest step. Failure unwinds the
	// order and every reservation.
	tokenReq := &models.TokenRequest{
		TransactionDetails: models.TransactionDetails{OrderID: order.OrderNumber, GrossAmount: total},
		CustomerDetails:    req.Customer,
		CustomExpiry:       models.CustomExpiry{ExpiryDuration: windowMinutes, Unit: "minute"},
		Callbacks:          models.Callbacks{Finish: s.FinishURL},
	}
	for _, r := range resolved {
		tokenReq.ItemDetails = append(tokenReq.ItemDetails, models.ItemDetail{
			ID:       fmt.Sprintf("ticket-%d", r.item.TicketTypeID),
			Name:     fmt.Sprintf("%s %s %s", r.ticket.Name, r.item.VisitDate, slotLabel(r.slots[0])),
			Price:    r.ticket.Price,
			Quantity: r.item.Quantity * len(r.slots),
		})
	}
	tokenResp, err := s.Gateway.CreateToken(ctx, tokenReq)
	if err != nil {
		s.Logger.Error("CHECKOUT", fmt.Sprintf("Gateway token failed for %s, rolling back: %v", order.OrderNumber, err))
		if delErr := s.Orders.DeleteTicketOrder(ctx, order.ID); delErr != nil {
			s.Logger.Error("CHECKOUT", fmt.Sprintf("Rollback delete failed for %s: %v", order.OrderNumber, delErr))
		}
		s.rollbackCapacity(ctx, acquired, reservations)
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	// Step 6: persist the payment path and hand the token back.
	if err := s.Orders.SetTicketOrderPayment(ctx, order.ID, tokenResp.Token, tokenResp.RedirectURL); err != nil {
		return nil, fmt.Errorf("persist payment token: %w", err)
	}

	s.publishOrderCreated(order.OrderNumber, models.KindTicket, total)
	s.Logger.LogOrder("CREATED", order.OrderNumber, fmt.Sprintf("ticket checkout, %d minute payment window", windowMinutes))

	return &models.CheckoutResponse{
		OrderNumber: order.OrderNumber,
		Token:       tokenResp.Token,
		RedirectURL: tokenResp.RedirectURL,
		Total:       total,
		ExpiresAt:   order.ExpiresAt,
	}, nil
}

func (s *Service) rollbackCapacity(ctx context.Context, acquired []models.CapacityKey, reservations map[models.CapacityKey]int) {
	for _, key := range acquired {
		if err := s.Ledger.ReleaseTicketCapacity(ctx, key.TicketTypeID, key.VisitDate, key.TimeSlot, reservations[key]); err != nil {
			s.Logger.Error("CHECKOUT", fmt.Sprintf("Rollback release failed for %+v: %v", key, err))
		}
	}
}

// ---------------- PRODUCT CHECKOUT ----------------

func (s *Service) ProductCheckout(ctx context.Context, userID string, req models.ProductCheckoutRequest) (*models.CheckoutResponse, error) {
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: no items", ErrValidation)
	}
	now := s.Now()

	type resolvedItem struct {
		item     models.ProductCheckoutItem
		variant  *models.ProductVariant
		subtotal float64
	}
	resolved := make([]resolvedItem, 0, len(req.Items))
	total := 0.0
	minAvailable := -1
	for _, item := range req.Items {
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity must be positive", ErrValidation)
		}
		variant, err := s.Ledger.GetVariant(ctx, item.VariantID)
		if err != nil {
			return nil, fmt.Errorf("%w: variant %d not found", ErrValidation, item.VariantID)
		}
		if !variant.Active {
			return nil, fmt.Errorf("%w: variant %d is not on sale", ErrValidation, item.VariantID)
		}
		if variant.Price <= 0 {
			return nil, fmt.Errorf("%w: variant %d has no valid price", ErrValidation, item.VariantID)
		}
		if avail := variant.SellableStock(); minAvailable < 0 || avail < minAvailable {
			minAvailable = avail
		}
		subtotal := variant.Price * float64(item.Quantity)
		total += subtotal
		resolved = append(resolved, resolvedItem{item: item, variant: variant, subtotal: subtotal})
	}

	windowMinutes := ProductPaymentWindow(minAvailable)

	type hold struct {
		variantID int64
		quantity  int
	}
	var acquired []hold
	rollbackStock := func() {
		for _, h := range acquired {
			if err := s.Ledger.ReleaseProductStock(ctx, h.variantID, h.quantity); err != nil {
				s.Logger.Error("CHECKOUT", fmt.Sprintf("Rollback release failed for variant %d: %v", h.variantID, err))
			}
		}
	}
	for _, r := range resolved {
		ok, err := s.Ledger.ReserveProductStock(ctx, r.item.VariantID, r.item.Quantity)
		if err != nil || !ok {
			rollbackStock()
			if err != nil {
				return nil, fmt.Errorf("reserve stock: %w", err)
			}
			return nil, fmt.Errorf("%w: variant %d out of stock", ErrUnavailable, r.item.VariantID)
		}
		acquired = append(acquired, hold{variantID: r.item.VariantID, quantity: r.item.Quantity})
	}

	order := &models.ProductOrder{
		OrderNumber:   newOrderNumber("PRD"),
		UserID:        userID,
		Status:        models.ProductOrderAwaitingPayment,
		PaymentStatus: models.PaymentUnpaid,
		Total:         total,
		ExpiresAt:     now.Add(time.Duration(windowMinutes) * time.Minute),
		CreatedAt:     now,
	}
	items := make([]models.ProductOrderItem, 0, len(resolved))
	for _, r := range resolved {
		items = append(items, models.ProductOrderItem{
			VariantID: r.item.VariantID,
			Quantity:  r.item.Quantity,
			UnitPrice: r.variant.Price,
			Subtotal:  r.subtotal,
		})
	}
	if err := s.Orders.CreateProductOrder(ctx, order, items); err != nil {
		rollbackStock()
		return nil, fmt.Errorf("create product order: %w", err)
	}

	tokenReq := &models.TokenRequest{
		TransactionDetails: models.TransactionDetails{OrderID: order.OrderNumber, GrossAmount: total},
		CustomerDetails:    req.Customer,
		CustomExpiry:       models.CustomExpiry{ExpiryDuration: windowMinutes, Unit: "minute"},
		Callbacks:          models.Callbacks{Finish: s.FinishURL},
	}
	for _, r := range resolved {
		tokenReq.ItemDetails = append(tokenReq.ItemDetails, models.ItemDetail{
			ID:       fmt.Sprintf("variant-%d", r.item.VariantID),
			Name:     r.variant.Name,
			Price:    r.variant.Price,
			Quantity: r.item.Quantity,
		})
	}
	tokenResp, err := s.Gateway.CreateToken(ctx, tokenReq)
	if err != nil {
		s.Logger.Error("CHECKOUT", fmt.Sprintf("Gateway token failed for %s, rolling back: %v", order.OrderNumber, err))
		if delErr := s.Orders.DeleteProductOrder(ctx, order.ID); delErr != nil {
			s.Logger.Error("CHECKOUT", fmt.Sprintf("Rollback delete failed for %s: %v", order.OrderNumber, delErr))
		}
		rollbackStock()
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	if err := s.Orders.SetProductOrderPayment(ctx, order.ID, tokenResp.Token, tokenResp.RedirectURL); err != nil {
		return nil, fmt.Errorf("persist payment token: %w", err)
	}

	s.publishOrderCreated(order.OrderNumber, models.KindProduct, total)
	s.Logger.LogOrder("CREATED", order.OrderNumber, fmt.Sprintf("product checkout, %d minute payment window", windowMinutes))

	return &models.CheckoutResponse{
		OrderNumber: order.OrderNumber,
		Token:       tokenResp.Token,
		RedirectURL: tokenResp.RedirectURL,
		Total:       total,
		ExpiresAt:   order.ExpiresAt,
	}, nil
}

func (s *Service) publishOrderCreated(orderNumber string, kind models.OrderKind, total float64) {
	if s.Kafka == nil || s.Topics.OrderCreated == "" {
		return
	}
	event := map[string]interface{}{
		"order_number": orderNumber,
		"kind":         string(kind),
		"total":        total,
		"timestamp":    s.Now().UTC(),
	}
	value, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := s.Kafka.Publish(s.Topics.OrderCreated, orderNumber, value); err != nil {
		s.Logger.Warn("KAFKA", fmt.Sprintf("Failed to publish order created for %s: %v", orderNumber, err))
	}
}

func normalizeSlots(slots []string) []string {
	if len(slots) == 0 {
		return []string{models.SlotAllDay}
	}
	seen := make(map[string]bool, len(slots))
	out := make([]string, 0, len(slots))
	for _, s := range slots {
		n := models.NormalizeSlot(s)
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

func slotLabel(slot string) string {
	if slot == models.SlotAllDay {
		return "all-day"
	}
	return slot
}
