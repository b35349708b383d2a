package effects

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ms-commerce/internal/config"
	"ms-commerce/internal/gateway"
	"ms-commerce/internal/logger"
	"ms-commerce/internal/models"

	"github.com/google/uuid"
)

// OrdersStore is the slice of the order persistence layer the engine needs.
type OrdersStore interface {
	GetTicketOrderByNumber(ctx context.Context, orderNumber string) (*models.TicketOrder, error)
	ListTicketOrderItems(ctx context.Context, orderID int64) ([]models.TicketOrderItem, error)
	UpdateTicketOrderStatus(ctx context.Context, orderID int64, status string) (bool, error)
	SetTicketOrderPaymentData(ctx context.Context, orderID int64, raw string) error
	StampTicketsIssued(ctx context.Context, orderID int64, at time.Time) (bool, error)
	StampCapacityReleased(ctx context.Context, orderID int64, at time.Time) (bool, error)
	CountPurchasedTickets(ctx context.Context, orderItemID int64) (int, error)
	InsertPurchasedTickets(ctx context.Context, tickets []models.PurchasedTicket) error

	GetProductOrderByNumber(ctx context.Context, orderNumber string) (*models.ProductOrder, error)
	ListProductOrderItems(ctx context.Context, orderID int64) ([]models.ProductOrderItem, error)
	SetProductOrderPaymentData(ctx context.Context, orderID int64, raw string) error
	MarkProductOrderPaid(ctx context.Context, orderID int64, pickupCode string, pickupExpiresAt, paidAt time.Time) (bool, error)
	MarkProductOrderReview(ctx context.Context, orderID int64) error
	CloseProductOrder(ctx context.Context, orderID int64, status, paymentStatus string) (bool, error)
	StampStockReleased(ctx context.Context, orderID int64, at time.Time) (bool, error)

	AppendWebhookLog(ctx context.Context, orderNumber, eventType, payload string, success bool, errMessage string) error
}

// InventoryLedger is the slice of the inventory layer the engine needs.
type InventoryLedger interface {
	FinalizeTicketCapacity(ctx context.Context, ticketTypeID int64, visitDate, timeSlot string, quantity int) error
	ReleaseTicketCapacity(ctx context.Context, ticketTypeID int64, visitDate, timeSlot string, quantity int) error
	GetVariant(ctx context.Context, variantID int64) (*models.ProductVariant, error)
	ReleaseProductStock(ctx context.Context, variantID int64, quantity int) error
}

type Publisher interface {
	Publish(topic string, key string, value []byte) error
}

type QRGenerator interface {
	Generate(ticketCode string) ([]byte, error)
}

// OrderLock is a best-effort cross-invocation lock; a nil lock is valid and
// simply skips the optimization.
type OrderLock interface {
	Acquire(ctx context.Context, orderNumber, owner string) (bool, error)
	Release(ctx context.Context, orderNumber, owner string) error
}

// amountTolerance absorbs floating rounding between the gateway's gross
// amount and the stored order total (one currency unit).
const amountTolerance = 1.0

// pickupWindow is how long a paid product order stays collectible.
const pickupWindow = 7 * 24 * time.Hour

// Engine applies the side effects implied by a payment status transition,
// exactly once per order. Every path is guarded by an idempotency stamp so
// duplicate webhooks, concurrent polls, and reconciliation re-drives are
// no-ops after the first successful run.
type Engine struct {
	Orders          OrdersStore
	Ledger          InventoryLedger
	Kafka           Publisher
	Lock            OrderLock
	QR              QRGenerator
	Logger          *logger.Logger
	Topics          config.TopicConfig
	SessionDuration time.Duration
	Now             func() time.Time
}

func NewEngine(store OrdersStore, ledger InventoryLedger, kafka Publisher, lock OrderLock, qr QRGenerator, log *logger.Logger, topics config.TopicConfig, sessionDuration time.Duration) *Engine {
	return &Engine{
		Orders:          store,
		Ledger:          ledger,
		Kafka:           kafka,
		Lock:            lock,
		QR:              qr,
		Logger:          log,
		Topics:          topics,
		SessionDuration: sessionDuration,
		Now:             time.Now,
	}
}

// Apply dispatches a mapped status transition to the kind-specific effect
// handler. payload may be nil when re-driven by the reconciliation sweep.
func (e *Engine) Apply(ctx context.Context, kind models.OrderKind, orderNumber string, status gateway.InternalStatus, payload *models.GatewayNotification) error {
	owner := uuid.NewString()
	if e.Lock != nil {
		ok, err := e.Lock.Acquire(ctx, orderNumber, owner)
		if err != nil {
			e.Logger.Warn("EFFECTS", fmt.Sprintf("Lock unavailable for %s, relying on stamps: %v", orderNumber, err))
		} else if ok {
			defer func() {
				if err := e.Lock.Release(ctx, orderNumber, owner); err != nil {
					e.Logger.Warn("EFFECTS", fmt.Sprintf("Failed to release lock for %s: %v", orderNumber, err))
				}
			}()
		}
	}

	switch kind {
	case models.KindTicket:
		return e.applyTicket(ctx, orderNumber, status, payload)
	case models.KindProduct:
		return e.applyProduct(ctx, orderNumber, status, payload)
	default:
		return fmt.Errorf("unknown order kind %q", kind)
	}
}

func (e *Engine) publishEvent(topic, orderNumber string, kind models.OrderKind, status gateway.InternalStatus) {
	if e.Kafka == nil || topic == "" {
		return
	}
	event := map[string]interface{}{
		"order_number": orderNumber,
		"kind":         string(kind),
		"status":       string(status),
		"timestamp":    e.Now().UTC(),
	}
	value, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := e.Kafka.Publish(topic, orderNumber, value); err != nil {
		e.Logger.Warn("KAFKA", fmt.Sprintf("Failed to publish %s for %s: %v", topic, orderNumber, err))
	}
}

func (e *Engine) topicFor(status gateway.InternalStatus) string {
	switch status {
	case gateway.StatusPaid:
		return e.Topics.PaymentSuccess
	case gateway.StatusRefunded:
		return e.Topics.PaymentRefunded
	case gateway.StatusExpired, gateway.StatusFailed:
		return e.Topics.PaymentFailed
	}
	return ""
}

func rawPayload(payload *models.GatewayNotification) string {
	if payload == nil {
		return ""
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return string(raw)
}
