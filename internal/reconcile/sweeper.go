package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ms-commerce/internal/gateway"
	"ms-commerce/internal/logger"
	"ms-commerce/internal/models"
)

// batchLimit caps how many orders each scan pulls per sweep. A backlog larger
// than this drains over successive runs.
const batchLimit = 200

type OrdersStore interface {
	ListPaidTicketOrdersMissingIssuance(ctx context.Context, limit int) ([]models.TicketOrder, error)
	ListReleasableTicketOrders(ctx context.Context, limit int) ([]models.TicketOrder, error)
	ListExpiredPendingTicketOrders(ctx context.Context, now time.Time, limit int) ([]models.TicketOrder, error)
	ListPaidProductOrdersMissingPickup(ctx context.Context, limit int) ([]models.ProductOrder, error)
	ListReleasableProductOrders(ctx context.Context, limit int) ([]models.ProductOrder, error)
	ListExpiredAwaitingProductOrders(ctx context.Context, now time.Time, limit int) ([]models.ProductOrder, error)
	AppendWebhookLog(ctx context.Context, orderNumber, eventType, payload string, success bool, errMessage string) error
}

type EffectsEngine interface {
	Apply(ctx context.Context, kind models.OrderKind, orderNumber string, status gateway.InternalStatus, payload *models.GatewayNotification) error
}

type StatusClient interface {
	QueryStatus(ctx context.Context, orderNumber string) (*models.GatewayNotification, error)
}

// Summary is one sweep's tally, recorded to the audit log and returned to
// the caller.
type Summary struct {
	StartedAt              time.Time `json:"started_at"`
	Duration               string    `json:"duration"`
	TicketsIssued          int       `json:"tickets_issued"`
	TicketCapacityReleased int       `json:"ticket_capacity_released"`
	TicketOrdersClosed     int       `json:"ticket_orders_closed"`
	ProductsConfirmed      int       `json:"products_confirmed"`
	ProductStockReleased   int       `json:"product_stock_released"`
	ProductOrdersClosed    int       `json:"product_orders_closed"`
	LatePaymentsRecovered  int       `json:"late_payments_recovered"`
	Errors                 int       `json:"errors"`
}

func (s Summary) Total() int {
	return s.TicketsIssued + s.TicketCapacityReleased + s.TicketOrdersClosed +
		s.ProductsConfirmed + s.ProductStockReleased + s.ProductOrdersClosed
}

// Sweeper is the self-healing loop. Every repair re-drives the same effects
// engine the webhook path uses, so healing never needs its own mutation code
// and inherits all the idempotency guards for free.
type Sweeper struct {
	Orders  OrdersStore
	Engine  EffectsEngine
	Gateway StatusClient
	Logger  *logger.Logger
	Now     func() time.Time
}

func NewSweeper(store OrdersStore, engine EffectsEngine, gw StatusClient, log *logger.Logger) *Sweeper {
	return &Sweeper{
		Orders:  store,
		Engine:  engine,
		Gateway: gw,
		Logger:  log,
		Now:     time.Now,
	}
}

// Run executes one full sweep: four stamp scans for half-applied effects,
// then active status polling for orders whose payment window lapsed without
// any webhook at all.
func (s *Sweeper) Run(ctx context.Context) (Summary, error) {
	started := s.Now()
	summary := Summary{StartedAt: started.UTC()}

	s.sweepTicketIssuance(ctx, &summary)
	s.sweepTicketReleases(ctx, &summary)
	s.sweepProductConfirmations(ctx, &summary)
	s.sweepProductReleases(ctx, &summary)
	s.sweepExpiredPending(ctx, &summary)

	summary.Duration = s.Now().Sub(started).Round(time.Millisecond).String()
	s.record(ctx, summary)

	s.Logger.Info("RECONCILE", fmt.Sprintf("Sweep finished in %s: %d repairs, %d errors", summary.Duration, summary.Total(), summary.Errors))
	return summary, nil
}

// sweepTicketIssuance re-drives the paid effect for ticket orders that are
// paid on paper but never got their tickets.
func (s *Sweeper) sweepTicketIssuance(ctx context.Context, summary *Summary) {
	orders, err := s.Orders.ListPaidTicketOrdersMissingIssuance(ctx, batchLimit)
	if err != nil {
		s.Logger.Error("RECONCILE", fmt.Sprintf("Scan for unissued ticket orders failed: %v", err))
		summary.Errors++
		return
	}
	for _, order := range orders {
		if err := s.Engine.Apply(ctx, models.KindTicket, order.OrderNumber, gateway.StatusPaid, nil); err != nil {
			s.Logger.Error("RECONCILE", fmt.Sprintf("Re-issuing tickets for %s failed: %v", order.OrderNumber, err))
			summary.Errors++
			continue
		}
		summary.TicketsIssued++
	}
}

// sweepTicketReleases finishes the capacity hand-back for ticket orders that
// reached a closed status but still hold reserved capacity.
func (s *Sweeper) sweepTicketReleases(ctx context.Context, summary *Summary) {
	orders, err := s.Orders.ListReleasableTicketOrders(ctx, batchLimit)
	if err != nil {
		s.Logger.Error("RECONCILE", fmt.Sprintf("Scan for unreleased ticket capacity failed: %v", err))
		summary.Errors++
		return
	}
	for _, order := range orders {
		// The order's own closed status names the effect that stalled.
		if err := s.Engine.Apply(ctx, models.KindTicket, order.OrderNumber, gateway.InternalStatus(order.Status), nil); err != nil {
			s.Logger.Error("RECONCILE", fmt.Sprintf("Releasing capacity for %s failed: %v", order.OrderNumber, err))
			summary.Errors++
			continue
		}
		summary.TicketCapacityReleased++
	}
}

func (s *Sweeper) sweepProductConfirmations(ctx context.Context, summary *Summary) {
	orders, err := s.Orders.ListPaidProductOrdersMissingPickup(ctx, batchLimit)
	if err != nil {
		s.Logger.Error("RECONCILE", fmt.Sprintf("Scan for unconfirmed product orders failed: %v", err))
		summary.Errors++
		return
	}
	for _, order := range orders {
		if err := s.Engine.Apply(ctx, models.KindProduct, order.OrderNumber, gateway.StatusPaid, nil); err != nil {
			s.Logger.Error("RECONCILE", fmt.Sprintf("Re-confirming product order %s failed: %v", order.OrderNumber, err))
			summary.Errors++
			continue
		}
		summary.ProductsConfirmed++
	}
}

func (s *Sweeper) sweepProductReleases(ctx context.Context, summary *Summary) {
	orders, err := s.Orders.ListReleasableProductOrders(ctx, batchLimit)
	if err != nil {
		s.Logger.Error("RECONCILE", fmt.Sprintf("Scan for unreleased product stock failed: %v", err))
		summary.Errors++
		return
	}
	for _, order := range orders {
		if err := s.Engine.Apply(ctx, models.KindProduct, order.OrderNumber, releaseStatus(order), nil); err != nil {
			s.Logger.Error("RECONCILE", fmt.Sprintf("Releasing stock for %s failed: %v", order.OrderNumber, err))
			summary.Errors++
			continue
		}
		summary.ProductStockReleased++
	}
}

// releaseStatus maps a closed product order back to the gateway status that
// closed it, so the engine repeats the same release path.
func releaseStatus(order models.ProductOrder) gateway.InternalStatus {
	switch {
	case order.PaymentStatus == models.PaymentRefunded:
		return gateway.StatusRefunded
	case order.Status == models.ProductOrderExpired:
		return gateway.StatusExpired
	default:
		return gateway.StatusFailed
	}
}

// sweepExpiredPending closes orders whose payment window lapsed with no
// webhook ever arriving. The gateway is asked first: a late payment found
// there is honored, not discarded.
func (s *Sweeper) sweepExpiredPending(ctx context.Context, summary *Summary) {
	now := s.Now()

	tickets, err := s.Orders.ListExpiredPendingTicketOrders(ctx, now, batchLimit)
	if err != nil {
		s.Logger.Error("RECONCILE", fmt.Sprintf("Scan for expired pending ticket orders failed: %v", err))
		summary.Errors++
	} else {
		for _, order := range tickets {
			s.closeLapsed(ctx, summary, models.KindTicket, order.OrderNumber, &summary.TicketOrdersClosed)
		}
	}

	products, err := s.Orders.ListExpiredAwaitingProductOrders(ctx, now, batchLimit)
	if err != nil {
		s.Logger.Error("RECONCILE", fmt.Sprintf("Scan for expired awaiting product orders failed: %v", err))
		summary.Errors++
		return
	}
	for _, order := range products {
		s.closeLapsed(ctx, summary, models.KindProduct, order.OrderNumber, &summary.ProductOrdersClosed)
	}
}

func (s *Sweeper) closeLapsed(ctx context.Context, summary *Summary, kind models.OrderKind, orderNumber string, closed *int) {
	status := gateway.StatusExpired
	var payload *models.GatewayNotification

	notification, err := s.Gateway.QueryStatus(ctx, orderNumber)
	switch {
	case err == nil:
		mapped := gateway.MapStatus(notification.TransactionStatus, notification.FraudStatus)
		if mapped == gateway.StatusPending {
			// The gateway still considers it payable. Its own expiry will
			// produce a webhook; leave the order alone.
			return
		}
		status = mapped
		payload = notification
	case errors.Is(err, gateway.ErrTransactionNotFound):
		// No transaction was ever started; expire locally.
	default:
		s.Logger.Warn("RECONCILE", fmt.Sprintf("Status query for %s failed, deferring: %v", orderNumber, err))
		summary.Errors++
		return
	}

	if err := s.Engine.Apply(ctx, kind, orderNumber, status, payload); err != nil {
		s.Logger.Error("RECONCILE", fmt.Sprintf("Closing lapsed order %s failed: %v", orderNumber, err))
		summary.Errors++
		return
	}
	if status == gateway.StatusPaid {
		summary.LatePaymentsRecovered++
		s.Logger.LogOrder("RECOVERED", orderNumber, "late payment found during reconciliation")
		return
	}
	*closed++
}

func (s *Sweeper) record(ctx context.Context, summary Summary) {
	body, err := json.Marshal(summary)
	if err != nil {
		return
	}
	if err := s.Orders.AppendWebhookLog(ctx, "", models.EventReconcileSummary, string(body), summary.Errors == 0, ""); err != nil {
		s.Logger.Warn("RECONCILE", fmt.Sprintf("Failed to record sweep summary: %v", err))
	}
}
