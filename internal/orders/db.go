package orders

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"ms-commerce/internal/models"

	"github.com/uptrace/bun"
)

// Store is the order-aggregate persistence layer. All idempotency stamps are
// written with conditional updates so concurrent invocations for the same
// order cannot double-apply a side effect.
type Store struct {
	Bun *bun.DB
}

func NewStore(db *bun.DB) *Store {
	return &Store{Bun: db}
}

// ---------------- TICKET ORDERS ----------------

// CreateTicketOrder inserts the order and its items in one transaction.
func (s *Store) CreateTicketOrder(ctx context.Context, order *models.TicketOrder, items []models.TicketOrderItem) error {
	return s.Bun.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(order).Exec(ctx); err != nil {
			return fmt.Errorf("insert ticket order: %w", err)
		}
		for i := range items {
			items[i].OrderID = order.ID
		}
		if len(items) > 0 {
			if _, err := tx.NewInsert().Model(&items).Exec(ctx); err != nil {
				return fmt.Errorf("insert ticket order items: %w", err)
			}
		}
		return nil
	})
}

// DeleteTicketOrder removes the order and its items. Rollback-only path: it
// is never called once a payment token exists on the order.
func (s *Store) DeleteTicketOrder(ctx context.Context, orderID int64) error {
	return s.Bun.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().
			Model((*models.TicketOrderItem)(nil)).
			Where("order_id = ?", orderID).
			Exec(ctx); err != nil {
			return err
		}
		_, err := tx.NewDelete().
			Model((*models.TicketOrder)(nil)).
			Where("id = ?", orderID).
			Exec(ctx)
		return err
	})
}

func (s *Store) GetTicketOrderByNumber(ctx context.Context, orderNumber string) (*models.TicketOrder, error) {
	var order models.TicketOrder
	err := s.Bun.NewSelect().
		Model(&order).
		Where("order_number = ?", orderNumber).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (s *Store) ListTicketOrderItems(ctx context.Context, orderID int64) ([]models.TicketOrderItem, error) {
	var items []models.TicketOrderItem
	err := s.Bun.NewSelect().
		Model(&items).
		Where("order_id = ?", orderID).
		Order("id").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return items, nil
}

// allowedFrom lists the statuses a ticket order may transition FROM for a
// given target. Everything else is a forbidden terminal transition; refunding
// an already-paid order is an administrative action outside this API since
// its capacity lives in sold, not reserved.
var allowedFrom = map[string][]string{
	models.OrderStatusPaid:     {models.OrderStatusPending},
	models.OrderStatusExpired:  {models.OrderStatusPending},
	models.OrderStatusFailed:   {models.OrderStatusPending},
	models.OrderStatusRefunded: {models.OrderStatusPending},
}

// UpdateTicketOrderStatus applies a guarded status transition. Returns false
// when the order was not in an allowed source status (already transitioned,
// or the transition is forbidden).
func (s *Store) UpdateTicketOrderStatus(ctx context.Context, orderID int64, status string) (bool, error) {
	from, ok := allowedFrom[status]
	if !ok {
		return false, fmt.Errorf("unknown target status %q", status)
	}
	res, err := s.Bun.NewUpdate().
		Model((*models.TicketOrder)(nil)).
		Set("status = ?", status).
		Where("id = ?", orderID).
		Where("status IN (?)", bun.In(from)).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("update ticket order status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *Store) SetTicketOrderPayment(ctx context.Context, orderID int64, token, redirectURL string) error {
	_, err := s.Bun.NewUpdate().
		Model((*models.TicketOrder)(nil)).
		Set("payment_token = ?", token).
		Set("redirect_url = ?", redirectURL).
		Where("id = ?", orderID).
		Exec(ctx)
	return err
}

func (s *Store) SetTicketOrderPaymentData(ctx context.Context, orderID int64, raw string) error {
	_, err := s.Bun.NewUpdate().
		Model((*models.TicketOrder)(nil)).
		Set("payment_data = ?", raw).
		Where("id = ?", orderID).
		Exec(ctx)
	return err
}

// StampTicketsIssued sets tickets_issued_at iff it is still unset. The first
// caller wins; everyone else observes false and skips the side effect.
func (s *Store) StampTicketsIssued(ctx context.Context, orderID int64, at time.Time) (bool, error) {
	res, err := s.Bun.NewUpdate().
		Model((*models.TicketOrder)(nil)).
		Set("tickets_issued_at = ?", at).
		Where("id = ?", orderID).
		Where("tickets_issued_at IS NULL").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("stamp tickets issued: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// StampCapacityReleased is the release-path twin of StampTicketsIssued.
func (s *Store) StampCapacityReleased(ctx context.Context, orderID int64, at time.Time) (bool, error) {
	res, err := s.Bun.NewUpdate().
		Model((*models.TicketOrder)(nil)).
		Set("capacity_released_at = ?", at).
		Where("id = ?", orderID).
		Where("capacity_released_at IS NULL").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("stamp capacity released: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ---------------- PURCHASED TICKETS ----------------

// CountPurchasedTickets returns how many ticket rows already exist for an
// order item. Issuance inserts only the shortfall, which keeps the paid path
// replay-safe even after a partial previous run.
func (s *Store) CountPurchasedTickets(ctx context.Context, orderItemID int64) (int, error) {
	return s.Bun.NewSelect().
		Model((*models.PurchasedTicket)(nil)).
		Where("order_item_id = ?", orderItemID).
		Count(ctx)
}

func (s *Store) InsertPurchasedTickets(ctx context.Context, tickets []models.PurchasedTicket) error {
	if len(tickets) == 0 {
		return nil
	}
	_, err := s.Bun.NewInsert().Model(&tickets).Exec(ctx)
	if err != nil {
		return fmt.Errorf("insert purchased tickets: %w", err)
	}
	return nil
}

func (s *Store) ListPurchasedTicketsByItem(ctx context.Context, orderItemID int64) ([]models.PurchasedTicket, error) {
	var tickets []models.PurchasedTicket
	err := s.Bun.NewSelect().
		Model(&tickets).
		Where("order_item_id = ?", orderItemID).
		Order("id").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return tickets, nil
}

// ---------------- RECONCILIATION SCANS ----------------

func (s *Store) ListPaidTicketOrdersMissingIssuance(ctx context.Context, limit int) ([]models.TicketOrder, error) {
	var out []models.TicketOrder
	err := s.Bun.NewSelect().
		Model(&out).
		Where("status = ?", models.OrderStatusPaid).
		Where("tickets_issued_at IS NULL").
		Order("id").
		Limit(limit).
		Scan(ctx)
	return out, err
}

func (s *Store) ListReleasableTicketOrders(ctx context.Context, limit int) ([]models.TicketOrder, error) {
	var out []models.TicketOrder
	err := s.Bun.NewSelect().
		Model(&out).
		Where("status IN (?)", bun.In([]string{models.OrderStatusExpired, models.OrderStatusFailed, models.OrderStatusRefunded})).
		Where("capacity_released_at IS NULL").
		Order("id").
		Limit(limit).
		Scan(ctx)
	return out, err
}

func (s *Store) ListExpiredPendingTicketOrders(ctx context.Context, now time.Time, limit int) ([]models.TicketOrder, error) {
	var out []models.TicketOrder
	err := s.Bun.NewSelect().
		Model(&out).
		Where("status = ?", models.OrderStatusPending).
		Where("expires_at < ?", now).
		Order("id").
		Limit(limit).
		Scan(ctx)
	return out, err
}
