package orders

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"ms-commerce/internal/models"

	"github.com/uptrace/bun"
)

// ---------------- PRODUCT ORDERS ----------------

func (s *Store) CreateProductOrder(ctx context.Context, order *models.ProductOrder, items []models.ProductOrderItem) error {
	return s.Bun.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(order).Exec(ctx); err != nil {
			return fmt.Errorf("insert product order: %w", err)
		}
		for i := range items {
			items[i].OrderID = order.ID
		}
		if len(items) > 0 {
			if _, err := tx.NewInsert().Model(&items).Exec(ctx); err != nil {
				return fmt.Errorf("insert product order items: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) DeleteProductOrder(ctx context.Context, orderID int64) error {
	return s.Bun.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().
			Model((*models.ProductOrderItem)(nil)).
			Where("order_id = ?", orderID).
			Exec(ctx); err != nil {
			return err
		}
		_, err := tx.NewDelete().
			Model((*models.ProductOrder)(nil)).
			Where("id = ?", orderID).
			Exec(ctx)
		return err
	})
}

func (s *Store) GetProductOrderByNumber(ctx context.Context, orderNumber string) (*models.ProductOrder, error) {
	var order models.ProductOrder
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

func (s *Store) ListProductOrderItems(ctx context.Context, orderID int64) ([]models.ProductOrderItem, error) {
	var items []models.ProductOrderItem
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

func (s *Store) SetProductOrderPayment(ctx context.Context, orderID int64, token, redirectURL string) error {
	_, err := s.Bun.NewUpdate().
		Model((*models.ProductOrder)(nil)).
		Set("payment_token = ?", token).
		Set("redirect_url = ?", redirectURL).
		Where("id = ?", orderID).
		Exec(ctx)
	return err
}

func (s *Store) SetProductOrderPaymentData(ctx context.Context, orderID int64, raw string) error {
	_, err := s.Bun.NewUpdate().
		Model((*models.ProductOrder)(nil)).
		Set("payment_data = ?", raw).
		Where("id = ?", orderID).
		Exec(ctx)
	return err
}

// MarkProductOrderPaid confirms payment and generates the pickup entitlement
// in a single guarded update: the pickup code is written iff none exists yet,
// so a replay can neither mint a second code nor move paid_at.
func (s *Store) MarkProductOrderPaid(ctx context.Context, orderID int64, pickupCode string, pickupExpiresAt, paidAt time.Time) (bool, error) {
	res, err := s.Bun.NewUpdate().
		Model((*models.ProductOrder)(nil)).
		Set("status = ?", models.ProductOrderProcessing).
		Set("payment_status = ?", models.PaymentPaid).
		Set("pickup_code = ?", pickupCode).
		Set("pickup_status = ?", models.PickupPending).
		Set("pickup_expires_at = ?", pickupExpiresAt).
		Set("paid_at = ?", paidAt).
		Where("id = ?", orderID).
		Where("pickup_code IS NULL").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("mark product order paid: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// MarkProductOrderReview routes a payment-confirmed order with integrity
// issues into the manual-review queue. Payment already succeeded from the
// customer's point of view, so this is never surfaced as a request failure.
func (s *Store) MarkProductOrderReview(ctx context.Context, orderID int64) error {
	_, err := s.Bun.NewUpdate().
		Model((*models.ProductOrder)(nil)).
		Set("status = ?", models.ProductOrderRequiresReview).
		Set("payment_status = ?", models.PaymentPaid).
		Set("pickup_status = ?", models.PickupPendingReview).
		Where("id = ?", orderID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("mark product order review: %w", err)
	}
	return nil
}

// CloseProductOrder records a failed/expired/refunded payment outcome. Paid
// orders are left untouched.
func (s *Store) CloseProductOrder(ctx context.Context, orderID int64, status, paymentStatus string) (bool, error) {
	res, err := s.Bun.NewUpdate().
		Model((*models.ProductOrder)(nil)).
		Set("status = ?", status).
		Set("payment_status = ?", paymentStatus).
		Where("id = ?", orderID).
		Where("payment_status <> ?", models.PaymentPaid).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("close product order: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// StampStockReleased sets stock_released_at iff unset; the release side
// effect runs only for the caller that wins this update.
func (s *Store) StampStockReleased(ctx context.Context, orderID int64, at time.Time) (bool, error) {
	res, err := s.Bun.NewUpdate().
		Model((*models.ProductOrder)(nil)).
		Set("stock_released_at = ?", at).
		Where("id = ?", orderID).
		Where("stock_released_at IS NULL").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("stamp stock released: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ---------------- RECONCILIATION SCANS ----------------

// ListPaidProductOrdersMissingPickup skips requires_review orders: those are
// payment-confirmed but deliberately held without a pickup code.
func (s *Store) ListPaidProductOrdersMissingPickup(ctx context.Context, limit int) ([]models.ProductOrder, error) {
	var out []models.ProductOrder
	err := s.Bun.NewSelect().
		Model(&out).
		Where("payment_status = ?", models.PaymentPaid).
		Where("pickup_code IS NULL").
		Where("status <> ?", models.ProductOrderRequiresReview).
		Order("id").
		Limit(limit).
		Scan(ctx)
	return out, err
}

func (s *Store) ListReleasableProductOrders(ctx context.Context, limit int) ([]models.ProductOrder, error) {
	var out []models.ProductOrder
	err := s.Bun.NewSelect().
		Model(&out).
		Where("stock_released_at IS NULL").
		Where("payment_status IN (?) OR status = ?",
			bun.In([]string{models.PaymentFailed, models.PaymentRefunded}), models.ProductOrderExpired).
		Order("id").
		Limit(limit).
		Scan(ctx)
	return out, err
}

func (s *Store) ListExpiredAwaitingProductOrders(ctx context.Context, now time.Time, limit int) ([]models.ProductOrder, error) {
	var out []models.ProductOrder
	err := s.Bun.NewSelect().
		Model(&out).
		Where("status = ?", models.ProductOrderAwaitingPayment).
		Where("payment_status = ?", models.PaymentUnpaid).
		Where("expires_at < ?", now).
		Order("id").
		Limit(limit).
		Scan(ctx)
	return out, err
}
