package effects

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"ms-commerce/internal/gateway"
	"ms-commerce/internal/models"

	"github.com/google/uuid"
)

func (e *Engine) applyProduct(ctx context.Context, orderNumber string, status gateway.InternalStatus, payload *models.GatewayNotification) error {
	order, err := e.Orders.GetProductOrderByNumber(ctx, orderNumber)
	if err != nil {
		return fmt.Errorf("product order %s not found: %w", orderNumber, err)
	}

	if raw := rawPayload(payload); raw != "" {
		if err := e.Orders.SetProductOrderPaymentData(ctx, order.ID, raw); err != nil {
			e.Logger.Warn("EFFECTS", fmt.Sprintf("Failed to store payment data for %s: %v", orderNumber, err))
		}
	}

	switch status {
	case gateway.StatusPaid:
		return e.confirmProductOrder(ctx, order, payload)
	case gateway.StatusExpired:
		return e.releaseProductStock(ctx, order, models.ProductOrderExpired, models.PaymentUnpaid, status)
	case gateway.StatusFailed:
		return e.releaseProductStock(ctx, order, models.ProductOrderCancelled, models.PaymentFailed, status)
	case gateway.StatusRefunded:
		return e.releaseProductStock(ctx, order, models.ProductOrderCancelled, models.PaymentRefunded, status)
	case gateway.StatusPending:
		return nil
	default:
		return fmt.Errorf("unhandled internal status %q", status)
	}
}

// confirmProductOrder is the product paid path. Stock sufficiency and paid
// amount are validated first; any discrepancy routes the order to
// requires_review with an audit entry instead of failing — money already
// changed hands. Re-entrant: an order that already has a pickup code is left
// untouched.
func (e *Engine) confirmProductOrder(ctx context.Context, order *models.ProductOrder, payload *models.GatewayNotification) error {
	if order.PickupCode != "" && order.PaymentStatus == models.PaymentPaid {
		e.Logger.Debug("EFFECTS", fmt.Sprintf("Product order %s already confirmed, skipping", order.OrderNumber))
		return nil
	}
	if order.Status == models.ProductOrderRequiresReview {
		e.Logger.Debug("EFFECTS", fmt.Sprintf("Product order %s already flagged for review, skipping", order.OrderNumber))
		return nil
	}

	items, err := e.Orders.ListProductOrderItems(ctx, order.ID)
	if err != nil {
		return fmt.Errorf("list items for %s: %w", order.OrderNumber, err)
	}

	var issues []string
	for _, item := range items {
		variant, err := e.Ledger.GetVariant(ctx, item.VariantID)
		if err != nil {
			issues = append(issues, fmt.Sprintf("variant %d: lookup failed: %v", item.VariantID, err))
			continue
		}
		if variant.Stock < item.Quantity {
			issues = append(issues, fmt.Sprintf("variant %d: stock %d below ordered %d", item.VariantID, variant.Stock, item.Quantity))
		}
		if variant.ReservedStock < item.Quantity {
			issues = append(issues, fmt.Sprintf("variant %d: reserved %d below ordered %d", item.VariantID, variant.ReservedStock, item.Quantity))
		}
	}

	if payload != nil && payload.GrossAmount != "" {
		gross, err := strconv.ParseFloat(payload.GrossAmount, 64)
		if err != nil {
			issues = append(issues, fmt.Sprintf("unparseable gross_amount %q", payload.GrossAmount))
		} else if diff := gross - order.Total; diff > amountTolerance || diff < -amountTolerance {
			issues = append(issues, fmt.Sprintf("paid amount %.2f does not match order total %.2f", gross, order.Total))
		}
	}

	if len(issues) > 0 {
		detail := strings.Join(issues, "; ")
		if err := e.Orders.MarkProductOrderReview(ctx, order.ID); err != nil {
			return err
		}
		if err := e.Orders.AppendWebhookLog(ctx, order.OrderNumber, models.EventIntegrityReview, rawPayload(payload), false, detail); err != nil {
			e.Logger.Warn("EFFECTS", fmt.Sprintf("Failed to audit review flag for %s: %v", order.OrderNumber, err))
		}
		e.Logger.LogOrder("REVIEW", order.OrderNumber, detail)
		return nil
	}

	pickupCode := order.PickupCode
	if pickupCode == "" {
		pickupCode = strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	}
	now := e.Now()
	confirmed, err := e.Orders.MarkProductOrderPaid(ctx, order.ID, pickupCode, now.Add(pickupWindow), now)
	if err != nil {
		return err
	}
	if confirmed {
		e.Logger.LogOrder("PAID", order.OrderNumber, fmt.Sprintf("pickup code generated, collectible until %s", now.Add(pickupWindow).Format("2006-01-02")))
		e.publishEvent(e.topicFor(gateway.StatusPaid), order.OrderNumber, models.KindProduct, gateway.StatusPaid)
	}
	return nil
}

// releaseProductStock hands reserved stock back when a payment fails,
// expires, or is refunded before confirmation. A paid order's reservation was
// consumed by the sale, so a refund arriving after confirmation is left to
// manual settlement; releasing here would free stock that other in-flight
// orders never reserved. The stock_released_at stamp is the idempotency gate;
// the clamped decrements make even a racing replay harmless.
func (e *Engine) releaseProductStock(ctx context.Context, order *models.ProductOrder, closeStatus, closePayment string, status gateway.InternalStatus) error {
	if !order.ReleaseEligible() {
		e.Logger.Warn("EFFECTS", fmt.Sprintf("Ignoring %s notification for order %s (payment %s, pickup %s)", status, order.OrderNumber, order.PaymentStatus, order.PickupStatus))
		return nil
	}
	if order.StockReleasedAt != nil {
		e.Logger.Debug("EFFECTS", fmt.Sprintf("Stock already released for %s, skipping", order.OrderNumber))
		return nil
	}

	if _, err := e.Orders.CloseProductOrder(ctx, order.ID, closeStatus, closePayment); err != nil {
		return err
	}

	items, err := e.Orders.ListProductOrderItems(ctx, order.ID)
	if err != nil {
		return fmt.Errorf("list items for %s: %w", order.OrderNumber, err)
	}
	for _, item := range items {
		if err := e.Ledger.ReleaseProductStock(ctx, item.VariantID, item.Quantity); err != nil {
			return fmt.Errorf("release stock for variant %d: %w", item.VariantID, err)
		}
	}

	stamped, err := e.Orders.StampStockReleased(ctx, order.ID, e.Now())
	if err != nil {
		return err
	}
	if stamped {
		e.Logger.LogOrder("RELEASED", order.OrderNumber, fmt.Sprintf("reserved stock returned on %s", status))
		e.publishEvent(e.topicFor(status), order.OrderNumber, models.KindProduct, status)
	}
	return nil
}
