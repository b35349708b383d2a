package effects

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ms-commerce/internal/gateway"
	"ms-commerce/internal/models"

	"github.com/google/uuid"
)

func (e *Engine) applyTicket(ctx context.Context, orderNumber string, status gateway.InternalStatus, payload *models.GatewayNotification) error {
	order, err := e.Orders.GetTicketOrderByNumber(ctx, orderNumber)
	if err != nil {
		return fmt.Errorf("ticket order %s not found: %w", orderNumber, err)
	}

	if raw := rawPayload(payload); raw != "" {
		if err := e.Orders.SetTicketOrderPaymentData(ctx, order.ID, raw); err != nil {
			e.Logger.Warn("EFFECTS", fmt.Sprintf("Failed to store payment data for %s: %v", orderNumber, err))
		}
	}

	switch status {
	case gateway.StatusPaid:
		if order.Status != models.OrderStatusPaid {
			changed, err := e.Orders.UpdateTicketOrderStatus(ctx, order.ID, models.OrderStatusPaid)
			if err != nil {
				return err
			}
			if !changed {
				// Terminal transition refused; re-read to decide whether a
				// concurrent invocation already moved it to paid.
				order, err = e.Orders.GetTicketOrderByNumber(ctx, orderNumber)
				if err != nil {
					return err
				}
				if order.Status != models.OrderStatusPaid {
					e.Logger.Warn("EFFECTS", fmt.Sprintf("Ignoring paid notification for %s in status %s", orderNumber, order.Status))
					return nil
				}
			}
		}
		return e.issueTickets(ctx, order)

	case gateway.StatusExpired, gateway.StatusFailed, gateway.StatusRefunded:
		changed, err := e.Orders.UpdateTicketOrderStatus(ctx, order.ID, string(status))
		if err != nil {
			return err
		}
		if !changed {
			// Refused: the order already sits in a terminal state. Re-read to
			// decide whether the release may still run.
			order, err = e.Orders.GetTicketOrderByNumber(ctx, orderNumber)
			if err != nil {
				return err
			}
			if order.Status == models.OrderStatusPaid {
				// Reserved capacity moved to sold at issuance; releasing here
				// would eat other orders' live reservations.
				e.Logger.Warn("EFFECTS", fmt.Sprintf("Ignoring %s notification for paid order %s", status, orderNumber))
				return nil
			}
		}
		return e.releaseTicketCapacity(ctx, order, status)

	case gateway.StatusPending:
		return nil

	default:
		return fmt.Errorf("unhandled internal status %q", status)
	}
}

// issueTickets is the paid-path side effect: create the purchased-ticket rows
// implied by the order items, move the reserved capacity to sold, and stamp
// tickets_issued_at. Safe to replay at every step.
func (e *Engine) issueTickets(ctx context.Context, order *models.TicketOrder) error {
	if order.TicketsIssuedAt != nil {
		e.Logger.Debug("EFFECTS", fmt.Sprintf("Tickets already issued for %s, skipping", order.OrderNumber))
		return nil
	}

	items, err := e.Orders.ListTicketOrderItems(ctx, order.ID)
	if err != nil {
		return fmt.Errorf("list items for %s: %w", order.OrderNumber, err)
	}

	now := e.Now()
	finalize := make(map[models.CapacityKey]int)

	for _, item := range items {
		slots := item.SlotKeys()
		wanted := item.Quantity * len(slots)

		existing, err := e.Orders.CountPurchasedTickets(ctx, item.ID)
		if err != nil {
			return fmt.Errorf("count purchased tickets for item %d: %w", item.ID, err)
		}
		needed := wanted - existing
		if needed < 0 {
			needed = 0
		}

		// Deterministic slot-major order so a resumed partial run continues
		// where the previous attempt stopped.
		var tickets []models.PurchasedTicket
		seq := 0
		for _, slot := range slots {
			resolved := e.resolveSlot(ctx, order.OrderNumber, item.VisitDate, slot, now)
			for unit := 0; unit < item.Quantity; unit++ {
				seq++
				if seq <= existing {
					continue
				}
				if len(tickets) >= needed {
					break
				}
				code := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
				ticket := models.PurchasedTicket{
					TicketCode:  code,
					OrderItemID: item.ID,
					ValidDate:   item.VisitDate,
					TimeSlot:    resolved,
					Status:      models.TicketStatusActive,
					IssuedAt:    now,
				}
				if e.QR != nil {
					if png, qrErr := e.QR.Generate(code); qrErr == nil {
						ticket.QRCode = png
					} else {
						e.Logger.Warn("EFFECTS", fmt.Sprintf("QR generation failed for %s: %v", code, qrErr))
					}
				}
				tickets = append(tickets, ticket)
			}
		}

		if err := e.Orders.InsertPurchasedTickets(ctx, tickets); err != nil {
			return fmt.Errorf("issue tickets for item %d: %w", item.ID, err)
		}

		// Capacity moves in the originally reserved buckets, regardless of
		// any all-day conversion on the issued tickets.
		for _, slot := range slots {
			key := models.CapacityKey{TicketTypeID: item.TicketTypeID, VisitDate: item.VisitDate, TimeSlot: slot}
			finalize[key] += item.Quantity
		}
	}

	for key, qty := range finalize {
		if err := e.Ledger.FinalizeTicketCapacity(ctx, key.TicketTypeID, key.VisitDate, key.TimeSlot, qty); err != nil {
			return fmt.Errorf("finalize capacity for %+v: %w", key, err)
		}
	}

	stamped, err := e.Orders.StampTicketsIssued(ctx, order.ID, now)
	if err != nil {
		return err
	}
	if stamped {
		e.Logger.LogOrder("ISSUED", order.OrderNumber, "tickets issued and capacity finalized")
		e.publishEvent(e.topicFor(gateway.StatusPaid), order.OrderNumber, models.KindTicket, gateway.StatusPaid)
	}
	return nil
}

// resolveSlot converts a ticket's slot to all-day when its session has
// already ended by the time payment cleared. The sale is preserved; the
// customer still gets entry.
func (e *Engine) resolveSlot(ctx context.Context, orderNumber, visitDate, slot string, now time.Time) string {
	if slot == models.SlotAllDay {
		return models.SlotAllDay
	}
	start, err := time.ParseInLocation("2006-01-02 15:04", visitDate+" "+slot, now.Location())
	if err != nil {
		return slot
	}
	if now.Before(start.Add(e.SessionDuration)) {
		return slot
	}
	msg := fmt.Sprintf("session %s %s ended before payment cleared, ticket converted to all-day", visitDate, slot)
	if err := e.Orders.AppendWebhookLog(ctx, orderNumber, models.EventSlotConverted, "", true, msg); err != nil {
		e.Logger.Warn("EFFECTS", fmt.Sprintf("Failed to audit slot conversion for %s: %v", orderNumber, err))
	}
	e.Logger.LogOrder("SLOT_CONVERTED", orderNumber, msg)
	return models.SlotAllDay
}

// releaseTicketCapacity is the terminal-status side effect: hand every
// reserved unit back to its bucket and stamp capacity_released_at.
func (e *Engine) releaseTicketCapacity(ctx context.Context, order *models.TicketOrder, status gateway.InternalStatus) error {
	if order.CapacityReleasedAt != nil {
		e.Logger.Debug("EFFECTS", fmt.Sprintf("Capacity already released for %s, skipping", order.OrderNumber))
		return nil
	}

	items, err := e.Orders.ListTicketOrderItems(ctx, order.ID)
	if err != nil {
		return fmt.Errorf("list items for %s: %w", order.OrderNumber, err)
	}

	release := make(map[models.CapacityKey]int)
	for _, item := range items {
		for _, slot := range item.SlotKeys() {
			key := models.CapacityKey{TicketTypeID: item.TicketTypeID, VisitDate: item.VisitDate, TimeSlot: slot}
			release[key] += item.Quantity
		}
	}

	for key, qty := range release {
		if err := e.Ledger.ReleaseTicketCapacity(ctx, key.TicketTypeID, key.VisitDate, key.TimeSlot, qty); err != nil {
			return fmt.Errorf("release capacity for %+v: %w", key, err)
		}
	}

	stamped, err := e.Orders.StampCapacityReleased(ctx, order.ID, e.Now())
	if err != nil {
		return err
	}
	if stamped {
		e.Logger.LogOrder("RELEASED", order.OrderNumber, fmt.Sprintf("capacity released on %s", status))
		e.publishEvent(e.topicFor(status), order.OrderNumber, models.KindTicket, status)
	}
	return nil
}
