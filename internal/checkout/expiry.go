package checkout

import (
	"errors"
	"fmt"
	"time"

	"ms-commerce/internal/models"
)

// ErrSessionEnded rejects a checkout that selects a session whose window has
// already elapsed.
var ErrSessionEnded = errors.New("selected session has already ended")

// Ticket payment-window bounds in minutes. Timed inventory perishes, so the
// window shrinks as the session end approaches, but a payer always gets at
// least the floor.
const (
	ticketWindowCeiling = 20
	ticketWindowFloor   = 10
	ticketWindowMargin  = 5
)

// TicketPaymentWindow computes the payment window in minutes for a ticket
// checkout: min(ceiling, max(floor, minutesToSessionEnd - margin)) across all
// timed slots. All-day items impose no ceiling beyond the default.
func TicketPaymentWindow(items []models.TicketCheckoutItem, sessionDuration time.Duration, now time.Time) (int, error) {
	window := ticketWindowCeiling
	for _, item := range items {
		for _, slot := range item.TimeSlots {
			normalized := models.NormalizeSlot(slot)
			if normalized == models.SlotAllDay {
				continue
			}
			start, err := time.ParseInLocation("2006-01-02 15:04", item.VisitDate+" "+normalized, now.Location())
			if err != nil {
				return 0, fmt.Errorf("invalid time slot %q: %w", slot, err)
			}
			end := start.Add(sessionDuration)
			if !now.Before(end) {
				return 0, fmt.Errorf("%w: %s %s", ErrSessionEnded, item.VisitDate, normalized)
			}
			minutesToEnd := int(end.Sub(now).Minutes())
			w := minutesToEnd - ticketWindowMargin
			if w < ticketWindowFloor {
				w = ticketWindowFloor
			}
			if w > ticketWindowCeiling {
				w = ticketWindowCeiling
			}
			if w < window {
				window = w
			}
		}
	}
	return window, nil
}

// ProductPaymentWindow scales inversely with the scarcity of the least
// available line item: scarce inventory held in reserved limbo returns to
// the pool faster.
func ProductPaymentWindow(minAvailable int) int {
	switch {
	case minAvailable < 5:
		return 15
	case minAvailable < 20:
		return 30
	default:
		return 60
	}
}
