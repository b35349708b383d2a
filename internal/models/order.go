package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Ticket order lifecycle statuses.
const (
	OrderStatusPending  = "pending"
	OrderStatusPaid     = "paid"
	OrderStatusExpired  = "expired"
	OrderStatusFailed   = "failed"
	OrderStatusRefunded = "refunded"
)

// OrderKind tags which aggregate an order number belongs to.
type OrderKind string

const (
	KindTicket  OrderKind = "ticket"
	KindProduct OrderKind = "product"
)

type TicketOrder struct {
	bun.BaseModel `bun:"table:ticket_orders"`

	ID                 int64      `json:"id" bun:"id,pk,autoincrement"`
	OrderNumber        string     `json:"order_number" bun:"order_number,unique,notnull"`
	UserID             string     `json:"user_id" bun:"user_id,notnull"`
	Status             string     `json:"status" bun:"status,notnull"`
	Total              float64    `json:"total" bun:"total"`
	ExpiresAt          time.Time  `json:"expires_at" bun:"expires_at"`
	TicketsIssuedAt    *time.Time `json:"tickets_issued_at,omitempty" bun:"tickets_issued_at,nullzero"`
	CapacityReleasedAt *time.Time `json:"capacity_released_at,omitempty" bun:"capacity_released_at,nullzero"`
	PaymentToken       string     `json:"payment_token,omitempty" bun:"payment_token,nullzero"`
	RedirectURL        string     `json:"redirect_url,omitempty" bun:"redirect_url,nullzero"`
	PaymentData        string     `json:"-" bun:"payment_data,nullzero"`
	CreatedAt          time.Time  `json:"created_at" bun:"created_at,notnull"`
}

type TicketOrderItem struct {
	bun.BaseModel `bun:"table:ticket_order_items"`

	ID           int64    `json:"id" bun:"id,pk,autoincrement"`
	OrderID      int64    `json:"order_id" bun:"order_id,notnull"`
	TicketTypeID int64    `json:"ticket_type_id" bun:"ticket_type_id,notnull"`
	VisitDate    string   `json:"visit_date" bun:"visit_date,notnull"`
	TimeSlots    []string `json:"time_slots" bun:"time_slots,array"`
	Quantity     int      `json:"quantity" bun:"quantity,notnull"`
	UnitPrice    float64  `json:"unit_price" bun:"unit_price"`
	Subtotal     float64  `json:"subtotal" bun:"subtotal"`
}

// SlotKeys returns the normalized capacity bucket slots this item occupies.
// An item with no selected slots occupies the all-day bucket.
func (i *TicketOrderItem) SlotKeys() []string {
	if len(i.TimeSlots) == 0 {
		return []string{SlotAllDay}
	}
	keys := make([]string, 0, len(i.TimeSlots))
	for _, s := range i.TimeSlots {
		keys = append(keys, NormalizeSlot(s))
	}
	return keys
}

type TicketType struct {
	bun.BaseModel `bun:"table:ticket_types"`

	ID     int64   `json:"id" bun:"id,pk,autoincrement"`
	Name   string  `json:"name" bun:"name,notnull"`
	Price  float64 `json:"price" bun:"price,notnull"`
	Active bool    `json:"active" bun:"active"`
}
