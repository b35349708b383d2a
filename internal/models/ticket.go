package models

import (
	"strings"
	"time"

	"github.com/uptrace/bun"
)

// SlotAllDay is the canonical bucket key for all-day entry. The gateway-facing
// sentinel string "all_day" and SQL NULL both normalize to it.
const SlotAllDay = ""

// NormalizeSlot maps every representation of the all-day sentinel to
// SlotAllDay so that capacity bucket keys compare equal everywhere.
func NormalizeSlot(slot string) string {
	s := strings.TrimSpace(strings.ToLower(slot))
	switch s {
	case "", "all_day", "allday", "null":
		return SlotAllDay
	}
	return s
}

// Purchased ticket statuses.
const (
	TicketStatusActive = "active"
	TicketStatusUsed   = "used"
)

// PurchasedTicket is one physical ticket unit, created only after its owning
// order reaches paid status.
type PurchasedTicket struct {
	bun.BaseModel `bun:"table:purchased_tickets"`

	ID          int64     `json:"id" bun:"id,pk,autoincrement"`
	TicketCode  string    `json:"ticket_code" bun:"ticket_code,unique,notnull"`
	OrderItemID int64     `json:"order_item_id" bun:"order_item_id,notnull"`
	ValidDate   string    `json:"valid_date" bun:"valid_date,notnull"`
	TimeSlot    string    `json:"time_slot" bun:"time_slot"`
	Status      string    `json:"status" bun:"status,notnull"`
	QRCode      []byte    `json:"qr_code,omitempty" bun:"qr_code,nullzero"`
	IssuedAt    time.Time `json:"issued_at" bun:"issued_at,notnull"`
}

// AllDay reports whether the ticket grants whole-day entry.
func (t *PurchasedTicket) AllDay() bool {
	return NormalizeSlot(t.TimeSlot) == SlotAllDay
}

// TicketAvailability is the capacity bucket for one (ticket type, date, slot)
// key. sold + reserved must never exceed total; mutations that would violate
// that fail closed at the database.
type TicketAvailability struct {
	bun.BaseModel `bun:"table:ticket_availability"`

	ID               int64  `json:"id" bun:"id,pk,autoincrement"`
	TicketTypeID     int64  `json:"ticket_type_id" bun:"ticket_type_id,notnull"`
	VisitDate        string `json:"visit_date" bun:"visit_date,notnull"`
	TimeSlot         string `json:"time_slot" bun:"time_slot"`
	TotalCapacity    int    `json:"total_capacity" bun:"total_capacity,notnull"`
	ReservedCapacity int    `json:"reserved_capacity" bun:"reserved_capacity"`
	SoldCapacity     int    `json:"sold_capacity" bun:"sold_capacity"`
	Version          int64  `json:"version" bun:"version"`
}

// Available returns the number of units still reservable.
func (a *TicketAvailability) Available() int {
	n := a.TotalCapacity - a.ReservedCapacity - a.SoldCapacity
	if n < 0 {
		return 0
	}
	return n
}

// CapacityKey identifies a capacity bucket when aggregating quantities across
// order items.
type CapacityKey struct {
	TicketTypeID int64
	VisitDate    string
	TimeSlot     string
}
