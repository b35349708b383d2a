package models

import "time"

type TicketCheckoutItem struct {
	TicketTypeID int64    `json:"ticket_type_id"`
	VisitDate    string   `json:"visit_date"`
	TimeSlots    []string `json:"time_slots"`
	Quantity     int      `json:"quantity"`
}

type TicketCheckoutRequest struct {
	Items    []TicketCheckoutItem `json:"items"`
	Customer CustomerDetails      `json:"customer"`
}

type ProductCheckoutItem struct {
	VariantID int64 `json:"variant_id"`
	Quantity  int   `json:"quantity"`
}

type ProductCheckoutRequest struct {
	Items    []ProductCheckoutItem `json:"items"`
	Customer CustomerDetails       `json:"customer"`
}

// CheckoutResponse hands the gateway token back to the client, which opens
// the hosted checkout with it.
type CheckoutResponse struct {
	OrderNumber string    `json:"order_number"`
	Token       string    `json:"token"`
	RedirectURL string    `json:"redirect_url"`
	Total       float64   `json:"total"`
	ExpiresAt   time.Time `json:"expires_at"`
}
