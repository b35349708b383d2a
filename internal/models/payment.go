package models

import (
	"time"

	"github.com/uptrace/bun"
)

// GatewayNotification is the inbound webhook body. It carries no session
// token; the signature_key is the sole authentication.
type GatewayNotification struct {
	OrderID           string `json:"order_id"`
	TransactionID     string `json:"transaction_id,omitempty"`
	TransactionStatus string `json:"transaction_status"`
	FraudStatus       string `json:"fraud_status,omitempty"`
	StatusCode        string `json:"status_code"`
	GrossAmount       string `json:"gross_amount"`
	SignatureKey      string `json:"signature_key"`
	PaymentType       string `json:"payment_type,omitempty"`
	TransactionTime   string `json:"transaction_time,omitempty"`
}

// TokenRequest is the outbound payload for the gateway's token endpoint.
type TokenRequest struct {
	TransactionDetails TransactionDetails `json:"transaction_details"`
	ItemDetails        []ItemDetail       `json:"item_details"`
	CustomerDetails    CustomerDetails    `json:"customer_details"`
	CustomExpiry       CustomExpiry       `json:"custom_expiry"`
	Callbacks          Callbacks          `json:"callbacks"`
}

type TransactionDetails struct {
	OrderID     string  `json:"order_id"`
	GrossAmount float64 `json:"gross_amount"`
}

type ItemDetail struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Price    float64 `json:"price"`
	Quantity int     `json:"quantity"`
}

type CustomerDetails struct {
	FirstName string `json:"first_name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
}

type CustomExpiry struct {
	ExpiryDuration int    `json:"expiry_duration"`
	Unit           string `json:"unit"`
}

type Callbacks struct {
	Finish string `json:"finish"`
}

type TokenResponse struct {
	Token       string `json:"token"`
	RedirectURL string `json:"redirect_url"`
}

// WebhookLog is the append-only audit trail: never mutated or deleted, used
// for debugging and reconciliation counting, not for control flow.
type WebhookLog struct {
	bun.BaseModel `bun:"table:webhook_logs"`

	ID           int64     `json:"id" bun:"id,pk,autoincrement"`
	OrderNumber  string    `json:"order_number" bun:"order_number"`
	EventType    string    `json:"event_type" bun:"event_type,notnull"`
	Payload      string    `json:"payload,omitempty" bun:"payload,nullzero"`
	Success      bool      `json:"success" bun:"success"`
	ErrorMessage string    `json:"error_message,omitempty" bun:"error_message,nullzero"`
	CreatedAt    time.Time `json:"created_at" bun:"created_at,notnull"`
}

// Audit event types recorded to the webhook log.
const (
	EventWebhook          = "webhook"
	EventStatusSync       = "status_sync"
	EventSlotConverted    = "slot_converted_all_day"
	EventIntegrityReview  = "integrity_review"
	EventReconcileSummary = "reconcile_summary"
)
