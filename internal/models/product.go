package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Product order lifecycle statuses.
const (
	ProductOrderAwaitingPayment = "awaiting_payment"
	ProductOrderProcessing      = "processing"
	ProductOrderRequiresReview  = "requires_review"
	ProductOrderCancelled       = "cancelled"
	ProductOrderExpired         = "expired"
)

// Payment statuses on a product order.
const (
	PaymentUnpaid   = "unpaid"
	PaymentPaid     = "paid"
	PaymentFailed   = "failed"
	PaymentRefunded = "refunded"
)

// Pickup statuses.
const (
	PickupPending       = "pending_pickup"
	PickupPendingReview = "pending_review"
	PickupCompleted     = "completed"
	PickupExpiredStatus = "expired"
)

type ProductOrder struct {
	bun.BaseModel `bun:"table:product_orders"`

	ID              int64      `json:"id" bun:"id,pk,autoincrement"`
	OrderNumber     string     `json:"order_number" bun:"order_number,unique,notnull"`
	UserID          string     `json:"user_id" bun:"user_id,notnull"`
	Status          string     `json:"status" bun:"status,notnull"`
	PaymentStatus   string     `json:"payment_status" bun:"payment_status,notnull"`
	Total           float64    `json:"total" bun:"total"`
	PickupCode      string     `json:"pickup_code,omitempty" bun:"pickup_code,nullzero"`
	PickupStatus    string     `json:"pickup_status,omitempty" bun:"pickup_status,nullzero"`
	PickupExpiresAt *time.Time `json:"pickup_expires_at,omitempty" bun:"pickup_expires_at,nullzero"`
	ExpiresAt       time.Time  `json:"expires_at" bun:"expires_at"`
	StockReleasedAt *time.Time `json:"stock_released_at,omitempty" bun:"stock_released_at,nullzero"`
	PaidAt          *time.Time `json:"paid_at,omitempty" bun:"paid_at,nullzero"`
	PaymentToken    string     `json:"payment_token,omitempty" bun:"payment_token,nullzero"`
	RedirectURL     string     `json:"redirect_url,omitempty" bun:"redirect_url,nullzero"`
	PaymentData     string     `json:"-" bun:"payment_data,nullzero"`
	CreatedAt       time.Time  `json:"created_at" bun:"created_at,notnull"`
}

// ReleaseEligible reports whether this order's reserved stock may be handed
// back to the pool: never for a paid order (the sale consumed the
// reservation) and never once the goods were collected. The stock_released_at
// stamp separately guards against double release.
func (o *ProductOrder) ReleaseEligible() bool {
	return o.PaymentStatus != PaymentPaid && o.PickupStatus != PickupCompleted
}

type ProductOrderItem struct {
	bun.BaseModel `bun:"table:product_order_items"`

	ID        int64   `json:"id" bun:"id,pk,autoincrement"`
	OrderID   int64   `json:"order_id" bun:"order_id,notnull"`
	VariantID int64   `json:"variant_id" bun:"variant_id,notnull"`
	Quantity  int     `json:"quantity" bun:"quantity,notnull"`
	UnitPrice float64 `json:"unit_price" bun:"unit_price"`
	Subtotal  float64 `json:"subtotal" bun:"subtotal"`
}

// ProductVariant carries the physical stock counter and the reservation
// counter for in-flight unpaid orders. reserved_stock <= stock is advisory:
// it is checked again at payment confirmation and violations route the order
// to requires_review instead of shipping short.
type ProductVariant struct {
	bun.BaseModel `bun:"table:product_variants"`

	ID            int64   `json:"id" bun:"id,pk,autoincrement"`
	Name          string  `json:"name" bun:"name,notnull"`
	Price         float64 `json:"price" bun:"price,notnull"`
	Active        bool    `json:"active" bun:"active"`
	Stock         int     `json:"stock" bun:"stock"`
	ReservedStock int     `json:"reserved_stock" bun:"reserved_stock"`
	Version       int64   `json:"version" bun:"version"`
}

// SellableStock is the count not yet promised to an in-flight order.
func (v *ProductVariant) SellableStock() int {
	n := v.Stock - v.ReservedStock
	if n < 0 {
		return 0
	}
	return n
}
