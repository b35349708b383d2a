package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ms-commerce/internal/models"

	"github.com/uptrace/bun"
)

// ErrVersionConflict is returned when the optimistic stock update lost the
// race on every attempt.
var ErrVersionConflict = errors.New("stock version conflict")

// stockRetryAttempts bounds the optimistic read-then-conditional-write loop
// for product stock. Ticket capacity never retries: its mutations are single
// conditional UPDATEs.
const stockRetryAttempts = 3

// Ledger owns the two inventory kinds: ticket time-slot capacity buckets and
// product variant stock counters.
type Ledger struct {
	Bun *bun.DB
}

func NewLedger(db *bun.DB) *Ledger {
	return &Ledger{Bun: db}
}

// ---------------- TICKET CAPACITY ----------------

// ReserveTicketCapacity holds quantity units in the (type, date, slot) bucket.
// The invariant reserved + sold <= total is enforced inside the UPDATE's WHERE
// clause, so two concurrent reservations for the last unit cannot both
// succeed. Returns false with no partial effect when the bucket cannot cover
// the quantity.
func (l *Ledger) ReserveTicketCapacity(ctx context.Context, ticketTypeID int64, visitDate, timeSlot string, quantity int) (bool, error) {
	if quantity <= 0 {
		return false, fmt.Errorf("quantity must be positive, got %d", quantity)
	}
	res, err := l.Bun.NewUpdate().
		Model((*models.TicketAvailability)(nil)).
		Set("reserved_capacity = reserved_capacity + ?", quantity).
		Set("version = version + 1").
		Where("ticket_type_id = ?", ticketTypeID).
		Where("visit_date = ?", visitDate).
		Where("time_slot = ?", models.NormalizeSlot(timeSlot)).
		Where("reserved_capacity + sold_capacity + ? <= total_capacity", quantity).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("reserve capacity: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ReleaseTicketCapacity hands reserved units back to the pool. The decrement
// clamps at zero so replaying a release can never drive the counter negative.
func (l *Ledger) ReleaseTicketCapacity(ctx context.Context, ticketTypeID int64, visitDate, timeSlot string, quantity int) error {
	if quantity <= 0 {
		return nil
	}
	_, err := l.Bun.NewUpdate().
		Model((*models.TicketAvailability)(nil)).
		Set("reserved_capacity = CASE WHEN reserved_capacity < ? THEN 0 ELSE reserved_capacity - ? END", quantity, quantity).
		Set("version = version + 1").
		Where("ticket_type_id = ?", ticketTypeID).
		Where("visit_date = ?", visitDate).
		Where("time_slot = ?", models.NormalizeSlot(timeSlot)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("release capacity: %w", err)
	}
	return nil
}

// FinalizeTicketCapacity moves quantity units from reserved to sold at
// payment confirmation. Reserved clamps at zero to stay safe when a previous
// partial run already moved part of the quantity.
func (l *Ledger) FinalizeTicketCapacity(ctx context.Context, ticketTypeID int64, visitDate, timeSlot string, quantity int) error {
	if quantity <= 0 {
		return nil
	}
	_, err := l.Bun.NewUpdate().
		Model((*models.TicketAvailability)(nil)).
		Set("sold_capacity = sold_capacity + ?", quantity).
		Set("reserved_capacity = CASE WHEN reserved_capacity < ? THEN 0 ELSE reserved_capacity - ? END", quantity, quantity).
		Set("version = version + 1").
		Where("ticket_type_id = ?", ticketTypeID).
		Where("visit_date = ?", visitDate).
		Where("time_slot = ?", models.NormalizeSlot(timeSlot)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("finalize capacity: %w", err)
	}
	return nil
}

// GetAvailability fetches one capacity bucket.
func (l *Ledger) GetAvailability(ctx context.Context, ticketTypeID int64, visitDate, timeSlot string) (*models.TicketAvailability, error) {
	var bucket models.TicketAvailability
	err := l.Bun.NewSelect().
		Model(&bucket).
		Where("ticket_type_id = ?", ticketTypeID).
		Where("visit_date = ?", visitDate).
		Where("time_slot = ?", models.NormalizeSlot(timeSlot)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &bucket, nil
}

// ---------------- PRODUCT STOCK ----------------

// ReserveProductStock holds quantity units of a variant for an in-flight
// unpaid order. Unlike ticket capacity there is no single atomic predicate:
// a bounded optimistic loop re-reads the variant and retries on version
// conflict. Residual oversell risk is caught at payment confirmation and
// routed to requires_review.
func (l *Ledger) ReserveProductStock(ctx context.Context, variantID int64, quantity int) (bool, error) {
	if quantity <= 0 {
		return false, fmt.Errorf("quantity must be positive, got %d", quantity)
	}
	for attempt := 0; attempt < stockRetryAttempts; attempt++ {
		variant, err := l.GetVariant(ctx, variantID)
		if err != nil {
			return false, err
		}
		if variant.SellableStock() < quantity {
			return false, nil
		}
		res, err := l.Bun.NewUpdate().
			Model((*models.ProductVariant)(nil)).
			Set("reserved_stock = reserved_stock + ?", quantity).
			Set("version = version + 1").
			Where("id = ?", variantID).
			Where("version = ?", variant.Version).
			Exec(ctx)
		if err != nil {
			return false, fmt.Errorf("reserve stock: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return false, err
		}
		if affected > 0 {
			return true, nil
		}
	}
	return false, ErrVersionConflict
}

// ReleaseProductStock returns reserved units to the pool, clamped at zero.
// Safe to replay.
func (l *Ledger) ReleaseProductStock(ctx context.Context, variantID int64, quantity int) error {
	if quantity <= 0 {
		return nil
	}
	_, err := l.Bun.NewUpdate().
		Model((*models.ProductVariant)(nil)).
		Set("reserved_stock = CASE WHEN reserved_stock < ? THEN 0 ELSE reserved_stock - ? END", quantity, quantity).
		Set("version = version + 1").
		Where("id = ?", variantID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("release stock: %w", err)
	}
	return nil
}

// CommitProductStock decrements both stock and reserved_stock once goods are
// handed over at pickup.
func (l *Ledger) CommitProductStock(ctx context.Context, variantID int64, quantity int) error {
	if quantity <= 0 {
		return nil
	}
	_, err := l.Bun.NewUpdate().
		Model((*models.ProductVariant)(nil)).
		Set("stock = CASE WHEN stock < ? THEN 0 ELSE stock - ? END", quantity, quantity).
		Set("reserved_stock = CASE WHEN reserved_stock < ? THEN 0 ELSE reserved_stock - ? END", quantity, quantity).
		Set("version = version + 1").
		Where("id = ?", variantID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("commit stock: %w", err)
	}
	return nil
}

// ---------------- CATALOG LOOKUPS ----------------

func (l *Ledger) GetVariant(ctx context.Context, variantID int64) (*models.ProductVariant, error) {
	var variant models.ProductVariant
	err := l.Bun.NewSelect().
		Model(&variant).
		Where("id = ?", variantID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("variant %d not found: %w", variantID, err)
		}
		return nil, err
	}
	return &variant, nil
}

func (l *Ledger) GetTicketType(ctx context.Context, ticketTypeID int64) (*models.TicketType, error) {
	var tt models.TicketType
	err := l.Bun.NewSelect().
		Model(&tt).
		Where("id = ?", ticketTypeID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("ticket type %d not found: %w", ticketTypeID, err)
		}
		return nil, err
	}
	return &tt, nil
}
