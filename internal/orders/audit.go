package orders

import (
	"context"
	"fmt"
	"time"

	"ms-commerce/internal/models"
)

// ---------------- WEBHOOK AUDIT LOG ----------------

// AppendWebhookLog writes an audit record. The table is append-only; records
// are never mutated or deleted.
func (s *Store) AppendWebhookLog(ctx context.Context, orderNumber, eventType, payload string, success bool, errMessage string) error {
	entry := models.WebhookLog{
		OrderNumber:  orderNumber,
		EventType:    eventType,
		Payload:      payload,
		Success:      success,
		ErrorMessage: errMessage,
		CreatedAt:    time.Now(),
	}
	if _, err := s.Bun.NewInsert().Model(&entry).Exec(ctx); err != nil {
		return fmt.Errorf("append webhook log: %w", err)
	}
	return nil
}

// ListWebhookLogs returns the audit trail for one order, newest first.
func (s *Store) ListWebhookLogs(ctx context.Context, orderNumber string, limit int) ([]models.WebhookLog, error) {
	var logs []models.WebhookLog
	err := s.Bun.NewSelect().
		Model(&logs).
		Where("order_number = ?", orderNumber).
		Order("created_at DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return logs, nil
}
