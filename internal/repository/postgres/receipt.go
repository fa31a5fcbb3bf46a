package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/alertstream/engine/internal/service/dispatch"
)

// ReceiptRepository stages delivery receipts in the delivery_receipts
// table for audit, whether or not they changed an attempt.
type ReceiptRepository struct {
	db *sql.DB
}

// NewReceiptRepository creates a receipt repository.
func NewReceiptRepository(db *sql.DB) *ReceiptRepository {
	return &ReceiptRepository{db: db}
}

func (r *ReceiptRepository) Record(ctx context.Context, rc *dispatch.Receipt, applied bool) error {
	var occurredAt sql.NullTime
	if !rc.OccurredAt.IsZero() {
		occurredAt = sql.NullTime{Time: rc.OccurredAt, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO delivery_receipts (attempt_id, status, provider_message_id, error, occurred_at, applied)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rc.AttemptID, rc.Status, rc.ProviderMessageID, rc.Error, occurredAt, applied)
	if err != nil {
		return fmt.Errorf("record receipt: %w", err)
	}
	return nil
}
