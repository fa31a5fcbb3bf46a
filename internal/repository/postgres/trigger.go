package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alertstream/engine/internal/domain"
	"github.com/alertstream/engine/internal/service/trigger"
	"github.com/google/uuid"
)

// TriggerRepository implements trigger.Repository on PostgreSQL.
// Conditions are stored as a JSONB array.
type TriggerRepository struct {
	db *sql.DB
}

var _ trigger.Repository = (*TriggerRepository)(nil)

// NewTriggerRepository creates a trigger repository.
func NewTriggerRepository(db *sql.DB) *TriggerRepository {
	return &TriggerRepository{db: db}
}

const triggerColumns = `id, site_id, name, event_type, conditions, template, destination, is_active, created_at, updated_at`

func scanTrigger(row interface{ Scan(...any) error }) (*domain.Trigger, error) {
	var t domain.Trigger
	var conditions []byte
	if err := row.Scan(&t.ID, &t.SiteID, &t.Name, &t.EventType, &conditions,
		&t.Template, &t.Destination, &t.IsActive, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if len(conditions) > 0 {
		if err := json.Unmarshal(conditions, &t.Conditions); err != nil {
			return nil, fmt.Errorf("decode conditions: %w", err)
		}
	}
	return &t, nil
}

func (r *TriggerRepository) Get(ctx context.Context, id string) (*domain.Trigger, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+triggerColumns+` FROM triggers WHERE id = $1`, id)
	t, err := scanTrigger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, trigger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trigger: %w", err)
	}
	return t, nil
}

func (r *TriggerRepository) List(ctx context.Context, siteID string, f trigger.ListFilter) ([]domain.Trigger, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM triggers WHERE site_id = $1`, siteID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count triggers: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+triggerColumns+`
		FROM triggers
		WHERE site_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`, siteID, limit, f.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list triggers: %w", err)
	}
	defer rows.Close()

	var out []domain.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan trigger: %w", err)
		}
		out = append(out, *t)
	}
	return out, total, rows.Err()
}

func (r *TriggerRepository) Create(ctx context.Context, t *domain.Trigger) (string, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	conditions, err := json.Marshal(t.Conditions)
	if err != nil {
		return "", fmt.Errorf("encode conditions: %w", err)
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO triggers (id, site_id, name, event_type, conditions, template, destination, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.SiteID, t.Name, t.EventType, conditions, t.Template, t.Destination, t.IsActive, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return "", fmt.Errorf("insert trigger: %w", err)
	}
	return t.ID, nil
}

func (r *TriggerRepository) Update(ctx context.Context, id string, u trigger.UpdateFields) error {
	set := "updated_at = NOW()"
	args := []any{id}
	add := func(col string, v any) {
		args = append(args, v)
		set += fmt.Sprintf(", %s = $%d", col, len(args))
	}

	if u.Name != nil {
		add("name", *u.Name)
	}
	if u.EventType != nil {
		add("event_type", *u.EventType)
	}
	if u.Conditions != nil {
		conditions, err := json.Marshal(*u.Conditions)
		if err != nil {
			return fmt.Errorf("encode conditions: %w", err)
		}
		add("conditions", conditions)
	}
	if u.Template != nil {
		add("template", *u.Template)
	}
	if u.Destination != nil {
		add("destination", *u.Destination)
	}
	if u.IsActive != nil {
		add("is_active", *u.IsActive)
	}

	res, err := r.db.ExecContext(ctx, `UPDATE triggers SET `+set+` WHERE id = $1`, args...)
	if err != nil {
		return fmt.Errorf("update trigger: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return trigger.ErrNotFound
	}
	return nil
}

func (r *TriggerRepository) Disable(ctx context.Context, id string) error {
	inactive := false
	return r.Update(ctx, id, trigger.UpdateFields{IsActive: &inactive})
}

func (r *TriggerRepository) FindActive(ctx context.Context, siteID, eventType string) ([]domain.Trigger, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+triggerColumns+`
		FROM triggers
		WHERE site_id = $1 AND event_type = $2 AND is_active
		ORDER BY created_at ASC, id ASC`, siteID, eventType)
	if err != nil {
		return nil, fmt.Errorf("find active triggers: %w", err)
	}
	defer rows.Close()

	var out []domain.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}
