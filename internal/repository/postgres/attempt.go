package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alertstream/engine/internal/domain"
	"github.com/alertstream/engine/internal/service/dispatch"
)

// AttemptRepository implements dispatch.AttemptRepository on PostgreSQL.
// Every transition is a single UPDATE guarded on the expected state, and
// admission relies on the partial unique index over (event_id, trigger_id),
// so correctness holds across hosts without explicit locking.
type AttemptRepository struct {
	db *sql.DB
}

var _ dispatch.AttemptRepository = (*AttemptRepository)(nil)

// NewAttemptRepository creates an attempt repository.
func NewAttemptRepository(db *sql.DB) *AttemptRepository {
	return &AttemptRepository{db: db}
}

const attemptColumns = `id, event_id, trigger_id, site_id, tenant_id, channel, destination,
	rendered_message, state, attempt_count, provider_message_id, last_error,
	metadata, fingerprint, next_retry_at, created_at, updated_at`

func scanAttempt(row interface{ Scan(...any) error }) (*domain.DispatchAttempt, error) {
	var a domain.DispatchAttempt
	var channel, state string
	var metadata []byte
	var nextRetryAt sql.NullTime
	if err := row.Scan(&a.ID, &a.EventID, &a.TriggerID, &a.SiteID, &a.TenantID,
		&channel, &a.Destination, &a.RenderedMessage, &state, &a.AttemptCount,
		&a.ProviderMessageID, &a.LastError, &metadata, &a.Fingerprint,
		&nextRetryAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Channel = domain.ChannelType(channel)
	a.State = domain.AttemptState(state)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &a.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if nextRetryAt.Valid {
		t := nextRetryAt.Time
		a.NextRetryAt = &t
	}
	return &a, nil
}

func encodeMetadata(metadata map[string]string) (any, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return b, nil
}

func (r *AttemptRepository) AdmitPending(ctx context.Context, a *domain.DispatchAttempt) (bool, error) {
	metadata, err := encodeMetadata(a.Metadata)
	if err != nil {
		return false, err
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO dispatch_attempts
			(id, event_id, trigger_id, site_id, tenant_id, channel, destination,
			 rendered_message, state, attempt_count, fingerprint, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', 0, $9, $10, NOW(), NOW())
		ON CONFLICT (event_id, trigger_id) WHERE state <> 'suppressed' DO NOTHING`,
		a.ID, a.EventID, a.TriggerID, a.SiteID, a.TenantID,
		string(a.Channel), a.Destination, a.RenderedMessage, a.Fingerprint, metadata)
	if err != nil {
		return false, fmt.Errorf("admit attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *AttemptRepository) RecordSuppressed(ctx context.Context, a *domain.DispatchAttempt, reason string) error {
	md := make(map[string]string, len(a.Metadata)+1)
	for k, v := range a.Metadata {
		md[k] = v
	}
	md["suppression_reason"] = reason
	metadata, err := encodeMetadata(md)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO dispatch_attempts
			(id, event_id, trigger_id, site_id, tenant_id, channel, destination,
			 rendered_message, state, attempt_count, fingerprint, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, '', 'suppressed', 0, $8, $9, NOW(), NOW())`,
		a.ID, a.EventID, a.TriggerID, a.SiteID, a.TenantID,
		string(a.Channel), a.Destination, a.Fingerprint, metadata)
	if err != nil {
		return fmt.Errorf("record suppressed: %w", err)
	}
	return nil
}

func (r *AttemptRepository) HasRecentAttempt(ctx context.Context, triggerID, fingerprint string, since time.Time) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM dispatch_attempts
			WHERE trigger_id = $1 AND fingerprint = $2
			  AND state <> 'suppressed' AND created_at > $3
		)`, triggerID, fingerprint, since).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check recent attempt: %w", err)
	}
	return exists, nil
}

func (r *AttemptRepository) SetRendered(ctx context.Context, id, rendered string, metadata map[string]string) error {
	md, err := encodeMetadata(metadata)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE dispatch_attempts
		SET rendered_message = $2, metadata = $3, updated_at = NOW()
		WHERE id = $1`, id, rendered, md)
	if err != nil {
		return fmt.Errorf("set rendered: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return dispatch.ErrNotFound
	}
	return nil
}

func (r *AttemptRepository) MarkQueued(ctx context.Context, id string) (bool, error) {
	return r.guardedUpdate(ctx, `
		UPDATE dispatch_attempts
		SET state = 'queued', updated_at = NOW()
		WHERE id = $1 AND state = 'pending'`, id)
}

func (r *AttemptRepository) MarkSent(ctx context.Context, id, providerMessageID string) (bool, error) {
	return r.guardedUpdate(ctx, `
		UPDATE dispatch_attempts
		SET state = 'sent', provider_message_id = $2,
		    attempt_count = attempt_count + 1, next_retry_at = NULL, updated_at = NOW()
		WHERE id = $1 AND state = 'queued'`, id, providerMessageID)
}

func (r *AttemptRepository) MarkDelivered(ctx context.Context, id string) (bool, error) {
	return r.guardedUpdate(ctx, `
		UPDATE dispatch_attempts
		SET state = 'delivered', next_retry_at = NULL, updated_at = NOW()
		WHERE id = $1 AND state = 'sent'`, id)
}

func (r *AttemptRepository) MarkFailed(ctx context.Context, id string, from domain.AttemptState, errMsg string, nextRetryAt *time.Time, countAttempt bool) (bool, error) {
	bump := 0
	if countAttempt {
		bump = 1
	}
	var retryAt sql.NullTime
	if nextRetryAt != nil {
		retryAt = sql.NullTime{Time: *nextRetryAt, Valid: true}
	}
	return r.guardedUpdate(ctx, `
		UPDATE dispatch_attempts
		SET state = 'failed', last_error = $3, next_retry_at = $4,
		    attempt_count = attempt_count + $5, updated_at = NOW()
		WHERE id = $1 AND state = $2`, id, string(from), errMsg, retryAt, bump)
}

func (r *AttemptRepository) guardedUpdate(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("attempt transition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *AttemptRepository) Get(ctx context.Context, id string) (*domain.DispatchAttempt, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM dispatch_attempts WHERE id = $1`, id)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dispatch.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	return a, nil
}

func (r *AttemptRepository) List(ctx context.Context, f dispatch.ListFilter) ([]domain.DispatchAttempt, int, error) {
	where := "TRUE"
	var args []any
	if f.SiteID != "" {
		args = append(args, f.SiteID)
		where += fmt.Sprintf(" AND site_id = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where += fmt.Sprintf(" AND state = $%d", len(args))
	}

	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dispatch_attempts WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count attempts: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT `+attemptColumns+`
		FROM dispatch_attempts
		WHERE `+where+`
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d`, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []domain.DispatchAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, *a)
	}
	return out, total, rows.Err()
}

func (r *AttemptRepository) ClaimDueRetries(ctx context.Context, now time.Time, limit int) ([]domain.DispatchAttempt, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE dispatch_attempts
		SET state = 'pending', next_retry_at = NULL, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM dispatch_attempts
			WHERE state = 'failed'
			  AND next_retry_at IS NOT NULL
			  AND next_retry_at <= $1
			ORDER BY next_retry_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+attemptColumns, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due retries: %w", err)
	}
	defer rows.Close()

	var out []domain.DispatchAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed attempt: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (r *AttemptRepository) RequeueStale(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE dispatch_attempts
		SET state = 'failed', last_error = 'requeued after worker interruption',
		    next_retry_at = NOW(), updated_at = NOW()
		WHERE state = 'queued' AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("requeue stale: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
