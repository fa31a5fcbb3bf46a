package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alertstream/engine/internal/domain"
	"github.com/alertstream/engine/internal/service/trigger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTriggerMock(t *testing.T) (*TriggerRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewTriggerRepository(db), mock
}

func triggerRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "site_id", "name", "event_type", "conditions",
		"template", "destination", "is_active", "created_at", "updated_at",
	})
}

func TestTriggerGetDecodesConditions(t *testing.T) {
	repo, mock := newTriggerMock(t)

	now := time.Now()
	mock.ExpectQuery(`SELECT .+ FROM triggers`).
		WithArgs("trg-1").
		WillReturnRows(triggerRows().AddRow(
			"trg-1", "site-1", "big orders", "order.created",
			[]byte(`[{"field":"total","operator":"greater_than","value":"100"}]`),
			"Order {{ order_id }}", "+15551234567", true, now, now))

	got, err := repo.Get(context.Background(), "trg-1")
	require.NoError(t, err)
	require.Len(t, got.Conditions, 1)
	assert.Equal(t, domain.OpGreaterThan, got.Conditions[0].Operator)
	assert.Equal(t, "total", got.Conditions[0].Field)
}

func TestTriggerGetNotFound(t *testing.T) {
	repo, mock := newTriggerMock(t)

	mock.ExpectQuery(`SELECT .+ FROM triggers`).
		WithArgs("missing").
		WillReturnRows(triggerRows())

	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, trigger.ErrNotFound)
}

func TestTriggerUpdateAppliesOnlySetFields(t *testing.T) {
	repo, mock := newTriggerMock(t)

	name := "renamed"
	active := false
	mock.ExpectExec(`UPDATE triggers SET updated_at = NOW\(\), name = \$2, is_active = \$3`).
		WithArgs("trg-1", "renamed", false).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Update(context.Background(), "trg-1", trigger.UpdateFields{Name: &name, IsActive: &active})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTriggerUpdateNotFound(t *testing.T) {
	repo, mock := newTriggerMock(t)

	name := "x"
	mock.ExpectExec(`UPDATE triggers`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Update(context.Background(), "missing", trigger.UpdateFields{Name: &name})
	assert.ErrorIs(t, err, trigger.ErrNotFound)
}

func TestFindActiveOrdersDeterministically(t *testing.T) {
	repo, mock := newTriggerMock(t)

	now := time.Now()
	mock.ExpectQuery(`SELECT .+ FROM triggers`).
		WithArgs("site-1", "order.created").
		WillReturnRows(triggerRows().
			AddRow("trg-1", "site-1", "first", "order.created", []byte(`[]`), "t", "+1555", true, now, now).
			AddRow("trg-2", "site-1", "second", "order.created", []byte(`[]`), "t", "+1556", true, now, now))

	got, err := repo.FindActive(context.Background(), "site-1", "order.created")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "trg-1", got[0].ID)
}
