package db

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPool(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })
	return mock
}

func TestBulkUpsert_EmptyRows(t *testing.T) {
	mock := newMockPool(t)

	n, err := BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "identities",
		Columns:      []string{"id"},
		ConflictKeys: []string{"id"},
	}, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_ConfigValidation(t *testing.T) {
	mock := newMockPool(t)
	rows := [][]any{{int64(1)}}

	_, err := BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "identities",
		ConflictKeys: []string{"id"},
	}, rows)
	assert.ErrorContains(t, err, "no columns")

	_, err = BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:   "identities",
		Columns: []string{"id"},
	}, rows)
	assert.ErrorContains(t, err, "no conflict keys")
}

func TestBulkUpsert_DoUpdate(t *testing.T) {
	mock := newMockPool(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_external_ids"`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_external_ids"}, []string{"system", "value", "identity_id"}).
		WillReturnResult(2)
	mock.ExpectExec(`ON CONFLICT \("system", "value"\) DO UPDATE SET "identity_id" = EXCLUDED."identity_id"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "external_ids",
		Columns:      []string{"system", "value", "identity_id"},
		ConflictKeys: []string{"system", "value"},
	}, [][]any{
		{"crm", "C-1", int64(1)},
		{"crm", "C-2", int64(2)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_DoNothing(t *testing.T) {
	mock := newMockPool(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_merge_suggestions"}, []string{"identity_lo", "identity_hi"}).
		WillReturnResult(1)
	mock.ExpectExec(`ON CONFLICT \("identity_lo", "identity_hi"\) DO NOTHING`).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectCommit()

	n, err := BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "merge_suggestions",
		Columns:      []string{"identity_lo", "identity_hi"},
		ConflictKeys: []string{"identity_lo", "identity_hi"},
		DoNothing:    true,
	}, [][]any{{int64(1), int64(2)}})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_BeginError(t *testing.T) {
	mock := newMockPool(t)
	mock.ExpectBegin().WillReturnError(assert.AnError)

	_, err := BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "identities",
		Columns:      []string{"id"},
		ConflictKeys: []string{"id"},
	}, [][]any{{int64(1)}})
	assert.ErrorIs(t, err, assert.AnError)
}
