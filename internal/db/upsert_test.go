package db

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(context.TODO(), nil, UpsertConfig{Table: "format_handlers"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsert_MissingConfig(t *testing.T) {
	rows := [][]any{{"sig", "plan"}}

	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{Table: "format_handlers"}, rows)
	assert.Error(t, err)

	_, err = BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:   "format_handlers",
		Columns: []string{"signature", "plan"},
	}, rows)
	assert.Error(t, err)
}

func TestBulkUpsert_DoNothing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_format_handlers"`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_format_handlers"}, []string{"signature", "plan", "status"}).
		WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "format_handlers" .+ ON CONFLICT \("signature"\) DO NOTHING`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	rows := [][]any{
		{"csv|utf-8", "{}", "production"},
		{"json|utf-8", "{}", "production"},
	}
	n, err := BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "format_handlers",
		Columns:      []string{"signature", "plan", "status"},
		ConflictKeys: []string{"signature"},
		DoNothing:    true,
	}, rows)

	assert.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_UpdateOnConflict(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_deployments"}, []string{"tenant_id", "alias"}).
		WillReturnResult(1)
	mock.ExpectExec(`ON CONFLICT \("tenant_id"\) DO UPDATE SET "alias" = EXCLUDED."alias"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	rows := [][]any{{"t1", "acme"}}
	n, err := BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "deployments",
		Columns:      []string{"tenant_id", "alias"},
		ConflictKeys: []string{"tenant_id"},
	}, rows)

	assert.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
