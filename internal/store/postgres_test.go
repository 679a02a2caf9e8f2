package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexa-labs/cortexa/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return NewPostgresFromPool(mock), mock
}

func TestPostgresStore_GetDeployment_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT tenant_id, alias, name, .+ FROM deployments WHERE tenant_id = \$1 OR alias = \$1 OR name = \$1`).
		WithArgs("nonexistent").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetDeployment(context.Background(), "nonexistent")
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetDeployment_ResolvesAlias(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	rows := pgxmock.NewRows([]string{
		"tenant_id", "alias", "name", "inference_url", "embedding_url", "knowledge_dsn",
		"backend", "capabilities", "disabled", "created_at", "updated_at",
	}).AddRow(
		"t-1", "acme", "acme-corp", "http://inf:8001", "http://emb:8002", "postgres://k/acme",
		"vllm", []string{"web_search"}, false, now, now,
	)
	mock.ExpectQuery(`FROM deployments WHERE tenant_id = \$1 OR alias = \$1 OR name = \$1`).
		WithArgs("acme").
		WillReturnRows(rows)

	d, err := s.GetDeployment(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "t-1", d.TenantID)
	assert.True(t, d.HasCapability("web_search"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateDeployment_RejectsInvalid(t *testing.T) {
	s, _ := newMockPostgresStore(t)

	err := s.CreateDeployment(context.Background(), &model.Deployment{TenantID: "t-1"})
	require.Error(t, err)
	assert.True(t, model.IsValidation(err))
}

func TestPostgresStore_SetDisabled_UnknownTenant(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE deployments SET disabled = \$1`).
		WithArgs(true, pgxmock.AnyArg(), "ghost").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.SetDisabled(context.Background(), "ghost", true)
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RegisterHandler_Conflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	sig := model.FormatSignature{Ext: ".csv", Encoding: "utf-8", Delimiter: ",", Shape: model.ShapeTabular}
	h := &model.FormatHandler{Signature: sig, Plan: "{}", Status: model.HandlerProduction, Origin: model.OriginGenerated}

	mock.ExpectExec(`INSERT INTO format_handlers .+ ON CONFLICT \(signature\) DO NOTHING`).
		WithArgs(sig.Key(), ".csv", "{}", "production", "generated", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	inserted, err := s.RegisterHandler(context.Background(), h)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetHandler_RoundTripsSignature(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	sig := model.FormatSignature{Ext: ".tsv", Encoding: "utf-8", Delimiter: "\t", Shape: model.ShapeTabular}
	rows := pgxmock.NewRows([]string{"signature", "ext", "plan", "status", "origin", "created_at"}).
		AddRow(sig.Key(), ".tsv", "{}", "production", "builtin", time.Now().UTC())
	mock.ExpectQuery(`SELECT signature, ext, plan, status, origin, created_at FROM format_handlers`).
		WithArgs(sig.Key()).
		WillReturnRows(rows)

	h, err := s.GetHandler(context.Background(), sig.Key())
	require.NoError(t, err)
	assert.Equal(t, sig, h.Signature)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateJobState_TerminalGuard(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE ingestion_jobs SET state = \$1, updated_at = \$2 WHERE id = \$3 AND state NOT IN`).
		WithArgs("crawling", pgxmock.AnyArg(), "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateJobState(context.Background(), "job-1", model.JobCrawling)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "terminal")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteJob_RejectsNonTerminal(t *testing.T) {
	s, _ := newMockPostgresStore(t)

	err := s.CompleteJob(context.Background(), "job-1", model.JobEmbedding, &model.Manifest{}, "")
	assert.Error(t, err)
}

func TestPostgresStore_CancelRequested_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT cancel_requested FROM ingestion_jobs WHERE id = \$1`).
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.CancelRequested(context.Background(), "ghost")
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}
