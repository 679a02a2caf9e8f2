package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/cortexa-labs/cortexa/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It backs single-node
// deployments and local development where a Postgres instance is overkill.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS deployments (
	tenant_id     TEXT PRIMARY KEY,
	alias         TEXT NOT NULL UNIQUE,
	name          TEXT NOT NULL UNIQUE,
	inference_url TEXT NOT NULL,
	embedding_url TEXT NOT NULL,
	knowledge_dsn TEXT NOT NULL,
	backend       TEXT NOT NULL DEFAULT '',
	capabilities  TEXT NOT NULL DEFAULT '[]',
	disabled      INTEGER NOT NULL DEFAULT 0,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS format_handlers (
	signature  TEXT PRIMARY KEY,
	ext        TEXT NOT NULL DEFAULT '',
	plan       TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT 'unverified',
	origin     TEXT NOT NULL DEFAULT 'generated',
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS ingestion_jobs (
	id               TEXT PRIMARY KEY,
	tenant_id        TEXT NOT NULL,
	files            TEXT NOT NULL,
	state            TEXT NOT NULL DEFAULT 'queued',
	manifest         TEXT,
	error            TEXT NOT NULL DEFAULT '',
	cancel_requested INTEGER NOT NULL DEFAULT 0,
	created_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_jobs_tenant ON ingestion_jobs(tenant_id);
CREATE INDEX IF NOT EXISTS idx_jobs_state ON ingestion_jobs(state);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateDeployment(ctx context.Context, d *model.Deployment) error {
	if err := d.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	capsJSON, err := json.Marshal(d.Capabilities)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal capabilities")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO deployments (tenant_id, alias, name, inference_url, embedding_url, knowledge_dsn, backend, capabilities, disabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.TenantID, d.Alias, d.Name, d.InferenceURL, d.EmbeddingURL, d.KnowledgeDSN, d.Backend, string(capsJSON), d.Disabled, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert deployment")
	}
	return nil
}

func (s *SQLiteStore) GetDeployment(ctx context.Context, identifier string) (*model.Deployment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, alias, name, inference_url, embedding_url, knowledge_dsn, backend, capabilities, disabled, created_at, updated_at
		 FROM deployments WHERE tenant_id = ? OR alias = ? OR name = ?`,
		identifier, identifier, identifier,
	)
	return scanDeployment(row)
}

func (s *SQLiteStore) ListDeployments(ctx context.Context) ([]model.Deployment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, alias, name, inference_url, embedding_url, knowledge_dsn, backend, capabilities, disabled, created_at, updated_at
		 FROM deployments ORDER BY created_at`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list deployments")
	}
	defer rows.Close()

	var out []model.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list deployments iterate")
}

func (s *SQLiteStore) SetCapability(ctx context.Context, tenantID, capability string, enabled bool) error {
	d, err := s.GetDeployment(ctx, tenantID)
	if err != nil {
		return err
	}

	caps := d.Capabilities
	if enabled {
		if !d.HasCapability(capability) {
			caps = append(caps, capability)
		}
	} else {
		filtered := caps[:0]
		for _, c := range caps {
			if c != capability {
				filtered = append(filtered, c)
			}
		}
		caps = filtered
	}

	capsJSON, err := json.Marshal(caps)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal capabilities")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE deployments SET capabilities = ?, updated_at = ? WHERE tenant_id = ?`,
		string(capsJSON), time.Now().UTC(), d.TenantID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set capability %s for %s", capability, tenantID)
	}
	return checkRowsAffected(res, "deployment", tenantID)
}

func (s *SQLiteStore) SetDisabled(ctx context.Context, tenantID string, disabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE deployments SET disabled = ?, updated_at = ? WHERE tenant_id = ?`,
		disabled, time.Now().UTC(), tenantID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set disabled for %s", tenantID)
	}
	return checkRowsAffected(res, "deployment", tenantID)
}

func (s *SQLiteStore) GetHandler(ctx context.Context, signatureKey string) (*model.FormatHandler, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT signature, ext, plan, status, origin, created_at FROM format_handlers WHERE signature = ?`,
		signatureKey,
	)
	return scanHandler(row)
}

func (s *SQLiteStore) RegisterHandler(ctx context.Context, h *model.FormatHandler) (bool, error) {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO format_handlers (signature, ext, plan, status, origin, created_at)
		 VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (signature) DO NOTHING`,
		h.Signature.Key(), h.Signature.Ext, h.Plan, string(h.Status), string(h.Origin), h.CreatedAt,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: register handler %s", h.Signature.Key())
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) ListHandlers(ctx context.Context) ([]model.FormatHandler, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT signature, ext, plan, status, origin, created_at FROM format_handlers ORDER BY created_at`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list handlers")
	}
	defer rows.Close()

	var out []model.FormatHandler
	for rows.Next() {
		h, err := scanHandler(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *h)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list handlers iterate")
}

func (s *SQLiteStore) SeedHandlers(ctx context.Context, hs []model.FormatHandler) error {
	for i := range hs {
		if _, err := s.RegisterHandler(ctx, &hs[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.IngestionJob) error {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.State == "" {
		job.State = model.JobQueued
	}

	filesJSON, err := json.Marshal(job.Files)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal job files")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ingestion_jobs (id, tenant_id, files, state, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, job.TenantID, string(filesJSON), string(job.State), job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert job")
	}
	return nil
}

func (s *SQLiteStore) UpdateJobState(ctx context.Context, jobID string, state model.JobState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingestion_jobs SET state = ?, updated_at = ? WHERE id = ? AND state NOT IN ('completed', 'failed', 'cancelled')`,
		string(state), time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job state %s", jobID)
	}
	return checkRowsAffected(res, "job", jobID)
}

func (s *SQLiteStore) UpdateJobManifest(ctx context.Context, jobID string, m *model.Manifest) error {
	manifestJSON, err := json.Marshal(m)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal manifest")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingestion_jobs SET manifest = ?, updated_at = ? WHERE id = ? AND state NOT IN ('completed', 'failed', 'cancelled')`,
		string(manifestJSON), time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job manifest %s", jobID)
	}
	return checkRowsAffected(res, "job", jobID)
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, jobID string, state model.JobState, m *model.Manifest, jobErr string) error {
	if !state.Terminal() {
		return eris.Errorf("sqlite: complete job with non-terminal state %s", state)
	}
	manifestJSON, err := json.Marshal(m)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal manifest")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingestion_jobs SET state = ?, manifest = ?, error = ?, updated_at = ? WHERE id = ? AND state NOT IN ('completed', 'failed', 'cancelled')`,
		string(state), string(manifestJSON), jobErr, time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete job %s", jobID)
	}
	return checkRowsAffected(res, "job", jobID)
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.IngestionJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, files, state, manifest, error, created_at, updated_at FROM ingestion_jobs WHERE id = ?`,
		jobID,
	)
	return scanJob(row)
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.IngestionJob, error) {
	query := `SELECT id, tenant_id, files, state, manifest, error, created_at, updated_at FROM ingestion_jobs WHERE 1=1`
	var args []any

	if filter.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, filter.TenantID)
	}
	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, string(filter.State))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var out []model.IngestionJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) RequestCancel(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingestion_jobs SET cancel_requested = 1, updated_at = ? WHERE id = ? AND state NOT IN ('completed', 'failed', 'cancelled')`,
		time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: request cancel %s", jobID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	var requested bool
	err := s.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM ingestion_jobs WHERE id = ?`,
		jobID,
	).Scan(&requested)
	if err == sql.ErrNoRows {
		return false, model.ErrNotFound
	}
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: cancel requested %s", jobID)
	}
	return requested, nil
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(model.ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanDeployment(row scannable) (*model.Deployment, error) {
	var d model.Deployment
	var capsJSON string

	err := row.Scan(&d.TenantID, &d.Alias, &d.Name, &d.InferenceURL, &d.EmbeddingURL, &d.KnowledgeDSN, &d.Backend, &capsJSON, &d.Disabled, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan deployment")
	}
	if err := json.Unmarshal([]byte(capsJSON), &d.Capabilities); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal capabilities")
	}
	return &d, nil
}

func scanHandler(row scannable) (*model.FormatHandler, error) {
	var h model.FormatHandler
	var sigKey string

	err := row.Scan(&sigKey, &h.Signature.Ext, &h.Plan, &h.Status, &h.Origin, &h.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan handler")
	}
	if sig, perr := model.ParseSignatureKey(sigKey); perr == nil {
		h.Signature = sig
	}
	return &h, nil
}

func scanJob(row scannable) (*model.IngestionJob, error) {
	var job model.IngestionJob
	var filesJSON string
	var manifestJSON sql.NullString

	err := row.Scan(&job.ID, &job.TenantID, &filesJSON, &job.State, &manifestJSON, &job.Error, &job.CreatedAt, &job.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan job")
	}

	if err := json.Unmarshal([]byte(filesJSON), &job.Files); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal job files")
	}
	if manifestJSON.Valid {
		if err := json.Unmarshal([]byte(manifestJSON.String), &job.Manifest); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal manifest")
		}
	}
	return &job, nil
}
