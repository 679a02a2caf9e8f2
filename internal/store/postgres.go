package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/cortexa-labs/cortexa/internal/db"
	"github.com/cortexa-labs/cortexa/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest store operations. Deployment resolution
// and handler lookup sit on the request path of every ingest and dispatch.
var preparedStatements = map[string]string{
	"get_deployment":   `SELECT tenant_id, alias, name, inference_url, embedding_url, knowledge_dsn, backend, capabilities, disabled, created_at, updated_at FROM deployments WHERE tenant_id = $1 OR alias = $1 OR name = $1`,
	"get_handler":      `SELECT signature, ext, plan, status, origin, created_at FROM format_handlers WHERE signature = $1`,
	"register_handler": `INSERT INTO format_handlers (signature, ext, plan, status, origin, created_at) VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (signature) DO NOTHING`,
	"get_job":          `SELECT id, tenant_id, files, state, manifest, error, created_at, updated_at FROM ingestion_jobs WHERE id = $1`,
	"update_job_state": `UPDATE ingestion_jobs SET state = $1, updated_at = $2 WHERE id = $3 AND state NOT IN ('completed', 'failed', 'cancelled')`,
	"cancel_requested": `SELECT cancel_requested FROM ingestion_jobs WHERE id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: pool.Close}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS deployments (
	tenant_id     TEXT PRIMARY KEY,
	alias         TEXT NOT NULL UNIQUE,
	name          TEXT NOT NULL UNIQUE,
	inference_url TEXT NOT NULL,
	embedding_url TEXT NOT NULL,
	knowledge_dsn TEXT NOT NULL,
	backend       TEXT NOT NULL DEFAULT '',
	capabilities  TEXT[] NOT NULL DEFAULT '{}',
	disabled      BOOLEAN NOT NULL DEFAULT false,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_deployments_alias ON deployments(alias);
CREATE INDEX IF NOT EXISTS idx_deployments_name ON deployments(name);

CREATE TABLE IF NOT EXISTS format_handlers (
	signature  TEXT PRIMARY KEY,
	ext        TEXT NOT NULL DEFAULT '',
	plan       TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT 'unverified',
	origin     TEXT NOT NULL DEFAULT 'generated',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ingestion_jobs (
	id               TEXT PRIMARY KEY,
	tenant_id        TEXT NOT NULL,
	files            JSONB NOT NULL,
	state            TEXT NOT NULL DEFAULT 'queued',
	manifest         JSONB,
	error            TEXT NOT NULL DEFAULT '',
	cancel_requested BOOLEAN NOT NULL DEFAULT false,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_jobs_tenant ON ingestion_jobs(tenant_id);
CREATE INDEX IF NOT EXISTS idx_jobs_state ON ingestion_jobs(state);
CREATE INDEX IF NOT EXISTS idx_jobs_tenant_created ON ingestion_jobs(tenant_id, created_at DESC);
`

// Pool returns the underlying database pool for subsystems that need direct
// query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateDeployment(ctx context.Context, d *model.Deployment) error {
	if err := d.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO deployments (tenant_id, alias, name, inference_url, embedding_url, knowledge_dsn, backend, capabilities, disabled, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.TenantID, d.Alias, d.Name, d.InferenceURL, d.EmbeddingURL, d.KnowledgeDSN, d.Backend, d.Capabilities, d.Disabled, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: insert deployment")
	}
	return nil
}

func (s *PostgresStore) GetDeployment(ctx context.Context, identifier string) (*model.Deployment, error) {
	var d model.Deployment
	err := s.pool.QueryRow(ctx,
		`SELECT tenant_id, alias, name, inference_url, embedding_url, knowledge_dsn, backend, capabilities, disabled, created_at, updated_at
		 FROM deployments WHERE tenant_id = $1 OR alias = $1 OR name = $1`,
		identifier,
	).Scan(&d.TenantID, &d.Alias, &d.Name, &d.InferenceURL, &d.EmbeddingURL, &d.KnowledgeDSN, &d.Backend, &d.Capabilities, &d.Disabled, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get deployment %s", identifier)
	}
	return &d, nil
}

func (s *PostgresStore) ListDeployments(ctx context.Context) ([]model.Deployment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tenant_id, alias, name, inference_url, embedding_url, knowledge_dsn, backend, capabilities, disabled, created_at, updated_at
		 FROM deployments ORDER BY created_at`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list deployments")
	}
	defer rows.Close()

	var out []model.Deployment
	for rows.Next() {
		var d model.Deployment
		if err := rows.Scan(&d.TenantID, &d.Alias, &d.Name, &d.InferenceURL, &d.EmbeddingURL, &d.KnowledgeDSN, &d.Backend, &d.Capabilities, &d.Disabled, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan deployment")
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate deployments")
}

func (s *PostgresStore) SetCapability(ctx context.Context, tenantID, capability string, enabled bool) error {
	var query string
	if enabled {
		query = `UPDATE deployments SET capabilities = array_append(capabilities, $1), updated_at = $2 WHERE tenant_id = $3 AND NOT ($1 = ANY(capabilities))`
	} else {
		query = `UPDATE deployments SET capabilities = array_remove(capabilities, $1), updated_at = $2 WHERE tenant_id = $3`
	}
	tag, err := s.pool.Exec(ctx, query, capability, time.Now().UTC(), tenantID)
	if err != nil {
		return eris.Wrapf(err, "postgres: set capability %s for %s", capability, tenantID)
	}
	// Zero rows on enable means either unknown tenant or already granted;
	// distinguish so callers can surface NotFound.
	if tag.RowsAffected() == 0 {
		if _, err := s.GetDeployment(ctx, tenantID); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) SetDisabled(ctx context.Context, tenantID string, disabled bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE deployments SET disabled = $1, updated_at = $2 WHERE tenant_id = $3`,
		disabled, time.Now().UTC(), tenantID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set disabled for %s", tenantID)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetHandler(ctx context.Context, signatureKey string) (*model.FormatHandler, error) {
	var h model.FormatHandler
	var sigKey string
	err := s.pool.QueryRow(ctx,
		`SELECT signature, ext, plan, status, origin, created_at FROM format_handlers WHERE signature = $1`,
		signatureKey,
	).Scan(&sigKey, &h.Signature.Ext, &h.Plan, &h.Status, &h.Origin, &h.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get handler %s", signatureKey)
	}
	if sig, perr := model.ParseSignatureKey(sigKey); perr == nil {
		h.Signature = sig
	}
	return &h, nil
}

func (s *PostgresStore) RegisterHandler(ctx context.Context, h *model.FormatHandler) (bool, error) {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO format_handlers (signature, ext, plan, status, origin, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (signature) DO NOTHING`,
		h.Signature.Key(), h.Signature.Ext, h.Plan, string(h.Status), string(h.Origin), h.CreatedAt,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: register handler %s", h.Signature.Key())
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListHandlers(ctx context.Context) ([]model.FormatHandler, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT signature, ext, plan, status, origin, created_at FROM format_handlers ORDER BY created_at`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list handlers")
	}
	defer rows.Close()

	var out []model.FormatHandler
	for rows.Next() {
		var h model.FormatHandler
		var sigKey string
		if err := rows.Scan(&sigKey, &h.Signature.Ext, &h.Plan, &h.Status, &h.Origin, &h.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan handler")
		}
		if sig, perr := model.ParseSignatureKey(sigKey); perr == nil {
			h.Signature = sig
		}
		out = append(out, h)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate handlers")
}

func (s *PostgresStore) SeedHandlers(ctx context.Context, hs []model.FormatHandler) error {
	if len(hs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([][]any, len(hs))
	for i, h := range hs {
		createdAt := h.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		rows[i] = []any{h.Signature.Key(), h.Signature.Ext, h.Plan, string(h.Status), string(h.Origin), createdAt}
	}

	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "format_handlers",
		Columns:      []string{"signature", "ext", "plan", "status", "origin", "created_at"},
		ConflictKeys: []string{"signature"},
		DoNothing:    true,
	}, rows)
	return eris.Wrap(err, "postgres: seed handlers")
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.IngestionJob) error {
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
		return eris.Wrap(err, "postgres: marshal job files")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO ingestion_jobs (id, tenant_id, files, state, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		job.ID, job.TenantID, filesJSON, string(job.State), job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: insert job")
	}
	return nil
}

func (s *PostgresStore) UpdateJobState(ctx context.Context, jobID string, state model.JobState) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingestion_jobs SET state = $1, updated_at = $2 WHERE id = $3 AND state NOT IN ('completed', 'failed', 'cancelled')`,
		string(state), time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job state %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: job %s not found or already terminal", jobID)
	}
	return nil
}

func (s *PostgresStore) UpdateJobManifest(ctx context.Context, jobID string, m *model.Manifest) error {
	manifestJSON, err := json.Marshal(m)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal manifest")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingestion_jobs SET manifest = $1, updated_at = $2 WHERE id = $3 AND state NOT IN ('completed', 'failed', 'cancelled')`,
		manifestJSON, time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job manifest %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: job %s not found or already terminal", jobID)
	}
	return nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, jobID string, state model.JobState, m *model.Manifest, jobErr string) error {
	if !state.Terminal() {
		return eris.Errorf("postgres: complete job with non-terminal state %s", state)
	}
	manifestJSON, err := json.Marshal(m)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal manifest")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingestion_jobs SET state = $1, manifest = $2, error = $3, updated_at = $4 WHERE id = $5 AND state NOT IN ('completed', 'failed', 'cancelled')`,
		string(state), manifestJSON, jobErr, time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: job %s not found or already terminal", jobID)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.IngestionJob, error) {
	var job model.IngestionJob
	var filesJSON []byte
	var manifestJSON *[]byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, files, state, manifest, error, created_at, updated_at FROM ingestion_jobs WHERE id = $1`,
		jobID,
	).Scan(&job.ID, &job.TenantID, &filesJSON, &job.State, &manifestJSON, &job.Error, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get job %s", jobID)
	}

	if err := json.Unmarshal(filesJSON, &job.Files); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal job files")
	}
	if manifestJSON != nil {
		if err := json.Unmarshal(*manifestJSON, &job.Manifest); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal manifest")
		}
	}
	return &job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.IngestionJob, error) {
	query := `SELECT id, tenant_id, files, state, manifest, error, created_at, updated_at FROM ingestion_jobs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.TenantID != "" {
		query += fmt.Sprintf(` AND tenant_id = $%d`, argIdx)
		args = append(args, filter.TenantID)
		argIdx++
	}
	if filter.State != "" {
		query += fmt.Sprintf(` AND state = $%d`, argIdx)
		args = append(args, string(filter.State))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var out []model.IngestionJob
	for rows.Next() {
		var job model.IngestionJob
		var filesJSON []byte
		var manifestJSON *[]byte
		if err := rows.Scan(&job.ID, &job.TenantID, &filesJSON, &job.State, &manifestJSON, &job.Error, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		if err := json.Unmarshal(filesJSON, &job.Files); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal job files")
		}
		if manifestJSON != nil {
			if err := json.Unmarshal(*manifestJSON, &job.Manifest); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal manifest")
			}
		}
		out = append(out, job)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate jobs")
}

func (s *PostgresStore) RequestCancel(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingestion_jobs SET cancel_requested = true, updated_at = $1 WHERE id = $2 AND state NOT IN ('completed', 'failed', 'cancelled')`,
		time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: request cancel %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	var requested bool
	err := s.pool.QueryRow(ctx,
		`SELECT cancel_requested FROM ingestion_jobs WHERE id = $1`,
		jobID,
	).Scan(&requested)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, model.ErrNotFound
	}
	if err != nil {
		return false, eris.Wrapf(err, "postgres: cancel requested %s", jobID)
	}
	return requested, nil
}
