// Package knowledge manages per-tenant knowledge stores: the Postgres
// databases that hold each tenant's documents, chunks, and embeddings.
// Connections are pooled per DSN and shared across jobs for the same tenant.
package knowledge

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/cortexa-labs/cortexa/internal/db"
	"github.com/cortexa-labs/cortexa/internal/model"
)

// DialFunc opens a pool for a knowledge DSN. Tests swap this for pgxmock.
type DialFunc func(ctx context.Context, dsn string) (db.Pool, error)

// Manager caches one connection pool per tenant knowledge DSN.
type Manager struct {
	mu    sync.Mutex
	pools map[string]db.Pool
	dial  DialFunc
}

// NewManager creates a Manager dialing real Postgres pools.
func NewManager() *Manager {
	return &Manager{
		pools: make(map[string]db.Pool),
		dial: func(ctx context.Context, dsn string) (db.Pool, error) {
			cfg, err := pgxpool.ParseConfig(dsn)
			if err != nil {
				return nil, eris.Wrap(err, "knowledge: parse dsn")
			}
			cfg.MaxConns = 4
			cfg.MaxConnIdleTime = 5 * time.Minute
			return pgxpool.NewWithConfig(ctx, cfg)
		},
	}
}

// NewManagerWithDial creates a Manager with a custom dialer (for testing).
func NewManagerWithDial(dial DialFunc) *Manager {
	return &Manager{pools: make(map[string]db.Pool), dial: dial}
}

// Pool returns the cached pool for dsn, dialing on first use.
func (m *Manager) Pool(ctx context.Context, dsn string) (db.Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pools[dsn]; ok {
		return p, nil
	}
	p, err := m.dial(ctx, dsn)
	if err != nil {
		return nil, err
	}
	m.pools[dsn] = p
	return p, nil
}

// Close closes every cached pool.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for dsn, p := range m.pools {
		p.Close()
		delete(m.pools, dsn)
	}
}

const knowledgeMigration = `
CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	source     TEXT NOT NULL,
	version    INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_documents_source ON documents(source);

CREATE TABLE IF NOT EXISTS chunks (
	id           TEXT PRIMARY KEY,
	document_id  TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	idx          INTEGER NOT NULL,
	byte_offset  BIGINT NOT NULL DEFAULT 0,
	kind         TEXT NOT NULL DEFAULT 'paragraph',
	text         TEXT NOT NULL,
	capabilities TEXT[] NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);

CREATE TABLE IF NOT EXISTS embeddings (
	chunk_id TEXT PRIMARY KEY REFERENCES chunks(id) ON DELETE CASCADE,
	vector   REAL[] NOT NULL
);
`

// Migrate applies the knowledge schema to one tenant's store.
func (m *Manager) Migrate(ctx context.Context, dsn string) error {
	pool, err := m.Pool(ctx, dsn)
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx, knowledgeMigration)
	return eris.Wrap(err, "knowledge: migrate")
}

// LoadDocument writes one document with its chunks and embeddings in a single
// transaction. Re-ingesting a source adds a new version; earlier versions stay
// untouched, and de-duplication is the caller's policy. A mid-load failure
// leaves the store untouched for that file.
func (m *Manager) LoadDocument(ctx context.Context, dsn string, doc *model.Document, chunks []model.Chunk, embeddings []model.Embedding) error {
	pool, err := m.Pool(ctx, dsn)
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "knowledge: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO documents (id, source, version, created_at) VALUES ($1, $2, $3, $4)`,
		doc.ID, doc.Source, doc.Version, doc.CreatedAt,
	); err != nil {
		return eris.Wrap(err, "knowledge: insert document")
	}

	chunkRows := make([][]any, len(chunks))
	for i, c := range chunks {
		chunkRows[i] = []any{c.ID, c.DocumentID, c.Index, c.Offset, string(c.Kind), c.Text, c.Capabilities}
	}
	if _, err := db.CopyFromTx(ctx, tx, "chunks",
		[]string{"id", "document_id", "idx", "byte_offset", "kind", "text", "capabilities"},
		chunkRows,
	); err != nil {
		return err
	}

	embRows := make([][]any, len(embeddings))
	for i, e := range embeddings {
		embRows[i] = []any{e.ChunkID, e.Vector}
	}
	if _, err := db.CopyFromTx(ctx, tx, "embeddings",
		[]string{"chunk_id", "vector"},
		embRows,
	); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "knowledge: commit tx")
	}

	zap.L().Debug("document loaded",
		zap.String("document_id", doc.ID),
		zap.String("source", doc.Source),
		zap.Int("chunks", len(chunks)),
	)
	return nil
}

// Hit is one retrieved chunk with its similarity score.
type Hit struct {
	Chunk model.Chunk
	Score float64
}

// searchCandidateLimit caps how many embeddings one search scans. Tenant
// stores are sized well below this; revisit if that stops holding.
const searchCandidateLimit = 10000

// Search returns the topK chunks most similar to the query vector, by cosine
// similarity. Ranking happens client-side over candidate rows.
func (m *Manager) Search(ctx context.Context, dsn string, query []float32, topK int) ([]Hit, error) {
	pool, err := m.Pool(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 5
	}

	rows, err := pool.Query(ctx,
		`SELECT c.id, c.document_id, c.idx, c.byte_offset, c.kind, c.text, c.capabilities, e.vector
		 FROM embeddings e JOIN chunks c ON c.id = e.chunk_id
		 LIMIT $1`,
		searchCandidateLimit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "knowledge: search query")
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var c model.Chunk
		var vector []float32
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Index, &c.Offset, &c.Kind, &c.Text, &c.Capabilities, &vector); err != nil {
			return nil, eris.Wrap(err, "knowledge: scan hit")
		}
		hits = append(hits, Hit{Chunk: c, Score: CosineSimilarity(query, vector)})
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "knowledge: iterate hits")
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// CosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched lengths and zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
