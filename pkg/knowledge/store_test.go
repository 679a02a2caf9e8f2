package knowledge

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexa-labs/cortexa/internal/db"
	"github.com/cortexa-labs/cortexa/internal/model"
)

func newMockManager(t *testing.T) (*Manager, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	m := NewManagerWithDial(func(ctx context.Context, dsn string) (db.Pool, error) {
		return mock, nil
	})
	return m, mock
}

func TestManager_PoolCachedPerDSN(t *testing.T) {
	t.Parallel()

	dials := 0
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	m := NewManagerWithDial(func(ctx context.Context, dsn string) (db.Pool, error) {
		dials++
		return mock, nil
	})

	ctx := context.Background()
	_, err = m.Pool(ctx, "postgres://k/acme")
	require.NoError(t, err)
	_, err = m.Pool(ctx, "postgres://k/acme")
	require.NoError(t, err)
	assert.Equal(t, 1, dials)

	_, err = m.Pool(ctx, "postgres://k/globex")
	require.NoError(t, err)
	assert.Equal(t, 2, dials)
}

func TestLoadDocument_SingleTransaction(t *testing.T) {
	t.Parallel()
	m, mock := newMockManager(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO documents`).
		WithArgs("doc-1", "handbook.pdf", 2, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCopyFrom(pgx.Identifier{"chunks"},
		[]string{"id", "document_id", "idx", "byte_offset", "kind", "text", "capabilities"}).
		WillReturnResult(2)
	mock.ExpectCopyFrom(pgx.Identifier{"embeddings"}, []string{"chunk_id", "vector"}).
		WillReturnResult(2)
	mock.ExpectCommit()

	doc := &model.Document{ID: "doc-1", Source: "handbook.pdf", Version: 2, CreatedAt: time.Now().UTC()}
	chunks := []model.Chunk{
		{ID: "c1", DocumentID: "doc-1", Index: 0, Kind: model.ChunkHeading, Text: "Intro"},
		{ID: "c2", DocumentID: "doc-1", Index: 1, Kind: model.ChunkParagraph, Text: "Body"},
	}
	embeddings := []model.Embedding{
		{ChunkID: "c1", Vector: []float32{0.1, 0.2}},
		{ChunkID: "c2", Vector: []float32{0.3, 0.4}},
	}

	err := m.LoadDocument(context.Background(), "postgres://k/acme", doc, chunks, embeddings)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// Loading the same source again writes a second version; the transaction
// issues no deletes, so earlier versions remain queryable.
func TestLoadDocument_ReingestKeepsPriorVersions(t *testing.T) {
	t.Parallel()
	m, mock := newMockManager(t)

	for i, id := range []string{"doc-v1", "doc-v2"} {
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO documents`).
			WithArgs(id, "report.csv", i+1, pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectCopyFrom(pgx.Identifier{"chunks"},
			[]string{"id", "document_id", "idx", "byte_offset", "kind", "text", "capabilities"}).
			WillReturnResult(1)
		mock.ExpectCopyFrom(pgx.Identifier{"embeddings"}, []string{"chunk_id", "vector"}).
			WillReturnResult(1)
		mock.ExpectCommit()
	}

	ctx := context.Background()
	for i, id := range []string{"doc-v1", "doc-v2"} {
		doc := &model.Document{ID: id, Source: "report.csv", Version: i + 1, CreatedAt: time.Now().UTC()}
		chunks := []model.Chunk{{ID: "c-" + id, DocumentID: id, Index: 0, Kind: model.ChunkParagraph, Text: "row"}}
		embeddings := []model.Embedding{{ChunkID: "c-" + id, Vector: []float32{0.5}}}
		require.NoError(t, m.LoadDocument(ctx, "postgres://k/acme", doc, chunks, embeddings))
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadDocument_RollsBackOnFailure(t *testing.T) {
	t.Parallel()
	m, mock := newMockManager(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO documents`).
		WithArgs("doc-2", "broken.csv", 1, pgxmock.AnyArg()).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	doc := &model.Document{ID: "doc-2", Source: "broken.csv", Version: 1, CreatedAt: time.Now().UTC()}
	err := m.LoadDocument(context.Background(), "postgres://k/acme", doc, nil, nil)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearch_RanksByCosine(t *testing.T) {
	t.Parallel()
	m, mock := newMockManager(t)

	rows := pgxmock.NewRows([]string{"id", "document_id", "idx", "byte_offset", "kind", "text", "capabilities", "vector"}).
		AddRow("c1", "d1", 0, 0, "paragraph", "orthogonal", []string{}, []float32{0, 1}).
		AddRow("c2", "d1", 1, 0, "paragraph", "aligned", []string{}, []float32{1, 0}).
		AddRow("c3", "d1", 2, 0, "paragraph", "close", []string{}, []float32{0.9, 0.1})
	mock.ExpectQuery(`FROM embeddings e JOIN chunks c`).
		WithArgs(searchCandidateLimit).
		WillReturnRows(rows)

	hits, err := m.Search(context.Background(), "postgres://k/acme", []float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "aligned", hits[0].Chunk.Text)
	assert.Equal(t, "close", hits[1].Chunk.Text)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCosineSimilarity(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Zero(t, CosineSimilarity([]float32{1}, []float32{1, 2}))
	assert.Zero(t, CosineSimilarity([]float32{0, 0}, []float32{1, 2}))
}
