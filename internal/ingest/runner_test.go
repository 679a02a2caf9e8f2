package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexa-labs/cortexa/internal/catalog"
	"github.com/cortexa-labs/cortexa/internal/config"
	"github.com/cortexa-labs/cortexa/internal/generator"
	"github.com/cortexa-labs/cortexa/internal/model"
	"github.com/cortexa-labs/cortexa/internal/sandbox"
	"github.com/cortexa-labs/cortexa/pkg/embedder"
)

// fakeJobStore keeps jobs in memory with the real terminal-state semantics.
type fakeJobStore struct {
	mu        sync.Mutex
	jobs      map[string]*model.IngestionJob
	cancelled map[string]bool
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: make(map[string]*model.IngestionJob), cancelled: make(map[string]bool)}
}

func (s *fakeJobStore) CreateJob(_ context.Context, job *model.IngestionJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *fakeJobStore) GetJob(_ context.Context, jobID string) (*model.IngestionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *fakeJobStore) UpdateJobState(_ context.Context, jobID string, state model.JobState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.State.Terminal() {
		return model.ErrNotFound
	}
	j.State = state
	return nil
}

func (s *fakeJobStore) UpdateJobManifest(_ context.Context, jobID string, m *model.Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.State.Terminal() {
		return model.ErrNotFound
	}
	j.Manifest = *m
	return nil
}

func (s *fakeJobStore) CompleteJob(_ context.Context, jobID string, state model.JobState, m *model.Manifest, jobErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.State.Terminal() {
		return model.ErrNotFound
	}
	j.State = state
	j.Manifest = *m
	j.Error = jobErr
	return nil
}

func (s *fakeJobStore) RequestCancel(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled[jobID] = true
	return nil
}

func (s *fakeJobStore) CancelRequested(_ context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled[jobID], nil
}

type fakeResolver struct {
	dep *model.Deployment
	err error
}

func (r *fakeResolver) Resolve(_ context.Context, _ string) (*model.Deployment, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.dep, nil
}

// catalogProvider serves builtin handlers only; unknown formats come back as
// exhausted so the runner records them skipped.
type catalogProvider struct{ cat *catalog.Catalog }

func (p catalogProvider) EnsureHandler(ctx context.Context, sig model.FormatSignature, _ []byte) (*model.FormatHandler, error) {
	h, err := p.cat.Lookup(ctx, sig)
	if errors.Is(err, model.ErrNotFound) {
		return nil, generator.ErrExhausted
	}
	return h, err
}

type fakeKnowledge struct {
	mu   sync.Mutex
	err  error
	docs []*model.Document
}

func (k *fakeKnowledge) LoadDocument(_ context.Context, _ string, doc *model.Document, _ []model.Chunk, _ []model.Embedding) error {
	if k.err != nil {
		return k.err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.docs = append(k.docs, doc)
	return nil
}

type fakeEmbedder struct{ err error }

func (e *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(len(texts[i])), 1, 0}
	}
	return out, nil
}

type runnerFixture struct {
	runner    *Runner
	store     *fakeJobStore
	knowledge *fakeKnowledge
}

func newRunnerFixture(t *testing.T) *runnerFixture {
	t.Helper()

	fs := newFakeHandlerStore()
	cat := catalog.New(fs, sandbox.NewExecutor(time.Second, 0, 0))
	require.NoError(t, cat.Seed(context.Background()))

	js := newFakeJobStore()
	kn := &fakeKnowledge{}
	dep := &model.Deployment{
		TenantID:     "11111111-1111-1111-1111-111111111111",
		Alias:        "acme",
		Name:         "acme-corp",
		EmbeddingURL: "http://embed.local",
		KnowledgeDSN: "postgres://acme",
	}
	r := NewRunner(
		js,
		&fakeResolver{dep: dep},
		catalogProvider{cat: cat},
		cat,
		kn,
		func(string) embedder.Client { return &fakeEmbedder{} },
		config.IngestConfig{FanOut: 2, ChunkMaxRunes: 400, ChunkOverlap: 40, EmbedBatchSize: 8},
	)
	return &runnerFixture{runner: r, store: js, knowledge: kn}
}

// fakeHandlerStore mirrors first-writer-wins registration in memory.
type fakeHandlerStore struct {
	mu       sync.Mutex
	handlers map[string]model.FormatHandler
}

func newFakeHandlerStore() *fakeHandlerStore {
	return &fakeHandlerStore{handlers: make(map[string]model.FormatHandler)}
}

func (f *fakeHandlerStore) GetHandler(_ context.Context, key string) (*model.FormatHandler, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.handlers[key]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &h, nil
}

func (f *fakeHandlerStore) RegisterHandler(_ context.Context, h *model.FormatHandler) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := h.Signature.Key()
	if _, ok := f.handlers[key]; ok {
		return false, nil
	}
	f.handlers[key] = *h
	return true, nil
}

func (f *fakeHandlerStore) SeedHandlers(ctx context.Context, hs []model.FormatHandler) error {
	for i := range hs {
		if _, err := f.RegisterHandler(ctx, &hs[i]); err != nil {
			return err
		}
	}
	return nil
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRun_CompletesMixedBatch(t *testing.T) {
	t.Parallel()

	fx := newRunnerFixture(t)
	dir := t.TempDir()
	txt := writeFile(t, dir, "policy.txt", "The contract termination clause covers liability and breach remedies.\n\nA second paragraph of policy text.\n")
	csv := writeFile(t, dir, "roster.csv", "name,role\nalice,admin\nbob,viewer\n")
	ctx := context.Background()

	job, err := fx.runner.Submit(ctx, "acme", []string{txt, csv})
	require.NoError(t, err)
	require.NoError(t, fx.runner.Run(ctx, job.ID))

	stored, err := fx.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, stored.State)

	succeeded, skipped, failed := stored.Manifest.Counts()
	assert.Equal(t, 2, succeeded)
	assert.Zero(t, skipped)
	assert.Zero(t, failed)
	for _, f := range stored.Manifest.Files {
		assert.NotEmpty(t, f.DocumentID)
		assert.Positive(t, f.Chunks)
	}
	assert.Len(t, fx.knowledge.docs, 2)
}

func TestRun_UnsupportedFileIsSkippedNotFatal(t *testing.T) {
	t.Parallel()

	fx := newRunnerFixture(t)
	dir := t.TempDir()
	good := writeFile(t, dir, "notes.txt", "Plain readable notes about nothing in particular.\n")
	// Pipe-delimited .dat has no builtin handler and the provider cannot
	// generate one.
	bad := writeFile(t, dir, "legacy.dat", "a|b|c\nd|e|f\n")
	ctx := context.Background()

	job, err := fx.runner.Submit(ctx, "acme", []string{good, bad})
	require.NoError(t, err)
	require.NoError(t, fx.runner.Run(ctx, job.ID))

	stored, err := fx.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, stored.State, "file-level faults never fail the job")

	succeeded, skipped, failed := stored.Manifest.Counts()
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, skipped)
	assert.Zero(t, failed)
}

func TestRun_MissingFileRecordsFailed(t *testing.T) {
	t.Parallel()

	fx := newRunnerFixture(t)
	ctx := context.Background()

	job, err := fx.runner.Submit(ctx, "acme", []string{filepath.Join(t.TempDir(), "gone.txt")})
	require.NoError(t, err)
	require.NoError(t, fx.runner.Run(ctx, job.ID))

	stored, err := fx.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, stored.State)
	require.Len(t, stored.Manifest.Files, 1)
	assert.Equal(t, model.FileFailed, stored.Manifest.Files[0].Outcome)
	assert.NotEmpty(t, stored.Manifest.Files[0].Reason)
}

func TestRun_CancelBeforeRun(t *testing.T) {
	t.Parallel()

	fx := newRunnerFixture(t)
	dir := t.TempDir()
	txt := writeFile(t, dir, "notes.txt", "content\n")
	ctx := context.Background()

	job, err := fx.runner.Submit(ctx, "acme", []string{txt})
	require.NoError(t, err)
	require.NoError(t, fx.runner.Cancel(ctx, job.ID))
	require.NoError(t, fx.runner.Run(ctx, job.ID))

	stored, err := fx.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, stored.State)
	require.Len(t, stored.Manifest.Files, 1)
	assert.Equal(t, model.FileUnprocessed, stored.Manifest.Files[0].Outcome)
	assert.Empty(t, fx.knowledge.docs)
}

func TestRun_EmbedFailureRecordsFailed(t *testing.T) {
	t.Parallel()

	fx := newRunnerFixture(t)
	fx.runner.embedFor = func(string) embedder.Client {
		return &fakeEmbedder{err: errors.New("embedding service down")}
	}
	dir := t.TempDir()
	txt := writeFile(t, dir, "notes.txt", "some perfectly fine text\n")
	ctx := context.Background()

	job, err := fx.runner.Submit(ctx, "acme", []string{txt})
	require.NoError(t, err)
	require.NoError(t, fx.runner.Run(ctx, job.ID))

	stored, err := fx.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, stored.State)
	require.Len(t, stored.Manifest.Files, 1)
	assert.Equal(t, model.FileFailed, stored.Manifest.Files[0].Outcome)
	assert.Contains(t, stored.Manifest.Files[0].Reason, "embedding service down")
}

func TestRun_ResolveFailureFailsJob(t *testing.T) {
	t.Parallel()

	fx := newRunnerFixture(t)
	dir := t.TempDir()
	txt := writeFile(t, dir, "notes.txt", "content\n")
	ctx := context.Background()

	job, err := fx.runner.Submit(ctx, "acme", []string{txt})
	require.NoError(t, err)

	// The deployment disappears between submit and run.
	fx.runner.registry = &fakeResolver{err: model.ErrNotFound}
	err = fx.runner.Run(ctx, job.ID)
	require.Error(t, err)

	stored, err := fx.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, stored.State)
}

func TestSubmit_RejectsEmptyBatch(t *testing.T) {
	t.Parallel()

	fx := newRunnerFixture(t)
	_, err := fx.runner.Submit(context.Background(), "acme", nil)
	assert.Error(t, err)
}

func TestWatch_DeliversProgressAndCloses(t *testing.T) {
	t.Parallel()

	fx := newRunnerFixture(t)
	dir := t.TempDir()
	txt := writeFile(t, dir, "notes.txt", "watchable content here\n")
	ctx := context.Background()

	job, err := fx.runner.Submit(ctx, "acme", []string{txt})
	require.NoError(t, err)

	ch := fx.runner.Watch(job.ID)
	require.NoError(t, fx.runner.Run(ctx, job.ID))

	var last model.Progress
	var prev float64
	sawFile := false
	for p := range ch {
		assert.GreaterOrEqual(t, p.Percent, prev, "percent is monotonic")
		prev = p.Percent
		last = p
		if p.CurrentFile == txt {
			sawFile = true
		}
	}
	assert.Equal(t, model.JobCompleted, last.State)
	assert.InDelta(t, 100.0, last.Percent, 0.001)
	assert.True(t, sawFile, "progress names the file being processed")
	assert.Empty(t, last.CurrentFile, "terminal progress has no current file")

	snap, ok := fx.runner.Snapshot(job.ID)
	require.True(t, ok)
	assert.Equal(t, model.JobCompleted, snap.State)
}
