package ingest

import (
	"context"
	"errors"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/cortexa-labs/cortexa/internal/catalog"
	"github.com/cortexa-labs/cortexa/internal/config"
	"github.com/cortexa-labs/cortexa/internal/generator"
	"github.com/cortexa-labs/cortexa/internal/model"
	"github.com/cortexa-labs/cortexa/internal/store"
	"github.com/cortexa-labs/cortexa/pkg/embedder"
)

// JobStore is the slice of the metadata store the runner needs.
type JobStore interface {
	CreateJob(ctx context.Context, job *model.IngestionJob) error
	GetJob(ctx context.Context, jobID string) (*model.IngestionJob, error)
	UpdateJobState(ctx context.Context, jobID string, state model.JobState) error
	UpdateJobManifest(ctx context.Context, jobID string, m *model.Manifest) error
	CompleteJob(ctx context.Context, jobID string, state model.JobState, m *model.Manifest, jobErr string) error
	CancelRequested(ctx context.Context, jobID string) (bool, error)
}

// DeploymentResolver resolves a tenant identifier to its deployment record.
type DeploymentResolver interface {
	Resolve(ctx context.Context, identifier string) (*model.Deployment, error)
}

// HandlerProvider returns a production handler for a format signature,
// generating one when the catalog has none.
type HandlerProvider interface {
	EnsureHandler(ctx context.Context, sig model.FormatSignature, sample []byte) (*model.FormatHandler, error)
}

// Extractor runs a production handler against raw file content.
type Extractor interface {
	Extract(ctx context.Context, h *model.FormatHandler, raw []byte) (string, error)
}

// KnowledgeLoader writes one document atomically to a tenant knowledge store.
type KnowledgeLoader interface {
	LoadDocument(ctx context.Context, dsn string, doc *model.Document, chunks []model.Chunk, embeddings []model.Embedding) error
}

// EmbedderFactory builds an embedding client for a tenant's embedding
// endpoint.
type EmbedderFactory func(baseURL string) embedder.Client

// Runner executes ingestion jobs through the pipeline stages. One Runner is
// shared by all jobs; per-job state lives in the store and in the progress
// table.
type Runner struct {
	store      JobStore
	registry   DeploymentResolver
	handlers   HandlerProvider
	extractor  Extractor
	knowledge  KnowledgeLoader
	embedFor   EmbedderFactory
	fetcher    *Fetcher
	chunker    *Chunker
	classifier *Classifier
	fanOut     int
	limiter    *rate.Limiter

	mu       sync.Mutex
	progress map[string]model.Progress
	watchers map[string][]chan model.Progress
}

// NewRunner wires a Runner from its collaborators and ingestion config.
func NewRunner(
	st JobStore,
	reg DeploymentResolver,
	handlers HandlerProvider,
	extractor Extractor,
	knowledge KnowledgeLoader,
	embedFor EmbedderFactory,
	cfg config.IngestConfig,
) *Runner {
	fanOut := cfg.FanOut
	if fanOut < 1 {
		fanOut = 4
	}
	embedLimit := rate.Inf
	if cfg.EmbedRatePerSec > 0 {
		embedLimit = rate.Limit(cfg.EmbedRatePerSec)
	}
	return &Runner{
		store:      st,
		registry:   reg,
		handlers:   handlers,
		extractor:  extractor,
		knowledge:  knowledge,
		embedFor:   embedFor,
		fetcher:    NewFetcher(time.Duration(cfg.FetchTimeoutSecs)*time.Second, cfg.FetchRatePerSec),
		chunker:    NewChunker(cfg.ChunkMaxRunes, cfg.ChunkOverlap),
		classifier: NewClassifier(nil),
		fanOut:     fanOut,
		limiter:    rate.NewLimiter(embedLimit, 1),
		progress:   make(map[string]model.Progress),
		watchers:   make(map[string][]chan model.Progress),
	}
}

// Submit validates the tenant and creates a queued job. The caller decides
// when and where Run executes.
func (r *Runner) Submit(ctx context.Context, tenantID string, files []string) (*model.IngestionJob, error) {
	if len(files) == 0 {
		return nil, eris.New("ingest: job needs at least one file")
	}
	dep, err := r.registry.Resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	job := &model.IngestionJob{
		ID:       uuid.New().String(),
		TenantID: dep.TenantID,
		Files:    files,
		State:    model.JobQueued,
	}
	if err := r.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	zap.L().Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("tenant_id", dep.TenantID),
		zap.Int("files", len(files)),
	)
	return job, nil
}

// fileState carries one source file between stages.
type fileState struct {
	source     string
	raw        []byte
	sig        model.FormatSignature
	handler    *model.FormatHandler
	text       string
	docTags    []string
	doc        *model.Document
	chunks     []model.Chunk
	embeddings []model.Embedding

	outcome model.FileOutcome
	reason  string
	started time.Time
	elapsed time.Duration
}

func (f *fileState) pending() bool { return f.outcome == model.FileUnprocessed }

func (f *fileState) fail(err error) {
	f.outcome = model.FileFailed
	f.reason = err.Error()
}

func (f *fileState) skip(err error) {
	f.outcome = model.FileSkipped
	f.reason = err.Error()
}

// phase is one stage of the job state machine with its share of the
// progress bar.
type phase struct {
	state  model.JobState
	weight float64
	run    func(ctx context.Context, jobID string, dep *model.Deployment, files []*fileState) error
}

// Run executes one job to a terminal state. Individual file failures are
// recorded in the manifest and never fail the job; only orchestration
// faults do.
func (r *Runner) Run(ctx context.Context, jobID string) error {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	dep, err := r.registry.Resolve(ctx, job.TenantID)
	if err != nil {
		return r.finish(ctx, job, nil, model.JobFailed, err)
	}

	files := make([]*fileState, len(job.Files))
	for i, src := range job.Files {
		files[i] = &fileState{source: src, outcome: model.FileUnprocessed, started: time.Now()}
	}

	phases := []phase{
		{model.JobCrawling, 0.10, r.crawl},
		{model.JobExtracting, 0.30, r.extract},
		{model.JobClassifying, 0.10, r.classify},
		{model.JobChunking, 0.10, r.chunk},
		{model.JobEmbedding, 0.25, r.embed},
		{model.JobLoading, 0.15, r.load},
	}

	done := 0.0
	for _, p := range phases {
		cancelled, err := r.cancelRequested(ctx, job.ID)
		if err != nil {
			return r.finish(ctx, job, files, model.JobFailed, err)
		}
		if cancelled {
			return r.finish(ctx, job, files, model.JobCancelled, nil)
		}

		if err := r.store.UpdateJobState(ctx, job.ID, p.state); err != nil {
			return r.finish(ctx, job, files, model.JobFailed, err)
		}
		r.publish(job, p.state, done, files)

		started := time.Now()
		if err := p.run(ctx, job.ID, dep, files); err != nil {
			zap.L().Error("job phase failed",
				zap.String("job_id", job.ID),
				zap.String("phase", string(p.state)),
				zap.Error(err),
			)
			return r.finish(ctx, job, files, model.JobFailed, err)
		}
		done += p.weight
		r.publish(job, p.state, done, files)
		zap.L().Debug("job phase done",
			zap.String("job_id", job.ID),
			zap.String("phase", string(p.state)),
			zap.Duration("elapsed", time.Since(started)),
		)

		if err := r.store.UpdateJobManifest(ctx, job.ID, manifest(files)); err != nil {
			return r.finish(ctx, job, files, model.JobFailed, err)
		}
	}

	return r.finish(ctx, job, files, model.JobCompleted, nil)
}

// finish drives the job to its terminal state and freezes the manifest.
func (r *Runner) finish(ctx context.Context, job *model.IngestionJob, files []*fileState, state model.JobState, cause error) error {
	if files == nil {
		for _, src := range job.Files {
			files = append(files, &fileState{source: src, outcome: model.FileUnprocessed})
		}
	}
	m := manifest(files)
	jobErr := ""
	if cause != nil {
		jobErr = cause.Error()
	}
	if err := r.store.CompleteJob(ctx, job.ID, state, m, jobErr); err != nil {
		zap.L().Error("job finalize failed", zap.String("job_id", job.ID), zap.Error(err))
		if cause == nil {
			cause = err
		}
	}
	r.publish(job, state, 1.0, files)
	r.closeWatchers(job.ID)

	succeeded, skipped, failed := m.Counts()
	zap.L().Info("job finished",
		zap.String("job_id", job.ID),
		zap.String("state", string(state)),
		zap.Int("succeeded", succeeded),
		zap.Int("skipped", skipped),
		zap.Int("failed", failed),
	)
	return cause
}

func manifest(files []*fileState) *model.Manifest {
	m := &model.Manifest{}
	for _, f := range files {
		m.Files = append(m.Files, model.FileResult{
			Source:     f.source,
			Outcome:    f.outcome,
			Reason:     f.reason,
			DocumentID: docID(f),
			Chunks:     len(f.chunks),
			DurationMs: f.elapsed.Milliseconds(),
		})
	}
	return m
}

func docID(f *fileState) string {
	if f.doc == nil || f.outcome != model.FileSucceeded {
		return ""
	}
	return f.doc.ID
}

// forEach fans pending files out on a bounded worker pool. Worker faults are
// recorded on the file; only pool construction fails the phase.
func (r *Runner) forEach(ctx context.Context, jobID string, files []*fileState, fn func(ctx context.Context, f *fileState) error) error {
	pool, err := ants.NewPool(r.fanOut)
	if err != nil {
		return eris.Wrap(err, "ingest: create worker pool")
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for _, f := range files {
		if !f.pending() {
			continue
		}
		f := f
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			cancelled, cerr := r.cancelRequested(ctx, jobID)
			if cerr == nil && cancelled {
				return
			}
			r.noteFile(jobID, f.source)
			if err := fn(ctx, f); err != nil {
				if errors.Is(err, generator.ErrExhausted) || model.IsValidation(err) {
					f.skip(err)
				} else {
					f.fail(err)
				}
			}
		})
		if submitErr != nil {
			wg.Done()
			return eris.Wrap(submitErr, "ingest: submit work")
		}
	}
	wg.Wait()
	return nil
}

func (r *Runner) crawl(ctx context.Context, jobID string, dep *model.Deployment, files []*fileState) error {
	return r.forEach(ctx, jobID, files, func(ctx context.Context, f *fileState) error {
		raw, err := r.fetcher.Fetch(ctx, f.source)
		if err != nil {
			return err
		}
		f.raw = raw
		head := raw
		if len(head) > catalog.HeadSampleBytes {
			head = head[:catalog.HeadSampleBytes]
		}
		f.sig = catalog.Compute(sourceName(f.source), head)
		return nil
	})
}

func (r *Runner) extract(ctx context.Context, jobID string, dep *model.Deployment, files []*fileState) error {
	return r.forEach(ctx, jobID, files, func(ctx context.Context, f *fileState) error {
		sample := f.raw
		if len(sample) > catalog.HeadSampleBytes {
			sample = sample[:catalog.HeadSampleBytes]
		}
		h, err := r.handlers.EnsureHandler(ctx, f.sig, sample)
		if err != nil {
			return err
		}
		f.handler = h

		text, err := r.extractor.Extract(ctx, h, f.raw)
		if err != nil {
			return err
		}
		if strings.TrimSpace(text) == "" {
			return model.NewValidationError("extract", "no text content")
		}
		f.text = text
		f.raw = nil
		return nil
	})
}

func (r *Runner) classify(ctx context.Context, jobID string, dep *model.Deployment, files []*fileState) error {
	return r.forEach(ctx, jobID, files, func(_ context.Context, f *fileState) error {
		f.docTags = r.classifier.Classify(f.text)
		zap.L().Debug("file classified",
			zap.String("source", f.source),
			zap.Strings("capabilities", f.docTags),
		)
		return nil
	})
}

func (r *Runner) chunk(ctx context.Context, jobID string, dep *model.Deployment, files []*fileState) error {
	return r.forEach(ctx, jobID, files, func(_ context.Context, f *fileState) error {
		f.doc = &model.Document{
			ID:        uuid.New().String(),
			TenantID:  dep.TenantID,
			Source:    f.source,
			Version:   int(time.Now().Unix()),
			Text:      f.text,
			Signature: f.sig.Key(),
			CreatedAt: time.Now().UTC(),
		}
		f.chunks = r.chunker.Chunk(f.doc.ID, f.text)
		if len(f.chunks) == 0 {
			return model.NewValidationError("chunk", "no chunks produced")
		}
		// Per-chunk tags refine the document-level pass; a chunk with no
		// keyword hits falls back to the document tags.
		r.classifier.ClassifyChunks(f.chunks)
		for i := range f.chunks {
			if len(f.chunks[i].Capabilities) == 0 {
				f.chunks[i].Capabilities = f.docTags
			}
		}
		return nil
	})
}

func (r *Runner) embed(ctx context.Context, jobID string, dep *model.Deployment, files []*fileState) error {
	client := r.embedFor(dep.EmbeddingURL)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.fanOut)
	for _, f := range files {
		if !f.pending() {
			continue
		}
		f := f
		g.Go(func() error {
			r.noteFile(jobID, f.source)
			if err := r.limiter.Wait(gctx); err != nil {
				f.fail(err)
				return nil
			}
			texts := make([]string, len(f.chunks))
			for i, c := range f.chunks {
				texts[i] = c.Text
			}
			vectors, err := client.Embed(gctx, texts)
			if err != nil {
				f.fail(err)
				return nil
			}
			if len(vectors) != len(f.chunks) {
				f.fail(eris.Errorf("ingest: %d vectors for %d chunks", len(vectors), len(f.chunks)))
				return nil
			}
			f.embeddings = make([]model.Embedding, len(vectors))
			for i, v := range vectors {
				f.embeddings[i] = model.Embedding{ChunkID: f.chunks[i].ID, Vector: v}
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *Runner) load(ctx context.Context, jobID string, dep *model.Deployment, files []*fileState) error {
	return r.forEach(ctx, jobID, files, func(ctx context.Context, f *fileState) error {
		if err := r.knowledge.LoadDocument(ctx, dep.KnowledgeDSN, f.doc, f.chunks, f.embeddings); err != nil {
			return err
		}
		f.outcome = model.FileSucceeded
		f.elapsed = time.Since(f.started)
		return nil
	})
}

// Cancel asks a running job to stop at the next file boundary.
func (r *Runner) Cancel(ctx context.Context, jobID string) error {
	type canceller interface {
		RequestCancel(ctx context.Context, jobID string) error
	}
	c, ok := r.store.(canceller)
	if !ok {
		return eris.New("ingest: store does not support cancellation")
	}
	return c.RequestCancel(ctx, jobID)
}

func (r *Runner) cancelRequested(ctx context.Context, jobID string) (bool, error) {
	if jobID == "" {
		return false, nil
	}
	return r.store.CancelRequested(ctx, jobID)
}

// Watch returns a channel of progress updates for a job. The channel closes
// when the job reaches a terminal state. Slow receivers miss intermediate
// updates rather than blocking the runner.
func (r *Runner) Watch(jobID string) <-chan model.Progress {
	ch := make(chan model.Progress, 64)
	r.mu.Lock()
	r.watchers[jobID] = append(r.watchers[jobID], ch)
	r.mu.Unlock()
	return ch
}

// Snapshot returns the last published progress for a job, if any.
func (r *Runner) Snapshot(jobID string) (model.Progress, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.progress[jobID]
	return p, ok
}

func (r *Runner) publish(job *model.IngestionJob, state model.JobState, fraction float64, files []*fileState) {
	done := 0
	for _, f := range files {
		if f != nil && !f.pending() {
			done++
		}
	}
	p := model.Progress{
		JobID:      job.ID,
		State:      state,
		Percent:    fraction * 100,
		FilesDone:  done,
		FilesTotal: len(job.Files),
	}
	if state.Terminal() {
		p.Percent = 100
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.progress[job.ID]; ok {
		if p.Percent < prev.Percent {
			p.Percent = prev.Percent
		}
		// Phase transitions keep naming the last file a worker picked up;
		// a terminal state has no current file.
		if !state.Terminal() {
			p.CurrentFile = prev.CurrentFile
		}
	}
	r.progress[job.ID] = p
	for _, ch := range r.watchers[job.ID] {
		select {
		case ch <- p:
		default:
		}
	}
}

// noteFile records the file a worker just picked up and pushes the updated
// progress to watchers. No-op before the first phase publish.
func (r *Runner) noteFile(jobID, source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.progress[jobID]
	if !ok {
		return
	}
	p.CurrentFile = source
	r.progress[jobID] = p
	for _, ch := range r.watchers[jobID] {
		select {
		case ch <- p:
		default:
		}
	}
}

func (r *Runner) closeWatchers(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.watchers[jobID] {
		close(ch)
	}
	delete(r.watchers, jobID)
}

// sourceName extracts the filename part of a source path or URL for
// signature computation.
func sourceName(source string) string {
	if strings.Contains(source, "://") {
		if u, err := url.Parse(source); err == nil {
			return path.Base(u.Path)
		}
	}
	return filepath.Base(source)
}

var _ JobStore = (store.Store)(nil)
