package model

import "time"

// JobState is the orchestrator-level state of an ingestion job.
type JobState string

// Job states. Individual file failures never transition a job to failed;
// only orchestration-level faults (store unreachable, registry unreachable)
// do. Terminal states are completed, failed, and cancelled.
const (
	JobQueued      JobState = "queued"
	JobCrawling    JobState = "crawling"
	JobExtracting  JobState = "extracting"
	JobClassifying JobState = "classifying"
	JobChunking    JobState = "chunking"
	JobEmbedding   JobState = "embedding"
	JobLoading     JobState = "loading"
	JobCompleted   JobState = "completed"
	JobFailed      JobState = "failed"
	JobCancelled   JobState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// jobTransitions lists the legal forward edges of the job state machine.
var jobTransitions = map[JobState][]JobState{
	JobQueued:      {JobCrawling, JobFailed, JobCancelled},
	JobCrawling:    {JobExtracting, JobFailed, JobCancelled},
	JobExtracting:  {JobClassifying, JobFailed, JobCancelled},
	JobClassifying: {JobChunking, JobFailed, JobCancelled},
	JobChunking:    {JobEmbedding, JobFailed, JobCancelled},
	JobEmbedding:   {JobLoading, JobFailed, JobCancelled},
	JobLoading:     {JobCompleted, JobFailed, JobCancelled},
}

// CanTransition reports whether moving from s to next is legal.
func (s JobState) CanTransition(next JobState) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// FileOutcome is the terminal result for one source file within a job.
type FileOutcome string

// Per-file outcomes recorded in the job manifest.
const (
	FileSucceeded   FileOutcome = "succeeded"
	FileSkipped     FileOutcome = "skipped_unsupported"
	FileFailed      FileOutcome = "failed"
	FileUnprocessed FileOutcome = "unprocessed"
)

// FileResult is one manifest entry: what happened to one source file.
type FileResult struct {
	Source     string      `json:"source"`
	Outcome    FileOutcome `json:"outcome"`
	Reason     string      `json:"reason,omitempty"`
	DocumentID string      `json:"document_id,omitempty"`
	Chunks     int         `json:"chunks,omitempty"`
	DurationMs int64       `json:"duration_ms,omitempty"`
}

// Manifest accumulates per-file outcomes for a job. It is immutable once
// the job reaches a terminal state.
type Manifest struct {
	Files []FileResult `json:"files"`
}

// Counts tallies outcomes for progress reporting.
func (m *Manifest) Counts() (succeeded, skipped, failed int) {
	for _, f := range m.Files {
		switch f.Outcome {
		case FileSucceeded:
			succeeded++
		case FileSkipped:
			skipped++
		case FileFailed:
			failed++
		}
	}
	return succeeded, skipped, failed
}

// IngestionJob is one tenant's batch of source files moving through the
// pipeline. Jobs belong to exactly one tenant and are immutable once
// terminal.
type IngestionJob struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Files     []string  `json:"files"`
	State     JobState  `json:"state"`
	Manifest  Manifest  `json:"manifest"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Progress is the observable mid-flight status of a job. Percent is
// monotonic for a given job run.
type Progress struct {
	JobID       string   `json:"job_id"`
	State       JobState `json:"state"`
	Percent     float64  `json:"percent"`
	CurrentFile string   `json:"current_file,omitempty"`
	FilesDone   int      `json:"files_done"`
	FilesTotal  int      `json:"files_total"`
}
