package store

import (
	"context"

	"github.com/cortexa-labs/cortexa/internal/model"
)

// JobFilter specifies criteria for listing ingestion jobs.
type JobFilter struct {
	TenantID string         `json:"tenant_id,omitempty"`
	State    model.JobState `json:"state,omitempty"`
	Limit    int            `json:"limit,omitempty"`
	Offset   int            `json:"offset,omitempty"`
}

// Store defines the persistent metadata interface: tenant deployments and
// their capability grants, the shared format-handler catalog, and ingestion
// job records with their manifests.
type Store interface {
	// Deployments. GetDeployment accepts tenant UUID, alias, or canonical
	// name interchangeably and returns model.ErrNotFound for unknown
	// identifiers (an expected outcome, not a fault).
	CreateDeployment(ctx context.Context, d *model.Deployment) error
	GetDeployment(ctx context.Context, identifier string) (*model.Deployment, error)
	ListDeployments(ctx context.Context) ([]model.Deployment, error)
	SetCapability(ctx context.Context, tenantID, capability string, enabled bool) error
	SetDisabled(ctx context.Context, tenantID string, disabled bool) error

	// Format handlers. RegisterHandler is append-only first-writer-wins:
	// it reports false, with no error, when the signature is already
	// registered. SeedHandlers bulk-registers builtins at startup with the
	// same conflict semantics.
	GetHandler(ctx context.Context, signatureKey string) (*model.FormatHandler, error)
	RegisterHandler(ctx context.Context, h *model.FormatHandler) (bool, error)
	ListHandlers(ctx context.Context) ([]model.FormatHandler, error)
	SeedHandlers(ctx context.Context, hs []model.FormatHandler) error

	// Ingestion jobs. State updates against a terminal job are rejected;
	// the manifest is written as it accumulates and frozen by CompleteJob.
	CreateJob(ctx context.Context, job *model.IngestionJob) error
	UpdateJobState(ctx context.Context, jobID string, state model.JobState) error
	UpdateJobManifest(ctx context.Context, jobID string, m *model.Manifest) error
	CompleteJob(ctx context.Context, jobID string, state model.JobState, m *model.Manifest, jobErr string) error
	GetJob(ctx context.Context, jobID string) (*model.IngestionJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.IngestionJob, error)
	RequestCancel(ctx context.Context, jobID string) error
	CancelRequested(ctx context.Context, jobID string) (bool, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
