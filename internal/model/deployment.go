package model

import (
	"slices"
	"time"
)

// Deployment describes one tenant's isolated stack: where its inference,
// embedding, and knowledge-store services live and which shared capabilities
// it may use. Exactly one active deployment exists per tenant; records are
// soft-disabled rather than deleted so the audit trail survives migrations.
type Deployment struct {
	TenantID     string    `json:"tenant_id"`
	Alias        string    `json:"alias"`
	Name         string    `json:"name"`
	InferenceURL string    `json:"inference_url"`
	EmbeddingURL string    `json:"embedding_url"`
	KnowledgeDSN string    `json:"knowledge_dsn"`
	Backend      string    `json:"backend"`
	Capabilities []string  `json:"capabilities"`
	Disabled     bool      `json:"disabled"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HasCapability reports whether the shared capability is granted to this
// deployment. Checked on every router dispatch.
func (d *Deployment) HasCapability(capability string) bool {
	return slices.Contains(d.Capabilities, capability)
}

// Validate checks the invariants an enabled deployment must satisfy.
func (d *Deployment) Validate() error {
	if d.Disabled {
		return nil
	}
	if d.TenantID == "" {
		return NewValidationError("static", "deployment missing tenant id")
	}
	if d.InferenceURL == "" || d.EmbeddingURL == "" || d.KnowledgeDSN == "" {
		return NewValidationError("static", "enabled deployment %s has empty endpoint fields", d.TenantID)
	}
	return nil
}
