// Package router dispatches capability requests to the right inference
// surface: the tenant's private stack for capabilities it serves itself, or
// a shared capability service with tenant context attached. The router is
// stateless; everything it needs is resolved per call.
package router

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/cortexa-labs/cortexa/internal/config"
	"github.com/cortexa-labs/cortexa/internal/model"
	"github.com/cortexa-labs/cortexa/pkg/embedder"
	"github.com/cortexa-labs/cortexa/pkg/inference"
	"github.com/cortexa-labs/cortexa/pkg/knowledge"
)

// Resolver resolves tenant identifiers to deployment records.
type Resolver interface {
	Resolve(ctx context.Context, identifier string) (*model.Deployment, error)
}

// AdapterManager pins a tenant's adapter on its private backend.
type AdapterManager interface {
	EnsureActive(ctx context.Context, dep *model.Deployment) (func(), error)
}

// Searcher retrieves relevant chunks from a tenant knowledge store.
type Searcher interface {
	Search(ctx context.Context, dsn string, query []float32, topK int) ([]knowledge.Hit, error)
}

// InferenceFactory builds an inference client for a base URL.
type InferenceFactory func(baseURL string) inference.Client

// EmbedderFactory builds an embedding client for a tenant's endpoint.
type EmbedderFactory func(baseURL string) embedder.Client

// Request is one capability dispatch.
type Request struct {
	Tenant     string `json:"tenant"`
	Capability string `json:"capability"`
	Prompt     string `json:"prompt"`
	MaxTokens  int    `json:"max_tokens,omitempty"`
}

// Response is a dispatch result.
type Response struct {
	Text         string   `json:"text"`
	Shared       bool     `json:"shared"`
	Context      []string `json:"context,omitempty"`
	InputTokens  int64    `json:"input_tokens"`
	OutputTokens int64    `json:"output_tokens"`
}

// Router routes capability requests for all tenants.
type Router struct {
	registry  Resolver
	adapters  AdapterManager
	knowledge Searcher
	inferFor  InferenceFactory
	embedFor  EmbedderFactory
	shared    map[string]string
	topK      int
}

// New wires a Router. Nil factories use real HTTP clients.
func New(reg Resolver, adapters AdapterManager, kn Searcher, inferFor InferenceFactory, embedFor EmbedderFactory, cfg config.RouterConfig) *Router {
	if inferFor == nil {
		inferFor = func(baseURL string) inference.Client { return inference.NewClient(baseURL) }
	}
	if embedFor == nil {
		embedFor = func(baseURL string) embedder.Client { return embedder.NewClient(baseURL) }
	}
	topK := cfg.RetrievalTopK
	if topK <= 0 {
		topK = 5
	}
	return &Router{
		registry:  reg,
		adapters:  adapters,
		knowledge: kn,
		inferFor:  inferFor,
		embedFor:  embedFor,
		shared:    cfg.SharedServices,
		topK:      topK,
	}
}

// Dispatch resolves the tenant, enforces its capability grants, retrieves
// knowledge context, and routes the request. The grant check runs before any
// outbound call; an ungranted capability never reaches a service.
func (r *Router) Dispatch(ctx context.Context, req Request) (*Response, error) {
	dep, err := r.registry.Resolve(ctx, req.Tenant)
	if err != nil {
		return nil, err
	}
	if !dep.HasCapability(req.Capability) {
		return nil, eris.Wrapf(model.ErrPermissionDenied, "router: capability %s not granted to %s", req.Capability, dep.TenantID)
	}

	snippets := r.retrieve(ctx, dep, req.Prompt)

	if sharedURL, ok := r.shared[req.Capability]; ok {
		return r.dispatchShared(ctx, dep, req, sharedURL, snippets)
	}
	return r.dispatchPrivate(ctx, dep, req, snippets)
}

// retrieve pulls context from the tenant's knowledge store. Retrieval is an
// enhancement: a failure degrades to an uncontextualized dispatch.
func (r *Router) retrieve(ctx context.Context, dep *model.Deployment, prompt string) []string {
	if r.knowledge == nil || prompt == "" {
		return nil
	}

	vectors, err := r.embedFor(dep.EmbeddingURL).Embed(ctx, []string{prompt})
	if err != nil || len(vectors) == 0 {
		zap.L().Warn("query embedding failed",
			zap.String("tenant_id", dep.TenantID),
			zap.Error(err),
		)
		return nil
	}

	hits, err := r.knowledge.Search(ctx, dep.KnowledgeDSN, vectors[0], r.topK)
	if err != nil {
		zap.L().Warn("knowledge search failed",
			zap.String("tenant_id", dep.TenantID),
			zap.Error(err),
		)
		return nil
	}

	snippets := make([]string, len(hits))
	for i, h := range hits {
		snippets[i] = h.Chunk.Text
	}
	return snippets
}

func (r *Router) dispatchPrivate(ctx context.Context, dep *model.Deployment, req Request, snippets []string) (*Response, error) {
	release, err := r.adapters.EnsureActive(ctx, dep)
	if err != nil {
		return nil, err
	}
	defer release()

	resp, err := r.inferFor(dep.InferenceURL).Infer(ctx, inference.InferRequest{
		AdapterID: dep.TenantID,
		Prompt:    req.Prompt,
		Context:   snippets,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	zap.L().Debug("dispatched private",
		zap.String("tenant_id", dep.TenantID),
		zap.String("capability", req.Capability),
		zap.String("backend", dep.Backend),
	)
	return &Response{
		Text:         resp.Text,
		Context:      snippets,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	}, nil
}

func (r *Router) dispatchShared(ctx context.Context, dep *model.Deployment, req Request, sharedURL string, snippets []string) (*Response, error) {
	resp, err := r.inferFor(sharedURL).Infer(ctx, inference.InferRequest{
		TenantID:  dep.TenantID,
		Prompt:    req.Prompt,
		Context:   snippets,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	zap.L().Debug("dispatched shared",
		zap.String("tenant_id", dep.TenantID),
		zap.String("capability", req.Capability),
	)
	return &Response{
		Text:         resp.Text,
		Shared:       true,
		Context:      snippets,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	}, nil
}
