package catalog

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/cortexa-labs/cortexa/internal/model"
	"github.com/cortexa-labs/cortexa/internal/sandbox"
)

// HandlerStore is the slice of the metadata store the catalog needs.
type HandlerStore interface {
	GetHandler(ctx context.Context, signatureKey string) (*model.FormatHandler, error)
	RegisterHandler(ctx context.Context, h *model.FormatHandler) (bool, error)
	SeedHandlers(ctx context.Context, hs []model.FormatHandler) error
}

// Catalog serves handler lookups from memory, falling back to the store.
// Registration is append-only and first-writer-wins: once a signature has a
// production handler, later registrations for it are discarded.
type Catalog struct {
	store HandlerStore
	exec  *sandbox.Executor

	mu       sync.RWMutex
	handlers map[string]model.FormatHandler
}

// New creates a Catalog using the given executor for plan-based extraction.
func New(store HandlerStore, exec *sandbox.Executor) *Catalog {
	return &Catalog{
		store:    store,
		exec:     exec,
		handlers: make(map[string]model.FormatHandler),
	}
}

// Seed registers the builtin handlers. Safe to call on every startup.
func (c *Catalog) Seed(ctx context.Context) error {
	builtins := Builtins()
	if err := c.store.SeedHandlers(ctx, builtins); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range builtins {
		key := h.Signature.Key()
		if _, ok := c.handlers[key]; !ok {
			c.handlers[key] = h
		}
	}
	zap.L().Info("handler catalog seeded", zap.Int("builtins", len(builtins)))
	return nil
}

// Lookup returns the production handler for a signature, or
// model.ErrNotFound when no handler covers it yet.
func (c *Catalog) Lookup(ctx context.Context, sig model.FormatSignature) (*model.FormatHandler, error) {
	key := sig.Key()

	c.mu.RLock()
	h, ok := c.handlers[key]
	c.mu.RUnlock()
	if ok {
		return &h, nil
	}

	// Another node may have registered it since startup.
	stored, err := c.store.GetHandler(ctx, key)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.handlers[key] = *stored
	c.mu.Unlock()
	return stored, nil
}

// Register adds a production handler under first-writer-wins semantics. The
// returned handler is the one that actually owns the signature: the caller's
// when it won the race, the earlier writer's otherwise.
func (c *Catalog) Register(ctx context.Context, h *model.FormatHandler) (*model.FormatHandler, bool, error) {
	key := h.Signature.Key()

	won, err := c.store.RegisterHandler(ctx, h)
	if err != nil {
		return nil, false, err
	}
	if !won {
		winner, err := c.store.GetHandler(ctx, key)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				// Registration reported a conflict but the winner is gone.
				// Treat the caller's handler as authoritative.
				winner = h
			} else {
				return nil, false, err
			}
		}
		c.mu.Lock()
		c.handlers[key] = *winner
		c.mu.Unlock()
		zap.L().Debug("handler registration lost race",
			zap.String("signature", key),
		)
		return winner, false, nil
	}

	c.mu.Lock()
	c.handlers[key] = *h
	c.mu.Unlock()
	zap.L().Info("handler registered",
		zap.String("signature", key),
		zap.String("origin", string(h.Origin)),
	)
	return h, true, nil
}

// List returns every handler this catalog has seen.
func (c *Catalog) List() []model.FormatHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.FormatHandler, 0, len(c.handlers))
	for _, h := range c.handlers {
		out = append(out, h)
	}
	return out
}

// Extract converts file content to plain text using the handler's extraction
// routine: a native extractor for binary container formats, the plan
// executor for everything else.
func (c *Catalog) Extract(ctx context.Context, h *model.FormatHandler, content []byte) (string, error) {
	if h.Status != model.HandlerProduction {
		return "", model.NewValidationError("extract", "handler %s is not production", h.Signature.Key())
	}

	if h.Origin == model.OriginBuiltin && h.Plan == "" {
		native, ok := nativeExtractors[h.Signature.Magic]
		if !ok {
			return "", model.NewValidationError("extract", "no native extractor for magic %q", h.Signature.Magic)
		}
		return native(content)
	}

	plan, err := sandbox.ParsePlan(h.Plan)
	if err != nil {
		return "", err
	}
	return c.exec.Execute(ctx, plan, content)
}
