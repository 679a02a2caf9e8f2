// Package registry resolves tenant identifiers to deployment records with a
// TTL cache in front of the metadata store. Resolution sits on the hot path
// of every ingest and dispatch, so cache hits must not touch the store.
package registry

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/cortexa-labs/cortexa/internal/model"
)

// DeploymentGetter is the slice of the metadata store the registry needs.
type DeploymentGetter interface {
	GetDeployment(ctx context.Context, identifier string) (*model.Deployment, error)
}

// Registry caches deployment lookups by tenant UUID, alias, and canonical
// name. All three identifiers of a deployment share one cached record, so an
// invalidation removes every way of reaching it.
type Registry struct {
	store         DeploymentGetter
	cache         *cache.Cache
	ttl           time.Duration
	lookupTimeout time.Duration
}

// New creates a Registry with the given record TTL and expiry sweep interval.
// lookupTimeout bounds each cache-miss store lookup; zero leaves the caller's
// context in charge.
func New(st DeploymentGetter, ttl, sweepInterval, lookupTimeout time.Duration) *Registry {
	return &Registry{
		store:         st,
		cache:         cache.New(ttl, sweepInterval),
		ttl:           ttl,
		lookupTimeout: lookupTimeout,
	}
}

// Resolve returns the deployment for a tenant UUID, alias, or canonical name.
// Disabled deployments resolve to model.ErrNotFound: a disabled tenant is
// indistinguishable from an absent one to callers.
func (r *Registry) Resolve(ctx context.Context, identifier string) (*model.Deployment, error) {
	if identifier == "" {
		return nil, eris.Wrap(model.ErrNotFound, "registry: empty identifier")
	}

	if v, ok := r.cache.Get(identifier); ok {
		d := v.(*model.Deployment)
		if d.Disabled {
			return nil, model.ErrNotFound
		}
		return d, nil
	}

	d, err := r.lookup(ctx, identifier)
	if err != nil {
		return nil, err
	}
	r.cacheDeployment(d)

	if d.Disabled {
		zap.L().Debug("resolved disabled deployment",
			zap.String("tenant_id", d.TenantID),
		)
		return nil, model.ErrNotFound
	}
	return d, nil
}

// Invalidate drops the cached record for a deployment so the next resolution
// re-reads the store. Callers invalidate after capability or endpoint
// changes; stale reads are otherwise bounded by the TTL.
func (r *Registry) Invalidate(ctx context.Context, identifier string) {
	v, ok := r.cache.Get(identifier)
	if !ok {
		// Not cached under this key; it may still be cached under the
		// deployment's other identifiers.
		d, err := r.lookup(ctx, identifier)
		if err != nil {
			r.cache.Delete(identifier)
			return
		}
		r.dropKeys(d)
		return
	}
	r.dropKeys(v.(*model.Deployment))
}

// Refresh re-reads a deployment from the store and replaces the cached
// record, returning the fresh copy.
func (r *Registry) Refresh(ctx context.Context, identifier string) (*model.Deployment, error) {
	r.Invalidate(ctx, identifier)
	return r.Resolve(ctx, identifier)
}

// lookup reads the store under the configured lookup timeout.
func (r *Registry) lookup(ctx context.Context, identifier string) (*model.Deployment, error) {
	if r.lookupTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.lookupTimeout)
		defer cancel()
	}
	return r.store.GetDeployment(ctx, identifier)
}

func (r *Registry) cacheDeployment(d *model.Deployment) {
	for _, key := range deploymentKeys(d) {
		r.cache.Set(key, d, r.ttl)
	}
}

func (r *Registry) dropKeys(d *model.Deployment) {
	for _, key := range deploymentKeys(d) {
		r.cache.Delete(key)
	}
}

func deploymentKeys(d *model.Deployment) []string {
	keys := make([]string, 0, 3)
	for _, k := range []string{d.TenantID, d.Alias, d.Name} {
		if k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}
