// Package adapters manages tenant adapter residency on inference backends.
// Each backend exposes a fixed number of serving slots; the manager keeps a
// slot table per backend, pins adapters for the duration of in-flight
// requests, and evicts least-recently-used idle adapters to make room.
package adapters

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/cortexa-labs/cortexa/internal/config"
	"github.com/cortexa-labs/cortexa/internal/model"
	"github.com/cortexa-labs/cortexa/internal/resilience"
	"github.com/cortexa-labs/cortexa/pkg/inference"
)

// ClientFactory builds an inference client for a backend base URL.
type ClientFactory func(baseURL string) inference.Client

// slot is one resident adapter. pins == 0 means idle and evictable;
// pins > 0 means in use and never evicted. url is the inference endpoint
// the adapter was attached through; detach must go to the same place.
type slot struct {
	adapterID string
	url       string
	lastUsed  time.Time
	pins      int
}

// backendTable tracks the resident adapters of one backend. The table mutex
// is held across the attach call; attach is bounded by the attach timeout,
// and serializing it prevents duplicate attaches for the same adapter.
type backendTable struct {
	mu       sync.Mutex
	capacity int
	slots    map[string]*slot
}

// Manager owns the slot tables for all known backends.
type Manager struct {
	mu       sync.Mutex
	backends map[string]*backendTable

	clients  ClientFactory
	breakers *resilience.BackendBreakers
	cfg      config.AdaptersConfig
}

// NewManager creates a Manager. A nil factory uses real HTTP clients.
func NewManager(cfg config.AdaptersConfig, clients ClientFactory) *Manager {
	if clients == nil {
		clients = func(baseURL string) inference.Client {
			return inference.NewClient(baseURL)
		}
	}
	return &Manager{
		backends: make(map[string]*backendTable),
		clients:  clients,
		breakers: resilience.NewBackendBreakers(resilience.CircuitBreakerConfig{
			FailureThreshold: cfg.FailureThreshold,
			ResetTimeout:     time.Duration(cfg.ResetTimeoutSecs) * time.Second,
		}),
		cfg: cfg,
	}
}

// EnsureActive guarantees the tenant's adapter is resident on its backend and
// pins it. The returned release function must be called when the in-flight
// request finishes; until then the adapter cannot be evicted.
//
// A resident adapter is refreshed and pinned without touching the backend.
// A miss attaches under the configured latency bound, evicting the
// least-recently-used idle adapter when the backend is full. When every slot
// is pinned the call fails with model.ErrCapacityExceeded.
func (m *Manager) EnsureActive(ctx context.Context, dep *model.Deployment) (func(), error) {
	adapterID := dep.TenantID
	table := m.table(dep.Backend)

	table.mu.Lock()
	defer table.mu.Unlock()

	if s, ok := table.slots[adapterID]; ok {
		s.pins++
		s.lastUsed = time.Now()
		return m.releaseFunc(table, adapterID), nil
	}

	if len(table.slots) >= table.capacity {
		if err := m.evictLRU(ctx, dep, table); err != nil {
			return nil, err
		}
	}

	attachCtx, cancel := context.WithTimeout(ctx, m.cfg.AttachTimeout())
	defer cancel()

	client := m.clients(dep.InferenceURL)
	err := m.breakers.Get(dep.Backend).Execute(attachCtx, func(ctx context.Context) error {
		return client.AttachAdapter(ctx, adapterID)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "adapters: attach %s on %s", adapterID, dep.Backend)
	}

	table.slots[adapterID] = &slot{adapterID: adapterID, url: dep.InferenceURL, lastUsed: time.Now(), pins: 1}
	zap.L().Info("adapter attached",
		zap.String("adapter_id", adapterID),
		zap.String("backend", dep.Backend),
		zap.Int("resident", len(table.slots)),
	)
	return m.releaseFunc(table, adapterID), nil
}

// evictLRU removes the least-recently-used idle adapter. Caller holds the
// table mutex.
func (m *Manager) evictLRU(ctx context.Context, dep *model.Deployment, table *backendTable) error {
	var victim *slot
	for _, s := range table.slots {
		if s.pins > 0 {
			continue
		}
		if victim == nil || s.lastUsed.Before(victim.lastUsed) {
			victim = s
		}
	}
	if victim == nil {
		return eris.Wrapf(model.ErrCapacityExceeded, "adapters: backend %s has no idle slot", dep.Backend)
	}

	delete(table.slots, victim.adapterID)
	// Best effort: a failed detach leaves the backend to reconcile on its
	// own; the slot table no longer counts it.
	if err := m.clients(victim.url).DetachAdapter(ctx, victim.adapterID); err != nil {
		zap.L().Warn("adapter detach failed",
			zap.String("adapter_id", victim.adapterID),
			zap.String("backend", dep.Backend),
			zap.Error(err),
		)
	} else {
		zap.L().Info("adapter evicted",
			zap.String("adapter_id", victim.adapterID),
			zap.String("backend", dep.Backend),
		)
	}
	return nil
}

// Evict force-removes a tenant's adapter if it is idle. Used when a
// deployment is disabled.
func (m *Manager) Evict(ctx context.Context, dep *model.Deployment) error {
	table := m.table(dep.Backend)
	table.mu.Lock()
	defer table.mu.Unlock()

	s, ok := table.slots[dep.TenantID]
	if !ok {
		return nil
	}
	if s.pins > 0 {
		return eris.Errorf("adapters: adapter %s is pinned", dep.TenantID)
	}
	delete(table.slots, dep.TenantID)
	if err := m.clients(s.url).DetachAdapter(ctx, dep.TenantID); err != nil {
		return eris.Wrapf(err, "adapters: detach %s", dep.TenantID)
	}
	return nil
}

// Resident reports whether a tenant's adapter currently occupies a slot.
func (m *Manager) Resident(backend, tenantID string) bool {
	table := m.table(backend)
	table.mu.Lock()
	defer table.mu.Unlock()
	_, ok := table.slots[tenantID]
	return ok
}

// BreakerStates exposes per-backend circuit health for the health endpoint.
func (m *Manager) BreakerStates() map[string]resilience.CircuitState {
	return m.breakers.States()
}

func (m *Manager) table(backend string) *backendTable {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.backends[backend]
	if !ok {
		t = &backendTable{
			capacity: m.cfg.CapacityFor(backend),
			slots:    make(map[string]*slot),
		}
		if t.capacity < 1 {
			t.capacity = 1
		}
		m.backends[backend] = t
	}
	return t
}

// releaseFunc unpins an adapter exactly once, no matter how many times the
// caller invokes it.
func (m *Manager) releaseFunc(table *backendTable, adapterID string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			table.mu.Lock()
			defer table.mu.Unlock()
			if s, ok := table.slots[adapterID]; ok && s.pins > 0 {
				s.pins--
				s.lastUsed = time.Now()
			}
		})
	}
}
