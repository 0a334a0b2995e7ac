package circuitbreaker

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Registry hands out one breaker per integration, created on first use.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	template Config
	logger   *zap.Logger
	now      func() time.Time
}

// NewRegistry creates breakers from template; its Name is ignored.
func NewRegistry(template Config, logger *zap.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		template: template,
		logger:   logger,
		now:      time.Now,
	}
}

// Get returns the breaker of an integration.
func (r *Registry) Get(integrationID string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[integrationID]; ok {
		return cb
	}
	cfg := r.template
	cfg.Name = integrationID
	cb := newWithClock(cfg, r.logger, r.now)
	r.breakers[integrationID] = cb
	return cb
}

// Stats returns every breaker's stats ordered by name.
func (r *Registry) Stats() []Stats {
	r.mu.Lock()
	out := make([]Stats, 0, len(r.breakers))
	for _, cb := range r.breakers {
		out = append(out, cb.Stats())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reset closes the breaker of an integration; reports whether it existed.
func (r *Registry) Reset(integrationID string) bool {
	r.mu.Lock()
	cb, ok := r.breakers[integrationID]
	r.mu.Unlock()
	if ok {
		cb.Reset()
	}
	return ok
}
