package resilience

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Registry hands out one circuit breaker per exchange operation.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   CircuitBreakerConfig
	ignore   func(error) bool
	logger   zerolog.Logger
}

// NewRegistry creates a registry whose breakers share config and ignore predicate.
func NewRegistry(config CircuitBreakerConfig, ignore func(error) bool, logger zerolog.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
		ignore:   ignore,
		logger:   logger,
	}
}

// Get returns or creates the breaker for name.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	if cb, ok := r.breakers[name]; ok {
		r.mu.RUnlock()
		return cb
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := NewCircuitBreaker(name, r.config, r.logger)
	cb.ignore = r.ignore
	r.breakers[name] = cb
	return cb
}

// AllStats returns statistics for every breaker, sorted by name.
func (r *Registry) AllStats() []CircuitBreakerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make([]CircuitBreakerStats, 0, len(r.breakers))
	for _, cb := range r.breakers {
		stats = append(stats, cb.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// ResetAll closes every breaker.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cb := range r.breakers {
		cb.Reset()
	}
}
