package circuitbreaker

import (
	"sync"

	"go.uber.org/zap"
)

// Registry manages one circuit breaker per registered service.
type Registry struct {
	breakers sync.Map
	config   *Config
	logger   *zap.Logger
}

// NewRegistry creates a new circuit breaker registry.
func NewRegistry(config *Config, logger *zap.Logger) *Registry {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Registry{
		config: config,
		logger: logger,
	}
}

// Get returns a circuit breaker by service name, or nil if not found.
func (r *Registry) Get(service string) *CircuitBreaker {
	value, ok := r.breakers.Load(service)
	if !ok {
		return nil
	}
	return value.(*CircuitBreaker)
}

// GetOrCreate returns an existing circuit breaker or creates a new one.
func (r *Registry) GetOrCreate(service string) *CircuitBreaker {
	if value, ok := r.breakers.Load(service); ok {
		return value.(*CircuitBreaker)
	}

	cb := NewCircuitBreaker(service, r.config, r.logger)

	// LoadOrStore handles concurrent creation of the same breaker.
	actual, loaded := r.breakers.LoadOrStore(service, cb)
	if loaded {
		return actual.(*CircuitBreaker)
	}

	r.logger.Debug("created circuit breaker",
		zap.String("service", service),
	)

	return cb
}

// Remove removes a circuit breaker from the registry.
func (r *Registry) Remove(service string) {
	r.breakers.Delete(service)
	r.logger.Debug("removed circuit breaker",
		zap.String("service", service),
	)
}

// ListNames returns the names of all circuit breakers in the registry.
func (r *Registry) ListNames() []string {
	var names []string
	r.breakers.Range(func(key, value interface{}) bool {
		names = append(names, key.(string))
		return true
	})
	return names
}

// Observe returns the observable counters of every breaker. Counters of
// distinct breakers are read independently; the cross-service view is not a
// single atomic snapshot.
func (r *Registry) Observe() map[string]Stats {
	stats := make(map[string]Stats)
	r.breakers.Range(func(key, value interface{}) bool {
		stats[key.(string)] = value.(*CircuitBreaker).Observe()
		return true
	})
	return stats
}

// ResetAll resets all circuit breakers to closed state.
func (r *Registry) ResetAll() {
	r.breakers.Range(func(key, value interface{}) bool {
		value.(*CircuitBreaker).Reset()
		return true
	})
	r.logger.Info("reset all circuit breakers")
}

// Count returns the number of circuit breakers in the registry.
func (r *Registry) Count() int {
	count := 0
	r.breakers.Range(func(key, value interface{}) bool {
		count++
		return true
	})
	return count
}
