// Package registry provides the in-memory service registry. It maps logical
// service names to the replicas registered for them at runtime.
package registry

import (
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/dousnl-han/vertx-dispatcher/internal/observability"
)

// ErrInvalidEndpoint is returned when a replica endpoint cannot be parsed
// into an absolute URL with a host.
var ErrInvalidEndpoint = fmt.Errorf("invalid endpoint URL")

// Replica is one running backend instance registered under a service name.
type Replica struct {
	Name        string
	Endpoint    string
	ServiceName string
	Weight      int

	healthy atomic.Bool
}

// NewReplica creates a replica with the given weight. Weights below 1 are
// normalized to 1. The endpoint must be an absolute URL with a scheme and
// host.
func NewReplica(name, endpoint, serviceName string, weight int) (*Replica, error) {
	if serviceName == "" {
		return nil, fmt.Errorf("service name is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEndpoint, endpoint)
	}
	if weight < 1 {
		weight = 1
	}

	r := &Replica{
		Name:        name,
		Endpoint:    endpoint,
		ServiceName: serviceName,
		Weight:      weight,
	}
	r.healthy.Store(true)
	return r, nil
}

// Healthy reports whether the replica is currently considered healthy.
func (r *Replica) Healthy() bool {
	return r.healthy.Load()
}

// SetHealthy updates the replica's healthy flag.
func (r *Replica) SetHealthy(healthy bool) {
	r.healthy.Store(healthy)
}

// HostPort returns the host:port portion of the replica endpoint.
func (r *Replica) HostPort() string {
	u, err := url.Parse(r.Endpoint)
	if err != nil {
		return ""
	}
	return u.Host
}

// ServiceSnapshot is the status view of one service.
type ServiceSnapshot struct {
	TotalProjects   int      `json:"totalProjects"`
	HealthyProjects int      `json:"healthyProjects"`
	Endpoints       []string `json:"endpoints"`
}

// Registry is the concurrent mapping from service name to replicas.
// Replica order within a service is insertion order.
type Registry struct {
	mu       sync.RWMutex
	services map[string][]*Replica
	logger   observability.Logger
}

// Option is a functional option for configuring the registry.
type Option func(*Registry)

// WithLogger sets the logger for the registry.
func WithLogger(logger observability.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		services: make(map[string][]*Replica),
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register appends the replica to its service's sequence, creating the
// sequence if absent. Duplicate endpoints are permitted; each entry is
// balanced independently.
func (r *Registry) Register(replica *Replica) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.services[replica.ServiceName] = append(r.services[replica.ServiceName], replica)
	r.logger.Info("registered replica",
		observability.String("service", replica.ServiceName),
		observability.String("name", replica.Name),
		observability.String("endpoint", replica.Endpoint),
		observability.Int("weight", replica.Weight),
	)
}

// Deregister removes the first replica of the service whose endpoint and
// name both match. It returns true when an entry was removed.
func (r *Registry) Deregister(service, name, endpoint string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	replicas := r.services[service]
	for i, replica := range replicas {
		if replica.Name == name && replica.Endpoint == endpoint {
			r.services[service] = append(replicas[:i:i], replicas[i+1:]...)
			r.logger.Info("deregistered replica",
				observability.String("service", service),
				observability.String("name", name),
				observability.String("endpoint", endpoint),
			)
			return true
		}
	}
	return false
}

// All returns the replicas of a service in insertion order.
func (r *Registry) All(service string) []*Replica {
	r.mu.RLock()
	defer r.mu.RUnlock()

	replicas := r.services[service]
	out := make([]*Replica, len(replicas))
	copy(out, replicas)
	return out
}

// Healthy returns the subsequence of the service's replicas whose healthy
// flag is set, preserving insertion order.
func (r *Registry) Healthy(service string) []*Replica {
	r.mu.RLock()
	defer r.mu.RUnlock()

	replicas := r.services[service]
	out := make([]*Replica, 0, len(replicas))
	for _, replica := range replicas {
		if replica.Healthy() {
			out = append(out, replica)
		}
	}
	return out
}

// Services returns the names of all known services.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	return names
}

// Snapshot returns a consistent status view of all services.
func (r *Registry) Snapshot() map[string]ServiceSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]ServiceSnapshot, len(r.services))
	for service, replicas := range r.services {
		snap := ServiceSnapshot{
			TotalProjects: len(replicas),
			Endpoints:     make([]string, 0, len(replicas)),
		}
		for _, replica := range replicas {
			if replica.Healthy() {
				snap.HealthyProjects++
			}
			snap.Endpoints = append(snap.Endpoints, replica.Endpoint)
		}
		out[service] = snap
	}
	return out
}
