// Package health provides the background health checker. It periodically
// probes every registered replica and feeds the outcomes into the replica
// health flags and the per-service circuit breakers.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dousnl-han/vertx-dispatcher/internal/circuitbreaker"
	"github.com/dousnl-han/vertx-dispatcher/internal/observability"
	"github.com/dousnl-han/vertx-dispatcher/internal/registry"
)

// Default configuration constants.
const (
	// DefaultInterval is the default interval between health sweeps.
	DefaultInterval = 50 * time.Second

	// DefaultTimeout is the default timeout for a single probe.
	DefaultTimeout = 5 * time.Second

	// DefaultPath is the well-known path probed on each replica.
	DefaultPath = "/health"

	// DefaultWorkers is the default probe worker pool size.
	DefaultWorkers = 4
)

// Checker periodically probes registered replicas. Probes run on a worker
// pool separate from the request-serving path.
type Checker struct {
	registry *registry.Registry
	breakers *circuitbreaker.Registry
	client   *http.Client
	logger   observability.Logger

	interval time.Duration
	path     string
	workers  int

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// Option is a functional option for configuring the checker.
type Option func(*Checker)

// WithLogger sets the logger for the checker.
func WithLogger(logger observability.Logger) Option {
	return func(c *Checker) {
		c.logger = logger
	}
}

// WithClient sets the HTTP client used for probes.
func WithClient(client *http.Client) Option {
	return func(c *Checker) {
		c.client = client
	}
}

// WithInterval sets the sweep interval.
func WithInterval(interval time.Duration) Option {
	return func(c *Checker) {
		if interval > 0 {
			c.interval = interval
		}
	}
}

// WithTimeout sets the per-probe timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Checker) {
		if timeout > 0 {
			c.client.Timeout = timeout
		}
	}
}

// WithPath sets the probed path.
func WithPath(path string) Option {
	return func(c *Checker) {
		if path != "" {
			c.path = path
		}
	}
}

// WithWorkers sets the probe worker pool size.
func WithWorkers(n int) Option {
	return func(c *Checker) {
		if n > 0 {
			c.workers = n
		}
	}
}

// New creates a health checker over the given registries.
func New(reg *registry.Registry, breakers *circuitbreaker.Registry, opts ...Option) *Checker {
	c := &Checker{
		registry:  reg,
		breakers:  breakers,
		client:    &http.Client{Timeout: DefaultTimeout},
		logger:    observability.NopLogger(),
		interval:  DefaultInterval,
		path:      DefaultPath,
		workers:   DefaultWorkers,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the periodic sweep loop.
func (c *Checker) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	c.logger.Info("health checker started",
		observability.Duration("interval", c.interval),
		observability.Int("workers", c.workers),
	)

	go c.run(ctx)
}

// Stop terminates the sweep loop and waits for it to exit.
func (c *Checker) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	close(c.stopCh)
	<-c.stoppedCh
}

// IsRunning reports whether the checker is running.
func (c *Checker) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// run is the main sweep loop.
func (c *Checker) run(ctx context.Context) {
	defer close(c.stoppedCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// probeJob is one replica probe fed to the worker pool.
type probeJob struct {
	service string
	replica *registry.Replica
}

// Sweep probes every replica of every known service once, on the worker
// pool, and blocks until the sweep completes.
func (c *Checker) Sweep(ctx context.Context) {
	jobs := make(chan probeJob)

	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				c.probe(ctx, job.service, job.replica)
			}
		}()
	}

	for _, service := range c.registry.Services() {
		for _, replica := range c.registry.All(service) {
			select {
			case <-ctx.Done():
				close(jobs)
				wg.Wait()
				return
			case jobs <- probeJob{service: service, replica: replica}:
			}
		}
	}
	close(jobs)
	wg.Wait()

	c.logger.Debug("health sweep complete",
		observability.Any("registry", c.registry.Snapshot()),
	)
}

// probe checks a single replica and records the outcome. A panic or probe
// error never escapes; both count as a failed probe.
func (c *Checker) probe(ctx context.Context, service string, replica *registry.Replica) {
	healthy := false
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("health probe panic",
				observability.String("service", service),
				observability.String("endpoint", replica.Endpoint),
				observability.Any("panic", r),
			)
			healthy = false
		}
		c.record(service, replica, healthy)
	}()

	healthy = c.check(ctx, replica)
}

// check issues one HTTP probe. Any 2xx reply means reachable and serving.
func (c *Checker) check(ctx context.Context, replica *registry.Replica) bool {
	url := replica.Endpoint + c.path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		c.logger.Warn("failed to build health probe",
			observability.String("endpoint", replica.Endpoint),
			observability.Error(err),
		)
		return false
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	duration := time.Since(start)

	if err != nil {
		c.logger.Warn("health probe failed",
			observability.String("endpoint", replica.Endpoint),
			observability.Duration("duration", duration),
			observability.Error(err),
		)
		RecordProbe(replica.ServiceName, "failure", duration)
		return false
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices
	if healthy {
		RecordProbe(replica.ServiceName, "success", duration)
	} else {
		RecordProbe(replica.ServiceName, "failure", duration)
	}
	return healthy
}

// record updates the replica flag and feeds the service breaker.
func (c *Checker) record(service string, replica *registry.Replica, healthy bool) {
	if replica.Healthy() != healthy {
		if healthy {
			c.logger.Info("replica became healthy",
				observability.String("service", service),
				observability.String("endpoint", replica.Endpoint),
			)
		} else {
			c.logger.Warn("replica became unhealthy",
				observability.String("service", service),
				observability.String("endpoint", replica.Endpoint),
			)
		}
	}
	replica.SetHealthy(healthy)

	if cb := c.breakers.Get(service); cb != nil {
		cb.Record(healthy)
	}
}
