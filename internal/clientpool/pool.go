// Package clientpool caches one keep-alive HTTP client per upstream
// endpoint. Clients are created lazily on first use and retained for the
// lifetime of the process.
package clientpool

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dousnl-han/vertx-dispatcher/internal/observability"
)

// Config holds the settings applied to every pooled client.
type Config struct {
	ConnectTimeout  time.Duration
	IdleConnTimeout time.Duration
	MaxConnsPerHost int
	ScavengePeriod  time.Duration
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:  50 * time.Second,
		IdleConnTimeout: 30 * time.Second,
		MaxConnsPerHost: 20,
		ScavengePeriod:  50 * time.Second,
	}
}

// entry pairs a client with its transport so the scavenger can reach the
// idle connection pool.
type entry struct {
	client    *http.Client
	transport *http.Transport
}

// Pool is the per-endpoint client cache. The map is multi-reader,
// rarely-writer; entries are added with a compute-if-absent idiom.
type Pool struct {
	config  Config
	clients sync.Map
	logger  observability.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Option is a functional option for configuring the pool.
type Option func(*Pool)

// WithLogger sets the logger for the pool.
func WithLogger(logger observability.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

// New creates a client pool.
func New(config Config, opts ...Option) *Pool {
	p := &Pool{
		config: config,
		logger: observability.NopLogger(),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Get returns the pooled client for the endpoint, creating it on first use.
// A malformed endpoint URL is an error; registration validation makes this
// unreachable for registry-sourced endpoints.
func (p *Pool) Get(endpoint string) (*http.Client, error) {
	if value, ok := p.clients.Load(endpoint); ok {
		return value.(*entry).client, nil
	}

	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("malformed endpoint %q", endpoint)
	}

	e := p.newEntry()
	actual, loaded := p.clients.LoadOrStore(endpoint, e)
	if loaded {
		return actual.(*entry).client, nil
	}

	p.logger.Info("created upstream client",
		observability.String("endpoint", endpoint),
	)

	return e.client, nil
}

// newEntry builds a client with its own connection pool.
func (p *Pool) newEntry() *entry {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   p.config.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConnsPerHost: p.config.MaxConnsPerHost,
		MaxConnsPerHost:     p.config.MaxConnsPerHost,
		IdleConnTimeout:     p.config.IdleConnTimeout,
	}

	return &entry{
		client: &http.Client{
			Transport: transport,
			// No client-level timeout; cancellation comes from the
			// request context.
			Timeout: 0,
		},
		transport: transport,
	}
}

// Start launches the idle-pool scavenger. It periodically closes idle
// connections across all pooled clients.
func (p *Pool) Start(ctx context.Context) {
	if p.config.ScavengePeriod <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(p.config.ScavengePeriod)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.scavenge()
			}
		}
	}()
}

// Stop terminates the scavenger.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
}

// scavenge closes idle connections on every pooled transport.
func (p *Pool) scavenge() {
	p.clients.Range(func(key, value interface{}) bool {
		value.(*entry).transport.CloseIdleConnections()
		return true
	})
}

// Size returns the number of pooled clients.
func (p *Pool) Size() int {
	count := 0
	p.clients.Range(func(key, value interface{}) bool {
		count++
		return true
	})
	return count
}
