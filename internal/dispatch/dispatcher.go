package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dousnl-han/vertx-dispatcher/internal/balancer"
	"github.com/dousnl-han/vertx-dispatcher/internal/circuitbreaker"
	"github.com/dousnl-han/vertx-dispatcher/internal/clientpool"
	"github.com/dousnl-han/vertx-dispatcher/internal/observability"
	"github.com/dousnl-han/vertx-dispatcher/internal/registry"
	"github.com/dousnl-han/vertx-dispatcher/internal/router"
)

// droppedHeaders are inbound headers never propagated upstream, keyed by
// lower-cased name. Headers with the "sec-" prefix are dropped as well.
var droppedHeaders = map[string]struct{}{
	"upgrade-insecure-requests": {},
	"sec-fetch-site":            {},
	"sec-fetch-mode":            {},
	"sec-fetch-dest":            {},
	"sec-fetch-user":            {},
	"dnt":                       {},
	"save-data":                 {},
}

// Dispatcher runs the dispatch pipeline. Every stage is safe for
// concurrent use; a dispatch borrows the selected replica only for the
// duration of the outbound call.
type Dispatcher struct {
	registry *registry.Registry
	resolver *router.Resolver
	policy   balancer.Policy
	breakers *circuitbreaker.Registry
	clients  *clientpool.Pool
	logger   observability.Logger
}

// Option is a functional option for configuring the dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger for the dispatcher.
func WithLogger(logger observability.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithPolicy sets the load-balancing policy.
func WithPolicy(policy balancer.Policy) Option {
	return func(d *Dispatcher) {
		d.policy = policy
	}
}

// New creates a dispatcher over the given collaborators.
func New(reg *registry.Registry, resolver *router.Resolver, breakers *circuitbreaker.Registry, clients *clientpool.Pool, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: reg,
		resolver: resolver,
		policy:   balancer.NewWeightedRandom(),
		breakers: breakers,
		clients:  clients,
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch routes, gates, balances and forwards one request, returning the
// relayed upstream response or a classified failure. The error return is
// reserved for client-side cancellation, which is neither a success nor an
// upstream failure.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*Result, error) {
	service := d.resolver.Resolve(req.Path, req.Headers.Get("Host"))

	log := d.logger.With(
		observability.String("request_id", req.RequestID),
		observability.String("service", service),
	)
	log.Debug("resolved target service",
		observability.String("path", req.Path),
	)

	healthy := d.registry.Healthy(service)
	if len(healthy) == 0 {
		RecordDispatch(service, "no_replicas", 0)
		return failureResult(fmt.Errorf("%w: %s", ErrNoReplicas, service), 0), nil
	}

	if cb := d.breakers.Get(service); cb != nil && !cb.Allow() {
		log.Warn("circuit breaker denied admission")
		RecordDispatch(service, "circuit_open", 0)
		return failureResult(fmt.Errorf("%w: %s", circuitbreaker.ErrCircuitOpen, service), 0), nil
	}

	replica := d.policy.Select(healthy, &balancer.RequestInfo{
		Method: req.Method,
		Path:   req.Path,
	})
	if replica == nil {
		RecordDispatch(service, "no_replicas", 0)
		return failureResult(fmt.Errorf("%w: %s", ErrNoReplicas, service), 0), nil
	}

	return d.forward(ctx, req, service, replica, log)
}

// forward issues the outbound call to the selected replica and relays its
// response. Wall-clock duration is measured from client acquisition.
func (d *Dispatcher) forward(ctx context.Context, req *Request, service string, replica *registry.Replica, log observability.Logger) (*Result, error) {
	start := time.Now()

	client, err := d.clients.Get(replica.Endpoint)
	if err != nil {
		// Unreachable for registry-validated endpoints; attributable to
		// the gateway, so the breaker is not updated.
		log.Error("failed to obtain upstream client", observability.Error(err))
		RecordDispatch(service, "error", time.Since(start))
		return failureResult(fmt.Errorf("%w: %v", ErrUpstream, err), time.Since(start).Milliseconds()), nil
	}

	outURL := replica.Endpoint + req.Path
	if encoded := req.Query.Encode(); encoded != "" {
		outURL += "?" + encoded
	}

	out, err := http.NewRequestWithContext(ctx, req.Method, outURL, bytes.NewReader(req.Body))
	if err != nil {
		log.Error("failed to build upstream request", observability.Error(err))
		RecordDispatch(service, "error", time.Since(start))
		return failureResult(fmt.Errorf("%w: %v", ErrUpstream, err), time.Since(start).Milliseconds()), nil
	}

	propagateHeaders(out, req.Headers, replica.HostPort())

	log.Info("forwarding request",
		observability.String("method", req.Method),
		observability.String("endpoint", replica.Endpoint),
	)

	cb := d.breakers.Get(service)

	resp, err := client.Do(out)
	if err != nil {
		duration := time.Since(start)
		if ctx.Err() != nil {
			// Inbound connection went away; the outbound call was
			// canceled. Neither a success nor a server-side failure.
			log.Debug("dispatch canceled", observability.Error(ctx.Err()))
			RecordDispatch(service, "canceled", duration)
			return nil, ctx.Err()
		}

		log.Error("upstream request failed",
			observability.String("endpoint", replica.Endpoint),
			observability.Duration("duration", duration),
			observability.Error(err),
		)
		if cb != nil {
			cb.Record(false)
		}
		RecordDispatch(service, "upstream_error", duration)
		return failureResult(fmt.Errorf("%w: %v", ErrUpstream, err), duration.Milliseconds()), nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	duration := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			RecordDispatch(service, "canceled", duration)
			return nil, ctx.Err()
		}
		log.Error("failed to read upstream response",
			observability.String("endpoint", replica.Endpoint),
			observability.Error(err),
		)
		if cb != nil {
			cb.Record(false)
		}
		RecordDispatch(service, "upstream_error", duration)
		return failureResult(fmt.Errorf("%w: %v", ErrUpstream, err), duration.Milliseconds()), nil
	}

	if cb != nil {
		cb.Record(resp.StatusCode < http.StatusBadRequest)
	}

	log.Debug("dispatch complete",
		observability.String("endpoint", replica.Endpoint),
		observability.Int("status", resp.StatusCode),
		observability.Duration("duration", duration),
	)
	RecordDispatch(service, "relayed", duration)

	return successResult(body, replica.Endpoint, duration.Milliseconds(), resp.StatusCode, resp.Header), nil
}

// propagateHeaders copies inbound headers onto the outbound request,
// dropping browser metadata headers, pinning Host to the replica and
// defaulting the content negotiation headers to JSON.
func propagateHeaders(out *http.Request, headers http.Header, hostPort string) {
	for name, values := range headers {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "sec-") {
			continue
		}
		if _, dropped := droppedHeaders[lower]; dropped {
			continue
		}
		// Host and Content-Length are owned by the outbound client.
		if lower == "host" || lower == "content-length" {
			continue
		}
		for _, value := range values {
			out.Header.Add(name, value)
		}
	}

	out.Host = hostPort

	if out.Header.Get("Content-Type") == "" {
		out.Header.Set("Content-Type", "application/json")
	}
	if out.Header.Get("Accept") == "" {
		out.Header.Set("Accept", "application/json")
	}
}
