// Package gateway wires the HTTP surface of the dispatcher: the proxy
// routes, the admin endpoints and the liveness reply.
package gateway

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dousnl-han/vertx-dispatcher/internal/circuitbreaker"
	"github.com/dousnl-han/vertx-dispatcher/internal/dispatch"
	"github.com/dousnl-han/vertx-dispatcher/internal/gateway/middleware"
	"github.com/dousnl-han/vertx-dispatcher/internal/observability"
	"github.com/dousnl-han/vertx-dispatcher/internal/registry"
)

// Handlers implements the gateway's HTTP handlers.
type Handlers struct {
	dispatcher *dispatch.Dispatcher
	registry   *registry.Registry
	breakers   *circuitbreaker.Registry
	logger     observability.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(d *dispatch.Dispatcher, reg *registry.Registry, breakers *circuitbreaker.Registry, logger observability.Logger) *Handlers {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Handlers{
		dispatcher: d,
		registry:   reg,
		breakers:   breakers,
		logger:     logger,
	}
}

// replicaRequest is the admin payload for register and deregister.
type replicaRequest struct {
	ServiceName string `json:"serviceName"`
	ProjectName string `json:"projectName"`
	Endpoint    string `json:"endpoint"`
	Weight      int    `json:"weight"`
}

// Register handles POST /gateway/register.
func (h *Handlers) Register(c *gin.Context) {
	var req replicaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request body required"})
		return
	}
	if req.ServiceName == "" || req.ProjectName == "" || req.Endpoint == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing required field"})
		return
	}

	replica, err := registry.NewReplica(req.ProjectName, req.Endpoint, req.ServiceName, req.Weight)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.registry.Register(replica)
	h.breakers.GetOrCreate(req.ServiceName)

	c.JSON(http.StatusOK, gin.H{
		"message": "aggregate project registered: " + req.ServiceName + " -> " + req.Endpoint,
	})
}

// Deregister handles POST /gateway/deregister.
func (h *Handlers) Deregister(c *gin.Context) {
	var req replicaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request body required"})
		return
	}
	if req.ServiceName == "" || req.ProjectName == "" || req.Endpoint == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing required field"})
		return
	}

	if !h.registry.Deregister(req.ServiceName, req.ProjectName, req.Endpoint) {
		c.JSON(http.StatusNotFound, gin.H{"error": "replica not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "aggregate project deregistered: " + req.ServiceName + " -> " + req.Endpoint,
	})
}

// Status handles GET /gateway/status.
func (h *Handlers) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.registry.Snapshot())
}

// BreakerStatus handles GET /gateway/circuit-breaker-status.
func (h *Handlers) BreakerStatus(c *gin.Context) {
	status := make(map[string]gin.H)
	for service, stats := range h.breakers.Observe() {
		var lastFailure int64
		if !stats.LastFailure.IsZero() {
			lastFailure = stats.LastFailure.UnixMilli()
		}
		status[service] = gin.H{
			"state":           stats.State.String(),
			"failureCount":    stats.FailureCount,
			"successCount":    stats.SuccessCount,
			"lastFailureTime": lastFailure,
		}
	}
	c.JSON(http.StatusOK, status)
}

// dispatchRequest is the body of POST /gateway/dispatch, a dispatch
// described in JSON rather than carried by the inbound request itself.
type dispatchRequest struct {
	Path       string            `json:"path"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	Parameters map[string]string `json:"parameters"`
}

// Dispatch handles POST /gateway/dispatch.
func (h *Handlers) Dispatch(c *gin.Context) {
	var req dispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request body required"})
		return
	}

	if req.Path == "" {
		req.Path = "/"
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	headers := make(http.Header, len(req.Headers))
	for name, value := range req.Headers {
		headers.Set(name, value)
	}
	// The inbound Host participates in routing for described dispatches.
	if host := c.Request.Host; host != "" {
		headers.Set("Host", host)
	}

	query := make(url.Values, len(req.Parameters))
	for name, value := range req.Parameters {
		query.Set(name, value)
	}

	requestID := middleware.GetRequestID(c)
	dreq := dispatch.NewRequest(requestID, req.Method, req.Path, headers, []byte(req.Body), query)

	result, err := h.dispatcher.Dispatch(c.Request.Context(), dreq)
	if err != nil {
		// Inbound connection is gone; nothing left to write.
		c.Abort()
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"requestId":      requestID,
		"success":        result.Success,
		"message":        result.Message,
		"targetEndpoint": result.TargetEndpoint,
		"processingTime": result.ProcessingTime,
	})
}

// TestDispatch handles GET /gateway/test-dispatch. It runs a canned request
// through the full dispatch pipeline.
func (h *Handlers) TestDispatch(c *gin.Context) {
	headers := make(http.Header)
	headers.Set("Host", "dushu.com")

	requestID := middleware.GetRequestID(c)
	dreq := dispatch.NewRequest(requestID, http.MethodGet, "/user-orch/profile", headers, nil, nil)

	result, err := h.dispatcher.Dispatch(c.Request.Context(), dreq)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "test dispatch failed: " + err.Error()})
		return
	}

	message := "test dispatch failed: " + result.Message
	if result.Success {
		message = "test dispatch succeeded: " + result.Message
	}
	c.JSON(http.StatusOK, gin.H{"message": message})
}

// Proxy handles a direct path dispatch: the inbound request is forwarded to
// a replica of the service its path routes to, and the upstream response is
// relayed back.
func (h *Handlers) Proxy(c *gin.Context) {
	requestID := middleware.GetRequestID(c)

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":     "failed to read request body: " + err.Error(),
			"requestId": requestID,
		})
		return
	}

	headers := c.Request.Header.Clone()
	if headers.Get("Host") == "" {
		headers.Set("Host", c.Request.Host)
	}

	dreq := dispatch.NewRequest(
		requestID,
		c.Request.Method,
		c.Request.URL.Path,
		headers,
		body,
		c.Request.URL.Query(),
	)

	result, err := h.dispatcher.Dispatch(c.Request.Context(), dreq)
	if err != nil {
		c.Abort()
		return
	}

	if !result.Success {
		status := http.StatusInternalServerError
		if errors.Is(result.Err, circuitbreaker.ErrCircuitOpen) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"error":     result.Message,
			"requestId": requestID,
		})
		return
	}

	h.relay(c, result)
}

// relay writes a relayed upstream response to the client.
func (h *Handlers) relay(c *gin.Context, result *dispatch.Result) {
	header := c.Writer.Header()
	for name, values := range result.Headers {
		switch name {
		case "Content-Length", "Transfer-Encoding", "Connection":
			continue
		}
		for _, value := range values {
			header.Add(name, value)
		}
	}

	c.Status(result.StatusCode)
	if len(result.Body) > 0 {
		_, _ = c.Writer.Write(result.Body)
	}
}

// Health handles GET /health, the constant liveness reply.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "UP",
		"timestamp": time.Now().UnixMilli(),
		"gateway":   "Vertx Dispatch Gateway",
	})
}
