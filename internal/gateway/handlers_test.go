package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dousnl-han/vertx-dispatcher/internal/circuitbreaker"
	"github.com/dousnl-han/vertx-dispatcher/internal/clientpool"
	"github.com/dousnl-han/vertx-dispatcher/internal/dispatch"
	"github.com/dousnl-han/vertx-dispatcher/internal/registry"
	"github.com/dousnl-han/vertx-dispatcher/internal/router"
)

type testGateway struct {
	engine   *gin.Engine
	registry *registry.Registry
	breakers *circuitbreaker.Registry
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()

	reg := registry.New()
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(), zap.NewNop())
	clients := clientpool.New(clientpool.DefaultConfig())
	resolver := router.New(router.DefaultRules())
	dispatcher := dispatch.New(reg, resolver, breakers, clients)

	handlers := NewHandlers(dispatcher, reg, breakers, nil)
	server := NewServer(DefaultServerConfig(), handlers, resolver, zap.NewNop())

	return &testGateway{
		engine:   server.Engine(),
		registry: reg,
		breakers: breakers,
	}
}

func (g *testGateway) perform(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	g.engine.ServeHTTP(w, req)
	return w
}

func (g *testGateway) registerReplica(t *testing.T, service, project, endpoint string) {
	t.Helper()
	body := `{"serviceName":"` + service + `","projectName":"` + project + `","endpoint":"` + endpoint + `"}`
	w := g.perform(httptest.NewRequest(http.MethodPost, "/gateway/register", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestRegister_MissingFieldRejected(t *testing.T) {
	g := newTestGateway(t)

	tests := []string{
		`{"projectName":"u1","endpoint":"http://127.0.0.1:9001"}`,
		`{"serviceName":"user-orch","endpoint":"http://127.0.0.1:9001"}`,
		`{"serviceName":"user-orch","projectName":"u1"}`,
		`{}`,
	}
	for _, body := range tests {
		w := g.perform(httptest.NewRequest(http.MethodPost, "/gateway/register", strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "missing required field")
	}

	assert.Empty(t, g.registry.Services())
}

func TestRegister_MalformedEndpointRejected(t *testing.T) {
	g := newTestGateway(t)

	body := `{"serviceName":"user-orch","projectName":"u1","endpoint":"not a url"}`
	w := g.perform(httptest.NewRequest(http.MethodPost, "/gateway/register", strings.NewReader(body)))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid endpoint")
	assert.Empty(t, g.registry.All("user-orch"))
}

func TestRegister_CreatesReplicaAndBreaker(t *testing.T) {
	g := newTestGateway(t)

	g.registerReplica(t, "user-orch", "u1", "http://127.0.0.1:9001")

	require.Len(t, g.registry.All("user-orch"), 1)
	assert.NotNil(t, g.breakers.Get("user-orch"))
}

func TestStatus_ReportsServices(t *testing.T) {
	g := newTestGateway(t)
	g.registerReplica(t, "user-orch", "u1", "http://127.0.0.1:9001")
	g.registerReplica(t, "user-orch", "u2", "http://127.0.0.1:9002")

	w := g.perform(httptest.NewRequest(http.MethodGet, "/gateway/status", nil))
	require.Equal(t, http.StatusOK, w.Code)

	first := w.Body.String()
	status := decodeJSON(t, w)
	require.Contains(t, status, "user-orch")

	svc := status["user-orch"].(map[string]interface{})
	assert.Equal(t, float64(2), svc["totalProjects"])
	assert.Equal(t, float64(2), svc["healthyProjects"])
	assert.Len(t, svc["endpoints"], 2)

	// Idempotent without intervening mutation.
	again := g.perform(httptest.NewRequest(http.MethodGet, "/gateway/status", nil))
	assert.JSONEq(t, first, again.Body.String())
}

func TestDeregister_DrainsService(t *testing.T) {
	g := newTestGateway(t)
	g.registerReplica(t, "user-orch", "u1", "http://127.0.0.1:9001")

	body := `{"serviceName":"user-orch","projectName":"u1","endpoint":"http://127.0.0.1:9001"}`
	w := g.perform(httptest.NewRequest(http.MethodPost, "/gateway/deregister", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "deregistered")

	// A proxied request now finds no replicas.
	w = g.perform(httptest.NewRequest(http.MethodGet, "http://dushu.com/user-orch/hello", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "no available")
}

func TestDeregister_UnknownReplica(t *testing.T) {
	g := newTestGateway(t)

	body := `{"serviceName":"user-orch","projectName":"u1","endpoint":"http://127.0.0.1:9001"}`
	w := g.perform(httptest.NewRequest(http.MethodPost, "/gateway/deregister", strings.NewReader(body)))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProxy_NoReplicas(t *testing.T) {
	g := newTestGateway(t)

	w := g.perform(httptest.NewRequest(http.MethodGet, "/product/any", nil))
	require.Equal(t, http.StatusInternalServerError, w.Code)

	resp := decodeJSON(t, w)
	assert.Contains(t, resp["error"], "no available")
	assert.NotEmpty(t, resp["requestId"])
}

func TestProxy_RegisterThenProxy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/user-orch/hello", r.URL.Path)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello from upstream"))
	}))
	defer upstream.Close()

	g := newTestGateway(t)
	g.registerReplica(t, "user-orch", "u1", upstream.URL)

	w := g.perform(httptest.NewRequest(http.MethodGet, "http://dushu.com/user-orch/hello", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello from upstream", w.Body.String())
	assert.Equal(t, "text/plain", w.Header().Get("Content-Type"))
}

func TestProxy_HeaderSanitization(t *testing.T) {
	done := make(chan http.Header, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		done <- r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	g := newTestGateway(t)
	g.registerReplica(t, "user-orch", "u1", upstream.URL)

	req := httptest.NewRequest(http.MethodGet, "http://dushu.com/user-orch/x", nil)
	req.Header.Set("Sec-Fetch-Mode", "cors")
	req.Header.Set("DNT", "1")
	req.Header.Set("X-Custom", "v")

	w := g.perform(req)
	require.Equal(t, http.StatusOK, w.Code)

	headers := <-done
	assert.Empty(t, headers.Get("Sec-Fetch-Mode"))
	assert.Empty(t, headers.Get("DNT"))
	assert.Equal(t, "v", headers.Get("X-Custom"))
}

func TestProxy_UpstreamErrorStatusRelayed(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer upstream.Close()

	g := newTestGateway(t)
	g.registerReplica(t, "user-orch", "u1", upstream.URL)

	w := g.perform(httptest.NewRequest(http.MethodGet, "http://dushu.com/user-orch/x", nil))
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "boom")
}

func TestProxy_UpstreamUnreachable(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := upstream.URL
	upstream.Close()

	g := newTestGateway(t)
	g.registerReplica(t, "user-orch", "u1", endpoint)

	w := g.perform(httptest.NewRequest(http.MethodGet, "http://dushu.com/user-orch/x", nil))
	require.Equal(t, http.StatusInternalServerError, w.Code)

	resp := decodeJSON(t, w)
	assert.Contains(t, resp["error"], "upstream failed")
	assert.NotEmpty(t, resp["requestId"])
}

func TestProxy_CircuitOpenRejected(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	g := newTestGateway(t)
	g.registerReplica(t, "user-orch", "u1", upstream.URL)

	cb := g.breakers.Get("user-orch")
	for i := 0; i < 5; i++ {
		cb.Record(false)
	}
	require.Equal(t, circuitbreaker.StateOpen, cb.State())

	w := g.perform(httptest.NewRequest(http.MethodGet, "http://dushu.com/user-orch/x", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "circuit breaker")
}

func TestBreakerStatus_Endpoint(t *testing.T) {
	g := newTestGateway(t)
	g.registerReplica(t, "user-orch", "u1", "http://127.0.0.1:9001")

	g.breakers.Get("user-orch").Record(false)

	w := g.perform(httptest.NewRequest(http.MethodGet, "/gateway/circuit-breaker-status", nil))
	require.Equal(t, http.StatusOK, w.Code)

	status := decodeJSON(t, w)
	require.Contains(t, status, "user-orch")

	breaker := status["user-orch"].(map[string]interface{})
	assert.Equal(t, "CLOSED", breaker["state"])
	assert.Equal(t, float64(1), breaker["failureCount"])
	assert.Equal(t, float64(0), breaker["successCount"])
	assert.Greater(t, breaker["lastFailureTime"], float64(0))
}

func TestDispatchEndpoint_Envelope(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/product/list", r.URL.Path)
		_, _ = w.Write([]byte("products"))
	}))
	defer upstream.Close()

	g := newTestGateway(t)
	g.registerReplica(t, "product-service", "p1", upstream.URL)

	body := `{"path":"/product/list","method":"GET"}`
	w := g.perform(httptest.NewRequest(http.MethodPost, "/gateway/dispatch", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, w.Code)

	resp := decodeJSON(t, w)
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, "products", resp["message"])
	assert.Equal(t, upstream.URL, resp["targetEndpoint"])
	assert.NotEmpty(t, resp["requestId"])
	assert.GreaterOrEqual(t, resp["processingTime"], float64(0))
}

func TestDispatchEndpoint_FailureEnvelope(t *testing.T) {
	g := newTestGateway(t)

	body := `{"path":"/product/list","method":"GET"}`
	w := g.perform(httptest.NewRequest(http.MethodPost, "/gateway/dispatch", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, w.Code)

	resp := decodeJSON(t, w)
	assert.Equal(t, false, resp["success"])
	assert.Contains(t, resp["message"], "no available replicas")
	assert.Equal(t, "", resp["targetEndpoint"])
}

func TestDispatchEndpoint_EmptyBodyRejected(t *testing.T) {
	g := newTestGateway(t)

	w := g.perform(httptest.NewRequest(http.MethodPost, "/gateway/dispatch", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTestDispatch_NoReplicas(t *testing.T) {
	g := newTestGateway(t)

	w := g.perform(httptest.NewRequest(http.MethodGet, "/gateway/test-dispatch", nil))
	require.Equal(t, http.StatusOK, w.Code)

	resp := decodeJSON(t, w)
	assert.Contains(t, resp["message"], "test dispatch failed")
}

func TestTestDispatch_RoutesToUserOrch(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/user-orch/profile", r.URL.Path)
		_, _ = w.Write([]byte("profile"))
	}))
	defer upstream.Close()

	g := newTestGateway(t)
	g.registerReplica(t, "user-orch", "u1", upstream.URL)

	w := g.perform(httptest.NewRequest(http.MethodGet, "/gateway/test-dispatch", nil))
	require.Equal(t, http.StatusOK, w.Code)

	resp := decodeJSON(t, w)
	assert.Contains(t, resp["message"], "test dispatch succeeded")
}

func TestHealth_Endpoint(t *testing.T) {
	g := newTestGateway(t)

	w := g.perform(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	resp := decodeJSON(t, w)
	assert.Equal(t, "UP", resp["status"])
	assert.Greater(t, resp["timestamp"], float64(0))
	assert.NotEmpty(t, resp["gateway"])
}

func TestMetrics_Endpoint(t *testing.T) {
	g := newTestGateway(t)

	w := g.perform(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequestID_EchoedOnResponses(t *testing.T) {
	g := newTestGateway(t)

	w := g.perform(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "caller-supplied")
	w = g.perform(req)
	assert.Equal(t, "caller-supplied", w.Header().Get("X-Request-ID"))
}

func TestWeightedProxyDistribution(t *testing.T) {
	var heavy, light atomic.Int32
	heavyUpstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		heavy.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer heavyUpstream.Close()
	lightUpstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		light.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer lightUpstream.Close()

	g := newTestGateway(t)
	lightBody := `{"serviceName":"user-orch","projectName":"u1","endpoint":"` + lightUpstream.URL + `","weight":1}`
	heavyBody := `{"serviceName":"user-orch","projectName":"u2","endpoint":"` + heavyUpstream.URL + `","weight":9}`
	w := g.perform(httptest.NewRequest(http.MethodPost, "/gateway/register", strings.NewReader(lightBody)))
	require.Equal(t, http.StatusOK, w.Code)
	w = g.perform(httptest.NewRequest(http.MethodPost, "/gateway/register", strings.NewReader(heavyBody)))
	require.Equal(t, http.StatusOK, w.Code)

	const trials = 1000
	for i := 0; i < trials; i++ {
		resp := g.perform(httptest.NewRequest(http.MethodGet, "http://dushu.com/user-orch/x", nil))
		require.Equal(t, http.StatusOK, resp.Code)
	}

	assert.Equal(t, int32(trials), heavy.Load()+light.Load())
	assert.GreaterOrEqual(t, heavy.Load(), int32(trials*85/100))
}
