package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dousnl-han/vertx-dispatcher/internal/gateway/middleware"
	"github.com/dousnl-han/vertx-dispatcher/internal/router"
)

// ginModeOnce ensures gin.SetMode is only called once.
var ginModeOnce sync.Once

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	Port            int
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultServerConfig returns a ServerConfig with default values.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:            8080,
		ReadTimeout:     30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// Server is the inbound HTTP server carrying the proxy and admin routes.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	config     *ServerConfig
	logger     *zap.Logger
}

// NewServer creates the server and mounts all routes.
func NewServer(config *ServerConfig, handlers *Handlers, resolver *router.Resolver, logger *zap.Logger) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	engine := gin.New()
	engine.Use(
		middleware.RequestID(),
		middleware.Recovery(logger),
		middleware.CORS(),
	)

	s := &Server{
		engine: engine,
		config: config,
		logger: logger,
	}
	s.mountRoutes(handlers, resolver)

	return s
}

// mountRoutes registers the admin surface, the liveness and metrics
// endpoints, and one proxy route per routing prefix.
func (s *Server) mountRoutes(handlers *Handlers, resolver *router.Resolver) {
	admin := s.engine.Group("/gateway")
	admin.POST("/register", handlers.Register)
	admin.POST("/deregister", handlers.Deregister)
	admin.GET("/status", handlers.Status)
	admin.GET("/circuit-breaker-status", handlers.BreakerStatus)
	admin.GET("/test-dispatch", handlers.TestDispatch)
	admin.POST("/dispatch", handlers.Dispatch)

	s.engine.GET("/health", handlers.Health)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	for _, prefix := range resolver.Prefixes() {
		s.engine.Any(prefix+"*proxyPath", handlers.Proxy)
	}
}

// Engine returns the underlying gin engine.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start runs the server. It blocks until the listener fails or Shutdown is
// called; a closed-server return is not an error.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Address, s.config.Port)

	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.engine,
		ReadTimeout: s.config.ReadTimeout,
		// WriteTimeout defaults to zero so slow upstream relays are bounded
		// by the dispatch path, not the listener; a config file may set it.
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	s.logger.Info("gateway listening", zap.String("addr", addr))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	s.logger.Info("shutting down gateway")
	return s.httpServer.Shutdown(ctx)
}
