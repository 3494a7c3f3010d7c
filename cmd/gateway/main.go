// Package main is the entry point for the dispatch gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dousnl-han/vertx-dispatcher/internal/balancer"
	"github.com/dousnl-han/vertx-dispatcher/internal/circuitbreaker"
	"github.com/dousnl-han/vertx-dispatcher/internal/clientpool"
	"github.com/dousnl-han/vertx-dispatcher/internal/config"
	"github.com/dousnl-han/vertx-dispatcher/internal/dispatch"
	"github.com/dousnl-han/vertx-dispatcher/internal/gateway"
	"github.com/dousnl-han/vertx-dispatcher/internal/health"
	"github.com/dousnl-han/vertx-dispatcher/internal/observability"
	"github.com/dousnl-han/vertx-dispatcher/internal/registry"
	"github.com/dousnl-han/vertx-dispatcher/internal/router"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	port        int
	logLevel    string
	logFormat   string
	algorithm   string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		fmt.Printf("vertx-dispatcher version %s (built %s)\n", version, buildTime)
		return
	}

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	applyFlagOverrides(cfg, flags)

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(cfg.ObservabilityLogConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	observability.SetGlobalLogger(logger)

	logger.Info("starting dispatch gateway",
		observability.String("version", version),
		observability.Int("port", cfg.Server.Port),
	)

	if err := run(cfg, flags, logger); err != nil {
		logger.Error("gateway exited with error", observability.Error(err))
		os.Exit(1)
	}
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("GATEWAY_CONFIG_PATH", ""),
		"Path to configuration file (optional)")
	port := flag.Int("port", 0, "Listening port (overrides config)")
	logLevel := flag.String("log-level", getEnvOrDefault("GATEWAY_LOG_LEVEL", ""),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("GATEWAY_LOG_FORMAT", ""),
		"Log format (json, console)")
	algorithm := flag.String("balancer", getEnvOrDefault("GATEWAY_BALANCER", balancer.AlgorithmWeightedRandom),
		"Load balancing policy (round-robin, random, weighted-random, least-connections)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		port:        *port,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		algorithm:   *algorithm,
		showVersion: *showVersion,
	}
}

// applyFlagOverrides layers flag values over the loaded configuration.
func applyFlagOverrides(cfg *config.GatewayConfig, flags cliFlags) {
	if flags.port != 0 {
		cfg.Server.Port = flags.port
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Log.Format = flags.logFormat
	}
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, def string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return def
}

// run wires the components and serves until a shutdown signal arrives.
func run(cfg *config.GatewayConfig, flags cliFlags, logger observability.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	zapBase := observability.Zap(logger)

	reg := registry.New(registry.WithLogger(logger))
	resolver := router.New(router.DefaultRules())

	breakerCfg := circuitbreaker.DefaultConfig().
		WithFailureThreshold(cfg.Breaker.FailureThreshold).
		WithCooldown(cfg.Breaker.Cooldown.Duration()).
		WithHalfOpenQuota(cfg.Breaker.HalfOpenQuota)
	breakers := circuitbreaker.NewRegistry(breakerCfg, zapBase)

	clients := clientpool.New(clientpool.Config{
		ConnectTimeout:  cfg.ClientPool.ConnectTimeout.Duration(),
		IdleConnTimeout: cfg.ClientPool.IdleConnTimeout.Duration(),
		MaxConnsPerHost: cfg.ClientPool.MaxConnsPerHost,
		ScavengePeriod:  cfg.ClientPool.ScavengePeriod.Duration(),
	}, clientpool.WithLogger(logger))
	clients.Start(ctx)
	defer clients.Stop()

	dispatcher := dispatch.New(reg, resolver, breakers, clients,
		dispatch.WithLogger(logger),
		dispatch.WithPolicy(balancer.New(flags.algorithm)),
	)

	checker := health.New(reg, breakers,
		health.WithLogger(logger),
		health.WithInterval(cfg.HealthCheck.Interval.Duration()),
		health.WithTimeout(cfg.HealthCheck.Timeout.Duration()),
		health.WithPath(cfg.HealthCheck.Path),
		health.WithWorkers(cfg.HealthCheck.Workers),
	)
	checker.Start(ctx)
	defer checker.Stop()

	handlers := gateway.NewHandlers(dispatcher, reg, breakers, logger)
	server := gateway.NewServer(&gateway.ServerConfig{
		Port:            cfg.Server.Port,
		Address:         cfg.Server.Address,
		ReadTimeout:     cfg.Server.ReadTimeout.Duration(),
		WriteTimeout:    cfg.Server.WriteTimeout.Duration(),
		IdleTimeout:     cfg.Server.IdleTimeout.Duration(),
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Duration(),
	}, handlers, resolver, zapBase)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("received shutdown signal", observability.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info("gateway stopped")
	return nil
}
