package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/INLOpen/nexusledger/config"
	"github.com/INLOpen/nexusledger/engine"
	"github.com/INLOpen/nexusledger/hooks"
	"github.com/INLOpen/nexusledger/hooks/listeners"
	"github.com/INLOpen/nexusledger/server"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// createLogger creates a slog.Logger based on the provided configuration.
func createLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = os.Stdout
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path is specified")
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = file
		closer = file
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	return slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level})), closer, nil
}

// initTracerProvider sets up an OTLP exporter when tracing is enabled.
func initTracerProvider(cfg config.TracingConfig, logger *slog.Logger) (*sdktrace.TracerProvider, func(), error) {
	if !cfg.Enabled {
		logger.Info("Distributed tracing is disabled.")
		return sdktrace.NewTracerProvider(), func() {}, nil
	}
	logger.Info("Initializing distributed tracing...", "protocol", cfg.Protocol, "endpoint", cfg.Endpoint)

	ctx := context.Background()
	var exporter sdktrace.SpanExporter
	var err error
	switch strings.ToLower(cfg.Protocol) {
	case "http":
		exporter, err = otlptrace.New(ctx, otlptracehttp.NewClient(otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure()))
	case "grpc":
		exporter, err = otlptrace.New(ctx, otlptracegrpc.NewClient(otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure()))
	default:
		return nil, nil, fmt.Errorf("unsupported tracing protocol: %q", cfg.Protocol)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String("nexusledger")))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace resource: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)

	cleanup := func() {
		logger.Info("Shutting down tracer provider...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down tracer provider", "error", err)
		}
	}
	return tp, cleanup, nil
}

// registerHooks wires the built-in listeners enabled in cfg.
func registerHooks(hm hooks.HookManager, cfg config.HooksConfig, logger *slog.Logger) {
	if cfg.ActivityMetrics {
		hm.Register(hooks.EventPostLogAppend, listeners.NewActivityListener(logger))
		logger.Info("Registered ActivityListener for PostLogAppend events.")
	}
	if cfg.RegistrationAlertEvery > 0 {
		hm.Register(hooks.EventPostRegisterUser, listeners.NewRegistrationAlerterListener(logger, cfg.RegistrationAlertEvery))
		logger.Info("Registered RegistrationAlerterListener.", "threshold", cfg.RegistrationAlertEvery)
	}
	if len(cfg.TradeLimits) > 0 {
		hm.Register(hooks.EventPreApply, listeners.NewTradeLimitListener(logger, cfg.TradeLimits, cfg.EnforceTradeLimits))
		logger.Info("Registered TradeLimitListener.", "rules", len(cfg.TradeLimits), "enforce", cfg.EnforceTradeLimits)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration from %s: %w", configPath, err)
	}

	logger, logCloser, err := createLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	logger.Info("Using data directory", "path", cfg.Engine.DataDir)

	tp, tracerCleanup, err := initTracerProvider(cfg.Tracing, logger)
	if err != nil {
		return err
	}
	defer tracerCleanup()

	hm := hooks.NewHookManager(logger)
	registerHooks(hm, cfg.Hooks, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := engine.Open(ctx, engine.Options{
		DataDir:          cfg.Engine.DataDir,
		QueueCapacity:    cfg.Engine.QueueCapacity,
		SnapshotInterval: cfg.Engine.SnapshotIntervalDuration(logger),
		SnapshotOnClose:  cfg.Engine.SnapshotOnClose,
		Metrics:          engine.NewEngineMetrics(true, "ledger_"),
		Logger:           logger,
		HookManager:      hm,
		Tracer:           tp.Tracer("nexusledger/engine"),
	})
	if err != nil {
		return fmt.Errorf("failed to open ledger engine: %w", err)
	}

	appServer, err := server.NewAppServer(eng, cfg, logger)
	if err != nil {
		return errors.Join(fmt.Errorf("failed to create application server: %w", err), eng.Close())
	}

	serverErr := make(chan error, 1)
	go func() { serverErr <- appServer.Start(ctx) }()
	logger.Info("Application running. Press Ctrl+C to exit.")

	select {
	case err = <-serverErr:
		if err != nil {
			logger.Error("Server exited with an error", "error", err)
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received. Stopping server...")
		appServer.Stop()
		err = <-serverErr
	}

	// Servers are down, so no request can still be mutating the engine.
	if closeErr := eng.Close(); closeErr != nil {
		logger.Error("Failed to close ledger engine", "error", closeErr)
		err = errors.Join(err, closeErr)
	}
	logger.Info("Application exited.")
	return err
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("ledger-server failed", "error", err)
		os.Exit(1)
	}
}
