package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/cdctail/internal/config"
	"github.com/lsm/cdctail/internal/observability"
	"github.com/lsm/cdctail/internal/pipeline"
	"github.com/lsm/cdctail/internal/retry"
	"github.com/lsm/cdctail/internal/sink/logsink"
	"github.com/lsm/cdctail/internal/source"
	"github.com/lsm/cdctail/internal/source/kafka"
	"github.com/lsm/cdctail/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.LookupEnv)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := observability.NewLevelVar(cfg.LogLevel)
	logger := observability.NewLogger(os.Stdout, level)
	slog.SetDefault(logger)

	sink := logsink.New(logger, cfg.SourceTag)

	// Context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if !cfg.Enabled {
		sink.Disabled(ctx, config.EnvEnabled+"=false")
		return nil
	}

	// Setup metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(reg)

	health := observability.NewHealthServer()

	var httpServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.Handle("GET /healthz", health.Handler())
		mux.Handle("GET /readyz", health.Handler())

		httpServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Debug("metrics_server_starting", "addr", cfg.MetricsAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics_server_error", "error", err.Error())
			}
		}()
	}

	tracer, shutdownTracing, err := tracing.Initialize(ctx, cfg.Tracing, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	// Start config watcher
	if cfg.ConfigFile != "" {
		watchLevel := level
		if cfg.LogLevelPinned {
			watchLevel = nil
		}
		watcher := config.NewWatcher(cfg.ConfigFile, watchLevel, logger)
		watcher.OnChange(func(f *config.File) {
			logger.Info("config_reloaded", "file", cfg.ConfigFile, "logLevel", f.LogLevel)
		})
		go func() {
			if err := watcher.Watch(ctx); err != nil {
				logger.Warn("config_watch_error", "error", err.Error())
			}
		}()
	}

	p := pipeline.New(sink, metrics, newSessionFactory(cfg, sink, metrics, health, tracer))
	scheduler := retry.NewScheduler(cfg.Retry, sink, metrics)

	runErr := scheduler.Run(ctx, p.RunOnce)

	// Graceful shutdown
	health.SetPhase(source.PhaseIdle)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing_shutdown_error", "error", err.Error())
	}
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics_server_shutdown_error", "error", err.Error())
		}
	}

	if runErr != nil {
		sink.FatalStartup(shutdownCtx, runErr)
		return runErr
	}
	sink.Stopped(shutdownCtx, "signal")
	return nil
}

func newSessionFactory(cfg *config.Config, sink *logsink.Sink, metrics *observability.Metrics, health *observability.HealthServer, tracer trace.Tracer) pipeline.SessionFactory {
	return func() (pipeline.Session, error) {
		s, err := kafka.NewSession(kafka.Config{
			Cluster:       &cfg.Cluster,
			Topic:         cfg.Topic,
			ConsumerGroup: cfg.ConsumerGroup,
			FromBeginning: cfg.FromBeginning,
		}, sink)
		if err != nil {
			return nil, err
		}
		s.SetTracer(tracer)
		s.SetMetrics(metrics)
		s.OnPhaseChange(func(p source.Phase) {
			health.SetPhase(p)
			metrics.SetPhase(p)
		})
		return s, nil
	}
}
