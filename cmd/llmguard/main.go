// Package main runs llmguard as a daemon that exposes budget, metrics and
// health diagnostics for a configured provider.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/aicsynergy/llmguard"
	"github.com/aicsynergy/llmguard/internal/config"
	"github.com/aicsynergy/llmguard/internal/healthcheck"
	"github.com/aicsynergy/llmguard/internal/observability"
)

func main() {
	configPath := flag.String("config", "config/llmguard.yaml", "path to configuration file")
	check := flag.Bool("check", false, "test the provider connection once and exit")
	flag.Parse()

	if err := run(*configPath, *check); err != nil {
		fmt.Fprintln(os.Stderr, "llmguard:", err)
		os.Exit(1)
	}
}

func run(configPath string, check bool) error {
	bootLogger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	cfgManager, err := config.NewManager(configPath, bootLogger)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	defer cfgManager.Close()
	cfg := cfgManager.Get()

	redactor := observability.NewRedactor()
	logger := observability.NewLogger(observability.LoggerConfig{
		Level:      observability.ParseLevel(cfg.Logging.Level),
		Output:     os.Stdout,
		JSONFormat: strings.EqualFold(cfg.Logging.Format, "json"),
	}, redactor)
	slog.SetDefault(logger)
	logger.Info("starting llmguard", "version", llmguard.Version, "config", configPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	secrets, err := newSecretManager(cfg.Secrets, logger)
	if err != nil {
		return err
	}
	defer secrets.Close()

	if check {
		return runCheck(ctx, cfg, deps{logger: logger, redactor: redactor, secrets: secrets})
	}

	tp, err := observability.InitTracing(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	mp, err := observability.InitMeter(ctx, cfg.OTelMetrics)
	if err != nil {
		return fmt.Errorf("init otel metrics: %w", err)
	}
	lp, err := observability.InitLogs(ctx, cfg.OTelLogs)
	if err != nil {
		return fmt.Errorf("init otel logs: %w", err)
	}

	store, closeStore, err := newBudgetStore(ctx, cfg, secrets)
	if err != nil {
		return err
	}
	defer closeStore()

	d := deps{
		logger:    logger,
		redactor:  redactor,
		secrets:   secrets,
		tracer:    tp.Tracer(),
		meter:     mp.Meter(),
		store:     store,
		observers: []llmguard.Observer{observability.NewLogObserver(lp.Logger(), redactor)},
	}

	var archiver *observability.S3Archiver
	if cfg.Archive.Enabled {
		archiver, err = observability.NewS3Archiver(ctx, cfg.Archive, logger)
		if err != nil {
			return fmt.Errorf("init event archive: %w", err)
		}
		d.observers = append(d.observers, archiver)
	}

	first, err := buildGeneration(ctx, cfg, d)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	swap := newClientSwap(first)

	reload := newReloader(logger, swap, func(next *config.Config) (*generation, error) {
		return buildGeneration(ctx, next, d)
	})
	cfgManager.OnChange(reload.Reload)
	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}

	prober := healthcheck.NewProber(healthcheck.Config{
		Enabled:  true,
		Interval: cfg.Health.Interval,
		Timeout:  cfg.Health.Timeout,
	}, probeTargets{
		swap:          swap,
		onAuthFailure: refreshOnAuthFailure(logger, secrets, cfgManager.Get, reload.Reload),
	}, logger)
	prober.Start(ctx)

	base := prometheus.NewRegistry()
	base.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	diag := &diagnostics{swap: swap, prober: prober, config: cfgManager, base: base, logger: logger}
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      diag.routes(cfg.Metrics),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("diagnostics listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		logger.Error("server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	swap.close()
	if archiver != nil {
		if err := archiver.Close(shutdownCtx); err != nil {
			logger.Error("event archive flush failed", "error", err)
		}
	}
	for name, shutdown := range map[string]func(context.Context) error{
		"tracing": tp.Shutdown,
		"metrics": mp.Shutdown,
		"logs":    lp.Shutdown,
	} {
		if err := shutdown(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown failed", "provider", name, "error", err)
		}
	}
	logger.Info("llmguard stopped")
	return nil
}

// runCheck builds a client and tests the connection once. The failure
// reason is logged by the client.
func runCheck(ctx context.Context, cfg *config.Config, d deps) error {
	g, err := buildGeneration(ctx, cfg, d)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer g.Close()

	if !g.client.TestConnection(ctx) {
		return fmt.Errorf("connection check failed for %s", cfg.Provider.BaseURL)
	}
	d.logger.Info("connection check passed", "model", cfg.Provider.Model, "base_url", cfg.Provider.BaseURL)
	return nil
}
