package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"text/template"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eugener/htrules/internal/app"
	"github.com/eugener/htrules/internal/auth"
	"github.com/eugener/htrules/internal/cache"
	"github.com/eugener/htrules/internal/config"
	"github.com/eugener/htrules/internal/generator"
	"github.com/eugener/htrules/internal/ratelimit"
	"github.com/eugener/htrules/internal/render"
	"github.com/eugener/htrules/internal/rulefile"
	"github.com/eugener/htrules/internal/server"
	"github.com/eugener/htrules/internal/storage/sqlite"
	"github.com/eugener/htrules/internal/telemetry"
	"github.com/eugener/htrules/internal/worker"
)

func run(configPath string) error {
	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	slog.Info("starting htrules", "version", version, "addr", cfg.Server.Addr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Tracing
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, telemetry.TracingOptions{
			Endpoint:       cfg.Telemetry.Tracing.Endpoint,
			SampleRate:     cfg.Telemetry.Tracing.SampleRate,
			ServiceVersion: version,
		})
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				slog.Error("tracing shutdown", "error", err)
			}
		}()
	}

	// Metrics
	var (
		metrics        *telemetry.Metrics
		metricsHandler http.Handler
	)
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = telemetry.NewMetrics(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	// Open database
	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	// Template cache and renderer
	tmplCache, err := cache.NewMemory[*template.Template](cfg.Templates.CacheSize, cfg.Templates.CacheTTL)
	if err != nil {
		return err
	}
	renderer := render.NewRenderer(tmplCache, cfg.Templates.CacheTTL)
	if metrics != nil {
		renderer.ObserveLookups(func(hit bool) {
			result := "miss"
			if hit {
				result = "hit"
			}
			metrics.TemplateCacheHits.WithLabelValues(result).Inc()
		})
	}

	// Wire services
	gen := generator.NewHtaccess(cfg.Settings(), renderer, rulefile.New(fs.FileMode(cfg.Generator.FileMode)), time.Now)
	rules := app.NewRuleService(gen, store, app.RuleServiceOpts{
		Metrics: metrics,
		Workers: cfg.Generator.RegenerateWorkers,
		Root:    cfg.Generator.Root,
	})

	// Bootstrap from config
	if err := config.Bootstrap(ctx, cfg, rules); err != nil {
		return err
	}

	adminAuth := auth.NewAdminKeyAuth(cfg.Auth.AdminKey)
	if !adminAuth.Enabled() {
		slog.Warn("auth.admin_key is empty, admin API is unauthenticated")
	}

	// Background workers
	events := worker.NewEventQueue(rules)
	workers := []worker.Worker{events}
	if cfg.Sweeper.Enabled {
		workers = append(workers, worker.NewExpirySweeper(rules, cfg.Sweeper.Interval, cfg.Sweeper.BatchSize))
	}
	var limiter *ratelimit.Registry
	if cfg.Server.RateLimit.Enabled() {
		limiter = ratelimit.NewRegistry()
		workers = append(workers, worker.NewLimiterJanitor(limiter, time.Minute, 10*time.Minute))
	}
	runner := worker.NewRunner(workers...)

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() { workerDone <- runner.Run(workerCtx) }()

	// Create HTTP server
	handler := server.New(server.Deps{
		Auth:      adminAuth,
		Rules:     rules,
		Templates: renderer,
		Events:    events,
		ReadyChecks: []server.ReadyCheck{
			{Name: "database", Check: store.Ping},
			{Name: "template", Check: func(context.Context) error {
				_, err := render.Resolve(cfg.Generator.HtaccessTemplateName)
				return err
			}},
		},
		RateLimiter:    limiter,
		RateLimits:     cfg.Server.RateLimit,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("htrules ready", "addr", cfg.Server.Addr)

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case runErr = <-errCh:
	}

	// Shutdown: stop accepting requests first, then let the event queue drain.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, err)
	}
	cancelWorkers()
	if err := <-workerDone; err != nil && !errors.Is(err, context.Canceled) {
		runErr = errors.Join(runErr, err)
	}

	if runErr != nil {
		return runErr
	}
	slog.Info("htrules stopped")
	return nil
}
