// -------------------------------------------------------------------------------
// QR Landing - Dynamic QR Code Landing Page Service
//
// Author: Alex Freidah
//
// Entry point for the landing service. Dispatches to subcommands: "serve"
// (default) starts the HTTP server and background jobs, "validate" checks a
// configuration file, "hash-token" produces the bcrypt hash for the editor
// token, and "version" prints build information.
// -------------------------------------------------------------------------------

package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/afreidah/qr-landing/internal/auth"
	"github.com/afreidah/qr-landing/internal/cache"
	"github.com/afreidah/qr-landing/internal/config"
	"github.com/afreidah/qr-landing/internal/delivery"
	"github.com/afreidah/qr-landing/internal/lifecycle"
	"github.com/afreidah/qr-landing/internal/server"
	"github.com/afreidah/qr-landing/internal/storage"
	"github.com/afreidah/qr-landing/internal/telemetry"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "serve":
			os.Args = os.Args[1:]
		case "validate":
			os.Args = os.Args[1:]
			runValidate()
			return
		case "hash-token":
			os.Args = os.Args[1:]
			runHashToken()
			return
		case "version":
			runVersion()
			return
		}
	}
	runServe()
}

func runServe() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// --- Initialize structured logger ---
	logLevel := new(slog.LevelVar)
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	// --- Load configuration ---
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	logLevel.Set(parseLogLevel(cfg.Logging.Level))

	ctx := context.Background()
	if err := cfg.ResolveSecrets(ctx); err != nil {
		slog.Error("Failed to resolve secrets from Vault", "error", err)
		os.Exit(1)
	}

	// --- Initialize tracing ---
	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.Telemetry.Tracing)
	if err != nil {
		slog.Error("Failed to initialize tracer", "error", err)
		os.Exit(1)
	}

	// --- Set build info metric ---
	telemetry.BuildInfo.WithLabelValues(telemetry.Version, runtime.Version()).Set(1)

	// --- Initialize PostgreSQL store ---
	store, err := storage.NewStore(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL",
		"host", cfg.Database.Host,
		"port", cfg.Database.Port,
		"database", cfg.Database.Database,
	)

	// --- Run database migrations ---
	if err := store.RunMigrations(ctx); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("Database migrations applied")

	// --- Wrap store with circuit breaker for runtime ---
	cbStore := storage.NewCircuitBreakerStore(store, cfg.CircuitBreaker)

	// --- Cache tiers and scan recording ---
	shared := cache.NewSharedCache(ctx, cfg.Redis)
	recent := cache.NewRecencyCache[*cache.Payload](cfg.Cache.Capacity, nil)
	tracker := cache.NewAccessTracker(cfg.Tracker.TopK)
	scans := delivery.NewScanBatcher(cbStore, cfg.ScanFlush.RequeueOnFailure)

	orch := delivery.NewOrchestrator(recent, tracker, shared, cbStore, scans, delivery.Options{
		FreshnessWindow: cfg.Cache.FreshnessWindow,
		SharedTTL:       cfg.Cache.SharedTTL,
		StoreTimeout:    cfg.Server.StoreTimeout,
	})

	// --- Start background services with lifecycle manager ---
	flushSvc := newScanFlushService(scans, cfg.ScanFlush)
	prewarmSvc := newPrewarmService(orch, cfg.Prewarm)
	resetSvc := newCacheResetService(orch, cfg.Cache.ResetInterval)

	sm := lifecycle.NewManager()
	sm.Register("scan-flush", flushSvc)
	sm.Register("prewarm", prewarmSvc)
	sm.Register("cache-reset", resetSvc)
	sm.Register("metrics-refresh", newMetricsRefreshService(storage.NewMetricsCollector(store, cbStore)))

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	bgDone := make(chan struct{})
	go func() {
		sm.Run(bgCtx)
		close(bgDone)
	}()

	// --- Build HTTP server ---
	editor, err := auth.NewEditorAuth(cfg.Editor.TokenHash)
	if err != nil {
		slog.Error("Failed to load editor token hash", "error", err)
		os.Exit(1)
	}

	resolver := server.NewIPResolver(cfg.RateLimit.TrustedProxies)
	var rl *server.RateLimiter
	if cfg.RateLimit.Enabled {
		rl = server.NewRateLimiter(cfg.RateLimit, resolver)
		slog.Info("Rate limiting enabled",
			"requests_per_sec", cfg.RateLimit.RequestsPerSec,
			"burst", cfg.RateLimit.Burst,
		)
	}

	metricsPath := ""
	if cfg.Telemetry.Metrics.Enabled {
		metricsPath = cfg.Telemetry.Metrics.Path
		slog.Info("Metrics endpoint enabled", "path", metricsPath)
	}

	srv := server.New(server.Options{
		Landing:     orch,
		Healthy:     cbStore.IsHealthy,
		Resolver:    resolver,
		Limiter:     rl,
		MetricsPath: metricsPath,
	}, serverSettings(cfg), editor)

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	targets := &reloadTargets{
		server:   srv,
		limiter:  rl,
		scans:    scans,
		flush:    flushSvc,
		prewarm:  prewarmSvc,
		reset:    resetSvc,
		logLevel: logLevel,
	}

	// --- Handle SIGHUP for config reload ---
	hupChan := make(chan os.Signal, 1)
	signal.Notify(hupChan, syscall.SIGHUP)
	go func() {
		for range hupChan {
			slog.Info("SIGHUP received, reloading configuration", "path", *configPath)

			newCfg, err := config.LoadConfig(*configPath)
			if err != nil {
				slog.Error("Config reload failed, keeping current config", "error", err)
				continue
			}
			if err := newCfg.ResolveSecrets(bgCtx); err != nil {
				slog.Error("Config reload failed, keeping current config", "error", err)
				continue
			}

			for _, w := range config.NonReloadableFieldsChanged(cfg, newCfg) {
				slog.Warn("Config field changed but requires restart to take effect", "field", w)
			}

			if err := targets.apply(newCfg); err != nil {
				slog.Error("Config reload failed, keeping current config", "error", err)
				continue
			}

			cfg = newCfg
			slog.Info("Configuration reload complete")
		}
	}()

	// --- Handle graceful shutdown ---
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		slog.Info("Shutting down")

		// Stop SIGHUP handler so it can't race with shutdown
		signal.Stop(hupChan)
		close(hupChan)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Drain inflight HTTP requests first so their scans are enqueued
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		}

		if rl != nil {
			rl.Close()
		}

		// Stop background services; the scan flush service writes the final batch
		bgCancel()
		<-bgDone
		sm.Stop(10 * time.Second)

		// Wait for detached shared cache writes, then release connections
		orch.Close()
		if err := shared.Close(); err != nil {
			slog.Warn("Shared cache close error", "error", err)
		}
		store.Close()

		if err := shutdownTracer(shutdownCtx); err != nil {
			slog.Error("Tracer shutdown error", "error", err)
		}
	}()

	// --- Log startup info ---
	slog.Info("QR landing service starting",
		"version", telemetry.Version,
		"listen_addr", cfg.Server.ListenAddr,
		"cache_capacity", cfg.Cache.Capacity,
		"freshness_window", cfg.Cache.FreshnessWindow,
		"redis", cfg.Redis.Enabled,
		"prewarm", cfg.Prewarm.IsEnabled(),
		"editor_hook", editor != nil,
	)

	if cfg.Telemetry.Tracing.Enabled {
		slog.Info("Tracing enabled",
			"endpoint", cfg.Telemetry.Tracing.Endpoint,
			"sample_rate", cfg.Telemetry.Tracing.SampleRate,
			"insecure", cfg.Telemetry.Tracing.Insecure,
		)
	}

	// --- Start server ---
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	// Wait for shutdown goroutine to finish cleanup
	<-shutdownDone

	slog.Info("Server stopped")
}

// serverSettings extracts the reloadable response settings from cfg.
func serverSettings(cfg *config.Config) server.Settings {
	return server.Settings{
		ActivationURL:    cfg.Server.ActivationURL,
		CompressMinBytes: cfg.Server.CompressMinBytes,
	}
}

// parseLogLevel maps a validated config level to a slog level.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
