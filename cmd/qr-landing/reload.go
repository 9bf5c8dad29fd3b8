// -------------------------------------------------------------------------------
// Reload - SIGHUP Fan-Out of Runtime Settings
//
// Author: Alex Freidah
//
// Applies a freshly loaded config to every component that supports live
// changes: log level, server settings, editor credentials, rate limits, and
// the intervals of the periodic services.
// -------------------------------------------------------------------------------

package main

import (
	"fmt"
	"log/slog"

	"github.com/afreidah/qr-landing/internal/auth"
	"github.com/afreidah/qr-landing/internal/config"
	"github.com/afreidah/qr-landing/internal/delivery"
	"github.com/afreidah/qr-landing/internal/lifecycle"
	"github.com/afreidah/qr-landing/internal/server"
)

// reloadTargets are the running components whose settings follow SIGHUP.
type reloadTargets struct {
	server   *server.Server
	limiter  *server.RateLimiter // nil when rate limiting was disabled at startup
	scans    *delivery.ScanBatcher
	flush    *scanFlushService
	prewarm  *lifecycle.Periodic
	reset    *lifecycle.Periodic
	logLevel *slog.LevelVar
}

// apply pushes the reloadable parts of cfg into the running components. The
// editor hash is parsed first so a bad hash leaves everything unchanged.
func (t *reloadTargets) apply(cfg *config.Config) error {
	editor, err := auth.NewEditorAuth(cfg.Editor.TokenHash)
	if err != nil {
		return fmt.Errorf("failed to reload editor token hash: %w", err)
	}

	t.logLevel.Set(parseLogLevel(cfg.Logging.Level))
	t.server.SetSettings(serverSettings(cfg))
	t.server.SetEditorAuth(editor)

	if t.limiter != nil && cfg.RateLimit.Enabled {
		t.limiter.UpdateLimits(cfg.RateLimit.RequestsPerSec, cfg.RateLimit.Burst)
		slog.Info("Reloaded rate limits",
			"requests_per_sec", cfg.RateLimit.RequestsPerSec,
			"burst", cfg.RateLimit.Burst,
		)
	} else if t.limiter == nil && cfg.RateLimit.Enabled {
		slog.Warn("Config field changed but requires restart to take effect", "field", "rate_limit.enabled")
	}

	t.scans.SetRequeueOnFailure(cfg.ScanFlush.RequeueOnFailure)
	t.flush.SetTimeout(cfg.ScanFlush.Timeout)
	t.flush.SetInterval(cfg.ScanFlush.Interval)
	t.prewarm.SetInterval(prewarmInterval(cfg.Prewarm))
	t.reset.SetInterval(cfg.Cache.ResetInterval)

	slog.Info("Reloaded runtime settings",
		"activation_url", cfg.Server.ActivationURL,
		"editor_hook", editor != nil,
		"scan_flush_interval", cfg.ScanFlush.Interval,
		"prewarm_interval", prewarmInterval(cfg.Prewarm),
		"cache_reset_interval", cfg.Cache.ResetInterval,
	)
	return nil
}
