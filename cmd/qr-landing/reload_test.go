package main

import (
	"log/slog"
	"testing"
	"time"

	"github.com/afreidah/qr-landing/internal/config"
	"github.com/afreidah/qr-landing/internal/delivery"
	"github.com/afreidah/qr-landing/internal/server"
	"github.com/afreidah/qr-landing/internal/testutil"
)

func newTargets(t *testing.T, cfg *config.Config) *reloadTargets {
	t.Helper()
	scans := delivery.NewScanBatcher(testutil.NewMockStore(), false)
	level := new(slog.LevelVar)
	return &reloadTargets{
		server:   server.New(server.Options{}, serverSettings(cfg), nil),
		scans:    scans,
		flush:    newScanFlushService(scans, cfg.ScanFlush),
		prewarm:  newPrewarmService(nil, cfg.Prewarm),
		reset:    newCacheResetService(nil, cfg.Cache.ResetInterval),
		logLevel: level,
	}
}

func loadValid(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadConfig(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	return cfg
}

func TestReload_AppliesRuntimeSettings(t *testing.T) {
	cfg := loadValid(t)
	targets := newTargets(t, cfg)

	next := loadValid(t)
	next.Server.ActivationURL = "https://other.example.com/start"
	next.Server.CompressMinBytes = 2048
	next.Logging.Level = "debug"
	next.ScanFlush.Interval = 5 * time.Second
	next.Cache.ResetInterval = 0
	disabled := false
	next.Prewarm.Enabled = &disabled

	if err := targets.apply(next); err != nil {
		t.Fatalf("apply: %v", err)
	}

	st := targets.server.GetSettings()
	if st.ActivationURL != "https://other.example.com/start" || st.CompressMinBytes != 2048 {
		t.Errorf("settings = %+v", st)
	}
	if targets.logLevel.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", targets.logLevel.Level())
	}
	if targets.flush.Interval() != 5*time.Second {
		t.Errorf("flush interval = %v, want 5s", targets.flush.Interval())
	}
	if targets.prewarm.Interval() != 0 {
		t.Errorf("prewarm interval = %v, want 0 when disabled", targets.prewarm.Interval())
	}
	if targets.reset.Interval() != 0 {
		t.Errorf("reset interval = %v, want 0", targets.reset.Interval())
	}
}

func TestReload_BadEditorHashLeavesSettings(t *testing.T) {
	cfg := loadValid(t)
	targets := newTargets(t, cfg)

	next := loadValid(t)
	next.Server.ActivationURL = "https://other.example.com/start"
	next.Editor.TokenHash = "$2a$10$truncated"

	if err := targets.apply(next); err == nil {
		t.Fatal("expected error for malformed hash")
	}
	if got := targets.server.GetSettings().ActivationURL; got != cfg.Server.ActivationURL {
		t.Errorf("activation URL changed to %q on failed reload", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
