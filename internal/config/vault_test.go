// -------------------------------------------------------------------------------
// Vault Secrets Tests
//
// Author: Alex Freidah
//
// Exercises ResolveSecrets against an httptest server speaking the KV v2 read
// API. Covers override, partial secrets, disabled Vault, and read failures.
// -------------------------------------------------------------------------------

package config

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

// newVaultServer returns a fake Vault that serves a single KV v2 secret at
// secret/qr-landing with the given body for its "data" map.
func newVaultServer(t *testing.T, data string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/secret/data/qr-landing" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-Vault-Token") != "test-token" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"errors":["permission denied"]}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"data":` + data + `,"metadata":{"created_time":"2026-01-01T00:00:00Z","deletion_time":"","destroyed":false,"version":3}}}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func vaultConfig(addr string) Config {
	cfg := validBaseConfig()
	cfg.Database.Password = "from-file"
	cfg.Redis.Password = "redis-from-file"
	cfg.Vault = VaultConfig{
		Enabled: true,
		Address: addr,
		Token:   "test-token",
		Mount:   "secret",
		Path:    "qr-landing",
	}
	return cfg
}

func TestResolveSecrets_OverridesPasswords(t *testing.T) {
	srv := newVaultServer(t, `{"database_password":"db-from-vault","redis_password":"redis-from-vault"}`)
	cfg := vaultConfig(srv.URL)

	if err := cfg.ResolveSecrets(context.Background()); err != nil {
		t.Fatalf("ResolveSecrets: %v", err)
	}
	if cfg.Database.Password != "db-from-vault" {
		t.Errorf("database password = %q, want db-from-vault", cfg.Database.Password)
	}
	if cfg.Redis.Password != "redis-from-vault" {
		t.Errorf("redis password = %q, want redis-from-vault", cfg.Redis.Password)
	}
}

func TestResolveSecrets_PartialSecretKeepsFileValues(t *testing.T) {
	srv := newVaultServer(t, `{"database_password":"db-from-vault"}`)
	cfg := vaultConfig(srv.URL)

	if err := cfg.ResolveSecrets(context.Background()); err != nil {
		t.Fatalf("ResolveSecrets: %v", err)
	}
	if cfg.Redis.Password != "redis-from-file" {
		t.Errorf("redis password = %q, want value from file", cfg.Redis.Password)
	}
}

func TestResolveSecrets_Disabled(t *testing.T) {
	cfg := validBaseConfig()
	cfg.Database.Password = "from-file"

	if err := cfg.ResolveSecrets(context.Background()); err != nil {
		t.Fatalf("disabled vault should be a no-op: %v", err)
	}
	if cfg.Database.Password != "from-file" {
		t.Errorf("password changed with vault disabled: %q", cfg.Database.Password)
	}
}

func TestResolveSecrets_PermissionDenied(t *testing.T) {
	srv := newVaultServer(t, `{}`)
	cfg := vaultConfig(srv.URL)
	cfg.Vault.Token = "wrong-token"

	if err := cfg.ResolveSecrets(context.Background()); err == nil {
		t.Fatal("expected error for rejected token")
	}
	if cfg.Database.Password != "from-file" {
		t.Errorf("password should be unchanged on error, got %q", cfg.Database.Password)
	}
}
