package config

import (
	"testing"
	"time"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadFallsBackOnInvalidNumbers(t *testing.T) {
	t.Setenv("REQUEST_TIMEOUT_SECONDS", "soon")
	t.Setenv("STORAGE_RETRY_ATTEMPTS", "0")
	t.Setenv("WALKIN_CACHE_TTL_SECONDS", "90")

	cfg := Load()
	if cfg.RequestTimeout() != 10*time.Second {
		t.Fatalf("expected default timeout, got %s", cfg.RequestTimeout())
	}
	if cfg.StorageRetryAttempts != 3 {
		t.Fatalf("expected default retry attempts, got %d", cfg.StorageRetryAttempts)
	}
	if cfg.WalkInCacheTTL() != 90*time.Second {
		t.Fatalf("expected 90s cache ttl, got %s", cfg.WalkInCacheTTL())
	}
}

func TestLoggerConfigCarriesLogKeys(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "console")

	lc := Load().LoggerConfig()
	if lc.Level != "debug" || lc.Format != "console" || lc.Output != "stdout" {
		t.Fatalf("unexpected logger config %+v", lc)
	}
}
