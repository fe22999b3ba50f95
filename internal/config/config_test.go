package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "calsync.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, v, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if v == nil {
		t.Fatal("nil viper instance")
	}
	if cfg.HTTPAddr != ":8080" || cfg.LedgerDSN != "memory://" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Sync.MaxConcurrency != 4 || cfg.Sync.CallTimeout != 15*time.Second {
		t.Fatalf("unexpected sync defaults: %+v", cfg.Sync)
	}
	if cfg.Sync.WindowPastDays != 7 || cfg.Sync.WindowFutureDays != 90 {
		t.Fatalf("unexpected window defaults: %+v", cfg.Sync)
	}
	if cfg.Google.CalendarID != "primary" {
		t.Fatalf("calendar id = %q", cfg.Google.CalendarID)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `
http_addr: ":9090"
ledger_dsn: "postgres://localhost:5432/calsync"
bearer_token: "s3cret"
google:
  client_id: "cid"
  client_secret: "csecret"
  redirect_url: "https://app.example/oauth/callback"
sync:
  max_concurrency: 8
  call_timeout: 30s
  retry_attempts: 5
`)
	cfg, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":9090" || cfg.LedgerDSN != "postgres://localhost:5432/calsync" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Google.ClientID != "cid" || cfg.Google.ClientSecret != "csecret" {
		t.Fatalf("unexpected google config: %+v", cfg.Google)
	}
	if cfg.Sync.MaxConcurrency != 8 || cfg.Sync.CallTimeout != 30*time.Second || cfg.Sync.RetryAttempts != 5 {
		t.Fatalf("unexpected sync config: %+v", cfg.Sync)
	}
	// Unset keys still get their defaults.
	if cfg.Sync.RetryBaseDelay != 100*time.Millisecond {
		t.Fatalf("retry base delay = %v", cfg.Sync.RetryBaseDelay)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "http_addr: \":9090\"\n")
	t.Setenv("CALSYNC_HTTP_ADDR", ":7070")

	cfg, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":7070" {
		t.Fatalf("http addr = %q, want env override", cfg.HTTPAddr)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		name     string
		contents string
	}{
		{"retry delays inverted", "sync:\n  retry_base_delay: 5s\n  retry_max_delay: 1s\n"},
		{"client id without secret", "google:\n  client_id: cid\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfigFile(t, tc.contents)
			if _, _, err := Load(path); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestNormalizeFillsZeroValues(t *testing.T) {
	var cfg Config
	cfg.Normalize()
	if cfg.HTTPAddr != ":8080" || cfg.Sync.TickSpec != "* * * * *" {
		t.Fatalf("normalize incomplete: %+v", cfg)
	}
	if cfg.Sync.RetryAttempts != 3 || cfg.Sync.RetryMaxDelay != 2*time.Second {
		t.Fatalf("retry defaults missing: %+v", cfg.Sync)
	}
}
