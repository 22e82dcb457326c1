package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// TestDefaults verifies all default values are applied when loading an empty config file.
func TestDefaults(t *testing.T) {
	path := writeTempConfig(t, "# empty\n")

	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if len(cfg.CORS.AllowedOrigins) != 3 || cfg.CORS.AllowedOrigins[0] != "https://recursivelearning.app" {
		t.Errorf("CORS.AllowedOrigins = %v", cfg.CORS.AllowedOrigins)
	}
	if cfg.Upstream.AssistantsVersion != "v2" {
		t.Errorf("Upstream.AssistantsVersion = %q, want %q", cfg.Upstream.AssistantsVersion, "v2")
	}
	if cfg.Upstream.Timeout != 8*time.Second {
		t.Errorf("Upstream.Timeout = %v, want 8s", cfg.Upstream.Timeout)
	}
	if cfg.Relay.ExecutionBudget != 25*time.Second {
		t.Errorf("Relay.ExecutionBudget = %v, want 25s", cfg.Relay.ExecutionBudget)
	}
	if cfg.Relay.PollInterval != time.Second {
		t.Errorf("Relay.PollInterval = %v, want 1s", cfg.Relay.PollInterval)
	}
	if cfg.Credentials.Source != SourceEnv {
		t.Errorf("Credentials.Source = %q, want %q", cfg.Credentials.Source, SourceEnv)
	}
	if cfg.Credentials.Region != "us-east-2" {
		t.Errorf("Credentials.Region = %q, want %q", cfg.Credentials.Region, "us-east-2")
	}
}

// TestYAMLParsing verifies that nested YAML sections map onto dotted keys.
func TestYAMLParsing(t *testing.T) {
	content := `
server:
  port: 9090
  rate_limit_rps: 2.5
cors:
  allowed_origins:
    - https://a.example
    - https://b.example
upstream:
  base_url: http://localhost:1234/v1
  timeout: 3s
relay:
  execution_budget: 12s
  reserve: 2s
credentials:
  source: ssm
sink:
  persist: false
storage:
  data_dir: /tmp/threadrelay-test
`
	path := writeTempConfig(t, content)

	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.RateLimitRPS != 2.5 {
		t.Errorf("Server.RateLimitRPS = %v, want 2.5", cfg.Server.RateLimitRPS)
	}
	if got := strings.Join(cfg.CORS.AllowedOrigins, ","); got != "https://a.example,https://b.example" {
		t.Errorf("CORS.AllowedOrigins = %q", got)
	}
	if cfg.Upstream.BaseURL != "http://localhost:1234/v1" {
		t.Errorf("Upstream.BaseURL = %q", cfg.Upstream.BaseURL)
	}
	if cfg.Upstream.Timeout != 3*time.Second {
		t.Errorf("Upstream.Timeout = %v, want 3s", cfg.Upstream.Timeout)
	}
	if cfg.Relay.ExecutionBudget != 12*time.Second || cfg.Relay.Reserve != 2*time.Second {
		t.Errorf("Relay = %+v", cfg.Relay)
	}
	if cfg.Credentials.Source != SourceSSM {
		t.Errorf("Credentials.Source = %q, want ssm", cfg.Credentials.Source)
	}
	if cfg.Sink.Persist {
		t.Error("Sink.Persist = true, want false")
	}
	if cfg.Storage.DataDir != "/tmp/threadrelay-test" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
}

// TestEnvOverride verifies that environment variables override config file values.
func TestEnvOverride(t *testing.T) {
	path := writeTempConfig(t, "server:\n  port: 9090\n")

	t.Setenv("THREADRELAY_SERVER_PORT", "7070")
	t.Setenv("THREADRELAY_CORS_ALLOWED_ORIGINS", "https://x.example, https://y.example")
	t.Setenv("THREADRELAY_SERVER_TOKEN", "s3cret")

	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 7070 {
		t.Errorf("Server.Port = %d, want 7070", cfg.Server.Port)
	}
	if len(cfg.CORS.AllowedOrigins) != 2 || cfg.CORS.AllowedOrigins[1] != "https://y.example" {
		t.Errorf("CORS.AllowedOrigins = %v", cfg.CORS.AllowedOrigins)
	}
	if cfg.Server.Token != "s3cret" {
		t.Errorf("Server.Token = %q, want %q", cfg.Server.Token, "s3cret")
	}
}

func TestEnvOverride_BadValueKeepsDefault(t *testing.T) {
	path := writeTempConfig(t, "")
	t.Setenv("THREADRELAY_UPSTREAM_TIMEOUT", "soon")

	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Upstream.Timeout != 8*time.Second {
		t.Errorf("Upstream.Timeout = %v, want 8s", cfg.Upstream.Timeout)
	}
}

func TestValidate_BudgetMustExceedReserve(t *testing.T) {
	path := writeTempConfig(t, "relay:\n  execution_budget: 3s\n  reserve: 4s\n")

	_, err := loadWith(newFileBackend(path))
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	if !strings.Contains(err.Error(), "relay.execution_budget") {
		t.Errorf("error = %q, want it to mention relay.execution_budget", err)
	}
}

func TestValidate_UnknownCredentialSource(t *testing.T) {
	path := writeTempConfig(t, "credentials:\n  source: vault\n")

	_, err := loadWith(newFileBackend(path))
	if err == nil || !strings.Contains(err.Error(), "credentials.source") {
		t.Fatalf("err = %v, want credentials.source error", err)
	}
}

func TestSetKey_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "threadrelay", "config.yaml")
	b := newFileBackend(path)

	if err := setKeyWith(b, "server.port", "6060"); err != nil {
		t.Fatalf("setKeyWith: %v", err)
	}
	if err := setKeyWith(b, "relay.poll_interval", "500ms"); err != nil {
		t.Fatalf("setKeyWith: %v", err)
	}

	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 6060 {
		t.Errorf("Server.Port = %d, want 6060", cfg.Server.Port)
	}
	if cfg.Relay.PollInterval != 500*time.Millisecond {
		t.Errorf("Relay.PollInterval = %v, want 500ms", cfg.Relay.PollInterval)
	}
}

func TestSetKey_Rejections(t *testing.T) {
	b := newFileBackend(filepath.Join(t.TempDir(), "config.yaml"))

	if err := setKeyWith(b, "server.token", "x"); err == nil {
		t.Error("expected error setting a secret key")
	}
	if err := setKeyWith(b, "server.nope", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
	if err := setKeyWith(b, "upstream.timeout", "forever"); err == nil {
		t.Error("expected error for invalid duration")
	}
}

func TestShowAll_OmitsSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Server.Token = "hidden"
	for _, k := range ShowAll(cfg) {
		if k.Key == "server.token" {
			t.Fatal("ShowAll returned secret key server.token")
		}
	}
}
