package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "listen:\n  port: 9999\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_NothingFound(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Chdir(dir)

	if _, err := FindConfig(""); err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("listen:\n  port: 8080\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "data_dir: /var/lib/mediabot\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Agent.MaxIterations != 8 {
		t.Errorf("max_iterations = %d, want 8", cfg.Agent.MaxIterations)
	}
	if cfg.Auth.SessionTimeout != 30*time.Minute {
		t.Errorf("session_timeout = %s, want 30m", cfg.Auth.SessionTimeout)
	}
	if cfg.Vault.Path != "/var/lib/mediabot/vault.db" {
		t.Errorf("vault.path = %q", cfg.Vault.Path)
	}
	if cfg.Downstream.Timeout != 15*time.Second || cfg.Downstream.MaxAttempts != 3 {
		t.Errorf("downstream = %+v", cfg.Downstream)
	}
	if cfg.LLM.Provider != ProviderOpenAI || cfg.LLM.Model != "gpt-4o-mini" {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	if cfg.Movies.Configured() || cfg.Series.Configured() {
		t.Error("no servers should be configured by default")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("MEDIABOT_TEST_RADARR_KEY", "abc123")
	path := writeConfig(t, `
movies:
  url: http://radarr.lan:7878
  api_key: ${MEDIABOT_TEST_RADARR_KEY}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Movies.APIKey != "abc123" {
		t.Errorf("api_key = %q, want %q", cfg.Movies.APIKey, "abc123")
	}
	if !cfg.Movies.Configured() {
		t.Error("movies should be configured")
	}
}

func TestLoad_Durations(t *testing.T) {
	path := writeConfig(t, `
auth:
  session_timeout: 2h
downstream:
  timeout: 3s
  backoff_initial: 100ms
  backoff_max: 1s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Auth.SessionTimeout != 2*time.Hour {
		t.Errorf("session_timeout = %s", cfg.Auth.SessionTimeout)
	}
	if cfg.Downstream.Timeout != 3*time.Second {
		t.Errorf("timeout = %s", cfg.Downstream.Timeout)
	}
	if cfg.Downstream.BackoffInitial != 100*time.Millisecond || cfg.Downstream.BackoffMax != time.Second {
		t.Errorf("backoff = %s..%s", cfg.Downstream.BackoffInitial, cfg.Downstream.BackoffMax)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad level", "log_level: loud\n", "unknown log level"},
		{"bad format", "log_format: xml\n", "log_format"},
		{"bad provider", "llm:\n  provider: parrot\n", "llm.provider"},
		{"iterations", "agent:\n  max_iterations: 100\n", "max_iterations"},
		{"half server", "series:\n  url: http://sonarr:8989\n", "set together"},
		{"relative url", "movies:\n  url: radarr:7878\n  api_key: k\n", "absolute"},
		{"short timeout", "auth:\n  session_timeout: 10s\n", "session_timeout"},
		{"anthropic no key", "llm:\n  provider: anthropic\n", "api_key"},
		{"backoff order", "downstream:\n  backoff_initial: 10s\n  backoff_max: 1s\n", "backoff_max"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestDefault_Validates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"TRACE", LevelTrace},
		{" debug ", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLogLevel(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseLogLevel_Unknown(t *testing.T) {
	got, err := ParseLogLevel("verbose")
	if err == nil || !strings.Contains(err.Error(), "valid: trace, debug, info, warn, error") {
		t.Errorf("err = %v", err)
	}
	if got != slog.LevelInfo {
		t.Errorf("level = %v, want info alongside the error", got)
	}
}

func TestNewLogger_TraceName(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "trace", "text")
	if err != nil {
		t.Fatal(err)
	}
	logger.Log(t.Context(), LevelTrace, "wire")
	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Errorf("output %q missing level=TRACE", buf.String())
	}
}

func TestLoad_RelativePathsAnchorAtConfigDir(t *testing.T) {
	path := writeConfig(t, "data_dir: state\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	dir := filepath.Dir(path)
	if cfg.DataDir != filepath.Join(dir, "state") {
		t.Errorf("data_dir = %q", cfg.DataDir)
	}
	if cfg.Vault.Path != filepath.Join(dir, "state", "vault.db") {
		t.Errorf("vault.path = %q", cfg.Vault.Path)
	}

	cfg, err = Load(writeConfig(t, "vault:\n  path: secrets/v.db\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if !filepath.IsAbs(cfg.Vault.Path) || filepath.Base(cfg.Vault.Path) != "v.db" {
		t.Errorf("vault.path = %q, want absolute", cfg.Vault.Path)
	}
}
