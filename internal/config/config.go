// Package config handles MediaBot configuration loading.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/akstspace/media-mgmt-agent/internal/paths"
)

// defaultDataDir holds the vault when data_dir is unset.
const defaultDataDir = "./data"

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
// Then: ./config.yaml, ~/.config/mediabot/config.yaml, /etc/mediabot/config.yaml.
func DefaultSearchPaths() []string {
	search := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		search = append(search, filepath.Join(home, ".config", "mediabot", "config.yaml"))
	}

	search = append(search, "/etc/mediabot/config.yaml")
	return search
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all MediaBot configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	DataDir    string           `yaml:"data_dir"`
	Vault      VaultConfig      `yaml:"vault"`
	Auth       AuthConfig       `yaml:"auth"`
	Agent      AgentConfig      `yaml:"agent"`
	LLM        LLMConfig        `yaml:"llm"`
	Movies     ServerConfig     `yaml:"movies"`
	Series     ServerConfig     `yaml:"series"`
	Downstream DownstreamConfig `yaml:"downstream"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the web server settings for "mediabot serve".
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// VaultConfig locates the encrypted credential store.
type VaultConfig struct {
	// Path of the vault database. Defaults to <data_dir>/vault.db.
	Path string `yaml:"path"`
}

// AuthConfig holds the operator login and session policy.
type AuthConfig struct {
	// Username and Secret are used by non-interactive commands (ask,
	// serve auto-seeding). Interactive commands prompt when empty.
	Username string `yaml:"username"`
	Secret   string `yaml:"secret"`

	// SessionTimeout is the inactivity window after which a session
	// must log in again.
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

// AgentConfig bounds the agent loop.
type AgentConfig struct {
	// MaxIterations caps planner/tool cycles per user turn.
	MaxIterations int `yaml:"max_iterations"`
}

// Supported planning engine providers.
const (
	ProviderOpenAI    = "openai" // also OpenRouter and other compatible gateways
	ProviderOllama    = "ollama"
	ProviderAnthropic = "anthropic"
)

// LLMConfig selects the planning engine.
type LLMConfig struct {
	Provider string        `yaml:"provider"`
	BaseURL  string        `yaml:"base_url"`
	APIKey   string        `yaml:"api_key"`
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`
}

// ServerConfig seeds one downstream server's credentials. Values here are
// plaintext in the config file; they are encrypted into the vault on the
// first login and read from the vault afterwards.
type ServerConfig struct {
	URL              string `yaml:"url"`
	APIKey           string `yaml:"api_key"`
	QualityProfileID int    `yaml:"quality_profile_id"` // default for add; 0 = first profile
	RootFolderPath   string `yaml:"root_folder_path"`   // default for add; "" = first root folder
}

// Configured reports whether both URL and API key are present.
func (s ServerConfig) Configured() bool {
	return s.URL != "" && s.APIKey != ""
}

// DownstreamConfig controls calls to Radarr and Sonarr.
type DownstreamConfig struct {
	// Timeout bounds each HTTP attempt.
	Timeout time.Duration `yaml:"timeout"`
	// MaxAttempts bounds retries of retryable failures (total attempts).
	MaxAttempts int `yaml:"max_attempts"`
	// BackoffInitial is the delay before the first retry; it doubles per
	// attempt up to BackoffMax.
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	// InsecureTLS skips certificate verification (self-signed homelab certs).
	InsecureTLS bool `yaml:"insecure_tls"`
}

// Load reads configuration from a YAML file, expands ${ENV} references,
// applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.resolvePaths(filepath.Dir(path))
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and no
// downstream servers configured.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// resolvePaths anchors relative data and vault paths at the config
// file's directory.
func (c *Config) resolvePaths(dir string) {
	r := paths.New(dir)
	if c.DataDir == "" {
		c.DataDir = defaultDataDir
	}
	c.DataDir = r.Resolve(c.DataDir)
	c.Vault.Path = r.Resolve(c.Vault.Path)
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8484
	}
	if c.DataDir == "" {
		c.DataDir = defaultDataDir
	}
	if c.Vault.Path == "" {
		c.Vault.Path = filepath.Join(c.DataDir, "vault.db")
	}
	if c.Auth.SessionTimeout == 0 {
		c.Auth.SessionTimeout = 30 * time.Minute
	}
	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = 8
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = ProviderOpenAI
	}
	if c.LLM.BaseURL == "" {
		switch c.LLM.Provider {
		case ProviderOpenAI:
			c.LLM.BaseURL = "https://api.openai.com/v1"
		case ProviderOllama:
			c.LLM.BaseURL = "http://localhost:11434"
		case ProviderAnthropic:
			c.LLM.BaseURL = "https://api.anthropic.com"
		}
	}
	if c.LLM.Model == "" {
		switch c.LLM.Provider {
		case ProviderOpenAI:
			c.LLM.Model = "gpt-4o-mini"
		case ProviderOllama:
			c.LLM.Model = "qwen3:8b"
		case ProviderAnthropic:
			c.LLM.Model = "claude-sonnet-4-20250514"
		}
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = 2 * time.Minute
	}

	if c.Downstream.Timeout == 0 {
		c.Downstream.Timeout = 15 * time.Second
	}
	if c.Downstream.MaxAttempts == 0 {
		c.Downstream.MaxAttempts = 3
	}
	if c.Downstream.BackoffInitial == 0 {
		c.Downstream.BackoffInitial = 500 * time.Millisecond
	}
	if c.Downstream.BackoffMax == 0 {
		c.Downstream.BackoffMax = 5 * time.Second
	}
}

// Validate checks the configuration for values that would fail later at
// runtime. It is called by Load; callers building a Config by hand
// should call it themselves.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat)
	}

	switch c.LLM.Provider {
	case ProviderOpenAI, ProviderOllama, ProviderAnthropic:
	default:
		return fmt.Errorf("llm.provider %q (valid: openai, ollama, anthropic)", c.LLM.Provider)
	}
	if err := checkURL("llm.base_url", c.LLM.BaseURL); err != nil {
		return err
	}
	if c.LLM.Provider == ProviderAnthropic && c.LLM.APIKey == "" {
		return fmt.Errorf("llm.api_key is required for provider %s", c.LLM.Provider)
	}

	if c.Agent.MaxIterations < 1 || c.Agent.MaxIterations > 64 {
		return fmt.Errorf("agent.max_iterations %d out of range 1-64", c.Agent.MaxIterations)
	}
	if c.Auth.SessionTimeout < time.Minute {
		return fmt.Errorf("auth.session_timeout %s is shorter than 1m", c.Auth.SessionTimeout)
	}

	if c.Downstream.MaxAttempts < 1 || c.Downstream.MaxAttempts > 10 {
		return fmt.Errorf("downstream.max_attempts %d out of range 1-10", c.Downstream.MaxAttempts)
	}
	if c.Downstream.Timeout <= 0 {
		return fmt.Errorf("downstream.timeout must be positive")
	}
	if c.Downstream.BackoffMax < c.Downstream.BackoffInitial {
		return fmt.Errorf("downstream.backoff_max %s is below backoff_initial %s",
			c.Downstream.BackoffMax, c.Downstream.BackoffInitial)
	}

	for name, s := range map[string]ServerConfig{"movies": c.Movies, "series": c.Series} {
		if s.URL == "" && s.APIKey == "" {
			continue
		}
		if s.URL == "" || s.APIKey == "" {
			return fmt.Errorf("%s: url and api_key must be set together", name)
		}
		if err := checkURL(name+".url", s.URL); err != nil {
			return err
		}
	}
	return nil
}

func checkURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s %q must be an absolute http(s) URL", field, raw)
	}
	return nil
}
