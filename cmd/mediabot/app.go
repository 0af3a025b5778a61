package main

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/akstspace/media-mgmt-agent/internal/agent"
	"github.com/akstspace/media-mgmt-agent/internal/apperr"
	"github.com/akstspace/media-mgmt-agent/internal/arr"
	"github.com/akstspace/media-mgmt-agent/internal/auth"
	"github.com/akstspace/media-mgmt-agent/internal/config"
	"github.com/akstspace/media-mgmt-agent/internal/events"
	"github.com/akstspace/media-mgmt-agent/internal/httpkit"
	"github.com/akstspace/media-mgmt-agent/internal/llm"
	"github.com/akstspace/media-mgmt-agent/internal/prompts"
	"github.com/akstspace/media-mgmt-agent/internal/tools"
	"github.com/akstspace/media-mgmt-agent/internal/vault"
)

// app carries the streams, global flags and lazily loaded configuration
// shared by every command.
type app struct {
	stdin  io.Reader
	lines  *bufio.Reader
	stdout io.Writer
	stderr io.Writer

	configPath string
	output     string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
}

func newApp(stdin io.Reader, stdout, stderr io.Writer) *app {
	return &app{
		stdin:  stdin,
		lines:  bufio.NewReader(stdin),
		stdout: stdout,
		stderr: stderr,
	}
}

// load reads the configuration and builds the logger. Logs go to stderr
// so command output on stdout stays clean.
func (a *app) load() error {
	if a.cfg != nil {
		return nil
	}
	path, err := config.FindConfig(a.configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	return a.use(cfg)
}

func (a *app) use(cfg *config.Config) error {
	level := cfg.LogLevel
	if a.logLevel != "" {
		level = a.logLevel
	}
	logger, err := config.NewLogger(a.stderr, level, cfg.LogFormat)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

func (a *app) openVault() (*vault.Vault, error) {
	if err := os.MkdirAll(filepath.Dir(a.cfg.Vault.Path), 0o700); err != nil {
		return nil, fmt.Errorf("create vault directory: %w", err)
	}
	return vault.Open(a.cfg.Vault.Path, vault.WithLogger(a.logger))
}

// readLine prompts for a visible value.
func (a *app) readLine(prompt string) (string, error) {
	fmt.Fprint(a.stderr, prompt)
	line, err := a.lines.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", apperr.New(apperr.KindValidation, "cli.prompt", "no input for %q", strings.TrimSpace(prompt))
	}
	return strings.TrimSpace(line), nil
}

// readSecret prompts without echo on a terminal and falls back to a
// plain line read when stdin is piped.
func (a *app) readSecret(prompt string) (string, error) {
	if f, ok := a.stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(a.stderr, prompt)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(a.stderr)
		if err != nil {
			return "", fmt.Errorf("read secret: %w", err)
		}
		return string(b), nil
	}
	return a.readLine(prompt)
}

// credentials returns the login from the config or prompts for it.
func (a *app) credentials() (username, secret string, err error) {
	username, secret = a.cfg.Auth.Username, a.cfg.Auth.Secret
	if username == "" {
		if username, err = a.readLine("Username: "); err != nil {
			return "", "", err
		}
	}
	if secret == "" {
		if secret, err = a.readSecret("Secret: "); err != nil {
			return "", "", err
		}
	}
	return username, secret, nil
}

// unlock verifies the login and returns a credential handle.
func (a *app) unlock(v *vault.Vault) (*vault.Handle, error) {
	username, secret, err := a.credentials()
	if err != nil {
		return nil, err
	}
	stored, err := v.Username()
	if err != nil {
		return nil, err
	}
	if stored != username {
		return nil, apperr.New(apperr.KindAuth, "cli.unlock", "invalid username or secret")
	}
	return v.Unlock(secret)
}

// seedRecords turns credentials supplied in configuration into vault
// records.
func seedRecords(cfg *config.Config) []vault.Record {
	var out []vault.Record
	if cfg.Movies.Configured() {
		out = append(out, vault.Record{Kind: vault.KindMovie, BaseURL: cfg.Movies.URL, APIKey: cfg.Movies.APIKey})
	}
	if cfg.Series.Configured() {
		out = append(out, vault.Record{Kind: vault.KindSeries, BaseURL: cfg.Series.URL, APIKey: cfg.Series.APIKey})
	}
	return out
}

// availableKinds lists the servers with configured or stored
// credentials.
func availableKinds(cfg *config.Config, v *vault.Vault) ([]vault.Kind, error) {
	stored, err := v.StoredKinds()
	if err != nil {
		return nil, err
	}
	have := make(map[vault.Kind]bool)
	for _, k := range stored {
		have[k] = true
	}
	for _, r := range seedRecords(cfg) {
		have[r.Kind] = true
	}
	var out []vault.Kind
	for _, k := range vault.Kinds {
		if have[k] {
			out = append(out, k)
		}
	}
	if len(out) == 0 {
		return nil, apperr.New(apperr.KindValidation, "cli.kinds",
			"no media servers configured; run `mediabot creds set` or add movies/series to the config")
	}
	return out, nil
}

// runtime is the assembled agent stack shared by chat, ask and serve.
type runtime struct {
	vault   *vault.Vault
	gate    *auth.Gate
	catalog *tools.Catalog
	loop    *agent.Loop
	bus     *events.Bus
	llm     llm.Client
	// downstream is the HTTP client used for media server calls.
	downstream *http.Client
}

func (rt *runtime) Close() {
	rt.gate.Close()
	rt.vault.Close()
}

// assemble opens the vault and wires the catalog, planner and loop.
func (a *app) assemble() (*runtime, error) {
	v, err := a.openVault()
	if err != nil {
		return nil, err
	}
	if ok, err := v.Initialized(); err != nil || !ok {
		v.Close()
		if err != nil {
			return nil, err
		}
		return nil, apperr.New(apperr.KindAuth, "cli.assemble", "vault is not initialized; run `mediabot init` first")
	}
	kinds, err := availableKinds(a.cfg, v)
	if err != nil {
		v.Close()
		return nil, err
	}

	bus := events.New()
	catalog := tools.NewCatalog(a.logger)
	downstream := a.downstreamClient()
	var services []prompts.Service
	for _, k := range kinds {
		srv, err := arr.New(k, a.serverOptions(k, downstream))
		if err != nil {
			v.Close()
			return nil, err
		}
		if err := tools.RegisterMediaTools(catalog, srv, tools.MediaOptions{}); err != nil {
			v.Close()
			return nil, err
		}
		services = append(services, serviceFor(k))
	}
	catalog.Seal()

	client, err := llm.New(a.cfg.LLM, httpkit.NewClient(
		httpkit.WithTimeout(a.cfg.LLM.Timeout),
		httpkit.WithLogger(a.logger),
	), a.logger)
	if err != nil {
		v.Close()
		return nil, err
	}
	planner := agent.NewLLMPlanner(client, agent.PlannerConfig{
		Model:    a.cfg.LLM.Model,
		Services: services,
		Logger:   a.logger,
	})
	loop := agent.NewLoop(catalog, planner,
		agent.WithMaxIterations(a.cfg.Agent.MaxIterations),
		agent.WithLogger(a.logger),
		agent.WithEvents(bus),
	)
	gate := auth.NewGate(v, auth.Config{
		Timeout: a.cfg.Auth.SessionTimeout,
		Seed:    seedRecords(a.cfg),
		Logger:  a.logger,
		Events:  bus,
	})

	a.logger.Info("agent ready",
		"tools", len(catalog.Names()),
		"servers", kinds,
		"provider", a.cfg.LLM.Provider,
		"model", a.cfg.LLM.Model,
	)
	return &runtime{
		vault:      v,
		gate:       gate,
		catalog:    catalog,
		loop:       loop,
		bus:        bus,
		llm:        client,
		downstream: downstream,
	}, nil
}

func (a *app) downstreamClient() *http.Client {
	opts := []httpkit.ClientOption{httpkit.WithLogger(a.logger)}
	if a.cfg.Downstream.InsecureTLS {
		opts = append(opts, httpkit.WithTLSInsecureSkipVerify())
	}
	return httpkit.NewClient(opts...)
}

func (a *app) serverOptions(kind vault.Kind, client *http.Client) arr.Options {
	sc := a.cfg.Movies
	if kind == vault.KindSeries {
		sc = a.cfg.Series
	}
	return arr.Options{
		Credentials:      vault.ReadFromContext,
		HTTPClient:       client,
		Logger:           a.logger,
		Timeout:          a.cfg.Downstream.Timeout,
		MaxAttempts:      a.cfg.Downstream.MaxAttempts,
		BackoffInitial:   a.cfg.Downstream.BackoffInitial,
		BackoffMax:       a.cfg.Downstream.BackoffMax,
		QualityProfileID: sc.QualityProfileID,
		RootFolderPath:   sc.RootFolderPath,
	}
}

func serviceFor(k vault.Kind) prompts.Service {
	if k == vault.KindSeries {
		return prompts.Sonarr
	}
	return prompts.Radarr
}

// shutdownTimeout bounds graceful shutdown of the server.
const shutdownTimeout = 10 * time.Second

