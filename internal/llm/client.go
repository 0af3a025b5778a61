package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/akstspace/media-mgmt-agent/internal/config"
)

// Client is implemented by every provider.
type Client interface {
	// Chat sends one non-streaming completion request.
	Chat(ctx context.Context, model string, messages []Message, tools []Tool) (*ChatResponse, error)
	// Ping checks that the provider is reachable and the key is accepted.
	Ping(ctx context.Context) error
}

// Options are shared by all providers.
type Options struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Logger     *slog.Logger
	// MaxAttempts bounds attempts on rate limits and server errors.
	MaxAttempts    int
	BackoffInitial time.Duration
}

func (o *Options) applyDefaults(provider string) {
	if o.HTTPClient == nil {
		o.HTTPClient = http.DefaultClient
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	o.Logger = o.Logger.With("component", "llm", "provider", provider)
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = time.Second
	}
}

// New builds the client for the configured provider.
func New(cfg config.LLMConfig, httpClient *http.Client, logger *slog.Logger) (Client, error) {
	opts := Options{
		BaseURL:    cfg.BaseURL,
		APIKey:     cfg.APIKey,
		HTTPClient: httpClient,
		Logger:     logger,
	}
	switch cfg.Provider {
	case config.ProviderOpenAI:
		return NewOpenAIClient(opts), nil
	case config.ProviderOllama:
		return NewOllamaClient(opts), nil
	case config.ProviderAnthropic:
		return NewAnthropicClient(opts), nil
	}
	return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
}
