package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"
	googleoption "google.golang.org/api/option"

	"github.com/hyperjump/kioku/internal/config"
	"github.com/hyperjump/kioku/internal/models"
)

// Factory builds a chat model for a model name; an empty name means the provider default.
type Factory func(model string) (ChatModel, error)

// Registry resolves model names such as "gemini/gemini-1.5-pro" to chat models.
type Registry struct {
	mu              sync.Mutex
	providers       map[string]Factory
	models          map[string]ChatModel
	closers         []io.Closer
	defaultProvider string
	defaultModel    string
}

// NewRegistry creates an empty registry with the given default.
func NewRegistry(defaultProvider, defaultModel string) *Registry {
	return &Registry{
		providers:       make(map[string]Factory),
		models:          make(map[string]ChatModel),
		defaultProvider: defaultProvider,
		defaultModel:    defaultModel,
	}
}

// Register adds or replaces a provider.
func (r *Registry) Register(provider string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[provider] = f
}

// Providers returns the registered provider names in order.
func (r *Registry) Providers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Default returns the default model name as "provider/model".
func (r *Registry) Default() string {
	return r.defaultProvider + "/" + r.defaultModel
}

// Resolve returns the model for name. "provider/model" selects a provider explicitly, a bare
// provider name selects its default model, any other bare name is a model of the default
// provider, and "" is the default model.
func (r *Registry) Resolve(name string) (ChatModel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	provider, model := r.defaultProvider, r.defaultModel
	switch p, m, ok := strings.Cut(name, "/"); {
	case name == "":
	case ok:
		provider, model = p, m
	case r.providers[name] != nil:
		provider, model = name, ""
		if name == r.defaultProvider {
			model = r.defaultModel
		}
	default:
		model = name
	}
	key := provider + "/" + model
	if cm, ok := r.models[key]; ok {
		return cm, nil
	}
	f, ok := r.providers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: unknown model provider %q", models.ErrInvalidInput, provider)
	}
	cm, err := f(model)
	if err != nil {
		return nil, err
	}
	r.models[key] = cm
	return cm, nil
}

// AddCloser registers a client to be closed with the registry.
func (r *Registry) AddCloser(c io.Closer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closers = append(r.closers, c)
}

// Close closes every registered client.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, c := range r.closers {
		errs = append(errs, c.Close())
	}
	r.closers = nil
	return errors.Join(errs...)
}

// NewFromConfig registers echo and every provider whose credentials are present. When the
// configured default provider is unavailable the default falls back to echo with a warning.
func NewFromConfig(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (*Registry, error) {
	r := NewRegistry(cfg.Provider, cfg.Model)
	r.Register("echo", func(string) (ChatModel, error) { return Echo{}, nil })

	if key := cfg.GeminiAPIKey(); key != "" {
		client, err := genai.NewClient(ctx, googleoption.WithAPIKey(key))
		if err != nil {
			return nil, fmt.Errorf("failed to create gemini client: %w", err)
		}
		r.AddCloser(client)
		r.Register("gemini", func(model string) (ChatModel, error) {
			if model == "" {
				model = "gemini-1.5-flash"
			}
			return NewGemini(client, model), nil
		})
	}
	if key := cfg.OpenAIAPIKey(); key != "" || cfg.OpenAIBaseURL != "" {
		opts := []option.RequestOption{option.WithAPIKey(key)}
		if cfg.OpenAIBaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.OpenAIBaseURL))
		}
		client := openai.NewClient(opts...)
		r.Register("openai", func(model string) (ChatModel, error) {
			if model == "" {
				model = "gpt-4o-mini"
			}
			return NewOpenAI(client, model), nil
		})
	}

	if _, ok := r.providers[cfg.Provider]; !ok {
		if logger != nil {
			logger.Warn("chat provider unavailable, using echo model",
				zap.String("provider", cfg.Provider), zap.Strings("available", r.Providers()))
		}
		r.defaultProvider, r.defaultModel = "echo", "echo"
	}
	if logger != nil {
		logger.Info("chat models ready", zap.String("default", r.Default()), zap.Strings("providers", r.Providers()))
	}
	return r, nil
}
