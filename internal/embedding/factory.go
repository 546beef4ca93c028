package embedding

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/config"
)

// New builds the embedder selected by cfg.Provider and wraps it in a CachedEmbedder.
// When the ONNX runtime or model cannot be loaded, it falls back to the mock embedder so
// the server still starts; the fallback is logged as a warning.
func New(ctx context.Context, cfg config.EmbeddingConfig, llm config.LLMConfig, logger *zap.Logger) (Embedder, error) {
	var (
		inner Embedder
		err   error
	)
	switch cfg.Provider {
	case "onnx", "":
		inner, err = NewONNXEmbedder(cfg.ModelPath, cfg.Dimensions, cfg.MaxTokens)
		if err != nil {
			if logger != nil {
				logger.Warn("onnx embedder unavailable, using mock embedder",
					zap.String("model_path", cfg.ModelPath), zap.Error(err))
			}
			inner, err = NewMockEmbedder(cfg.Dimensions), nil
		}
	case "gemini":
		inner, err = NewGeminiEmbedder(ctx, llm.GeminiAPIKey(), cfg.Model, cfg.Dimensions)
	case "openai":
		inner, err = NewOpenAIEmbedder(llm.OpenAIAPIKey(), llm.OpenAIBaseURL, cfg.Model, cfg.Dimensions)
	case "mock":
		inner = NewMockEmbedder(cfg.Dimensions)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("embedder ready", zap.String("provider", cfg.Provider), zap.Int("dimensions", inner.Dimensions()))
	}
	if cfg.CacheSize <= 0 {
		return inner, nil
	}
	return NewCachedEmbedder(inner, cfg.CacheSize), nil
}
