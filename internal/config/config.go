// Package config provides configuration loading and structs for the kioku server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug" toml:"debug"`
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Storage   StorageConfig   `yaml:"storage" toml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding" toml:"embedding"`
	LLM       LLMConfig       `yaml:"llm" toml:"llm"`
	Ingest    IngestConfig    `yaml:"ingest" toml:"ingest"`
	Retrieval RetrievalConfig `yaml:"retrieval" toml:"retrieval"`
	Context   ContextConfig   `yaml:"context" toml:"context"`
	Watch     WatchConfig     `yaml:"watch" toml:"watch"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string        `yaml:"host" toml:"host"`
	Port         int           `yaml:"port" toml:"port"`
	WriteTimeout time.Duration `yaml:"write_timeout" toml:"write_timeout"`
}

// StorageConfig holds the database driver and on-disk paths.
type StorageConfig struct {
	// Driver is "sqlite3" (mattn/go-sqlite3, cgo) or "sqlite" (modernc.org/sqlite, pure Go).
	Driver         string `yaml:"driver" toml:"driver"`
	DatabasePath   string `yaml:"database_path" toml:"database_path"`
	BleveIndexPath string `yaml:"bleve_index_path" toml:"bleve_index_path"`
	UploadsPath    string `yaml:"uploads_path" toml:"uploads_path"`
}

// EmbeddingConfig selects and tunes the embedding provider.
type EmbeddingConfig struct {
	// Provider is one of "onnx", "gemini", "openai" or "mock".
	Provider   string `yaml:"provider" toml:"provider"`
	Model      string `yaml:"model" toml:"model"`
	ModelPath  string `yaml:"model_path" toml:"model_path"`
	Dimensions int    `yaml:"dimensions" toml:"dimensions"`
	MaxTokens  int    `yaml:"max_tokens" toml:"max_tokens"`
	CacheSize  int    `yaml:"cache_size" toml:"cache_size"`
}

// LLMConfig selects the default chat model. API keys are read from the environment.
type LLMConfig struct {
	// Provider is one of "gemini", "openai" or "echo".
	Provider      string `yaml:"provider" toml:"provider"`
	Model         string `yaml:"model" toml:"model"`
	GeminiKeyEnv  string `yaml:"gemini_api_key_env" toml:"gemini_api_key_env"`
	OpenAIKeyEnv  string `yaml:"openai_api_key_env" toml:"openai_api_key_env"`
	OpenAIBaseURL string `yaml:"openai_base_url" toml:"openai_base_url"`
	SystemPrompt  string `yaml:"system_prompt" toml:"system_prompt"`
}

// IngestConfig tunes chunking and the background pipeline.
type IngestConfig struct {
	ChunkSize    int           `yaml:"chunk_size" toml:"chunk_size"`
	ChunkOverlap int           `yaml:"chunk_overlap" toml:"chunk_overlap"`
	Workers      int           `yaml:"workers" toml:"workers"`
	QueueSize    int           `yaml:"queue_size" toml:"queue_size"`
	EmbedRate    float64       `yaml:"embed_rate" toml:"embed_rate"`
	EmbedBurst   int           `yaml:"embed_burst" toml:"embed_burst"`
	LinkTimeout  time.Duration `yaml:"link_timeout" toml:"link_timeout"`
}

// RetrievalConfig holds similarity search defaults.
type RetrievalConfig struct {
	Threshold float64 `yaml:"threshold" toml:"threshold"`
	Limit     int     `yaml:"limit" toml:"limit"`
}

// ContextConfig holds context assembly settings.
type ContextConfig struct {
	TokenBudget int `yaml:"token_budget" toml:"token_budget"`
	// Overflow is "truncate" or "skip".
	Overflow string `yaml:"overflow" toml:"overflow"`
	// Counter is "words" or "runes".
	Counter string `yaml:"counter" toml:"counter"`
}

// WatchConfig holds upload inbox settings. New files in Directories become upload sources
// linked to Notebooks.
type WatchConfig struct {
	Directories []string `yaml:"directories" toml:"directories"`
	Extensions  []string `yaml:"extensions" toml:"extensions"`
	Recursive   *bool    `yaml:"recursive" toml:"recursive"`
	Notebooks   []string `yaml:"notebooks" toml:"notebooks"`
}

// RecursiveOrDefault returns whether to watch recursively; defaults to true when unset.
func (w *WatchConfig) RecursiveOrDefault() bool {
	if w.Recursive != nil {
		return *w.Recursive
	}
	return true
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Files ending in .toml are parsed as TOML, anything else as YAML. A .env file next to
// the config is loaded into the environment without overriding variables already set.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if isTOML(path) {
		err = toml.Unmarshal(data, &cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	if err := LoadEnv(filepath.Join(configDir, ".env")); err != nil {
		return nil, err
	}
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.BleveIndexPath = expandPath(cfg.Storage.BleveIndexPath, configDir)
	cfg.Storage.UploadsPath = expandPath(cfg.Storage.UploadsPath, configDir)
	if cfg.Embedding.ModelPath != "" {
		cfg.Embedding.ModelPath = expandPath(cfg.Embedding.ModelPath, configDir)
	}
	for i := range cfg.Watch.Directories {
		cfg.Watch.Directories[i] = expandPath(cfg.Watch.Directories[i], configDir)
	}

	return &cfg, nil
}

// LoadEnv loads KEY=value pairs from path into the process environment.
// A missing file is not an error.
func LoadEnv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// Save writes the config to path. Used for persisting watch directory add/remove.
func Save(path string, cfg *Config) error {
	var (
		data []byte
		err  error
	)
	if isTOML(path) {
		data, err = toml.Marshal(cfg)
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// GeminiAPIKey returns the Gemini key from the configured environment variable.
func (c *LLMConfig) GeminiAPIKey() string {
	return os.Getenv(c.GeminiKeyEnv)
}

// OpenAIAPIKey returns the OpenAI key from the configured environment variable.
func (c *LLMConfig) OpenAIAPIKey() string {
	return os.Getenv(c.OpenAIKeyEnv)
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
