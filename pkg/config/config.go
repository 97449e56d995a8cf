// Package config loads the single configuration object spec §6 describes:
// env (joho/godotenv), optional YAML file (gopkg.in/yaml.v3), then JSON
// override, matching the layered loading
// ob-labs-powermem-go/pkg/core/config.go does with
// LoadConfigFromEnv/LoadConfigFromJSON.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// TiersConfig mirrors spec §6's `tiers` object.
type TiersConfig struct {
	ShortTermThreshold    float64 `yaml:"short_term_threshold" json:"short_term_threshold"`
	ArchivalThresholdDays float64 `yaml:"archival_threshold_days" json:"archival_threshold_days"`
	MaxShortTerm          int     `yaml:"max_short_term" json:"max_short_term"`
	MaxLongTerm           int     `yaml:"max_long_term" json:"max_long_term"`
}

// RetrievalConfig mirrors spec §6's `retrieval` object.
type RetrievalConfig struct {
	TopK              int     `yaml:"top_k" json:"top_k"`
	SemanticThreshold float64 `yaml:"semantic_threshold" json:"semantic_threshold"`
	RecencyWeight     float64 `yaml:"recency_weight" json:"recency_weight"`
	ImportanceWeight  float64 `yaml:"importance_weight" json:"importance_weight"`
	Hybrid            bool    `yaml:"hybrid" json:"hybrid"`
}

// MigrationConfig mirrors spec §6's `migration` object.
type MigrationConfig struct {
	Enabled          bool    `yaml:"enabled" json:"enabled"`
	QualityThreshold float64 `yaml:"quality_threshold" json:"quality_threshold"`
	RollbackThreshold float64 `yaml:"rollback_threshold" json:"rollback_threshold"`
	MaxTimeHours     float64 `yaml:"max_time_hours" json:"max_time_hours"`
	BatchSize        int     `yaml:"batch_size" json:"batch_size"`
}

// BackgroundConfig mirrors spec §6's `background` object.
type BackgroundConfig struct {
	MaxWorkers    int `yaml:"max_workers" json:"max_workers"`
	MaxQueueSize  int `yaml:"max_queue_size" json:"max_queue_size"`
}

// PersistenceConfig selects and configures the durable Store backend.
type PersistenceConfig struct {
	Backend string `yaml:"backend" json:"backend"` // "sqlite" or "postgres"
	DSN     string `yaml:"dsn" json:"dsn"`         // sqlite path or postgres connection string
}

// LLMConfig configures the Anthropic-backed provider shared by the
// semantic and episodic domains.
type LLMConfig struct {
	APIKey  string `yaml:"api_key" json:"api_key"`
	Model   string `yaml:"model" json:"model"`
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
}

// EmbedderConfig configures the OpenAI-compatible embedding producer.
type EmbedderConfig struct {
	APIKey  string `yaml:"api_key" json:"api_key"`
	Model   string `yaml:"model" json:"model"`
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
}

// TransportConfig configures the optional TCP/WebSocket transport (the
// default is always stdio, regardless of this config).
type TransportConfig struct {
	Listen string `yaml:"listen,omitempty" json:"listen,omitempty"` // e.g. ":7077"; empty disables
}

// Config is the single configuration object spec §6 names.
type Config struct {
	VectorBackendURL   string `yaml:"vector_backend_url" json:"vector_backend_url"`
	CollectionName     string `yaml:"collection_name" json:"collection_name"`
	Dimension          int    `yaml:"dimension" json:"dimension"`
	EmbeddingModel     string `yaml:"embedding_model" json:"embedding_model"`
	EmbeddingDimension int    `yaml:"embedding_dimension" json:"embedding_dimension"`
	RemoteEmbeddingURL string `yaml:"remote_embedding_url,omitempty" json:"remote_embedding_url,omitempty"`

	Tiers      TiersConfig      `yaml:"tiers" json:"tiers"`
	DecayRate  float64          `yaml:"decay_rate" json:"decay_rate"`
	Retrieval  RetrievalConfig  `yaml:"retrieval" json:"retrieval"`
	Migration  MigrationConfig  `yaml:"migration" json:"migration"`
	Background BackgroundConfig `yaml:"background" json:"background"`

	Persistence PersistenceConfig `yaml:"persistence" json:"persistence"`
	LLM         LLMConfig         `yaml:"llm" json:"llm"`
	Embedder    EmbedderConfig    `yaml:"embedder" json:"embedder"`
	Transport   TransportConfig   `yaml:"transport" json:"transport"`

	CallTimeout time.Duration `yaml:"call_timeout" json:"call_timeout"`
}

// Default returns the spec's documented defaults.
func Default() *Config {
	return &Config{
		CollectionName:     "memories",
		Dimension:          1536,
		EmbeddingModel:     "text-embedding-3-small",
		EmbeddingDimension: 1536,
		Tiers: TiersConfig{
			ShortTermThreshold:    0.3,
			ArchivalThresholdDays: 30,
			MaxShortTerm:          1000,
			MaxLongTerm:           10000,
		},
		DecayRate: 0.01,
		Retrieval: RetrievalConfig{
			TopK:              5,
			SemanticThreshold: 0.3,
			RecencyWeight:     0.2,
			ImportanceWeight:  0.2,
			Hybrid:            true,
		},
		Migration: MigrationConfig{
			Enabled:           true,
			QualityThreshold:  0.75,
			RollbackThreshold: 0.6,
			MaxTimeHours:      24,
			BatchSize:         100,
		},
		Background: BackgroundConfig{
			MaxWorkers:   8,
			MaxQueueSize: 256,
		},
		Persistence: PersistenceConfig{
			Backend: "sqlite",
			DSN:     "./memkit.db",
		},
		LLM: LLMConfig{
			Model: "claude-3-5-sonnet-20241022",
		},
		Embedder: EmbedderConfig{
			Model: "text-embedding-3-small",
		},
		CallTimeout: 30 * time.Second,
	}
}

// Load builds a Config by layering, in increasing priority: built-in
// defaults, a .env file (joho/godotenv) read into process environment,
// an optional YAML file at yamlPath, and an optional JSON file at
// jsonPath for final overrides — matching the teacher's multi-source
// LoadConfigFromEnv/LoadConfigFromJSON split, generalized into one
// layered call.
func Load(yamlPath, jsonPath string) (*Config, error) {
	if envPath, ok := findEnvFile(); ok {
		_ = godotenv.Load(envPath)
	}

	cfg := Default()
	applyEnv(cfg)

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			return nil, fmt.Errorf("load yaml config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	}

	if jsonPath != "" {
		data, err := os.ReadFile(jsonPath)
		if err != nil {
			return nil, fmt.Errorf("load json config override: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse json config override: %w", err)
		}
	}

	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("MEMKIT_PERSISTENCE_BACKEND"); v != "" {
		cfg.Persistence.Backend = v
	}
	if v := os.Getenv("MEMKIT_PERSISTENCE_DSN"); v != "" {
		cfg.Persistence.DSN = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("MEMKIT_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Embedder.APIKey = v
	}
	if v := os.Getenv("MEMKIT_EMBEDDING_MODEL"); v != "" {
		cfg.Embedder.Model = v
		cfg.EmbeddingModel = v
	}
	if v := os.Getenv("MEMKIT_LISTEN"); v != "" {
		cfg.Transport.Listen = v
	}
	if v := os.Getenv("MEMKIT_EMBEDDING_DIMENSION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.EmbeddingDimension = n
			cfg.Dimension = n
		}
	}
}

// Validate checks the fields every component depends on at startup.
func (c *Config) Validate() error {
	switch c.Persistence.Backend {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unsupported persistence backend %q", c.Persistence.Backend)
	}
	if c.Persistence.DSN == "" {
		return fmt.Errorf("config: persistence.dsn is required")
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("config: dimension must be positive")
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("config: retrieval.top_k must be positive")
	}
	return nil
}

// findEnvFile searches the working directory and up to five parents for
// a .env file, matching ob-labs-powermem-go/pkg/core/config.go's
// FindEnvFile.
func findEnvFile() (string, bool) {
	if _, err := os.Stat(".env"); err == nil {
		return ".env", true
	}
	dir, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for i := 0; i < 5; i++ {
		candidate := filepath.Join(dir, ".env")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}
