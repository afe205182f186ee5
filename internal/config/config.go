package config

import (
	"math"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/bidflow/internal/selector"
)

// Config holds the full coordinator configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Workflow   WorkflowConfig   `yaml:"workflow" mapstructure:"workflow"`
	Scoring    ScoringConfig    `yaml:"scoring" mapstructure:"scoring"`
	Extraction ServiceConfig    `yaml:"extraction" mapstructure:"extraction"`
	Catalog    ServiceConfig    `yaml:"catalog" mapstructure:"catalog"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Dispatch   DispatchConfig   `yaml:"dispatch" mapstructure:"dispatch"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the checkpoint store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// WorkflowConfig tunes batch fan-out and stage execution.
type WorkflowConfig struct {
	MaxBatchSize     int           `yaml:"max_batch_size" mapstructure:"max_batch_size"`
	WorkerPoolSize   int           `yaml:"worker_pool_size" mapstructure:"worker_pool_size"`
	StageTimeout     time.Duration `yaml:"stage_timeout" mapstructure:"stage_timeout"`
	RetryAttempts    int           `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryBackoff     time.Duration `yaml:"retry_backoff" mapstructure:"retry_backoff"`
	StageRatePerSec  float64       `yaml:"stage_rate_per_sec" mapstructure:"stage_rate_per_sec"`
	StageRateBurst   int           `yaml:"stage_rate_burst" mapstructure:"stage_rate_burst"`
}

// ScoringConfig configures the selector.
type ScoringConfig struct {
	Weights                selector.Weights `yaml:"weights" mapstructure:"weights"`
	LowConfidenceThreshold float64          `yaml:"low_confidence_threshold" mapstructure:"low_confidence_threshold"`
	PriorityTablePath      string           `yaml:"priority_table_path" mapstructure:"priority_table_path"`
	PriorityTable          map[string]float64 `yaml:"priority_table" mapstructure:"priority_table"`
}

// ServiceConfig holds credentials and endpoint for one collaborator service.
type ServiceConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// PricingConfig configures the pricing collaborator.
type PricingConfig struct {
	Key             string  `yaml:"key" mapstructure:"key"`
	BaseURL         string  `yaml:"base_url" mapstructure:"base_url"`
	ContingencyRate float64 `yaml:"contingency_rate" mapstructure:"contingency_rate"`
}

// DispatchConfig configures the dispatch collaborator.
type DispatchConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	BaseURL   string `yaml:"base_url" mapstructure:"base_url"`
	Recipient string `yaml:"recipient" mapstructure:"recipient"`
}

// AnthropicConfig holds Anthropic API settings for narrative generation.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("BIDFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "bidflow.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("workflow.max_batch_size", 10)
	v.SetDefault("workflow.worker_pool_size", 4)
	v.SetDefault("workflow.stage_timeout", "120s")
	v.SetDefault("workflow.retry_attempts", 3)
	v.SetDefault("workflow.retry_backoff", "500ms")
	v.SetDefault("workflow.stage_rate_per_sec", 10.0)
	v.SetDefault("workflow.stage_rate_burst", 20)
	v.SetDefault("scoring.weights.spec_match", 0.40)
	v.SetDefault("scoring.weights.margin", 0.30)
	v.SetDefault("scoring.weights.capacity", 0.20)
	v.SetDefault("scoring.weights.priority", 0.10)
	v.SetDefault("scoring.low_confidence_threshold", 50.0)
	v.SetDefault("scoring.priority_table", map[string]float64{"default": 50})
	v.SetDefault("extraction.base_url", "http://localhost:8081")
	v.SetDefault("catalog.base_url", "http://localhost:8082")
	v.SetDefault("pricing.base_url", "http://localhost:8083")
	v.SetDefault("pricing.contingency_rate", 0.10)
	v.SetDefault("dispatch.base_url", "http://localhost:8084")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if cfg.Scoring.PriorityTablePath != "" {
		table, err := LoadPriorityTable(cfg.Scoring.PriorityTablePath)
		if err != nil {
			return nil, err
		}
		cfg.Scoring.PriorityTable = table
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadPriorityTable reads a counterparty priority table from a YAML file
// mapping lowercased counterparty names to 0-100 scores.
func LoadPriorityTable(path string) (map[string]float64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "config: read priority table %s", path)
	}
	table := make(map[string]float64)
	if err := yaml.Unmarshal(raw, &table); err != nil {
		return nil, eris.Wrapf(err, "config: parse priority table %s", path)
	}
	normalized := make(map[string]float64, len(table))
	for k, v := range table {
		normalized[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return normalized, nil
}

// Validate checks the invariants the coordinator depends on.
func (c *Config) Validate() error {
	if c.Workflow.MaxBatchSize < 1 {
		return eris.New("config: workflow.max_batch_size must be at least 1")
	}
	if c.Workflow.WorkerPoolSize < 1 {
		return eris.New("config: workflow.worker_pool_size must be at least 1")
	}
	if c.Workflow.RetryAttempts < 1 {
		return eris.New("config: workflow.retry_attempts must be at least 1")
	}

	w := c.Scoring.Weights
	sum := w.SpecMatch + w.Margin + w.Capacity + w.Priority
	if math.Abs(sum-1.0) > 1e-9 {
		return eris.Errorf("config: scoring weights must sum to 1.0, got %v", sum)
	}
	for name, val := range map[string]float64{
		"spec_match": w.SpecMatch,
		"margin":     w.Margin,
		"capacity":   w.Capacity,
		"priority":   w.Priority,
	} {
		if val < 0 {
			return eris.Errorf("config: scoring weight %s must not be negative", name)
		}
	}

	if _, ok := c.Scoring.PriorityTable["default"]; !ok {
		return eris.New("config: scoring.priority_table requires a default entry")
	}
	for name, score := range c.Scoring.PriorityTable {
		if score < 0 || score > 100 {
			return eris.Errorf("config: priority score for %q must be in [0,100]", name)
		}
	}

	switch c.Store.Driver {
	case "sqlite", "postgres", "memory":
	default:
		return eris.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		return eris.New("config: store.database_url required for postgres driver")
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
