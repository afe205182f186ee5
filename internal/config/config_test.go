package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Workflow.MaxBatchSize = 10
	cfg.Workflow.WorkerPoolSize = 4
	cfg.Workflow.RetryAttempts = 3
	cfg.Scoring.Weights.SpecMatch = 0.40
	cfg.Scoring.Weights.Margin = 0.30
	cfg.Scoring.Weights.Capacity = 0.20
	cfg.Scoring.Weights.Priority = 0.10
	cfg.Scoring.PriorityTable = map[string]float64{"default": 50}
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 10, cfg.Workflow.MaxBatchSize)
	assert.Equal(t, 4, cfg.Workflow.WorkerPoolSize)
	assert.Equal(t, 3, cfg.Workflow.RetryAttempts)
	assert.Equal(t, 0.40, cfg.Scoring.Weights.SpecMatch)
	assert.Equal(t, 50.0, cfg.Scoring.PriorityTable["default"])
	assert.Equal(t, 0.10, cfg.Pricing.ContingencyRate)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestValidateWeightsMustSumToOne(t *testing.T) {
	cfg := validConfig()
	cfg.Scoring.Weights.SpecMatch = 0.50

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sum to 1.0")
}

func TestValidateWeightSumTolerance(t *testing.T) {
	cfg := validConfig()
	// Floating point representation noise within tolerance must pass.
	cfg.Scoring.Weights.SpecMatch = 0.40 + 1e-12

	assert.NoError(t, cfg.Validate())
}

func TestValidateNegativeWeightRejected(t *testing.T) {
	cfg := validConfig()
	cfg.Scoring.Weights.SpecMatch = 0.70
	cfg.Scoring.Weights.Margin = -0.20
	cfg.Scoring.Weights.Capacity = 0.40

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "negative")
}

func TestValidatePriorityTableRequiresDefault(t *testing.T) {
	cfg := validConfig()
	cfg.Scoring.PriorityTable = map[string]float64{"acme": 90}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default")
}

func TestValidatePriorityScoreBounds(t *testing.T) {
	cfg := validConfig()
	cfg.Scoring.PriorityTable["acme"] = 150

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[0,100]")
}

func TestValidateBatchAndPoolBounds(t *testing.T) {
	cfg := validConfig()
	cfg.Workflow.MaxBatchSize = 0
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Workflow.WorkerPoolSize = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateStoreDriver(t *testing.T) {
	cfg := validConfig()
	cfg.Store.Driver = "cassandra"
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Store.Driver = "postgres"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database_url")
}

func TestLoadPriorityTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "priorities.yaml")
	require.NoError(t, os.WriteFile(path, []byte("Acme Rail: 90\ndefault: 50\n"), 0o644))

	table, err := LoadPriorityTable(path)
	require.NoError(t, err)
	assert.Equal(t, 90.0, table["acme rail"])
	assert.Equal(t, 50.0, table["default"])
}

func TestLoadPriorityTableMissingFile(t *testing.T) {
	_, err := LoadPriorityTable(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestInitLogger(t *testing.T) {
	assert.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.Error(t, InitLogger(LogConfig{Level: "nope", Format: "json"}))
}
