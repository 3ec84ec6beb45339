package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 20, cfg.BatchSize)
	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, 520, cfg.ImageHeight)
	assert.Equal(t, 696, cfg.ImageWidth)
	assert.Equal(t, 614, cfg.ExamplesPerEpochTrain)
	assert.Equal(t, 154, cfg.ExamplesPerEpochEval)
	assert.Equal(t, 100000, cfg.MaxSteps)
	assert.Equal(t, 10, cfg.LogEvery)
	assert.Equal(t, 100, cfg.SummaryEvery)
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "text", cfg.Logger.Format)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dcan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
batch_size: 4
data_dir: /tmp/bbbc006
max_steps: 50
log:
  format: json
`), 0o600))
	t.Setenv("DCAN_MAX_STEPS", "75")
	t.Setenv("DCAN_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.BatchSize)
	assert.Equal(t, "/tmp/bbbc006", cfg.DataDir)
	assert.Equal(t, 75, cfg.MaxSteps, "environment wins over the file")
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "json", cfg.Logger.Format)
}

func TestLoad_OverridesBeforeValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dcan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
max_steps: 0
log_every: 0
summary_every: 0
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err, "Load does not validate")
	assert.Equal(t, 10, cfg.LogEvery)
	assert.Equal(t, 100, cfg.SummaryEvery)
	assert.Error(t, cfg.Validate())

	cfg.ApplyOverrides(Overrides{MaxSteps: 5})
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5, cfg.MaxSteps)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate_EmptyDataDir(t *testing.T) {
	cfg := &Config{BatchSize: 1, ImageHeight: 8, ImageWidth: 8,
		ExamplesPerEpochTrain: 1, ExamplesPerEpochEval: 1, MaxSteps: 1}
	assert.ErrorIs(t, cfg.Validate(), ErrNoDataDir)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{DataDir: "data", BatchSize: 2, ImageHeight: 8, ImageWidth: 8,
			ExamplesPerEpochTrain: 10, ExamplesPerEpochEval: 5, MaxSteps: 3,
			LogEvery: 1, SummaryEvery: 1}
	}

	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"batch size", func(c *Config) { c.BatchSize = 0 }},
		{"image size", func(c *Config) { c.ImageWidth = -1 }},
		{"examples", func(c *Config) { c.ExamplesPerEpochEval = 0 }},
		{"max steps", func(c *Config) { c.MaxSteps = 0 }},
		{"log every", func(c *Config) { c.LogEvery = 0 }},
		{"summary every", func(c *Config) { c.SummaryEvery = -1 }},
		{"log format", func(c *Config) { c.Logger.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := valid()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, valid(), cfg, "Validate leaves the config unchanged")

	var nilCfg *Config
	assert.Error(t, nilCfg.Validate())
}

func TestApplyOverrides(t *testing.T) {
	cfg := &Config{BatchSize: 20, DataDir: "data", MaxSteps: 100, LogEvery: 10}
	cfg.ApplyOverrides(Overrides{BatchSize: 2, DataDir: "other", Seed: 9, LogLevel: "warn"})

	assert.Equal(t, 2, cfg.BatchSize)
	assert.Equal(t, "other", cfg.DataDir)
	assert.Equal(t, 100, cfg.MaxSteps)
	assert.Equal(t, uint64(9), cfg.Seed)
	assert.Equal(t, "warn", cfg.Logger.Level)
}
