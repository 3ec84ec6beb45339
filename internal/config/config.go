// Package config loads the runtime knobs of a training or evaluation run.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// ErrNoDataDir is returned when no data directory is configured.
var ErrNoDataDir = errors.New("please supply a data_dir")

// Config captures the runtime knobs for a run.
type Config struct {
	BatchSize             int
	DataDir               string
	ImageHeight           int
	ImageWidth            int
	ExamplesPerEpochTrain int
	ExamplesPerEpochEval  int
	MaxSteps              int
	LogEvery              int
	SummaryEvery          int
	Seed                  uint64
	Logger                LoggerConfig
}

// LoggerConfig selects the log level and formatter.
type LoggerConfig struct {
	Level  string
	Format string // text or json
}

// Overrides captures CLI supplied values.
type Overrides struct {
	BatchSize int
	DataDir   string
	MaxSteps  int
	LogEvery  int
	Seed      uint64
	LogLevel  string
}

// Load reads defaults, the optional config file at path and DCAN_*
// environment variables, in increasing priority. The result is not
// validated; callers apply their overrides first and then call Validate.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("batch_size", 20)
	v.SetDefault("data_dir", "data")
	v.SetDefault("image_height", 520)
	v.SetDefault("image_width", 696)
	v.SetDefault("examples_per_epoch_train", 614)
	v.SetDefault("examples_per_epoch_eval", 154)
	v.SetDefault("max_steps", 100000)
	v.SetDefault("log_every", 10)
	v.SetDefault("summary_every", 100)
	v.SetDefault("seed", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	// Env
	v.SetEnvPrefix("DCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		BatchSize:             v.GetInt("batch_size"),
		DataDir:               v.GetString("data_dir"),
		ImageHeight:           v.GetInt("image_height"),
		ImageWidth:            v.GetInt("image_width"),
		ExamplesPerEpochTrain: v.GetInt("examples_per_epoch_train"),
		ExamplesPerEpochEval:  v.GetInt("examples_per_epoch_eval"),
		MaxSteps:              v.GetInt("max_steps"),
		LogEvery:              v.GetInt("log_every"),
		SummaryEvery:          v.GetInt("summary_every"),
		Seed:                  v.GetUint64("seed"),
		Logger: LoggerConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}

	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 10
	}
	if cfg.SummaryEvery <= 0 {
		cfg.SummaryEvery = 100
	}
	return cfg, nil
}

// ApplyOverrides updates c using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.DataDir != "" {
		c.DataDir = o.DataDir
	}
	if o.MaxSteps > 0 {
		c.MaxSteps = o.MaxSteps
	}
	if o.LogEvery > 0 {
		c.LogEvery = o.LogEvery
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.LogLevel != "" {
		c.Logger.Level = o.LogLevel
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.DataDir == "" {
		return ErrNoDataDir
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.ImageHeight <= 0 || c.ImageWidth <= 0 {
		return fmt.Errorf("image size must be > 0 (got %dx%d)", c.ImageHeight, c.ImageWidth)
	}
	if c.ExamplesPerEpochTrain <= 0 || c.ExamplesPerEpochEval <= 0 {
		return fmt.Errorf("examples per epoch must be > 0 (got train=%d, eval=%d)",
			c.ExamplesPerEpochTrain, c.ExamplesPerEpochEval)
	}
	if c.MaxSteps <= 0 {
		return fmt.Errorf("max_steps must be > 0 (got %d)", c.MaxSteps)
	}
	if c.LogEvery <= 0 || c.SummaryEvery <= 0 {
		return fmt.Errorf("log_every and summary_every must be > 0 (got %d, %d)", c.LogEvery, c.SummaryEvery)
	}
	switch c.Logger.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json (got %q)", c.Logger.Format)
	}
	return nil
}
