// Package config loads crystalline-trainer configuration from environment
// variables and an optional YAML file, mirroring the typed config-struct
// convention used elsewhere in this lineage.
package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// SymmetryOrder is the fixed fan-out of the hierarchy controller: one root
// ("Node Zero") plus twelve workers. It is never configurable.
const SymmetryOrder = 12

// ModelConfig describes transformer architecture hyperparameters.
type ModelConfig struct {
	VocabSize    int    `yaml:"vocab_size"`
	EmbedDim     int    `yaml:"embed_dim"`
	NumLayers    int    `yaml:"num_layers"`
	NumHeads     int    `yaml:"num_heads"`
	ContextLen   int    `yaml:"context_len"`
	FFNHiddenDim int    `yaml:"ffn_hidden_dim"`
	Activation   string `yaml:"activation"`
}

// TrainingConfig describes optimizer and schedule hyperparameters.
type TrainingConfig struct {
	BaseLR       float32 `yaml:"base_lr"`
	MinLR        float32 `yaml:"min_lr"`
	WarmupSteps  int     `yaml:"warmup_steps"`
	MaxSteps     int     `yaml:"max_steps"`
	GradClipNorm float32 `yaml:"grad_clip_norm"`
	BatchSize    int     `yaml:"batch_size"`
	Seed         int64   `yaml:"seed"`
}

// RuntimeConfig describes the concurrent runtime.
type RuntimeConfig struct {
	// ThreadOverride is read from CRYSTALLINE_THREADS but ignored whenever
	// it is below SymmetryOrder: the hierarchy width is fixed.
	ThreadOverride int `yaml:"threads"`
}

// LoggingConfig describes the structured logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Config is the full, typed configuration surface for a training run.
type Config struct {
	Model    ModelConfig    `yaml:"model"`
	Training TrainingConfig `yaml:"training"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// Default returns a small but valid configuration suitable for tests and
// smoke runs.
func Default() *Config {
	return &Config{
		Model: ModelConfig{
			VocabSize:    256,
			EmbedDim:     64,
			NumLayers:    2,
			NumHeads:     4,
			ContextLen:   32,
			FFNHiddenDim: 256,
			Activation:   "relu",
		},
		Training: TrainingConfig{
			BaseLR:       3e-4,
			MinLR:        3e-5,
			WarmupSteps:  100,
			MaxSteps:     10000,
			GradClipNorm: 1.0,
			BatchSize:    8,
			Seed:         1337,
		},
		Runtime: RuntimeConfig{ThreadOverride: SymmetryOrder},
		Logging: LoggingConfig{Level: "info"},
	}
}

// LoadFromEnv reads the spec's three environment variables (thread-count
// override, RNG seed, log verbosity) plus CRYSTALLINE_CONFIG, an optional
// path to a YAML file applied on top of Default() before the environment
// variables are layered in.
func LoadFromEnv() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CRYSTALLINE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	if v := os.Getenv("CRYSTALLINE_THREADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Runtime.ThreadOverride = n
		}
	}
	// A thread-count override below the fixed hierarchy width is ignored.
	if cfg.Runtime.ThreadOverride < SymmetryOrder {
		cfg.Runtime.ThreadOverride = SymmetryOrder
	}

	if v := os.Getenv("CRYSTALLINE_SEED"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Training.Seed = n
		}
	}

	if v := os.Getenv("CRYSTALLINE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return cfg, nil
}
