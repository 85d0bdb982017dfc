// Package config loads the YAML run configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roberta_ists/internal/encoder"
	"github.com/roberta_ists/internal/errs"
	"github.com/roberta_ists/internal/model"
	"github.com/roberta_ists/internal/solver"
)

// Config is the full run configuration.
type Config struct {
	Model struct {
		// NumClasses of 0 takes the class count from the training labels.
		NumClasses    int     `yaml:"NUM_CLASSES"`
		Dropout       float64 `yaml:"DROPOUT"`
		HiddenNeurons int     `yaml:"HIDDEN_NEURONS"`
		Seed          int64   `yaml:"SEED"`

		// Weights is where step saves the trained heads and predict loads them.
		Weights string `yaml:"WEIGHTS"`
	} `yaml:"MODEL"`

	Solver struct {
		BaseLR       float64 `yaml:"BASE_LR"`
		Beta1        float64 `yaml:"BETA1"`
		Beta2        float64 `yaml:"BETA2"`
		Eps          float64 `yaml:"EPS"`
		WeightDecay  float64 `yaml:"WEIGHT_DECAY"`
		ClipGradNorm float64 `yaml:"CLIP_GRAD_NORM"`
	} `yaml:"SOLVER"`

	Encoder struct {
		Vocab        string `yaml:"VOCAB"`
		Merges       string `yaml:"MERGES"`
		Weights      string `yaml:"WEIGHTS"`
		FeatureDim   int    `yaml:"FEATURE_DIM"`
		MaxPositions int    `yaml:"MAX_POSITIONS"`
		CacheSize    int    `yaml:"CACHE_SIZE"`
		Seed         int64  `yaml:"SEED"`
	} `yaml:"ENCODER"`

	Datasets struct {
		Train           string `yaml:"TRAIN"`
		Test            string `yaml:"TEST"`
		BatchSize       int    `yaml:"BATCH_SIZE"`
		SkipInvalidRows bool   `yaml:"SKIP_INVALID_ROWS"`
	} `yaml:"DATASETS"`

	Log struct {
		Level string `yaml:"LEVEL"`
	} `yaml:"LOG"`
}

// NewDefault returns the configuration used for keys a file leaves out.
func NewDefault() *Config {
	cfg := &Config{}

	m := model.NewDefaultConfig()
	cfg.Model.NumClasses = 0
	cfg.Model.Dropout = m.Dropout
	cfg.Model.HiddenNeurons = m.HiddenNeurons
	cfg.Model.Seed = m.Seed

	s := solver.NewDefaultConfig()
	cfg.Solver.BaseLR = s.BaseLR
	cfg.Solver.Beta1 = s.Beta1
	cfg.Solver.Beta2 = s.Beta2
	cfg.Solver.Eps = s.Eps
	cfg.Solver.WeightDecay = s.WeightDecay
	cfg.Solver.ClipGradNorm = s.ClipGradNorm

	e := encoder.NewDefaultConfig()
	cfg.Encoder.FeatureDim = e.FeatureDim
	cfg.Encoder.MaxPositions = e.MaxPositions
	cfg.Encoder.CacheSize = e.CacheSize
	cfg.Encoder.Seed = e.Seed

	cfg.Datasets.BatchSize = 16
	cfg.Log.Level = "info"
	return cfg
}

// Load reads the file at path. Environment variables in file paths are
// expanded and relative paths resolve against the config file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read config %s: %v", errs.ErrConfig, path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := NewDefault()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: decode: %v", errs.ErrConfig, err)
	}
	cfg.expandEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) paths() []*string {
	return []*string{&c.Model.Weights, &c.Encoder.Vocab, &c.Encoder.Merges, &c.Encoder.Weights, &c.Datasets.Train, &c.Datasets.Test}
}

func (c *Config) expandEnv() {
	for _, p := range c.paths() {
		*p = os.ExpandEnv(*p)
	}
}

func (c *Config) resolvePaths(dir string) {
	for _, p := range c.paths() {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
}

// Validate checks every section. NumClasses may still be 0 here.
func (c *Config) Validate() error {
	if c.Model.NumClasses < 0 {
		return fmt.Errorf("%w: MODEL.NUM_CLASSES must not be negative, got %d", errs.ErrConfig, c.Model.NumClasses)
	}
	m := c.ModelConfig(1)
	if err := m.Validate(); err != nil {
		return err
	}
	if err := c.SolverConfig().Validate(); err != nil {
		return err
	}
	if c.Encoder.FeatureDim < 1 {
		return fmt.Errorf("%w: ENCODER.FEATURE_DIM must be at least 1, got %d", errs.ErrConfig, c.Encoder.FeatureDim)
	}
	if c.Encoder.MaxPositions < 6 {
		return fmt.Errorf("%w: ENCODER.MAX_POSITIONS must be at least 6, got %d", errs.ErrConfig, c.Encoder.MaxPositions)
	}
	if c.Datasets.BatchSize < 1 {
		return fmt.Errorf("%w: DATASETS.BATCH_SIZE must be at least 1, got %d", errs.ErrConfig, c.Datasets.BatchSize)
	}
	return nil
}

// ModelConfig returns the head settings. When MODEL.NUM_CLASSES is 0 the
// given label count is used.
func (c *Config) ModelConfig(labelCount int) model.Config {
	classes := c.Model.NumClasses
	if classes == 0 {
		classes = labelCount
	}
	return model.Config{
		NumClasses:    classes,
		Dropout:       c.Model.Dropout,
		HiddenNeurons: c.Model.HiddenNeurons,
		Seed:          c.Model.Seed,
	}
}

// SolverConfig returns the optimizer settings.
func (c *Config) SolverConfig() solver.Config {
	return solver.Config{
		BaseLR:       c.Solver.BaseLR,
		Beta1:        c.Solver.Beta1,
		Beta2:        c.Solver.Beta2,
		Eps:          c.Solver.Eps,
		WeightDecay:  c.Solver.WeightDecay,
		ClipGradNorm: c.Solver.ClipGradNorm,
	}
}

// EncoderConfig returns the encoder settings.
func (c *Config) EncoderConfig() encoder.Config {
	return encoder.Config{
		VocabPath:    c.Encoder.Vocab,
		MergesPath:   c.Encoder.Merges,
		WeightsPath:  c.Encoder.Weights,
		FeatureDim:   c.Encoder.FeatureDim,
		MaxPositions: c.Encoder.MaxPositions,
		CacheSize:    c.Encoder.CacheSize,
		Seed:         c.Encoder.Seed,
	}
}
