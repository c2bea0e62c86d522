package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/cleared-dev/recur/internal/cluster"
	"github.com/cleared-dev/recur/internal/confidence"
	"github.com/cleared-dev/recur/internal/detect"
	"github.com/cleared-dev/recur/internal/frequency"
	"github.com/cleared-dev/recur/internal/lifecycle"
	"github.com/cleared-dev/recur/internal/model"
	"github.com/cleared-dev/recur/internal/normalize"
	"github.com/cleared-dev/recur/internal/store/retry"
)

// Environment variables overlaid on the file. Secrets never live in
// recur.yaml.
const (
	EnvDatabaseURL = "RECUR_DATABASE_URL"
	EnvRedisURL    = "RECUR_REDIS_URL"
	EnvStorage     = "RECUR_STORAGE_DRIVER"
	EnvGeminiKey   = "GEMINI_API_KEY"
)

// Storage drivers.
const (
	DriverCSV      = "csv"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Validate checks struct tags on Config.
var Validate = validator.New()

// Config represents the top-level recur.yaml configuration.
type Config struct {
	Detection  DetectionConfig  `yaml:"detection"`
	Normalizer NormalizerConfig `yaml:"normalizer"`
	Storage    StorageConfig    `yaml:"storage"`
	Workers    int              `yaml:"workers" validate:"min=1,max=256"`
	Git        GitConfig        `yaml:"git"`
}

// DetectionConfig tunes clustering, classification, scoring and the
// lifecycle grace windows.
type DetectionConfig struct {
	LookbackDays       int            `yaml:"lookback_days" validate:"min=1"`
	MinOccurrences     int            `yaml:"min_occurrences" validate:"min=2"`
	AmountTolerance    float64        `yaml:"amount_tolerance" validate:"gte=0,lt=1"`
	MinAmountTolerance float64        `yaml:"min_amount_tolerance" validate:"gte=0"`
	Windows            []WindowConfig `yaml:"windows" validate:"required,min=1,dive"`
	EntropyThreshold   float64        `yaml:"entropy_threshold" validate:"gte=0"`
	Weights            WeightsConfig  `yaml:"weights"`
	Saturation         int            `yaml:"saturation" validate:"min=1"`
	ProvisionalFactor  float64        `yaml:"provisional_factor" validate:"gt=0,lte=1"`
	PromotionThreshold float64        `yaml:"promotion_threshold" validate:"gt=0,lte=1"`
	AtRiskMultiplier   float64        `yaml:"at_risk_multiplier" validate:"gt=1"`
	CancelMultiplier   float64        `yaml:"cancel_multiplier" validate:"gtfield=AtRiskMultiplier"`
}

// WindowConfig is one frequency window, e.g. monthly 30±4 days.
type WindowConfig struct {
	Frequency string `yaml:"frequency" validate:"oneof=weekly biweekly monthly quarterly yearly"`
	Days      int    `yaml:"days" validate:"min=1"`
	Tolerance int    `yaml:"tolerance" validate:"gte=0,ltfield=Days"`
}

// WeightsConfig holds the confidence factor weights.
type WeightsConfig struct {
	Occurrence float64 `yaml:"occurrence" validate:"gte=0"`
	Regularity float64 `yaml:"regularity" validate:"gte=0"`
	Amount     float64 `yaml:"amount" validate:"gte=0"`
	Merchant   float64 `yaml:"merchant" validate:"gte=0"`
}

// NormalizerConfig tunes merchant resolution.
type NormalizerConfig struct {
	MaxEditDistance    int      `yaml:"max_edit_distance" validate:"gte=0"`
	TokenOverlap       float64  `yaml:"token_overlap" validate:"gt=0,lte=1"`
	NewAliasConfidence float64  `yaml:"new_alias_confidence" validate:"gt=0,lte=1"`
	AI                 AIConfig `yaml:"ai"`
}

// AIConfig controls the optional Gemini merchant resolver.
type AIConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Model         string        `yaml:"model"`
	Timeout       time.Duration `yaml:"timeout" validate:"gte=0"`
	MinConfidence float64       `yaml:"min_confidence" validate:"gte=0,lte=1"`
	APIKey        string        `yaml:"-"`
}

// StorageConfig selects the repository backend.
type StorageConfig struct {
	Driver      string        `yaml:"driver" validate:"oneof=csv postgres memory"`
	DatabaseURL string        `yaml:"-" validate:"required_if=Driver postgres"`
	RedisURL    string        `yaml:"-"`
	CacheTTL    time.Duration `yaml:"cache_ttl" validate:"gte=0"`
	Timeout     time.Duration `yaml:"timeout" validate:"gt=0"`
	MaxAttempts int           `yaml:"max_attempts" validate:"min=1,max=10"`
}

// GitConfig controls git integration.
type GitConfig struct {
	AutoCommit  bool   `yaml:"auto_commit"`
	AuthorName  string `yaml:"author_name"`
	AuthorEmail string `yaml:"author_email" validate:"omitempty,email"`
}

// Load reads a recur.yaml file, overlays the environment (and the .env
// file at dotenvPath, when non-empty) and validates the result. Fields
// missing from the file keep their defaults.
func Load(path, dotenvPath string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.ApplyEnv(dotenvPath); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes a Config to a YAML file. Secrets are not written.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// ApplyEnv overlays secrets from the process environment and, when
// dotenvPath is non-empty and exists, from that .env file. The process
// environment wins.
func (c *Config) ApplyEnv(dotenvPath string) error {
	file := map[string]string{}
	if dotenvPath != "" {
		m, err := godotenv.Read(dotenvPath)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("reading %s: %w", dotenvPath, err)
		}
		if m != nil {
			file = m
		}
	}
	lookup := func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return file[key]
	}

	if v := lookup(EnvStorage); v != "" {
		c.Storage.Driver = v
	}
	if v := lookup(EnvDatabaseURL); v != "" {
		c.Storage.DatabaseURL = v
	}
	if v := lookup(EnvRedisURL); v != "" {
		c.Storage.RedisURL = v
	}
	if v := lookup(EnvGeminiKey); v != "" {
		c.Normalizer.AI.APIKey = v
	}
	return nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := Validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	w := c.Detection.Weights
	if w.Occurrence+w.Regularity+w.Amount+w.Merchant <= 0 {
		return fmt.Errorf("invalid config: detection weights sum to zero")
	}
	return nil
}

// Default returns a Config with the stock detection parameters.
func Default() *Config {
	det := detect.DefaultConfig()
	norm := normalize.DefaultConfig()
	pol := retry.DefaultPolicy()

	windows := make([]WindowConfig, 0, len(det.Frequency.Windows))
	for _, w := range det.Frequency.Windows {
		windows = append(windows, WindowConfig{Frequency: string(w.Frequency), Days: w.Days, Tolerance: w.Tolerance})
	}
	minTol, _ := det.Cluster.MinAbsoluteTolerance.Float64()

	return &Config{
		Detection: DetectionConfig{
			LookbackDays:       det.Cluster.LookbackDays,
			MinOccurrences:     det.Cluster.MinOccurrences,
			AmountTolerance:    det.Cluster.RelativeTolerance,
			MinAmountTolerance: minTol,
			Windows:            windows,
			EntropyThreshold:   det.Frequency.EntropyThreshold,
			Weights: WeightsConfig{
				Occurrence: det.Confidence.Weights.Occurrence,
				Regularity: det.Confidence.Weights.Regularity,
				Amount:     det.Confidence.Weights.Amount,
				Merchant:   det.Confidence.Weights.Merchant,
			},
			Saturation:         det.Confidence.Saturation,
			ProvisionalFactor:  det.Confidence.ProvisionalFactor,
			PromotionThreshold: det.Confidence.Threshold,
			AtRiskMultiplier:   det.Lifecycle.AtRiskMultiplier,
			CancelMultiplier:   det.Lifecycle.CancelMultiplier,
		},
		Normalizer: NormalizerConfig{
			MaxEditDistance:    norm.MaxEditDistance,
			TokenOverlap:       norm.TokenOverlap,
			NewAliasConfidence: norm.NewAliasConfidence,
			AI: AIConfig{
				Model:         normalize.DefaultModelName,
				Timeout:       5 * time.Second,
				MinConfidence: 0.7,
			},
		},
		Storage: StorageConfig{
			Driver:      DriverCSV,
			CacheTTL:    10 * time.Minute,
			Timeout:     pol.Timeout,
			MaxAttempts: pol.MaxAttempts,
		},
		Workers: 4,
		Git: GitConfig{
			AutoCommit:  true,
			AuthorName:  "recur",
			AuthorEmail: "recur@localhost",
		},
	}
}

// Engine converts the detection section to the engine configuration.
func (c *Config) Engine() detect.Config {
	d := c.Detection
	out := detect.DefaultConfig()

	out.Cluster = cluster.Config{
		LookbackDays:         d.LookbackDays,
		RelativeTolerance:    d.AmountTolerance,
		MinAbsoluteTolerance: decimal.NewFromFloat(d.MinAmountTolerance).Round(2),
		MinOccurrences:       d.MinOccurrences,
	}

	windows := make([]frequency.Window, 0, len(d.Windows))
	for _, w := range d.Windows {
		windows = append(windows, frequency.Window{Frequency: model.Frequency(w.Frequency), Days: w.Days, Tolerance: w.Tolerance})
	}
	out.Frequency = frequency.Config{Windows: windows, EntropyThreshold: d.EntropyThreshold}

	out.Confidence = confidence.Config{
		Weights: confidence.Weights{
			Occurrence: d.Weights.Occurrence,
			Regularity: d.Weights.Regularity,
			Amount:     d.Weights.Amount,
			Merchant:   d.Weights.Merchant,
		},
		Saturation:        d.Saturation,
		ProvisionalFactor: d.ProvisionalFactor,
		Threshold:         d.PromotionThreshold,
		MinOccurrences:    d.MinOccurrences,
	}

	out.Lifecycle = lifecycle.Config{
		AtRiskMultiplier: d.AtRiskMultiplier,
		CancelMultiplier: d.CancelMultiplier,
	}
	return out
}

// Resolver converts the normalizer section.
func (c *Config) Resolver() normalize.Config {
	return normalize.Config{
		MaxEditDistance:    c.Normalizer.MaxEditDistance,
		TokenOverlap:       c.Normalizer.TokenOverlap,
		NewAliasConfidence: c.Normalizer.NewAliasConfidence,
	}
}

// AIEnabled reports whether the AI resolver should be wired.
func (c *Config) AIEnabled() bool {
	return c.Normalizer.AI.Enabled && c.Normalizer.AI.APIKey != ""
}

// AIResolver converts the AI section.
func (c *Config) AIResolver() normalize.AIConfig {
	return normalize.AIConfig{
		Model:         c.Normalizer.AI.Model,
		Timeout:       c.Normalizer.AI.Timeout,
		MinConfidence: c.Normalizer.AI.MinConfidence,
	}
}

// RetryPolicy converts the storage section.
func (c *Config) RetryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.Timeout = c.Storage.Timeout
	p.MaxAttempts = c.Storage.MaxAttempts
	return p
}
