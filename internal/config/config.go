// Package config loads application configuration from file and
// environment and initializes the global logger.
package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store StoreConfig `yaml:"store" mapstructure:"store"`
	Log   LogConfig   `yaml:"log" mapstructure:"log"`
	Match MatchConfig `yaml:"match" mapstructure:"match"`
	Phone PhoneConfig `yaml:"phone" mapstructure:"phone"`
	Scan  ScanConfig  `yaml:"scan" mapstructure:"scan"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Path        string `yaml:"path" mapstructure:"path"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// MatchConfig holds scoring weights and decision thresholds. Thresholds
// and weights are tunable; nothing in the engine hard-codes them.
type MatchConfig struct {
	AutoThreshold   float64       `yaml:"auto_threshold" mapstructure:"auto_threshold"`
	ReviewThreshold float64       `yaml:"review_threshold" mapstructure:"review_threshold"`
	KeepRejected    bool          `yaml:"keep_rejected" mapstructure:"keep_rejected"`
	Weights         WeightsConfig `yaml:"weights" mapstructure:"weights"`
}

// WeightsConfig holds per-feature scoring weights. Weights are
// renormalized over present features at score time, so they need not
// sum to 1.
type WeightsConfig struct {
	Name        float64 `yaml:"name" mapstructure:"name"`
	DOB         float64 `yaml:"dob" mapstructure:"dob"`
	Address     float64 `yaml:"address" mapstructure:"address"`
	Affiliation float64 `yaml:"affiliation" mapstructure:"affiliation"`
}

// PhoneConfig configures phone normalization.
type PhoneConfig struct {
	// DefaultRegion is the ISO country code assumed for numbers without
	// a country prefix. Empty means no assumption: such numbers are
	// treated as absent.
	DefaultRegion string `yaml:"default_region" mapstructure:"default_region"`
}

// ScanConfig tunes the existing-by-existing cohort scan.
type ScanConfig struct {
	ChunkSize   int     `yaml:"chunk_size" mapstructure:"chunk_size"`
	Concurrency int     `yaml:"concurrency" mapstructure:"concurrency"`
	RateLimit   float64 `yaml:"rate_limit" mapstructure:"rate_limit"` // chunks/sec, 0 = unlimited
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("DEDUPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "dedupe.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("match.auto_threshold", 0.95)
	v.SetDefault("match.review_threshold", 0.80)
	v.SetDefault("match.keep_rejected", false)
	v.SetDefault("match.weights.name", 0.40)
	v.SetDefault("match.weights.dob", 0.30)
	v.SetDefault("match.weights.address", 0.20)
	v.SetDefault("match.weights.affiliation", 0.10)
	v.SetDefault("phone.default_region", "")
	v.SetDefault("scan.chunk_size", 500)
	v.SetDefault("scan.concurrency", 4)
	v.SetDefault("scan.rate_limit", 0)

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

	if err := ValidateMatch(cfg.Match); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ValidateMatch checks that a MatchConfig is internally consistent.
func ValidateMatch(c MatchConfig) error {
	var errs []string

	weights := map[string]float64{
		"name":        c.Weights.Name,
		"dob":         c.Weights.DOB,
		"address":     c.Weights.Address,
		"affiliation": c.Weights.Affiliation,
	}
	sum := 0.0
	for name, w := range weights {
		if w < 0 {
			errs = append(errs, fmt.Sprintf("weights.%s must be >= 0", name))
		}
		sum += w
	}
	if sum <= 0 {
		errs = append(errs, "weight sum must be > 0")
	}

	if c.AutoThreshold <= 0 || c.AutoThreshold > 1 {
		errs = append(errs, "auto_threshold must be in (0, 1]")
	}
	if c.ReviewThreshold < 0 || c.ReviewThreshold > 1 {
		errs = append(errs, "review_threshold must be in [0, 1]")
	}
	if c.ReviewThreshold > c.AutoThreshold {
		errs = append(errs, "review_threshold must be <= auto_threshold")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: match validation failed: %s", strings.Join(errs, "; "))
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
