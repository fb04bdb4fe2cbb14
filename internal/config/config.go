// Package config loads canon-server settings with priority env > file >
// defaults.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("config: invalid")

var validate = validator.New()

// Config is the full server configuration.
type Config struct {
	Server  ServerConfig  `json:"server" yaml:"server"`
	Canon   CanonConfig   `json:"canon" yaml:"canon"`
	Cache   CacheConfig   `json:"cache" yaml:"cache"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port int `json:"port" yaml:"port" validate:"gte=1,lte=65535"`

	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64 `json:"max_body_bytes" yaml:"max_body_bytes" validate:"gte=1024"`

	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout" validate:"gt=0"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout" validate:"gt=0"`
}

// CanonConfig selects canonicalizer behaviour.
type CanonConfig struct {
	// RuleSet names a rule table; see rules.ByName.
	RuleSet      string `json:"rule_set" yaml:"rule_set" validate:"oneof=epigraph none"`
	Memoize      bool   `json:"memoize" yaml:"memoize"`
	LenientDuals bool   `json:"lenient_duals" yaml:"lenient_duals"`

	// MaxConcurrency bounds batch canonicalization. Zero means unbounded.
	MaxConcurrency int `json:"max_concurrency" yaml:"max_concurrency" validate:"gte=0"`

	// MaxVariableSize caps the size of any decoded variable.
	MaxVariableSize int `json:"max_variable_size" yaml:"max_variable_size" validate:"gte=1"`
}

// CacheConfig sizes the inverse-data cache.
type CacheConfig struct {
	MaxEntries int64         `json:"max_entries" yaml:"max_entries" validate:"gte=1"`
	TTL        time.Duration `json:"ttl" yaml:"ttl" validate:"gt=0"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level string `json:"level" yaml:"level" validate:"oneof=debug info warn warning error DEBUG INFO WARN WARNING ERROR"`
	JSON  bool   `json:"json" yaml:"json"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:         8080,
			MaxBodyBytes: 1 << 20,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Canon: CanonConfig{
			RuleSet:         "epigraph",
			MaxConcurrency:  4,
			MaxVariableSize: 1 << 20,
		},
		Cache: CacheConfig{
			MaxEntries: 10000,
			TTL:        15 * time.Minute,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads path (YAML or JSON; empty or missing means defaults), applies
// CANON_* environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}
	loadEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("CANON_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = i
		}
	}
	if v := os.Getenv("CANON_MAX_BODY_BYTES"); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Server.MaxBodyBytes = i
		}
	}
	if v := os.Getenv("CANON_RULE_SET"); v != "" {
		cfg.Canon.RuleSet = v
	}
	if v := os.Getenv("CANON_MEMOIZE"); v != "" {
		cfg.Canon.Memoize = v == "true" || v == "1"
	}
	if v := os.Getenv("CANON_LENIENT_DUALS"); v != "" {
		cfg.Canon.LenientDuals = v == "true" || v == "1"
	}
	if v := os.Getenv("CANON_MAX_CONCURRENCY"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Canon.MaxConcurrency = i
		}
	}
	if v := os.Getenv("CANON_MAX_VARIABLE_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Canon.MaxVariableSize = i
		}
	}
	if v := os.Getenv("CANON_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.TTL = d
		}
	}
	if v := os.Getenv("CANON_CACHE_MAX_ENTRIES"); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Cache.MaxEntries = i
		}
	}
	if v := os.Getenv("CANON_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CANON_LOG_JSON"); v != "" {
		cfg.Logging.JSON = v == "true" || v == "1"
	}
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %q (value %v)", ErrInvalidConfig, fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
