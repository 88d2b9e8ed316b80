// Package config merges process configuration from flags, environment
// variables, and an optional file, in that precedence order, grounded on
// the gravity-api server's viper wiring (cmd/gravity-api/main.go,
// internal/config/config.go in the example pack).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "MEETSERVER"

	defaultBindAddr = "127.0.0.1:3000"
	defaultDataDir  = "./data"
	defaultLogLevel = "info"

	defaultMinLength        = 10
	defaultRequireUppercase = true
	defaultRequireLowercase = true
	defaultRequireDigit     = true
	defaultRequireSpecial   = true

	defaultAbsoluteTTL = 7 * 24 * time.Hour
	defaultIdleTTL     = time.Hour

	defaultMaxAttempts     = 5
	defaultBaseBackoffSecs = 1
	defaultMaxBackoffSecs  = 60

	defaultIdleUnloadSecs = 30 * 60
)

// Config is the fully-resolved process configuration (spec.md §6.3, plus
// the idle-unload and session-persistence keys this rewrite adds).
type Config struct {
	BindAddr string
	DataDir  string
	LogLevel string
	Dev      bool

	PasswordRequirements PasswordRequirements
	Session              SessionConfig
	RateLimit            RateLimitConfig

	IdleUnloadSecs        int
	SessionPersistenceKey string // path to the AES-256 key file; empty disables persistence
}

// PasswordRequirements mirrors auth.PasswordPolicy in config-surface form.
type PasswordRequirements struct {
	MinLength        int
	RequireUppercase bool
	RequireLowercase bool
	RequireDigit     bool
	RequireSpecial   bool
}

// SessionConfig holds the two session TTLs.
type SessionConfig struct {
	AbsoluteTTLSecs int
	IdleTTLSecs     int
}

// RateLimitConfig holds the admission rate limiter's backoff shape.
type RateLimitConfig struct {
	MaxAttempts     int
	BaseBackoffSecs int
	MaxBackoffSecs  int
}

// NewViper returns a viper instance with defaults and env bindings applied,
// matching gravity-api's NewViper/ApplyDefaults split.
func NewViper() *viper.Viper {
	v := viper.New()
	ApplyDefaults(v)
	return v
}

// ApplyDefaults sets env-prefix binding and every default value so flags
// can read sensible defaults before parsing, and Load has something to
// fall back to when neither a flag, an env var, nor a config file set a
// key.
func ApplyDefaults(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("bind_addr", defaultBindAddr)
	v.SetDefault("data_dir", defaultDataDir)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("dev", false)

	v.SetDefault("password_requirements.min_length", defaultMinLength)
	v.SetDefault("password_requirements.require_uppercase", defaultRequireUppercase)
	v.SetDefault("password_requirements.require_lowercase", defaultRequireLowercase)
	v.SetDefault("password_requirements.require_digit", defaultRequireDigit)
	v.SetDefault("password_requirements.require_special", defaultRequireSpecial)

	v.SetDefault("session.absolute_ttl_secs", int(defaultAbsoluteTTL.Seconds()))
	v.SetDefault("session.idle_ttl_secs", int(defaultIdleTTL.Seconds()))
	v.SetDefault("session.persistence_key_file", "")

	v.SetDefault("rate_limit.max_attempts", defaultMaxAttempts)
	v.SetDefault("rate_limit.base_backoff_secs", defaultBaseBackoffSecs)
	v.SetDefault("rate_limit.max_backoff_secs", defaultMaxBackoffSecs)

	v.SetDefault("idle_unload_secs", defaultIdleUnloadSecs)
}

// Load reads the fully merged configuration out of v (flags > env > file >
// defaults, since v's flag bindings and AutomaticEnv already encode that
// precedence — see cmd/server/main.go for how flags are bound).
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		BindAddr: v.GetString("bind_addr"),
		DataDir:  v.GetString("data_dir"),
		LogLevel: v.GetString("log_level"),
		Dev:      v.GetBool("dev"),

		PasswordRequirements: PasswordRequirements{
			MinLength:        v.GetInt("password_requirements.min_length"),
			RequireUppercase: v.GetBool("password_requirements.require_uppercase"),
			RequireLowercase: v.GetBool("password_requirements.require_lowercase"),
			RequireDigit:     v.GetBool("password_requirements.require_digit"),
			RequireSpecial:   v.GetBool("password_requirements.require_special"),
		},
		Session: SessionConfig{
			AbsoluteTTLSecs: v.GetInt("session.absolute_ttl_secs"),
			IdleTTLSecs:     v.GetInt("session.idle_ttl_secs"),
		},
		RateLimit: RateLimitConfig{
			MaxAttempts:     v.GetInt("rate_limit.max_attempts"),
			BaseBackoffSecs: v.GetInt("rate_limit.base_backoff_secs"),
			MaxBackoffSecs:  v.GetInt("rate_limit.max_backoff_secs"),
		},

		IdleUnloadSecs:        v.GetInt("idle_unload_secs"),
		SessionPersistenceKey: v.GetString("session.persistence_key_file"),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.BindAddr) == "" {
		return fmt.Errorf("bind_addr is required")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.PasswordRequirements.MinLength < 1 {
		return fmt.Errorf("password_requirements.min_length must be positive")
	}
	if c.Session.AbsoluteTTLSecs <= 0 || c.Session.IdleTTLSecs <= 0 {
		return fmt.Errorf("session TTLs must be positive")
	}
	if c.RateLimit.BaseBackoffSecs <= 0 || c.RateLimit.MaxBackoffSecs < c.RateLimit.BaseBackoffSecs {
		return fmt.Errorf("rate_limit backoff bounds are invalid")
	}
	return nil
}
