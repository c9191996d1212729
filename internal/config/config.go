package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "COLLAB"
	defaultHTTPAddress       = "0.0.0.0:8090"
	defaultDatabasePath      = "collab.db"
	defaultRedisAddress      = "localhost:6379"
	defaultLogLevel          = "info"
	defaultTokenTTLMinutes   = 60
	defaultReaperInterval    = time.Minute
	defaultStaleThreshold    = 10 * time.Minute
	defaultPresenceBucketTTL = 6 * time.Hour
)

// AppConfig captures runtime configuration for the collaboration server.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	RedisAddress      string
	RedisPassword     string
	SigningSecret     string
	TokenTTL          time.Duration
	LogLevel          string
	ReaperInterval    time.Duration
	StaleThreshold    time.Duration
	PresenceBucketTTL time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("redis.address", defaultRedisAddress)
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("reaper.interval", defaultReaperInterval.String())
	configViper.SetDefault("reaper.stale_threshold", defaultStaleThreshold.String())
	configViper.SetDefault("presence.bucket_ttl", defaultPresenceBucketTTL.String())
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		RedisAddress:      configViper.GetString("redis.address"),
		RedisPassword:     configViper.GetString("redis.password"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		TokenTTL:          time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		LogLevel:          configViper.GetString("log.level"),
		ReaperInterval:    configViper.GetDuration("reaper.interval"),
		StaleThreshold:    configViper.GetDuration("reaper.stale_threshold"),
		PresenceBucketTTL: configViper.GetDuration("presence.bucket_ttl"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.RedisAddress) == "" {
		return fmt.Errorf("redis.address is required")
	}
	if c.ReaperInterval <= 0 {
		return fmt.Errorf("reaper.interval must be positive")
	}
	if c.StaleThreshold <= 0 {
		return fmt.Errorf("reaper.stale_threshold must be positive")
	}
	return nil
}
