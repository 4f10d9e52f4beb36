package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "DOCRELAY"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultLogLevel          = "info"
	defaultPollIntervalMs    = 1000
	defaultRateLimitMs       = 1000
	defaultRetentionLimit    = 100
	defaultTokenTTLHours     = 12
	defaultTokenIssuerName   = "docrelay-auth"
	defaultTokenAudienceName = "docrelay-api"
)

// AppConfig captures runtime configuration for the relay server.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	LogLevel       string
	SigningSecret  string
	TokenIssuer    string
	TokenAudience  string
	TokenTTL       time.Duration
	PollInterval   time.Duration
	RateLimitSpan  time.Duration
	RetentionLimit int
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
	configViper.SetDefault("database.path", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("sync.poll_interval_ms", defaultPollIntervalMs)
	configViper.SetDefault("sync.rate_limit_ms", defaultRateLimitMs)
	configViper.SetDefault("sync.retention_limit", defaultRetentionLimit)
	configViper.SetDefault("auth.token_issuer", defaultTokenIssuerName)
	configViper.SetDefault("auth.token_audience", defaultTokenAudienceName)
	configViper.SetDefault("auth.token_ttl_hours", defaultTokenTTLHours)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		TokenIssuer:    configViper.GetString("auth.token_issuer"),
		TokenAudience:  configViper.GetString("auth.token_audience"),
		TokenTTL:       time.Duration(configViper.GetInt("auth.token_ttl_hours")) * time.Hour,
		PollInterval:   time.Duration(configViper.GetInt("sync.poll_interval_ms")) * time.Millisecond,
		RateLimitSpan:  time.Duration(configViper.GetInt("sync.rate_limit_ms")) * time.Millisecond,
		RetentionLimit: configViper.GetInt("sync.retention_limit"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("sync.poll_interval_ms must be positive")
	}
	if c.RateLimitSpan <= 0 {
		return fmt.Errorf("sync.rate_limit_ms must be positive")
	}
	if c.RetentionLimit <= 0 {
		return fmt.Errorf("sync.retention_limit must be positive")
	}
	return nil
}

// AuthEnabled reports whether bearer-token auth should guard the sync routes.
func (c AppConfig) AuthEnabled() bool {
	return strings.TrimSpace(c.SigningSecret) != ""
}

// ArchiveEnabled reports whether a durable archive should back the relay.
func (c AppConfig) ArchiveEnabled() bool {
	return strings.TrimSpace(c.DatabasePath) != ""
}
