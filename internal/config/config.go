// Package config provides layered configuration loading and validation for sendcore:
// defaults, then an optional YAML file, then environment variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper" // v1.17.0
)

// Constants for configuration defaults and validation.
const (
	DefaultPort             = 8080
	DefaultLogLevel         = "info"
	DefaultRequestTimeout   = time.Second * 30
	DefaultShutdownTimeout  = time.Second * 10
	DefaultSMTPTimeout      = time.Second * 30
	DefaultSMTPCheckTimeout = time.Second * 15
	DefaultIMAPRawTimeout   = time.Second * 30
	DefaultRateLimitPerHour = 100
	DefaultMaxRetries       = 3
	MinPortNumber           = 1024
	MaxPortNumber           = 65535
)

// Config is the root configuration structure.
type Config struct {
	Environment     string         `mapstructure:"environment"`
	Port            int            `mapstructure:"port"`
	LogLevel        string         `mapstructure:"log_level"`
	Database        DatabaseConfig `mapstructure:"database"`
	Proxy           ProxyConfig    `mapstructure:"proxy"`
	SMTP            SMTPConfig     `mapstructure:"smtp"`
	IMAP            IMAPConfig     `mapstructure:"imap"`
	Campaign        CampaignDefaultsConfig `mapstructure:"campaign"`
	Metrics         MetricsConfig  `mapstructure:"metrics"`
	RequestTimeout  time.Duration  `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration  `mapstructure:"shutdown_timeout"`
	Version         string         `mapstructure:"version"`
}

// DatabaseConfig holds Postgres connection settings for stores.PGStore.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// ProxyConfig configures the proxy pool's leak-prevention and fallback policy
// (PROXY_IP_LEAK_PREVENTION, PROXY_FALLBACK_DISABLED).
type ProxyConfig struct {
	IPLeakPrevention bool `mapstructure:"ip_leak_prevention"`
	FallbackDisabled bool `mapstructure:"fallback_disabled"`
}

// SMTPConfig configures the dispatcher and rate governor defaults
// (SMTP_PROXY_FORCE, SMTP_RATE_LIMIT_PER_HOUR, SMTP_MAX_RETRIES,
// SMTP_DEFAULT_TIMEOUT, SMTP_CHECK_TIMEOUT).
type SMTPConfig struct {
	ProxyForce      bool          `mapstructure:"proxy_force"`
	RateLimitPerHour int          `mapstructure:"rate_limit_per_hour"`
	MaxRetries      int           `mapstructure:"max_retries"`
	DefaultTimeout  time.Duration `mapstructure:"default_timeout"`
	CheckTimeout    time.Duration `mapstructure:"check_timeout"`
}

// IMAPConfig configures the IMAP Prober defaults (IMAP_PROXY_FORCE,
// IMAP_PATH_PREFIX_DEFAULT, IMAP_CREATE_SYSTEM_FOLDERS, IMAP_RAW_TIMEOUT,
// IMAP_RAW_RETRIES).
type IMAPConfig struct {
	ProxyForce          bool          `mapstructure:"proxy_force"`
	PathPrefixDefault   string        `mapstructure:"path_prefix_default"`
	CreateSystemFolders bool          `mapstructure:"create_system_folders"`
	RawTimeout          time.Duration `mapstructure:"raw_timeout"`
	RawRetries          int           `mapstructure:"raw_retries"`
}

// CampaignDefaultsConfig configures message-build defaults applied when a campaign
// doesn't override them.
type CampaignDefaultsConfig struct {
	RequireUnsubscribeHeader bool `mapstructure:"require_unsubscribe_header"`
	CustomMessageID          bool `mapstructure:"custom_message_id"`
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
	Endpoint    string `mapstructure:"endpoint"`
}

// LoadConfig loads and validates configuration from defaults, an optional
// config.<environment>.yaml, and SENDCORE_-prefixed environment variables, in that
// order of increasing precedence.
func LoadConfig(configPath string, environment string) (*Config, error) {
	v := viper.New()

	v.SetDefault("port", DefaultPort)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("request_timeout", DefaultRequestTimeout)
	v.SetDefault("shutdown_timeout", DefaultShutdownTimeout)
	v.SetDefault("proxy.ip_leak_prevention", true)
	v.SetDefault("proxy.fallback_disabled", false)
	v.SetDefault("smtp.proxy_force", true)
	v.SetDefault("smtp.rate_limit_per_hour", DefaultRateLimitPerHour)
	v.SetDefault("smtp.max_retries", DefaultMaxRetries)
	v.SetDefault("smtp.default_timeout", DefaultSMTPTimeout)
	v.SetDefault("smtp.check_timeout", DefaultSMTPCheckTimeout)
	v.SetDefault("imap.proxy_force", true)
	v.SetDefault("imap.path_prefix_default", "")
	v.SetDefault("imap.create_system_folders", false)
	v.SetDefault("imap.raw_timeout", DefaultIMAPRawTimeout)
	v.SetDefault("imap.raw_retries", 2)
	v.SetDefault("campaign.require_unsubscribe_header", true)
	v.SetDefault("campaign.custom_message_id", false)

	v.SetConfigName(fmt.Sprintf("config.%s", environment))
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvPrefix("SENDCORE")
	bindEnvOverrides(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	loadSecureCredentials(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	config.Environment = environment

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// bindEnvOverrides wires the explicit env var names to their config keys,
// since they don't follow viper's default SENDCORE_SECTION_FIELD naming.
func bindEnvOverrides(v *viper.Viper) {
	bindings := map[string]string{
		"proxy.ip_leak_prevention":           "PROXY_IP_LEAK_PREVENTION",
		"proxy.fallback_disabled":            "PROXY_FALLBACK_DISABLED",
		"smtp.proxy_force":                   "SMTP_PROXY_FORCE",
		"smtp.rate_limit_per_hour":           "SMTP_RATE_LIMIT_PER_HOUR",
		"smtp.max_retries":                   "SMTP_MAX_RETRIES",
		"smtp.default_timeout":               "SMTP_DEFAULT_TIMEOUT",
		"smtp.check_timeout":                 "SMTP_CHECK_TIMEOUT",
		"imap.proxy_force":                   "IMAP_PROXY_FORCE",
		"imap.path_prefix_default":           "IMAP_PATH_PREFIX_DEFAULT",
		"imap.create_system_folders":         "IMAP_CREATE_SYSTEM_FOLDERS",
		"imap.raw_timeout":                   "IMAP_RAW_TIMEOUT",
		"imap.raw_retries":                   "IMAP_RAW_RETRIES",
		"campaign.require_unsubscribe_header": "REQUIRE_UNSUBSCRIBE_HEADER",
		"campaign.custom_message_id":          "CUSTOM_MESSAGE_ID",
	}
	for key, env := range bindings {
		_ = v.BindEnv(key, env)
	}
}

// loadSecureCredentials loads sensitive credentials straight from the environment,
// bypassing viper's config-file precedence so a file can never leak a secret default.
func loadSecureCredentials(v *viper.Viper) {
	if dbPass := os.Getenv("SENDCORE_DB_PASSWORD"); dbPass != "" {
		v.Set("database.password", dbPass)
	}
}

// Validate performs structural validation of all configuration sections.
func (c *Config) Validate() error {
	if c.Environment == "" {
		return fmt.Errorf("environment must be specified")
	}
	if c.Port < MinPortNumber || c.Port > MaxPortNumber {
		return fmt.Errorf("port must be between %d and %d", MinPortNumber, MaxPortNumber)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}
	if c.RequestTimeout < time.Second {
		return fmt.Errorf("request timeout must be at least 1 second")
	}
	if c.ShutdownTimeout < time.Second {
		return fmt.Errorf("shutdown timeout must be at least 1 second")
	}

	if err := c.validateDatabaseConfig(); err != nil {
		return fmt.Errorf("database config validation failed: %w", err)
	}
	if err := c.validateSMTPConfig(); err != nil {
		return fmt.Errorf("smtp config validation failed: %w", err)
	}
	if err := c.validateIMAPConfig(); err != nil {
		return fmt.Errorf("imap config validation failed: %w", err)
	}
	return nil
}

func (c *Config) validateDatabaseConfig() error {
	db := c.Database
	if db.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if db.Port < MinPortNumber || db.Port > MaxPortNumber {
		return fmt.Errorf("invalid database port")
	}
	if db.Name == "" {
		return fmt.Errorf("database name is required")
	}
	if db.User == "" {
		return fmt.Errorf("database user is required")
	}
	return nil
}

func (c *Config) validateSMTPConfig() error {
	if c.SMTP.RateLimitPerHour <= 0 {
		return fmt.Errorf("smtp rate limit per hour must be positive")
	}
	if c.SMTP.MaxRetries <= 0 {
		return fmt.Errorf("smtp max retries must be positive")
	}
	if c.SMTP.DefaultTimeout < time.Second {
		return fmt.Errorf("smtp default timeout must be at least 1 second")
	}
	return nil
}

func (c *Config) validateIMAPConfig() error {
	if c.IMAP.RawTimeout < time.Second {
		return fmt.Errorf("imap raw timeout must be at least 1 second")
	}
	if c.IMAP.RawRetries < 0 {
		return fmt.Errorf("imap raw retries must not be negative")
	}
	return nil
}
