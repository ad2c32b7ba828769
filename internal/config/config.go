package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata" // report timezones on hosts without zoneinfo

	"github.com/spf13/viper"
)

// Config holds all adsentinel configuration.
type Config struct {
	Storage   StorageConfig   `mapstructure:"storage"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Health    HealthConfig    `mapstructure:"health"`
	Evaluator EvaluatorConfig `mapstructure:"evaluator"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Session   SessionConfig   `mapstructure:"session"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Messaging MessagingConfig `mapstructure:"messaging"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Reports   ReportsConfig   `mapstructure:"reports"`
	Operator  OperatorConfig  `mapstructure:"operator"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver       string `mapstructure:"driver"`
	Path         string `mapstructure:"path"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// ServerConfig defines the HTTP listener.
type ServerConfig struct {
	Listen       string        `mapstructure:"listen"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// HealthConfig tunes the account health monitor.
type HealthConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	RunTimeout    time.Duration `mapstructure:"run_timeout"`
	Concurrency   int           `mapstructure:"concurrency"`
	RevokeAfter   float64       `mapstructure:"revoke_after"`
	UnknownWeight float64       `mapstructure:"unknown_weight"`
	GraphBaseURL  string        `mapstructure:"graph_base_url"`
	GraphVersion  string        `mapstructure:"graph_version"`
}

// EvaluatorConfig tunes the threshold evaluator.
type EvaluatorConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	Staleness      time.Duration `mapstructure:"staleness"`
	ThresholdsFile string        `mapstructure:"thresholds_file"`
}

// DispatchConfig tunes message delivery.
type DispatchConfig struct {
	PerMinute      int           `mapstructure:"per_minute"`
	PerHour        int           `mapstructure:"per_hour"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	RateLimitDelay time.Duration `mapstructure:"rate_limit_delay"`
	Concurrency    int           `mapstructure:"concurrency"`
}

// SessionConfig defines where messaging sessions are tracked.
type SessionConfig struct {
	Backend       string        `mapstructure:"backend"`
	Window        time.Duration `mapstructure:"window"`
	DefaultRegion string        `mapstructure:"default_region"`
}

// RedisConfig defines the Redis connection for the session backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// MessagingConfig selects and configures the outbound channel.
type MessagingConfig struct {
	Provider string         `mapstructure:"provider"`
	WhatsApp WhatsAppConfig `mapstructure:"whatsapp"`
	Twilio   TwilioConfig   `mapstructure:"twilio"`
}

// WhatsAppConfig defines WhatsApp Cloud API settings.
type WhatsAppConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	APIVersion    string `mapstructure:"api_version"`
	PhoneNumberID string `mapstructure:"phone_number_id"`
	AccessToken   string `mapstructure:"access_token"`
}

// TwilioConfig defines Twilio WhatsApp settings.
type TwilioConfig struct {
	AccountSID string `mapstructure:"account_sid"`
	AuthToken  string `mapstructure:"auth_token"`
	From       string `mapstructure:"from"`
}

// WebhookConfig defines the inbound messaging webhook.
type WebhookConfig struct {
	VerifyToken string `mapstructure:"verify_token"`
	AppSecret   string `mapstructure:"app_secret"`
}

// ReportsConfig tunes the report scheduler.
type ReportsConfig struct {
	Enabled     bool            `mapstructure:"enabled"`
	Timezone    string          `mapstructure:"timezone"`
	RunTimeout  time.Duration   `mapstructure:"run_timeout"`
	Concurrency int             `mapstructure:"concurrency"`
	Generator   GeneratorConfig `mapstructure:"generator"`
}

// GeneratorConfig defines the report generation API.
type GeneratorConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	Model           string `mapstructure:"model"`
	APIKey          string `mapstructure:"api_key"`
	MaxPromptTokens int    `mapstructure:"max_prompt_tokens"`
}

// OperatorConfig defines where operator notices go.
type OperatorConfig struct {
	Slack   SlackConfig        `mapstructure:"slack"`
	Webhook OperatorHookConfig `mapstructure:"webhook"`
	Kafka   KafkaConfig        `mapstructure:"kafka"`
}

// SlackConfig defines Slack webhook settings.
type SlackConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url"`
	Channel    string `mapstructure:"channel"`
}

// OperatorHookConfig defines generic webhook settings.
type OperatorHookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Secret  string `mapstructure:"secret"`
}

// KafkaConfig defines the Kafka topic operator notices are published to.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// TracingConfig defines OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
	Insecure    bool   `mapstructure:"insecure"`
}

// Load reads configuration from file and environment variables.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("find home directory: %w", err)
		}

		v.AddConfigPath(filepath.Join(home, ".adsentinel"))
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	// Defaults
	home, _ := os.UserHomeDir()
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", filepath.Join(home, ".adsentinel", "adsentinel.db"))
	v.SetDefault("storage.max_open_conns", 25)
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("health.interval", "1h")
	v.SetDefault("health.run_timeout", "10m")
	v.SetDefault("health.concurrency", 4)
	v.SetDefault("health.revoke_after", 3)
	v.SetDefault("health.unknown_weight", 0.5)
	v.SetDefault("health.graph_base_url", "https://graph.facebook.com")
	v.SetDefault("health.graph_version", "v21.0")

	v.SetDefault("evaluator.interval", "1h")
	v.SetDefault("evaluator.staleness", "24h")
	v.SetDefault("evaluator.thresholds_file", "")

	v.SetDefault("dispatch.per_minute", 20)
	v.SetDefault("dispatch.per_hour", 250)
	v.SetDefault("dispatch.max_attempts", 5)
	v.SetDefault("dispatch.backoff_base", "1s")
	v.SetDefault("dispatch.backoff_max", "1m")
	v.SetDefault("dispatch.rate_limit_delay", "5s")
	v.SetDefault("dispatch.concurrency", 4)

	v.SetDefault("session.backend", "sql")
	v.SetDefault("session.window", "24h")
	v.SetDefault("session.default_region", "ZW")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("messaging.provider", "whatsapp")
	v.SetDefault("messaging.whatsapp.base_url", "https://graph.facebook.com")
	v.SetDefault("messaging.whatsapp.api_version", "v21.0")

	v.SetDefault("reports.enabled", true)
	v.SetDefault("reports.timezone", "Africa/Harare")
	v.SetDefault("reports.run_timeout", "15m")
	v.SetDefault("reports.concurrency", 4)
	v.SetDefault("reports.generator.endpoint", "https://api.openai.com/v1/chat/completions")
	v.SetDefault("reports.generator.model", "gpt-4o-mini")
	v.SetDefault("reports.generator.max_prompt_tokens", 6000)

	v.SetDefault("operator.slack.channel", "#ad-alerts")
	v.SetDefault("operator.kafka.topic", "adsentinel.operator")

	// Credentials have no defaults; registering them lets env vars reach Unmarshal.
	for _, key := range []string{
		"storage.dsn", "redis.password",
		"messaging.whatsapp.phone_number_id", "messaging.whatsapp.access_token",
		"messaging.twilio.account_sid", "messaging.twilio.auth_token", "messaging.twilio.from",
		"webhook.verify_token", "webhook.app_secret", "reports.generator.api_key",
		"operator.slack.webhook_url", "operator.webhook.url", "operator.webhook.secret",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("operator.kafka.brokers", []string{})

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.service_name", "adsentinel")
	v.SetDefault("tracing.insecure", true)

	// Environment variables
	v.SetEnvPrefix("ADSENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail later at startup.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver: unsupported %q", c.Storage.Driver)
	}
	switch c.Session.Backend {
	case "sql", "redis":
	default:
		return fmt.Errorf("session.backend: unsupported %q", c.Session.Backend)
	}
	switch c.Messaging.Provider {
	case "whatsapp", "twilio":
	default:
		return fmt.Errorf("messaging.provider: unsupported %q", c.Messaging.Provider)
	}
	if _, err := time.LoadLocation(c.Reports.Timezone); err != nil {
		return fmt.Errorf("reports.timezone: %w", err)
	}
	return nil
}

// Location returns the report timezone. Load has already validated it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Reports.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
