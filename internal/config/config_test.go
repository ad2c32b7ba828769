package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zimads/adsentinel/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	assert.Equal(t, time.Hour, cfg.Health.Interval)
	assert.Equal(t, 4, cfg.Health.Concurrency)
	assert.Equal(t, 3.0, cfg.Health.RevokeAfter)
	assert.Equal(t, 0.5, cfg.Health.UnknownWeight)
	assert.Equal(t, 24*time.Hour, cfg.Evaluator.Staleness)

	assert.Equal(t, 20, cfg.Dispatch.PerMinute)
	assert.Equal(t, 250, cfg.Dispatch.PerHour)
	assert.Equal(t, 5, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Dispatch.BackoffBase)
	assert.Equal(t, time.Minute, cfg.Dispatch.BackoffMax)
	assert.Equal(t, 5*time.Second, cfg.Dispatch.RateLimitDelay)

	assert.Equal(t, "sql", cfg.Session.Backend)
	assert.Equal(t, 24*time.Hour, cfg.Session.Window)
	assert.Equal(t, "ZW", cfg.Session.DefaultRegion)
	assert.Equal(t, "whatsapp", cfg.Messaging.Provider)
	assert.Equal(t, "Africa/Harare", cfg.Reports.Timezone)
	assert.Equal(t, "Africa/Harare", cfg.Location().String())
	assert.Equal(t, "#ad-alerts", cfg.Operator.Slack.Channel)
	assert.False(t, cfg.Tracing.Enabled)
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	data := []byte(`
storage:
  driver: postgres
  dsn: postgres://adsentinel@localhost/adsentinel?sslmode=disable
dispatch:
  per_minute: 10
  backoff_max: 30s
session:
  backend: redis
messaging:
  provider: twilio
  twilio:
    from: "+14155238886"
operator:
  kafka:
    enabled: true
    brokers: ["kafka-1:9092", "kafka-2:9092"]
logging:
  level: debug
`)
	err := os.WriteFile(cfgPath, data, 0o644)
	require.NoError(t, err)

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Contains(t, cfg.Storage.DSN, "postgres://")
	assert.Equal(t, 10, cfg.Dispatch.PerMinute)
	assert.Equal(t, 30*time.Second, cfg.Dispatch.BackoffMax)
	assert.Equal(t, "redis", cfg.Session.Backend)
	assert.Equal(t, "twilio", cfg.Messaging.Provider)
	assert.Equal(t, "+14155238886", cfg.Messaging.Twilio.From)
	assert.True(t, cfg.Operator.Kafka.Enabled)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Operator.Kafka.Brokers)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ADSENTINEL_LOGGING_LEVEL", "error")
	t.Setenv("ADSENTINEL_SERVER_LISTEN", ":7070")
	t.Setenv("ADSENTINEL_MESSAGING_WHATSAPP_ACCESS_TOKEN", "EAAG-secret")
	t.Setenv("ADSENTINEL_WEBHOOK_APP_SECRET", "shh")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "error", cfg.Logging.Level)
	assert.Equal(t, ":7070", cfg.Server.Listen)
	assert.Equal(t, "EAAG-secret", cfg.Messaging.WhatsApp.AccessToken)
	assert.Equal(t, "shh", cfg.Webhook.AppSecret)
}

func TestLoad_InvalidFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "bad.yaml")
	err := os.WriteFile(cfgPath, []byte("invalid: [yaml"), 0o644)
	require.NoError(t, err)

	_, err = config.Load(cfgPath)
	assert.Error(t, err)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"driver", "storage:\n  driver: mysql\n", "storage.driver"},
		{"session backend", "session:\n  backend: memcached\n", "session.backend"},
		{"provider", "messaging:\n  provider: telegram\n", "messaging.provider"},
		{"timezone", "reports:\n  timezone: Mars/Olympus\n", "reports.timezone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o644))

			_, err := config.Load(path)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}
