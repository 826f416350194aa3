package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("OPENWEATHER_API_KEY", "abc")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://api.openweathermap.org/data/2.5", cfg.OpenWeather.BaseURL)
	assert.Equal(t, 60, cfg.OpenWeather.RateLimitPerMinute)
	assert.Equal(t, 10*time.Minute, cfg.OpenWeather.CacheTTL)
	assert.Equal(t, 5, cfg.OpenWeather.BatchSize)
	assert.Equal(t, 15*time.Minute, cfg.Collector.Interval)
	assert.Equal(t, 30*time.Second, cfg.Collector.InitialDelay)
	assert.Equal(t, 5*time.Second, cfg.Alerts.WebhookTimeout)
	assert.Equal(t, 3, cfg.Alerts.WebhookRetryAttempts)
	assert.Equal(t, 587, cfg.Alerts.SMTPPort)
	assert.Equal(t, 30, cfg.Retention.DaysToKeep)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("COLLECTION_INTERVAL", "900")
	t.Setenv("WEBHOOK_TIMEOUT", "2s")
	t.Setenv("KAFKA_ENABLED", "true")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 15*time.Minute, cfg.Collector.Interval)
	assert.Equal(t, 2*time.Second, cfg.Alerts.WebhookTimeout)
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestValidate_ReportsMissingAPIKey(t *testing.T) {
	t.Setenv("OPENWEATHER_API_KEY", "")

	cfg, err := Load()
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPENWEATHER_API_KEY")
}

func TestRedacted(t *testing.T) {
	cfg := Config{
		Database:    DatabaseConfig{Password: "secret"},
		OpenWeather: OpenWeatherConfig{APIKey: "key"},
		Alerts:      AlertsConfig{SMTPPassword: "smtp"},
	}

	r := cfg.Redacted()
	assert.Equal(t, redacted, r.Database.Password)
	assert.Equal(t, redacted, r.OpenWeather.APIKey)
	assert.Equal(t, redacted, r.Alerts.SMTPPassword)
	assert.Empty(t, r.Redis.Password)
	assert.Equal(t, "secret", cfg.Database.Password)
}

func TestConnectionString(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", DBName: "w", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=w sslmode=disable", d.ConnectionString())
}
