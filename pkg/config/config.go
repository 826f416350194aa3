package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const redacted = "[REDACTED]"

type Config struct {
	Service     ServiceConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	OpenWeather OpenWeatherConfig
	Collector   CollectorConfig
	Alerts      AlertsConfig
	Kafka       KafkaConfig
	Retention   RetentionConfig
}

type ServiceConfig struct {
	Name            string
	Env             string
	LogLevel        string
	HTTPAddr        string
	ShutdownTimeout time.Duration
	SeedFile        string
}

type DatabaseConfig struct {
	Host          string
	Port          int
	User          string
	Password      string
	DBName        string
	SSLMode       string
	MaxOpenConns  int
	MaxIdleConns  int
	MigrationsDir string
}

func (d DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

type RedisConfig struct {
	Addr           string
	Password       string
	DB             int
	DialTimeout    time.Duration
	CommandTimeout time.Duration
	DefaultTTL     time.Duration
}

// OpenWeatherConfig holds the provider client settings.
type OpenWeatherConfig struct {
	APIKey             string
	BaseURL            string
	Timeout            time.Duration
	Units              string
	Lang               string
	RateLimitPerMinute int
	CacheTTL           time.Duration
	BatchSize          int
	BatchPause         time.Duration
}

type CollectorConfig struct {
	Interval     time.Duration
	InitialDelay time.Duration
	CityDelay    time.Duration
	StaleAfter   time.Duration
}

type AlertsConfig struct {
	SMTPHost             string
	SMTPPort             int
	SMTPUser             string
	SMTPPassword         string
	EmailFrom            string
	WebhookTimeout       time.Duration
	WebhookRetryAttempts int
	WebhookRetryBackoff  time.Duration
	Timezone             string
	Locale               string
}

// EmailConfigured reports whether enough SMTP settings exist to send mail.
func (a AlertsConfig) EmailConfigured() bool {
	return a.SMTPHost != "" && a.SMTPUser != "" && a.SMTPPassword != ""
}

type KafkaConfig struct {
	Enabled       bool
	Brokers       []string
	TopicAlerts   string
	NumPartitions int
}

type RetentionConfig struct {
	DaysToKeep int
	RunAt      string
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	config := &Config{
		Service: ServiceConfig{
			Name:            getEnv("SERVICE_NAME", "weather-monitor"),
			Env:             getEnv("APP_ENV", "development"),
			LogLevel:        getEnv("LOG_LEVEL", "info"),
			HTTPAddr:        getEnv("HTTP_ADDR", ":3001"),
			ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
			SeedFile:        getEnv("SEED_FILE", "seed.yaml"),
		},
		Database: DatabaseConfig{
			Host:          getEnv("DB_HOST", "localhost"),
			Port:          getEnvAsInt("DB_PORT", 5432),
			User:          getEnv("DB_USER", "weather_user"),
			Password:      getEnv("DB_PASSWORD", "weather_pass"),
			DBName:        getEnv("DB_NAME", "weather_monitor"),
			SSLMode:       getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:  getEnvAsInt("DB_MAX_OPEN_CONNS", 20),
			MaxIdleConns:  getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			MigrationsDir: getEnv("DB_MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			Addr:           getEnv("REDIS_ADDR", "localhost:6379"),
			Password:       getEnv("REDIS_PASSWORD", ""),
			DB:             getEnvAsInt("REDIS_DB", 0),
			DialTimeout:    getEnvAsDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			CommandTimeout: getEnvAsDuration("REDIS_COMMAND_TIMEOUT", 2*time.Second),
			DefaultTTL:     getEnvAsDuration("CACHE_TTL", 5*time.Minute),
		},
		OpenWeather: OpenWeatherConfig{
			APIKey:             getEnv("OPENWEATHER_API_KEY", ""),
			BaseURL:            getEnv("OPENWEATHER_BASE_URL", "http://api.openweathermap.org/data/2.5"),
			Timeout:            getEnvAsDuration("OPENWEATHER_TIMEOUT", 10*time.Second),
			Units:              getEnv("OPENWEATHER_UNITS", "metric"),
			Lang:               getEnv("OPENWEATHER_LANG", "pt_br"),
			RateLimitPerMinute: getEnvAsInt("OPENWEATHER_RATE_LIMIT", 60),
			CacheTTL:           getEnvAsDuration("OPENWEATHER_CACHE_TTL", 10*time.Minute),
			BatchSize:          getEnvAsInt("OPENWEATHER_BATCH_SIZE", 5),
			BatchPause:         getEnvAsDuration("OPENWEATHER_BATCH_PAUSE", time.Second),
		},
		Collector: CollectorConfig{
			Interval:     getEnvAsDuration("COLLECTION_INTERVAL", 15*time.Minute),
			InitialDelay: getEnvAsDuration("COLLECTION_INITIAL_DELAY", 30*time.Second),
			CityDelay:    getEnvAsDuration("COLLECTION_CITY_DELAY", time.Second),
			StaleAfter:   getEnvAsDuration("COLLECTION_STALE_AFTER", 10*time.Minute),
		},
		Alerts: AlertsConfig{
			SMTPHost:             getEnv("SMTP_HOST", ""),
			SMTPPort:             getEnvAsInt("SMTP_PORT", 587),
			SMTPUser:             getEnv("SMTP_USER", ""),
			SMTPPassword:         getEnv("SMTP_PASS", ""),
			EmailFrom:            getEnv("ALERT_EMAIL_FROM", "noreply@weather-monitor.local"),
			WebhookTimeout:       getEnvAsDuration("WEBHOOK_TIMEOUT", 5*time.Second),
			WebhookRetryAttempts: getEnvAsInt("WEBHOOK_RETRY_ATTEMPTS", 3),
			WebhookRetryBackoff:  getEnvAsDuration("WEBHOOK_RETRY_BACKOFF", 500*time.Millisecond),
			Timezone:             getEnv("ALERT_TIMEZONE", "America/Sao_Paulo"),
			Locale:               getEnv("ALERT_LOCALE", "pt-BR"),
		},
		Kafka: KafkaConfig{
			Enabled:       getEnvAsBool("KAFKA_ENABLED", false),
			Brokers:       strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ","),
			TopicAlerts:   getEnv("KAFKA_TOPIC_ALERTS", "weather.alerts"),
			NumPartitions: getEnvAsInt("KAFKA_NUM_PARTITIONS", 3),
		},
		Retention: RetentionConfig{
			DaysToKeep: getEnvAsInt("RETENTION_DAYS", 30),
			RunAt:      getEnv("RETENTION_RUN_AT", "03:00"),
		},
	}

	return config, nil
}

// Validate reports every missing required setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.OpenWeather.APIKey == "" {
		errs = append(errs, errors.New("OPENWEATHER_API_KEY is required"))
	}
	if c.Database.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.Database.DBName == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.Database.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.OpenWeather.RateLimitPerMinute <= 0 {
		errs = append(errs, errors.New("OPENWEATHER_RATE_LIMIT must be positive"))
	}
	if c.OpenWeather.BatchSize <= 0 {
		errs = append(errs, errors.New("OPENWEATHER_BATCH_SIZE must be positive"))
	}
	if c.Collector.Interval <= 0 {
		errs = append(errs, errors.New("COLLECTION_INTERVAL must be positive"))
	}
	return errors.Join(errs...)
}

// Redacted returns a copy with secrets masked, safe to log.
func (c Config) Redacted() Config {
	if c.Database.Password != "" {
		c.Database.Password = redacted
	}
	if c.Redis.Password != "" {
		c.Redis.Password = redacted
	}
	if c.OpenWeather.APIKey != "" {
		c.OpenWeather.APIKey = redacted
	}
	if c.Alerts.SMTPPassword != "" {
		c.Alerts.SMTPPassword = redacted
	}
	return c
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsDuration accepts Go durations ("15m") or plain seconds ("900").
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	if seconds, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
