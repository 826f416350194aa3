package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/rs/zerolog"
	"github.com/smukkama/weather-monitor/internal/alerting"
	"github.com/smukkama/weather-monitor/internal/api"
	"github.com/smukkama/weather-monitor/internal/cache"
	"github.com/smukkama/weather-monitor/internal/collector"
	"github.com/smukkama/weather-monitor/internal/database"
	"github.com/smukkama/weather-monitor/internal/logging"
	"github.com/smukkama/weather-monitor/internal/metrics"
	"github.com/smukkama/weather-monitor/internal/notify"
	"github.com/smukkama/weather-monitor/internal/retention"
	"github.com/smukkama/weather-monitor/internal/scheduler"
	"github.com/smukkama/weather-monitor/internal/service"
	"github.com/smukkama/weather-monitor/internal/weatherapi"
	"github.com/smukkama/weather-monitor/pkg/config"
)

const requestTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := logging.New(cfg.Service.Name, cfg.Service.LogLevel)
	logger.Info().Interface("config", cfg.Redacted()).Msg("starting weather monitor")

	metrics.Init()

	db, err := database.Connect(cfg.Database.ConnectionString(), cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.RunMigrations(cfg.Database.MigrationsDir); err != nil {
		logger.Fatal().Err(err).Msg("failed to run migrations")
	}

	// The cache is best effort, so an unreachable Redis only degrades health.
	gw := cache.NewGateway(cache.NewClient(cfg.Redis), cfg.Redis.CommandTimeout, cfg.Redis.DefaultTTL, logger)
	defer gw.Close()
	if err := gw.Ping(context.Background()); err != nil {
		logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable, continuing without cache")
	}

	provider := weatherapi.NewClient(cfg.OpenWeather, logger, weatherapi.WithCache(gw))

	dispatcher, closeStream := buildDispatcher(cfg, logger)
	defer closeStream()

	evaluator := alerting.NewEvaluator(db, dispatcher, gw, logger)

	sched := scheduler.New(nil)
	coll := collector.New(db, provider, evaluator, gw, sched, cfg.Collector, logger)

	cleaner := retention.New(db, gw, cfg.Retention, location(cfg.Alerts.Timezone, logger), logger)

	health := &service.HealthChecker{
		DB:       db,
		Cache:    gw,
		Notifier: dispatcher,
		Provider: provider,
		Env:      cfg.Service.Env,
		Started:  time.Now(),
	}
	svc := service.New(db, coll, evaluator, gw, health, logger)

	router := api.NewRouter(api.NewHandler(svc, requestTimeout, logger))
	srv := &http.Server{
		Addr:              cfg.Service.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	startBackground(cfg, provider, dispatcher, coll, cleaner, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	cleaner.Stop()
	if err := coll.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("collector did not stop in time")
	}

	logger.Info().Msg("shutdown complete")
}

// buildDispatcher enables every notification channel that has settings.
// The returned func releases the stream writer.
func buildDispatcher(cfg *config.Config, logger zerolog.Logger) (*notify.Dispatcher, func()) {
	opts := []notify.DispatcherOption{
		notify.WithWebhook(notify.NewWebhookSender(
			cfg.Alerts.WebhookTimeout,
			cfg.Alerts.WebhookRetryAttempts,
			cfg.Alerts.WebhookRetryBackoff,
			logger,
		)),
	}

	if cfg.Alerts.EmailConfigured() {
		opts = append(opts, notify.WithMailer(notify.NewSMTPMailer(cfg.Alerts)))
	} else {
		logger.Warn().Msg("SMTP is not configured, e-mail alerts are disabled")
	}

	closeStream := func() {}
	if cfg.Kafka.Enabled {
		if err := notify.EnsureTopic(cfg.Kafka.Brokers, cfg.Kafka.TopicAlerts, cfg.Kafka.NumPartitions, 1); err != nil {
			logger.Warn().Err(err).Str("topic", cfg.Kafka.TopicAlerts).Msg("topic creation failed (may already exist)")
		}
		publisher := notify.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.TopicAlerts)
		opts = append(opts, notify.WithStream(publisher))
		closeStream = func() {
			if err := publisher.Close(); err != nil {
				logger.Warn().Err(err).Msg("failed to close alert stream")
			}
		}
	}

	formatter := notify.NewFormatter(cfg.Alerts.Locale, cfg.Alerts.Timezone)
	return notify.NewDispatcher(formatter, logger, opts...), closeStream
}

// startBackground runs the startup diagnostics, then starts the periodic
// jobs. Collection is left off when the provider rejects the API key.
func startBackground(cfg *config.Config, provider *weatherapi.Client, dispatcher *notify.Dispatcher,
	coll *collector.Collector, cleaner *retention.Cleaner, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.OpenWeather.Timeout+5*time.Second)
	defer cancel()

	h := dispatcher.HealthCheck(ctx)
	logger.Info().
		Str("status", h.Status).
		Bool("email", h.EmailHealthy).
		Bool("webhook", h.WebhookEnabled).
		Bool("stream", h.StreamEnabled).
		Msg("notification channels checked")

	if err := cleaner.Start(); err != nil {
		logger.Error().Err(err).Msg("failed to schedule retention cleanup")
	}

	if err := provider.TestConnection(ctx); err != nil {
		logger.Error().Err(err).Msg("provider connection test failed, automatic collection disabled")
		return
	}
	if err := coll.Start(); err != nil {
		logger.Error().Err(err).Msg("failed to start collector")
		return
	}
	logger.Info().
		Str("interval", cfg.Collector.Interval.String()).
		Str("first_run_in", cfg.Collector.InitialDelay.String()).
		Msg("collector started")
}

func location(name string, logger zerolog.Logger) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		logger.Warn().Err(err).Str("timezone", name).Msg("unknown timezone, using UTC")
		return time.UTC
	}
	return loc
}

