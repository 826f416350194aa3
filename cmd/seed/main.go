package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/smukkama/weather-monitor/internal/cache"
	"github.com/smukkama/weather-monitor/internal/database"
	"github.com/smukkama/weather-monitor/internal/logging"
	"github.com/smukkama/weather-monitor/internal/seed"
	"github.com/smukkama/weather-monitor/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	path := flag.String("file", cfg.Service.SeedFile, "YAML file with cities and alert configs")
	migrate := flag.Bool("migrate", true, "run migrations before seeding")
	flag.Parse()

	logger := logging.New(cfg.Service.Name+"-seed", cfg.Service.LogLevel)

	file, err := seed.Load(*path)
	if err != nil {
		logger.Fatal().Err(err).Str("file", *path).Msg("failed to load seed file")
	}

	db, err := database.Connect(cfg.Database.ConnectionString(), 2, 1, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if *migrate {
		if err := db.RunMigrations(cfg.Database.MigrationsDir); err != nil {
			logger.Fatal().Err(err).Msg("failed to run migrations")
		}
	}

	gw := cache.NewGateway(cache.NewClient(cfg.Redis), cfg.Redis.CommandTimeout, cfg.Redis.DefaultTTL, logger)
	defer gw.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	// A down cache only means stale entries expire on their own.
	var c cache.Cache = gw
	if err := gw.Ping(ctx); err != nil {
		logger.Warn().Err(err).Msg("redis unreachable, skipping cache invalidation")
		c = nil
	}

	sum, err := seed.Apply(ctx, db, c, file)
	if err != nil {
		logger.Fatal().Err(err).Int("cities", sum.Cities).Msg("seeding failed")
	}
	logger.Info().Int("cities", sum.Cities).Int("created", sum.Created).Int("alerts", sum.Alerts).Str("file", *path).Msg("seed applied")
}
