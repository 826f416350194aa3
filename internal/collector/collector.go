// Package collector runs collection ticks: fetch every active city from the
// provider, persist the reading, evaluate alerts and invalidate caches.
package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/smukkama/weather-monitor/internal/cache"
	"github.com/smukkama/weather-monitor/internal/database"
	"github.com/smukkama/weather-monitor/internal/logging"
	"github.com/smukkama/weather-monitor/internal/metrics"
	"github.com/smukkama/weather-monitor/internal/scheduler"
	"github.com/smukkama/weather-monitor/internal/weatherapi"
	"github.com/smukkama/weather-monitor/pkg/config"
)

const tickTaskID = "collector:tick"

type Store interface {
	ListActiveCities(ctx context.Context) ([]database.City, error)
	InsertReading(ctx context.Context, in database.ReadingInput) (*database.Reading, error)
	LatestReadingPerCity(ctx context.Context) ([]database.Reading, error)
}

type Provider interface {
	FetchCurrentConditions(ctx context.Context, providerID int64) (*weatherapi.Conditions, error)
	FetchBatch(ctx context.Context, ids []int64) weatherapi.BatchResult
}

// AlertProcessor evaluates a stored reading against its city's configs
type AlertProcessor interface {
	Process(ctx context.Context, city database.City, reading database.Reading) ([]database.AlertEvent, error)
}

// Options controls one collection run
type Options struct {
	// Source is stored on every reading of the run.
	Source string
	// Force clears the current readings entry before the batch.
	Force bool
}

// CityResult is the outcome for one city
type CityResult struct {
	CityID      int64   `json:"cityId"`
	CityName    string  `json:"cityName"`
	Success     bool    `json:"success"`
	Temperature float64 `json:"temperature,omitempty"`
	Alerts      int     `json:"alerts"`
	Error       string  `json:"error,omitempty"`
	ErrorKind   string  `json:"errorKind,omitempty"`
}

// Result summarises a collection run
type Result struct {
	RunID      string       `json:"runId"`
	Source     string       `json:"source"`
	Total      int          `json:"total"`
	Successes  int          `json:"successes"`
	Failures   int          `json:"failures"`
	Details    []CityResult `json:"details"`
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt time.Time    `json:"finishedAt"`
}

// Failed returns only the failed cities.
func (r Result) Failed() []CityResult {
	var out []CityResult
	for _, d := range r.Details {
		if !d.Success {
			out = append(out, d)
		}
	}
	return out
}

type Collector struct {
	store    Store
	provider Provider
	alerts   AlertProcessor
	cache    cache.Cache
	sched    *scheduler.Scheduler
	cfg      config.CollectorConfig
	logger   zerolog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

func New(store Store, provider Provider, alerts AlertProcessor, c cache.Cache, sched *scheduler.Scheduler, cfg config.CollectorConfig, logger zerolog.Logger) *Collector {
	if sched == nil {
		sched = scheduler.New(scheduler.SystemClock{})
	}
	return &Collector{
		store:    store,
		provider: provider,
		alerts:   alerts,
		cache:    c,
		sched:    sched,
		cfg:      cfg,
		logger:   logging.Component(logger, "collector"),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Collect runs one batch over every active city in listing order. Per-city
// failures are reported in the result; only a failure to list the cities
// is returned as an error.
func (c *Collector) Collect(ctx context.Context, opts Options) (Result, error) {
	if opts.Source == "" {
		opts.Source = database.SourceManual
	}
	res := Result{
		RunID:     uuid.NewString(),
		Source:    opts.Source,
		StartedAt: c.now().UTC(),
	}
	log := c.logger.With().Str("run_id", res.RunID).Str("source", opts.Source).Logger()

	if opts.Force {
		c.cache.Delete(ctx, cache.KeyCurrentReadings)
	}

	cities, err := c.store.ListActiveCities(ctx)
	if err != nil {
		return res, fmt.Errorf("listing active cities: %w", err)
	}
	res.Total = len(cities)
	log.Info().Int("cities", len(cities)).Bool("force", opts.Force).Msg("collection started")

	for i, city := range cities {
		if i > 0 && c.cfg.CityDelay > 0 {
			if err := c.sleep(ctx, c.cfg.CityDelay); err != nil {
				for _, rest := range cities[i:] {
					res.Details = append(res.Details, CityResult{CityID: rest.ID, CityName: rest.Name, Error: err.Error()})
				}
				break
			}
		}
		res.Details = append(res.Details, c.collectCity(ctx, log, city, opts.Source))
	}

	for _, d := range res.Details {
		if d.Success {
			res.Successes++
		} else {
			res.Failures++
		}
	}

	c.invalidate(ctx, opts, cities, res.Successes)

	res.FinishedAt = c.now().UTC()
	metrics.ObserveCollection(opts.Source, res.Successes, res.Failures, res.FinishedAt.Sub(res.StartedAt))
	log.Info().
		Int("successes", res.Successes).
		Int("failures", res.Failures).
		Dur("duration", res.FinishedAt.Sub(res.StartedAt)).
		Msg("collection finished")
	return res, nil
}

func (c *Collector) collectCity(ctx context.Context, log zerolog.Logger, city database.City, source string) CityResult {
	out := CityResult{CityID: city.ID, CityName: city.Name}

	cond, err := c.provider.FetchCurrentConditions(ctx, city.ProviderID)
	if err != nil {
		out.Error, out.ErrorKind = describe(err)
		log.Error().Err(err).Str("city", city.Name).Msg("failed to fetch conditions")
		return out
	}

	reading, err := c.persist(ctx, city, cond, source)
	if err != nil {
		out.Error = err.Error()
		out.ErrorKind = "storage"
		log.Error().Err(err).Str("city", city.Name).Msg("failed to store reading")
		return out
	}

	events, err := c.alerts.Process(ctx, city, *reading)
	if err != nil {
		log.Error().Err(err).Str("city", city.Name).Msg("alert evaluation failed")
	}

	out.Success = true
	out.Temperature = reading.Temperature
	out.Alerts = len(events)
	log.Debug().Str("city", city.Name).Float64("temperature", reading.Temperature).Int("alerts", len(events)).Msg("city collected")
	return out
}

func (c *Collector) persist(ctx context.Context, city database.City, cond *weatherapi.Conditions, source string) (*database.Reading, error) {
	return c.store.InsertReading(ctx, database.ReadingInput{
		CityID:        city.ID,
		Temperature:   cond.Temperature,
		FeelsLike:     cond.FeelsLike,
		Humidity:      cond.Humidity,
		Pressure:      cond.Pressure,
		WindSpeed:     cond.WindSpeed,
		WindDirection: cond.WindDirection,
		Description:   cond.Description,
		Source:        source,
	})
}

// invalidate drops cache entries made stale by the run. A forced run has
// already cleared the current entry and only needs the history entries.
func (c *Collector) invalidate(ctx context.Context, opts Options, cities []database.City, successes int) {
	switch {
	case opts.Force:
		c.clearHistory(ctx, cities)
	case opts.Source == database.SourceManual:
		c.cache.Delete(ctx, cache.KeyCurrentReadings)
		c.clearHistory(ctx, cities)
	case successes > 0:
		c.cache.Delete(ctx, cache.KeyCurrentReadings)
	}
	if successes > 0 {
		c.cache.Delete(ctx, cache.KeyStatistics)
	}
}

func (c *Collector) clearHistory(ctx context.Context, cities []database.City) {
	for _, city := range cities {
		c.cache.DeleteByPattern(ctx, cache.HistoryPattern(city.ID))
	}
}

// describe returns the user-facing message and kind of a fetch error.
func describe(err error) (string, string) {
	var apiErr *weatherapi.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message(), apiErr.Kind.String()
	}
	return err.Error(), weatherapi.KindUnknown.String()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
