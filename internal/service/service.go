// Package service serves cached read models and administrative actions
// over the store, collector and alert pipeline.
package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/smukkama/weather-monitor/internal/alerting"
	"github.com/smukkama/weather-monitor/internal/cache"
	"github.com/smukkama/weather-monitor/internal/collector"
	"github.com/smukkama/weather-monitor/internal/database"
	"github.com/smukkama/weather-monitor/internal/logging"
)

const (
	DefaultHistoryLimit = 100
	MaxHistoryLimit     = 1000
	DefaultRecentAlerts = 50
	MaxRecentAlerts     = 200
	DefaultPeriod       = "24h"
)

var periods = map[string]time.Duration{
	"6h":  6 * time.Hour,
	"12h": 12 * time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

type Store interface {
	ListActiveCities(ctx context.Context) ([]database.City, error)
	GetCity(ctx context.Context, id int64) (*database.City, error)
	ReadingHistory(ctx context.Context, q database.HistoryQuery) ([]database.Reading, error)
	AlertConfigsForCity(ctx context.Context, cityID int64) ([]database.AlertConfig, error)
	ListActiveAlertConfigs(ctx context.Context) ([]database.AlertConfig, error)
	RecentAlertEvents(ctx context.Context, limit int) ([]database.AlertEvent, error)
	AggregateStatistics(ctx context.Context) (*database.Statistics, error)
	AlertStatistics(ctx context.Context) (*database.AlertStatistics, error)
}

type Collector interface {
	Collect(ctx context.Context, opts collector.Options) (collector.Result, error)
	RefreshIfStale(ctx context.Context) ([]database.Reading, collector.Freshness, error)
}

type AlertTester interface {
	SendTest(ctx context.Context, city database.City, email, webhookURL string) alerting.TestResult
}

// WeatherService answers the API. Reads go through the cache first; every
// result reports whether it was served from cache.
type WeatherService struct {
	store     Store
	collector Collector
	tester    AlertTester
	cache     cache.Cache
	health    *HealthChecker
	logger    zerolog.Logger
	now       func() time.Time
}

func New(store Store, coll Collector, tester AlertTester, c cache.Cache, health *HealthChecker, logger zerolog.Logger) *WeatherService {
	return &WeatherService{
		store:     store,
		collector: coll,
		tester:    tester,
		cache:     c,
		health:    health,
		logger:    logging.Component(logger, "service"),
		now:       time.Now,
	}
}

// cached loads key from the cache, falling back to load and storing its
// result with ttl.
func cached[T any](ctx context.Context, c cache.Cache, key string, ttl time.Duration, load func() (T, error)) (T, bool, error) {
	var v T
	if c.GetJSON(ctx, key, &v) {
		return v, true, nil
	}
	v, err := load()
	if err != nil {
		return v, false, err
	}
	c.SetJSON(ctx, key, v, ttl)
	return v, false, nil
}

// CityRef is the short form of a city embedded in responses
type CityRef struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Region string `json:"region"`
}

func refOf(c database.City) CityRef {
	return CityRef{ID: c.ID, Name: c.Name, Region: c.Region}
}

func (s *WeatherService) Cities(ctx context.Context) ([]database.City, bool, error) {
	return cached(ctx, s.cache, cache.KeyCityList, cache.TTLCityList, func() ([]database.City, error) {
		return s.store.ListActiveCities(ctx)
	})
}

// City returns ErrCityNotFound when id does not exist.
func (s *WeatherService) City(ctx context.Context, id int64) (*database.City, error) {
	if id <= 0 {
		return nil, invalid("invalid city id")
	}
	city, err := s.store.GetCity(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading city %d: %w", id, err)
	}
	if city == nil {
		return nil, ErrCityNotFound
	}
	return city, nil
}

// CurrentReadings returns the latest reading of every city, collecting
// live when the stored ones are stale.
func (s *WeatherService) CurrentReadings(ctx context.Context) ([]database.Reading, bool, error) {
	var rows []database.Reading
	if s.cache.GetJSON(ctx, cache.KeyCurrentReadings, &rows) {
		return rows, true, nil
	}

	rows, from, err := s.collector.RefreshIfStale(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("loading current readings: %w", err)
	}
	s.logger.Debug().Str("from", string(from)).Int("rows", len(rows)).Msg("current readings loaded")
	s.cache.SetJSON(ctx, cache.KeyCurrentReadings, rows, cache.TTLCurrentReadings)
	return rows, false, nil
}

// HistoryRequest selects a preset window of one city's readings
type HistoryRequest struct {
	CityID int64
	Period string
	Limit  int
}

// HistoryStats summarises the returned readings
type HistoryStats struct {
	Count       int       `json:"count"`
	Average     float64   `json:"average"`
	Minimum     float64   `json:"minimum"`
	Maximum     float64   `json:"maximum"`
	PeriodStart time.Time `json:"periodStart"`
	PeriodEnd   time.Time `json:"periodEnd"`
}

type History struct {
	City       CityRef            `json:"city"`
	Period     string             `json:"period"`
	Limit      int                `json:"limit"`
	Statistics *HistoryStats      `json:"statistics"`
	Readings   []database.Reading `json:"readings"`
}

func normalizeLimit(limit, def, max int) (int, error) {
	if limit <= 0 {
		return def, nil
	}
	if limit > max {
		return 0, invalid(fmt.Sprintf("limit cannot exceed %d records", max))
	}
	return limit, nil
}

// History returns up to Limit readings of the period preset. The limit
// ceiling is enforced before touching storage. Unknown periods fall back
// to 24h.
func (s *WeatherService) History(ctx context.Context, req HistoryRequest) (*History, bool, error) {
	limit, err := normalizeLimit(req.Limit, DefaultHistoryLimit, MaxHistoryLimit)
	if err != nil {
		return nil, false, err
	}
	window, ok := periods[req.Period]
	if !ok {
		req.Period = DefaultPeriod
		window = periods[DefaultPeriod]
	}

	city, err := s.City(ctx, req.CityID)
	if err != nil {
		return nil, false, err
	}

	h, hit, err := cached(ctx, s.cache, cache.HistoryKey(city.ID, req.Period, limit), cache.TTLHistory, func() (*History, error) {
		end := s.now().UTC()
		start := end.Add(-window)
		rows, err := s.store.ReadingHistory(ctx, database.HistoryQuery{CityID: city.ID, Start: &start, End: &end, Limit: limit})
		if err != nil {
			return nil, err
		}
		return &History{
			City:       refOf(*city),
			Period:     req.Period,
			Limit:      limit,
			Statistics: summarize(rows, start, end),
			Readings:   rows,
		}, nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("loading history of city %d: %w", city.ID, err)
	}
	return h, hit, nil
}

func summarize(rows []database.Reading, start, end time.Time) *HistoryStats {
	if len(rows) == 0 {
		return nil
	}
	st := &HistoryStats{
		Count:       len(rows),
		Minimum:     rows[0].Temperature,
		Maximum:     rows[0].Temperature,
		PeriodStart: start,
		PeriodEnd:   end,
	}
	var sum float64
	for _, r := range rows {
		sum += r.Temperature
		st.Minimum = math.Min(st.Minimum, r.Temperature)
		st.Maximum = math.Max(st.Maximum, r.Temperature)
	}
	st.Average = math.Round(sum/float64(len(rows))*100) / 100
	return st
}

// RangeRequest selects readings of one city by explicit bounds
type RangeRequest struct {
	CityID int64
	Start  *time.Time
	End    *time.Time
	Limit  int
}

type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	HasMore bool `json:"hasMore"`
}

type CityReadings struct {
	City       CityRef            `json:"city"`
	Readings   []database.Reading `json:"readings"`
	Pagination Pagination         `json:"pagination"`
}

// CityReadings is not cached.
func (s *WeatherService) CityReadings(ctx context.Context, req RangeRequest) (*CityReadings, error) {
	limit, err := normalizeLimit(req.Limit, DefaultHistoryLimit, MaxHistoryLimit)
	if err != nil {
		return nil, err
	}
	if req.Start != nil && req.End != nil && req.Start.After(*req.End) {
		return nil, invalid("start must not be after end")
	}

	city, err := s.City(ctx, req.CityID)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.ReadingHistory(ctx, database.HistoryQuery{CityID: city.ID, Start: req.Start, End: req.End, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("loading readings of city %d: %w", city.ID, err)
	}
	return &CityReadings{
		City:     refOf(*city),
		Readings: rows,
		Pagination: Pagination{
			Total:   len(rows),
			Limit:   limit,
			HasMore: len(rows) == limit,
		},
	}, nil
}

// CityAlertConfigs groups the active configs of one city
type CityAlertConfigs struct {
	City    CityRef                `json:"city"`
	Configs []database.AlertConfig `json:"configs"`
}

func (s *WeatherService) AlertConfigs(ctx context.Context, cityID int64) (*CityAlertConfigs, bool, error) {
	city, err := s.City(ctx, cityID)
	if err != nil {
		return nil, false, err
	}
	return cached(ctx, s.cache, cache.AlertConfigKey(city.ID), cache.TTLAlertConfigs, func() (*CityAlertConfigs, error) {
		configs, err := s.store.AlertConfigsForCity(ctx, city.ID)
		if err != nil {
			return nil, err
		}
		return &CityAlertConfigs{City: refOf(*city), Configs: configs}, nil
	})
}

// AllAlertConfigs groups every active config by city, keeping the store's
// ordering by city name.
func (s *WeatherService) AllAlertConfigs(ctx context.Context) ([]CityAlertConfigs, bool, error) {
	return cached(ctx, s.cache, cache.KeyAlertConfigsAll, cache.TTLAlertConfigs, func() ([]CityAlertConfigs, error) {
		configs, err := s.store.ListActiveAlertConfigs(ctx)
		if err != nil {
			return nil, err
		}
		out := []CityAlertConfigs{}
		index := map[int64]int{}
		for _, cfg := range configs {
			i, ok := index[cfg.CityID]
			if !ok {
				i = len(out)
				index[cfg.CityID] = i
				out = append(out, CityAlertConfigs{City: CityRef{ID: cfg.CityID, Name: cfg.CityName, Region: cfg.Region}})
			}
			out[i].Configs = append(out[i].Configs, cfg)
		}
		return out, nil
	})
}

// RecentAlerts clamps limit to MaxRecentAlerts.
func (s *WeatherService) RecentAlerts(ctx context.Context, limit int) ([]database.AlertEvent, bool, error) {
	if limit <= 0 {
		limit = DefaultRecentAlerts
	}
	if limit > MaxRecentAlerts {
		limit = MaxRecentAlerts
	}
	return cached(ctx, s.cache, cache.RecentAlertsKey(limit), cache.TTLRecentAlerts, func() ([]database.AlertEvent, error) {
		return s.store.RecentAlertEvents(ctx, limit)
	})
}

func (s *WeatherService) Statistics(ctx context.Context) (*database.Statistics, bool, error) {
	return cached(ctx, s.cache, cache.KeyStatistics, cache.TTLStatistics, func() (*database.Statistics, error) {
		return s.store.AggregateStatistics(ctx)
	})
}

func (s *WeatherService) AlertStatistics(ctx context.Context) (*database.AlertStatistics, bool, error) {
	return cached(ctx, s.cache, cache.KeyAlertStatistics, cache.TTLAlertStatistics, func() (*database.AlertStatistics, error) {
		return s.store.AlertStatistics(ctx)
	})
}

// Collect runs a manual collection. It is detached from ctx cancellation
// so a disconnecting caller does not cut the batch short.
func (s *WeatherService) Collect(ctx context.Context, force bool) (collector.Result, error) {
	return s.collector.Collect(context.WithoutCancel(ctx), collector.Options{
		Source: database.SourceManual,
		Force:  force,
	})
}

// TestAlertRequest names a city and the destinations to try
type TestAlertRequest struct {
	CityID     int64
	Email      string
	WebhookURL string
}

func (s *WeatherService) TestAlert(ctx context.Context, req TestAlertRequest) (alerting.TestResult, error) {
	if req.Email == "" && req.WebhookURL == "" {
		return alerting.TestResult{}, invalid("email or webhookUrl is required")
	}
	city, err := s.City(ctx, req.CityID)
	if err != nil {
		return alerting.TestResult{}, err
	}
	return s.tester.SendTest(ctx, *city, req.Email, req.WebhookURL), nil
}

func (s *WeatherService) Health(ctx context.Context) Report {
	if s.health == nil {
		return Report{Status: "unknown"}
	}
	return s.health.Check(ctx)
}
