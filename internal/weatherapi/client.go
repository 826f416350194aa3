// Package weatherapi fetches current conditions from OpenWeather.
package weatherapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/smukkama/weather-monitor/internal/cache"
	"github.com/smukkama/weather-monitor/internal/logging"
	"github.com/smukkama/weather-monitor/internal/metrics"
	"github.com/smukkama/weather-monitor/pkg/config"
	"github.com/sony/gobreaker"
)

// SaoPauloProviderID is used to probe connectivity.
const SaoPauloProviderID int64 = 3448439

// Conditions is the normalized current-weather DTO
type Conditions struct {
	ProviderID    int64     `json:"providerId"`
	CityName      string    `json:"cityName"`
	Temperature   float64   `json:"temperature"`
	FeelsLike     float64   `json:"feelsLike"`
	Humidity      float64   `json:"humidity"`
	Pressure      float64   `json:"pressure"`
	WindSpeed     float64   `json:"windSpeed"`
	WindDirection float64   `json:"windDirection"`
	Description   string    `json:"description"`
	Icon          string    `json:"icon"`
	ObservedAt    time.Time `json:"observedAt"`
}

// UsageStats reports client activity since start or the last reset
type UsageStats struct {
	Requests       int64     `json:"requests"`
	CacheHits      int64     `json:"cacheHits"`
	Errors         int64     `json:"errors"`
	WindowCount    int       `json:"windowCount"`
	WindowLimit    int       `json:"windowLimit"`
	WindowResetsAt time.Time `json:"windowResetsAt"`
	BreakerState   string    `json:"breakerState"`
}

// Client talks to the OpenWeather current weather endpoint
type Client struct {
	cfg        config.OpenWeatherConfig
	httpClient *http.Client
	cache      cache.Cache
	limiter    *rateLimiter
	breaker    *gobreaker.CircuitBreaker
	logger     zerolog.Logger
	sleep      func(context.Context, time.Duration) error

	mu    sync.Mutex
	usage UsageStats
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithCache enables response caching under provider:<id>.
func WithCache(cc cache.Cache) Option {
	return func(c *Client) { c.cache = cc }
}

func NewClient(cfg config.OpenWeatherConfig, logger zerolog.Logger, opts ...Option) *Client {
	if cfg.Units == "" {
		cfg.Units = "metric"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    newRateLimiter(cfg.RateLimitPerMinute, time.Minute),
		logger:     logging.Component(logger, "weatherapi"),
		sleep:      sleepCtx,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "openweather",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Only outages count against the breaker; a bad city id does not.
		IsSuccessful: func(err error) bool {
			switch KindOf(err) {
			case KindNoResponse, KindServerError:
				return false
			}
			return true
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchCurrentConditions returns the current conditions of a provider city,
// served from cache when a fresh copy exists.
func (c *Client) FetchCurrentConditions(ctx context.Context, providerID int64) (*Conditions, error) {
	key := cache.ProviderKey(providerID)
	if c.cache != nil {
		var cached Conditions
		if c.cache.GetJSON(ctx, key, &cached) {
			c.mu.Lock()
			c.usage.CacheHits++
			c.mu.Unlock()
			return &cached, nil
		}
	}

	// An open breaker rejects without a request, so it costs no window slot.
	if c.breaker.State() == gobreaker.StateOpen {
		c.logger.Debug().Int64("provider_id", providerID).Msg("circuit open, skipping provider request")
		return nil, &APIError{Kind: KindNoResponse, Detail: gobreaker.ErrOpenState.Error()}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for rate limit window: %w", err)
	}

	cond, err := c.fetch(ctx, providerID)
	c.mu.Lock()
	c.usage.Requests++
	if err != nil {
		c.usage.Errors++
	}
	c.mu.Unlock()

	if err != nil {
		metrics.IncProviderRequest(KindOf(err).String())
		c.logger.Warn().Err(err).Int64("provider_id", providerID).Msg("provider request failed")
		return nil, err
	}
	metrics.IncProviderRequest(metrics.ResultSuccess)

	if c.cache != nil {
		c.cache.SetJSON(ctx, key, cond, c.cfg.CacheTTL)
	}
	return cond, nil
}

func (c *Client) fetch(ctx context.Context, providerID int64) (*Conditions, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doRequest(ctx, providerID)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &APIError{Kind: KindNoResponse, Detail: err.Error()}
		}
		return nil, err
	}
	return result.(*Conditions), nil
}

type currentWeatherResponse struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Dt   int64  `json:"dt"`
	Main *struct {
		Temp      float64 `json:"temp"`
		FeelsLike float64 `json:"feels_like"`
		Humidity  float64 `json:"humidity"`
		Pressure  float64 `json:"pressure"`
	} `json:"main"`
	Weather []struct {
		Main        string `json:"main"`
		Description string `json:"description"`
		Icon        string `json:"icon"`
	} `json:"weather"`
	Wind struct {
		Speed float64 `json:"speed"`
		Deg   float64 `json:"deg"`
	} `json:"wind"`
}

func (c *Client) doRequest(ctx context.Context, providerID int64) (*Conditions, error) {
	params := url.Values{}
	params.Set("id", strconv.FormatInt(providerID, 10))
	params.Set("appid", c.cfg.APIKey)
	params.Set("units", c.cfg.Units)
	if c.cfg.Lang != "" {
		params.Set("lang", c.cfg.Lang)
	}
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/weather?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &APIError{Kind: KindUnknown, Detail: err.Error()}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{Kind: KindNoResponse, Detail: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &APIError{Kind: KindNoResponse, StatusCode: resp.StatusCode, Detail: err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyStatus(resp.StatusCode, string(body))
	}

	var payload currentWeatherResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &APIError{Kind: KindUnknown, StatusCode: resp.StatusCode, Detail: "malformed response: " + err.Error()}
	}
	if payload.Main == nil {
		return nil, &APIError{Kind: KindUnknown, StatusCode: resp.StatusCode, Detail: "response has no main block"}
	}

	cond := &Conditions{
		ProviderID:    providerID,
		CityName:      payload.Name,
		Temperature:   round1(payload.Main.Temp),
		FeelsLike:     round1(payload.Main.FeelsLike),
		Humidity:      payload.Main.Humidity,
		Pressure:      payload.Main.Pressure,
		WindSpeed:     payload.Wind.Speed,
		WindDirection: payload.Wind.Deg,
		ObservedAt:    time.Now().UTC(),
	}
	if payload.Dt > 0 {
		cond.ObservedAt = time.Unix(payload.Dt, 0).UTC()
	}
	if len(payload.Weather) > 0 {
		cond.Description = payload.Weather[0].Description
		cond.Icon = payload.Weather[0].Icon
	}
	return cond, nil
}

// TestConnection performs one fetch against a well-known city.
func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.FetchCurrentConditions(ctx, SaoPauloProviderID)
	return err
}

func (c *Client) Usage() UsageStats {
	c.mu.Lock()
	u := c.usage
	c.mu.Unlock()

	u.WindowCount, u.WindowLimit, u.WindowResetsAt = c.limiter.snapshot()
	u.BreakerState = c.breaker.State().String()
	return u
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
