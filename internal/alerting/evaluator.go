package alerting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/smukkama/weather-monitor/internal/cache"
	"github.com/smukkama/weather-monitor/internal/database"
	"github.com/smukkama/weather-monitor/internal/logging"
	"github.com/smukkama/weather-monitor/internal/metrics"
	"github.com/smukkama/weather-monitor/internal/notify"
)

// Store is the persistence needed by the evaluator
type Store interface {
	AlertConfigsForCity(ctx context.Context, cityID int64) ([]database.AlertConfig, error)
	InsertAlertEvent(ctx context.Context, ev *database.AlertEvent) error
	MarkAlertNotified(ctx context.Context, id int64, at time.Time) error
}

type Dispatcher interface {
	Dispatch(ctx context.Context, alert notify.Alert) []notify.Outcome
}

// Evaluator turns threshold crossings into persisted, dispatched events
type Evaluator struct {
	store      Store
	dispatcher Dispatcher
	cache      cache.Cache
	logger     zerolog.Logger
	now        func() time.Time
}

func NewEvaluator(store Store, dispatcher Dispatcher, c cache.Cache, logger zerolog.Logger) *Evaluator {
	return &Evaluator{
		store:      store,
		dispatcher: dispatcher,
		cache:      c,
		logger:     logging.Component(logger, "alerting"),
		now:        time.Now,
	}
}

// Process evaluates a freshly stored reading against every active config
// of its city. A failing config is logged and skipped; the returned error
// joins those failures. Failing to load the configs is returned directly.
func (e *Evaluator) Process(ctx context.Context, city database.City, reading database.Reading) ([]database.AlertEvent, error) {
	configs, err := e.store.AlertConfigsForCity(ctx, city.ID)
	if err != nil {
		return nil, fmt.Errorf("loading alert configs for city %d: %w", city.ID, err)
	}

	var (
		events []database.AlertEvent
		errs   []error
	)
	for _, cfg := range configs {
		ev, triggered := Evaluate(reading, cfg)
		if !triggered {
			continue
		}
		ev.TriggeredAt = e.now().UTC()

		if err := e.store.InsertAlertEvent(ctx, &ev); err != nil {
			e.logger.Error().Err(err).Int64("city_id", city.ID).Int64("config_id", cfg.ID).Msg("failed to persist alert event")
			errs = append(errs, fmt.Errorf("config %d: %w", cfg.ID, err))
			continue
		}
		metrics.IncAlertEvent(ev.Kind)

		severity := SeverityFor(ev.Value, ev.Limit)
		e.logger.Info().
			Str("city", city.DisplayName()).
			Str("kind", ev.Kind).
			Float64("value", ev.Value).
			Float64("limit", ev.Limit).
			Str("severity", string(severity)).
			Msg("alert triggered")

		outcomes := e.dispatcher.Dispatch(ctx, notify.Alert{
			Event:     ev,
			City:      city,
			Config:    cfg,
			FeelsLike: reading.FeelsLike,
			Severity:  string(severity),
		})
		// Any channel counts, the alert stream included.
		if notify.AnySucceeded(outcomes) {
			at := e.now().UTC()
			if err := e.store.MarkAlertNotified(ctx, ev.ID, at); err != nil {
				e.logger.Error().Err(err).Int64("event_id", ev.ID).Msg("failed to mark alert notified")
				errs = append(errs, fmt.Errorf("config %d: %w", cfg.ID, err))
			} else {
				ev.Notified = true
				ev.NotifiedAt = &at
			}
		}

		events = append(events, ev)
	}

	if len(events) > 0 && e.cache != nil {
		e.cache.DeleteByPattern(ctx, cache.RecentAlertsPattern)
		e.cache.Delete(ctx, cache.KeyAlertStatistics)
	}

	return events, errors.Join(errs...)
}

// TestResult reports which channels accepted a test alert
type TestResult struct {
	Email   bool `json:"email"`
	Webhook bool `json:"webhook"`
}

// SendTest dispatches a synthetic high-severity alert to the given targets.
// Nothing is persisted.
func (e *Evaluator) SendTest(ctx context.Context, city database.City, email, webhookURL string) TestResult {
	max := 35.0
	cfg := database.AlertConfig{
		CityID:     city.ID,
		Kind:       "TEMPERATURE",
		Maximum:    &max,
		Active:     true,
		Email:      email,
		WebhookURL: webhookURL,
	}
	ev, _ := Evaluate(database.Reading{CityID: city.ID, Temperature: 45.5}, cfg)
	ev.TriggeredAt = e.now().UTC()
	ev.Message = "Test alert: " + ev.Message

	outcomes := e.dispatcher.Dispatch(ctx, notify.Alert{
		Event:     ev,
		City:      city,
		Config:    cfg,
		FeelsLike: 47.0,
		Severity:  string(SeverityFor(ev.Value, ev.Limit)),
		Test:      true,
	})

	var res TestResult
	for _, o := range outcomes {
		switch o.Channel {
		case notify.ChannelEmail:
			res.Email = o.Success
		case notify.ChannelWebhook:
			res.Webhook = o.Success
		}
	}
	return res
}
