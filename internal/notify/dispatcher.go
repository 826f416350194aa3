// Package notify delivers alert events over e-mail, webhooks and a Kafka stream.
package notify

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/smukkama/weather-monitor/internal/database"
	"github.com/smukkama/weather-monitor/internal/logging"
	"github.com/smukkama/weather-monitor/internal/metrics"
)

const (
	ChannelEmail   = "email"
	ChannelWebhook = "webhook"
	ChannelStream  = "stream"
)

// Alert is everything a channel needs to describe one event
type Alert struct {
	Event     database.AlertEvent
	City      database.City
	Config    database.AlertConfig
	FeelsLike float64
	Severity  string
	// Test alerts skip the stream channel.
	Test bool
}

// Outcome is the delivery result of one channel
type Outcome struct {
	Channel string
	Success bool
	Err     error
}

// AnySucceeded reports whether at least one channel delivered.
func AnySucceeded(outcomes []Outcome) bool {
	for _, o := range outcomes {
		if o.Success {
			return true
		}
	}
	return false
}

// Payload is the JSON document sent to webhooks and the alert stream
type Payload struct {
	AlertType   string  `json:"alertType"`
	City        string  `json:"city"`
	Temperature float64 `json:"temperature"`
	Threshold   float64 `json:"threshold"`
	Timestamp   string  `json:"timestamp"`
	Severity    string  `json:"severity"`
	DeliveryID  string  `json:"deliveryId"`
	EventID     int64   `json:"eventId,omitempty"`
	CityID      int64   `json:"cityId,omitempty"`
	Test        bool    `json:"test,omitempty"`
}

func newPayload(a Alert) Payload {
	return Payload{
		AlertType:   a.Event.Kind,
		City:        a.City.DisplayName(),
		Temperature: a.Event.Value,
		Threshold:   a.Event.Limit,
		Timestamp:   a.Event.TriggeredAt.UTC().Format(time.RFC3339),
		Severity:    a.Severity,
		DeliveryID:  uuid.NewString(),
		EventID:     a.Event.ID,
		CityID:      a.City.ID,
		Test:        a.Test,
	}
}

// Mailer sends and verifies e-mail
type Mailer interface {
	Send(ctx context.Context, msg Message) error
	Verify(ctx context.Context) error
}

// Publisher writes keyed messages to a stream
type Publisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

// Dispatcher fans an alert out to every applicable channel concurrently
type Dispatcher struct {
	mailer    Mailer
	webhook   *WebhookSender
	stream    Publisher
	formatter *Formatter
	logger    zerolog.Logger
}

type DispatcherOption func(*Dispatcher)

// WithMailer enables e-mail delivery.
func WithMailer(m Mailer) DispatcherOption {
	return func(d *Dispatcher) { d.mailer = m }
}

func WithWebhook(w *WebhookSender) DispatcherOption {
	return func(d *Dispatcher) { d.webhook = w }
}

// WithStream publishes every non-test alert to p.
func WithStream(p Publisher) DispatcherOption {
	return func(d *Dispatcher) { d.stream = p }
}

func NewDispatcher(formatter *Formatter, logger zerolog.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		formatter: formatter,
		logger:    logging.Component(logger, "notify"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch delivers a on every applicable channel and waits for all of them.
// A failing channel never affects the others.
func (d *Dispatcher) Dispatch(ctx context.Context, a Alert) []Outcome {
	type job struct {
		channel string
		send    func() error
	}

	var jobs []job
	if d.mailer != nil && a.Config.Email != "" {
		jobs = append(jobs, job{ChannelEmail, func() error {
			msg, err := d.formatter.Email(a)
			if err != nil {
				return err
			}
			return d.mailer.Send(ctx, msg)
		}})
	}
	if d.webhook != nil && a.Config.WebhookURL != "" {
		jobs = append(jobs, job{ChannelWebhook, func() error {
			return d.webhook.Send(ctx, a.Config.WebhookURL, newPayload(a))
		}})
	}
	if d.stream != nil && !a.Test {
		jobs = append(jobs, job{ChannelStream, func() error {
			data, err := json.Marshal(newPayload(a))
			if err != nil {
				return err
			}
			return d.stream.Publish(ctx, strconv.FormatInt(a.City.ID, 10), data)
		}})
	}

	outcomes := make([]Outcome, len(jobs))
	var wg sync.WaitGroup
	for i, j := range jobs {
		wg.Add(1)
		go func(i int, j job) {
			defer wg.Done()
			err := j.send()
			outcomes[i] = Outcome{Channel: j.channel, Success: err == nil, Err: err}
			metrics.IncNotification(j.channel, err == nil)
		}(i, j)
	}
	wg.Wait()

	succeeded := 0
	for _, o := range outcomes {
		if o.Success {
			succeeded++
			continue
		}
		d.logger.Warn().Err(o.Err).
			Str("channel", o.Channel).
			Int64("event_id", a.Event.ID).
			Str("city", a.City.DisplayName()).
			Msg("notification failed")
	}
	d.logger.Info().
		Int64("event_id", a.Event.ID).
		Int("succeeded", succeeded).
		Int("failed", len(outcomes)-succeeded).
		Msg("alert notifications dispatched")

	return outcomes
}

// Health summarises notification readiness
type Health struct {
	Status          string `json:"status"`
	EmailConfigured bool   `json:"emailConfigured"`
	EmailHealthy    bool   `json:"emailHealthy"`
	WebhookEnabled  bool   `json:"webhookEnabled"`
	StreamEnabled   bool   `json:"streamEnabled"`
	Error           string `json:"error,omitempty"`
}

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthCheck verifies the mail transport. Without a mailer the service is
// degraded; a mailer that fails verification makes it unhealthy.
func (d *Dispatcher) HealthCheck(ctx context.Context) Health {
	h := Health{
		EmailConfigured: d.mailer != nil,
		WebhookEnabled:  d.webhook != nil,
		StreamEnabled:   d.stream != nil,
	}
	if d.mailer == nil {
		h.Status = StatusDegraded
		return h
	}
	if err := d.mailer.Verify(ctx); err != nil {
		h.Status = StatusUnhealthy
		h.Error = err.Error()
		return h
	}
	h.EmailHealthy = true
	h.Status = StatusHealthy
	return h
}
