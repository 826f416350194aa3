package service

import (
	"context"
	"time"

	"github.com/smukkama/weather-monitor/internal/notify"
	"github.com/smukkama/weather-monitor/internal/weatherapi"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type DBPinger interface {
	PingContext(ctx context.Context) error
}

type NotifierHealth interface {
	HealthCheck(ctx context.Context) notify.Health
}

type UsageReporter interface {
	Usage() weatherapi.UsageStats
}

// ComponentStatus is the state of one dependency
type ComponentStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Report is the body of the health endpoint
type Report struct {
	Status        string                 `json:"status"`
	Environment   string                 `json:"environment"`
	Uptime        string                 `json:"uptime"`
	Database      ComponentStatus        `json:"database"`
	Cache         ComponentStatus        `json:"cache"`
	Notifications *notify.Health         `json:"notifications,omitempty"`
	Provider      *weatherapi.UsageStats `json:"provider,omitempty"`
}

// HealthChecker probes the dependencies. Nil dependencies are skipped.
type HealthChecker struct {
	DB       DBPinger
	Cache    Pinger
	Notifier NotifierHealth
	Provider UsageReporter
	Env      string
	Started  time.Time
	Timeout  time.Duration
}

// Check reports unhealthy when the database is unreachable and degraded
// when only the cache or notifications are impaired.
func (h *HealthChecker) Check(ctx context.Context) Report {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r := Report{
		Status:      notify.StatusHealthy,
		Environment: h.Env,
		Uptime:      time.Since(h.Started).Round(time.Second).String(),
		Database:    probe(ctx, h.DB != nil, func(ctx context.Context) error { return h.DB.PingContext(ctx) }),
		Cache:       probe(ctx, h.Cache != nil, func(ctx context.Context) error { return h.Cache.Ping(ctx) }),
	}
	if h.Notifier != nil {
		nh := h.Notifier.HealthCheck(ctx)
		r.Notifications = &nh
		if nh.Status != notify.StatusHealthy {
			r.Status = notify.StatusDegraded
		}
	}
	if h.Provider != nil {
		u := h.Provider.Usage()
		r.Provider = &u
	}
	if r.Cache.Status == notify.StatusUnhealthy {
		r.Status = notify.StatusDegraded
	}
	if r.Database.Status == notify.StatusUnhealthy {
		r.Status = notify.StatusUnhealthy
	}
	return r
}

func probe(ctx context.Context, present bool, ping func(context.Context) error) ComponentStatus {
	if !present {
		return ComponentStatus{Status: "disabled"}
	}
	if err := ping(ctx); err != nil {
		return ComponentStatus{Status: notify.StatusUnhealthy, Error: err.Error()}
	}
	return ComponentStatus{Status: notify.StatusHealthy}
}
