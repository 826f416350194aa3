package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricPrefix = "weather_monitor_"

	ResultSuccess = "success"
	ResultError   = "error"

	CacheHit   = "hit"
	CacheMiss  = "miss"
	CacheError = "error"
)

var (
	registerOnce sync.Once

	collectionRuns     *prometheus.CounterVec
	collectionCities   *prometheus.CounterVec
	collectionDuration *prometheus.HistogramVec

	providerRequests *prometheus.CounterVec
	cacheOperations  *prometheus.CounterVec
	notifications    *prometheus.CounterVec
	alertEvents      *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	retentionDeleted prometheus.Counter
)

// Init registers the collectors with the default registry. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		collectionRuns = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "collection_runs_total",
				Help: "Total collection runs by source",
			},
			[]string{"source"},
		)
		collectionCities = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "collection_cities_total",
				Help: "Cities processed by collection runs, by result",
			},
			[]string{"source", "result"},
		)
		collectionDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "collection_duration_seconds",
				Help:    "Collection run duration in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"source"},
		)

		providerRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "provider_requests_total",
				Help: "Weather provider network requests by outcome",
			},
			[]string{"outcome"},
		)
		cacheOperations = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "cache_lookups_total",
				Help: "Cache lookups by result",
			},
			[]string{"result"},
		)
		notifications = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "notifications_total",
				Help: "Notification deliveries by channel and result",
			},
			[]string{"channel", "result"},
		)
		alertEvents = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alert_events_total",
				Help: "Alert events raised by kind",
			},
			[]string{"kind"},
		)

		httpRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "http_requests_total",
				Help: "HTTP requests by route and status",
			},
			[]string{"route", "status"},
		)
		httpLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		)

		retentionDeleted = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "retention_deleted_readings_total",
				Help: "Readings removed by retention cleanup",
			},
		)

		prometheus.MustRegister(
			collectionRuns,
			collectionCities,
			collectionDuration,
			providerRequests,
			cacheOperations,
			notifications,
			alertEvents,
			httpRequests,
			httpLatency,
			retentionDeleted,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func ObserveCollection(source string, successes, failures int, duration time.Duration) {
	if collectionRuns == nil {
		return
	}
	collectionRuns.WithLabelValues(source).Inc()
	collectionCities.WithLabelValues(source, ResultSuccess).Add(float64(successes))
	collectionCities.WithLabelValues(source, ResultError).Add(float64(failures))
	collectionDuration.WithLabelValues(source).Observe(duration.Seconds())
}

func IncProviderRequest(outcome string) {
	if providerRequests == nil {
		return
	}
	providerRequests.WithLabelValues(outcome).Inc()
}

func IncCache(result string) {
	if cacheOperations == nil {
		return
	}
	cacheOperations.WithLabelValues(result).Inc()
}

func IncNotification(channel string, ok bool) {
	if notifications == nil {
		return
	}
	result := ResultSuccess
	if !ok {
		result = ResultError
	}
	notifications.WithLabelValues(channel, result).Inc()
}

func IncAlertEvent(kind string) {
	if alertEvents == nil {
		return
	}
	alertEvents.WithLabelValues(kind).Inc()
}

func ObserveHTTP(route string, status int, duration time.Duration) {
	if httpRequests == nil {
		return
	}
	httpRequests.WithLabelValues(route, http.StatusText(status)).Inc()
	httpLatency.WithLabelValues(route).Observe(duration.Seconds())
}

func AddRetentionDeleted(n int64) {
	if retentionDeleted == nil || n <= 0 {
		return
	}
	retentionDeleted.Add(float64(n))
}
