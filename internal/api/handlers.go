// Package api exposes the weather service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/smukkama/weather-monitor/internal/alerting"
	"github.com/smukkama/weather-monitor/internal/collector"
	"github.com/smukkama/weather-monitor/internal/database"
	"github.com/smukkama/weather-monitor/internal/logging"
	"github.com/smukkama/weather-monitor/internal/metrics"
	"github.com/smukkama/weather-monitor/internal/service"
)

var validate = validator.New()

// Service is what the handlers need from the weather service
type Service interface {
	Cities(ctx context.Context) ([]database.City, bool, error)
	City(ctx context.Context, id int64) (*database.City, error)
	CurrentReadings(ctx context.Context) ([]database.Reading, bool, error)
	History(ctx context.Context, req service.HistoryRequest) (*service.History, bool, error)
	CityReadings(ctx context.Context, req service.RangeRequest) (*service.CityReadings, error)
	AlertConfigs(ctx context.Context, cityID int64) (*service.CityAlertConfigs, bool, error)
	AllAlertConfigs(ctx context.Context) ([]service.CityAlertConfigs, bool, error)
	RecentAlerts(ctx context.Context, limit int) ([]database.AlertEvent, bool, error)
	Statistics(ctx context.Context) (*database.Statistics, bool, error)
	AlertStatistics(ctx context.Context) (*database.AlertStatistics, bool, error)
	Collect(ctx context.Context, force bool) (collector.Result, error)
	TestAlert(ctx context.Context, req service.TestAlertRequest) (alerting.TestResult, error)
	Health(ctx context.Context) service.Report
}

type Handler struct {
	svc     Service
	logger  zerolog.Logger
	timeout time.Duration
}

func NewHandler(svc Service, timeout time.Duration, logger zerolog.Logger) *Handler {
	return &Handler{
		svc:     svc,
		logger:  logging.Component(logger, "api"),
		timeout: timeout,
	}
}

// NewRouter builds the full route table with its middleware.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(h.recoverer, h.instrument)
	h.setFallbacks(r)
	h.RegisterRoutes(r)
	return r
}

// setFallbacks answers unmatched paths and methods with the JSON envelope.
// Subrouters resolve mismatches themselves, so each one needs its own.
func (h *Handler) setFallbacks(r *mux.Router) {
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		h.respondWithError(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		h.respondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	h.setFallbacks(v1)

	v1.HandleFunc("/cities", h.listCities).Methods(http.MethodGet)
	v1.HandleFunc("/cities/{id}", h.getCity).Methods(http.MethodGet)
	v1.HandleFunc("/cities/{id}/readings", h.cityReadings).Methods(http.MethodGet)
	v1.HandleFunc("/cities/{id}/alerts", h.cityAlertConfigs).Methods(http.MethodGet)

	v1.HandleFunc("/readings/current", h.currentReadings).Methods(http.MethodGet)
	v1.HandleFunc("/readings/history/{id}", h.history).Methods(http.MethodGet)
	v1.HandleFunc("/readings/statistics", h.statistics).Methods(http.MethodGet)
	v1.HandleFunc("/readings/collect", h.collect(false)).Methods(http.MethodPost)
	v1.HandleFunc("/readings/collect-now", h.collect(true)).Methods(http.MethodPost)

	v1.HandleFunc("/alerts/recent", h.recentAlerts).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/configs", h.allAlertConfigs).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/configs/city/{id}", h.cityAlertConfigs).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/statistics", h.alertStatistics).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/test", h.testAlert).Methods(http.MethodPost)
}

func (h *Handler) ctx(r *http.Request) (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), h.timeout)
}

func cityID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid city id")
	}
	return id, nil
}

// queryInt returns def when the parameter is absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return v, nil
}

func queryTime(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid %s date format", name)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	report := h.svc.Health(r.Context())
	code := http.StatusOK
	if report.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	h.respondWithJSON(w, code, envelope{Success: code == http.StatusOK, Data: report, Timestamp: time.Now().UTC()})
}

func (h *Handler) listCities(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.ctx(r)
	defer cancel()

	cities, hit, err := h.svc.Cities(ctx)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	h.respondWithCached(w, cities, hit)
}

func (h *Handler) getCity(w http.ResponseWriter, r *http.Request) {
	id, err := cityID(r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := h.ctx(r)
	defer cancel()

	city, err := h.svc.City(ctx, id)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	h.respondWithData(w, city)
}

type rangeQuery struct {
	Limit int `validate:"gte=0,lte=1000"`
	Start *time.Time
	End   *time.Time
}

func (h *Handler) cityReadings(w http.ResponseWriter, r *http.Request) {
	id, err := cityID(r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	var q rangeQuery
	if q.Limit, err = queryInt(r, "limit", service.DefaultHistoryLimit); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if q.Start, err = queryTime(r, "start"); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if q.End, err = queryTime(r, "end"); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validate.Struct(q); err != nil {
		h.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 0 and %d", service.MaxHistoryLimit))
		return
	}

	ctx, cancel := h.ctx(r)
	defer cancel()
	res, err := h.svc.CityReadings(ctx, service.RangeRequest{CityID: id, Start: q.Start, End: q.End, Limit: q.Limit})
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	h.respondWithData(w, res)
}

func (h *Handler) cityAlertConfigs(w http.ResponseWriter, r *http.Request) {
	id, err := cityID(r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := h.ctx(r)
	defer cancel()

	res, hit, err := h.svc.AlertConfigs(ctx, id)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	h.respondWithCached(w, res, hit)
}

func (h *Handler) currentReadings(w http.ResponseWriter, r *http.Request) {
	rows, hit, err := h.svc.CurrentReadings(r.Context())
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	h.respondWithCached(w, rows, hit)
}

type historyQuery struct {
	Period string
	Limit  int `validate:"gte=0"`
}

// history leaves the limit ceiling to the service.
func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	id, err := cityID(r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	q := historyQuery{Period: r.URL.Query().Get("period")}
	if q.Limit, err = queryInt(r, "limit", service.DefaultHistoryLimit); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validate.Struct(q); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "invalid history query")
		return
	}

	ctx, cancel := h.ctx(r)
	defer cancel()
	res, hit, err := h.svc.History(ctx, service.HistoryRequest{CityID: id, Period: q.Period, Limit: q.Limit})
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	h.respondWithCached(w, res, hit)
}

func (h *Handler) statistics(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.ctx(r)
	defer cancel()

	st, hit, err := h.svc.Statistics(ctx)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	h.respondWithCached(w, st, hit)
}

// collect always answers 200 with the run summary, however many cities
// failed. Only a failure to list the cities is an error.
func (h *Handler) collect(force bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := h.svc.Collect(r.Context(), force)
		if err != nil {
			h.respondWithServiceError(w, r, err)
			return
		}
		label := "Collection"
		if force {
			label = "Forced collection"
		}
		h.respondWithMessage(w, fmt.Sprintf("%s finished: %d successes, %d errors", label, res.Successes, res.Failures), res)
	}
}

type recentQuery struct {
	Limit int `validate:"gte=0"`
}

func (h *Handler) recentAlerts(w http.ResponseWriter, r *http.Request) {
	var (
		q   recentQuery
		err error
	)
	if q.Limit, err = queryInt(r, "limit", service.DefaultRecentAlerts); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validate.Struct(q); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "limit must not be negative")
		return
	}

	ctx, cancel := h.ctx(r)
	defer cancel()
	events, hit, err := h.svc.RecentAlerts(ctx, q.Limit)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	h.respondWithCached(w, events, hit)
}

func (h *Handler) allAlertConfigs(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.ctx(r)
	defer cancel()

	groups, hit, err := h.svc.AllAlertConfigs(ctx)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	h.respondWithCached(w, groups, hit)
}

func (h *Handler) alertStatistics(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.ctx(r)
	defer cancel()

	st, hit, err := h.svc.AlertStatistics(ctx)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	h.respondWithCached(w, st, hit)
}

type testAlertRequest struct {
	CityID     int64  `json:"cityId" validate:"required,gt=0"`
	Email      string `json:"email" validate:"omitempty,email"`
	WebhookURL string `json:"webhookUrl" validate:"omitempty,url"`
}

func (h *Handler) testAlert(w http.ResponseWriter, r *http.Request) {
	var req testAlertRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.svc.TestAlert(r.Context(), service.TestAlertRequest{
		CityID:     req.CityID,
		Email:      req.Email,
		WebhookURL: req.WebhookURL,
	})
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	h.respondWithData(w, res)
}
