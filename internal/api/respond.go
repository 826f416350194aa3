package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/smukkama/weather-monitor/internal/service"
)

// envelope is the body of every API response
type envelope struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Cached    *bool     `json:"cached,omitempty"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *Handler) respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error().Err(err).Msg("failed to encode response")
	}
}

func (h *Handler) respondWithData(w http.ResponseWriter, data any) {
	h.respondWithJSON(w, http.StatusOK, envelope{Success: true, Data: data, Timestamp: time.Now().UTC()})
}

func (h *Handler) respondWithCached(w http.ResponseWriter, data any, cached bool) {
	h.respondWithJSON(w, http.StatusOK, envelope{Success: true, Data: data, Cached: &cached, Timestamp: time.Now().UTC()})
}

func (h *Handler) respondWithMessage(w http.ResponseWriter, message string, data any) {
	h.respondWithJSON(w, http.StatusOK, envelope{Success: true, Data: data, Message: message, Timestamp: time.Now().UTC()})
}

func (h *Handler) respondWithError(w http.ResponseWriter, code int, message string) {
	h.respondWithJSON(w, code, envelope{Success: false, Error: message, Timestamp: time.Now().UTC()})
}

// respondWithServiceError maps service errors to status codes. Anything
// that is not a validation or lookup failure is a storage failure.
func (h *Handler) respondWithServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case service.IsValidation(err):
		h.respondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrCityNotFound):
		h.respondWithError(w, http.StatusNotFound, "city not found")
	default:
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		h.respondWithError(w, http.StatusInternalServerError, "internal server error")
	}
}
