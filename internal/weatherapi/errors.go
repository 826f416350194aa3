package weatherapi

import (
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"
)

// ErrorKind classifies provider failures
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindUnauthorized
	KindNotFound
	KindRateLimited
	KindServerError
	KindNoResponse
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not_found"
	case KindRateLimited:
		return "rate_limited"
	case KindServerError:
		return "server_error"
	case KindNoResponse:
		return "no_response"
	default:
		return "unknown"
	}
}

var (
	ErrUnauthorized = errors.New("openweather: invalid api key")
	ErrNotFound     = errors.New("openweather: city not found")
	ErrRateLimited  = errors.New("openweather: rate limit exceeded")
	ErrServerError  = errors.New("openweather: server error")
	ErrNoResponse   = errors.New("openweather: no response")
	ErrUnknown      = errors.New("openweather: unexpected error")
)

// messages are shown to API users in collection summaries.
var messages = map[ErrorKind]string{
	KindUnauthorized: "Invalid API key. Please check your OpenWeather API key.",
	KindNotFound:     "City not found. Please check the city ID.",
	KindRateLimited:  "API rate limit exceeded. Please try again later.",
	KindServerError:  "OpenWeather API server error. Please try again later.",
	KindNoResponse:   "No response from OpenWeather API. Check your internet connection.",
	KindUnknown:      "Unexpected error from OpenWeather API.",
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindUnauthorized:
		return ErrUnauthorized
	case KindNotFound:
		return ErrNotFound
	case KindRateLimited:
		return ErrRateLimited
	case KindServerError:
		return ErrServerError
	case KindNoResponse:
		return ErrNoResponse
	default:
		return ErrUnknown
	}
}

// APIError is returned for every failed provider call. errors.Is matches
// it against the sentinel of its kind.
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	msg := e.Kind.sentinel().Error()
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Detail)
	}
	return msg
}

func (e *APIError) Unwrap() error {
	return e.Kind.sentinel()
}

// Message is the user-facing text of the error kind.
func (e *APIError) Message() string {
	if msg, ok := messages[e.Kind]; ok {
		return msg
	}
	return messages[KindUnknown]
}

func classifyStatus(status int, body string) *APIError {
	kind := KindUnknown
	switch {
	case status == http.StatusUnauthorized:
		kind = KindUnauthorized
	case status == http.StatusNotFound:
		kind = KindNotFound
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
	case status >= 500:
		kind = KindServerError
	}
	return &APIError{Kind: kind, StatusCode: status, Detail: truncate(body, 256)}
}

// KindOf extracts the kind of a provider error, KindUnknown otherwise.
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindUnknown
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
