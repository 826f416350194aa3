// Package alerting evaluates readings against per-city threshold rules.
package alerting

import (
	"fmt"
	"math"

	"github.com/smukkama/weather-monitor/internal/database"
)

// Severity grades how far a reading is past its limit
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// SeverityFor grades |value - limit|: at least 10 is high, at most 3 is low.
func SeverityFor(value, limit float64) Severity {
	diff := math.Abs(value - limit)
	switch {
	case diff >= 10:
		return SeverityHigh
	case diff <= 3:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// Evaluate checks a reading against one config. The maximum is checked
// first, so a reading crossing both bounds yields a high event only.
func Evaluate(r database.Reading, cfg database.AlertConfig) (database.AlertEvent, bool) {
	temp := r.Temperature

	if cfg.Maximum != nil && temp >= *cfg.Maximum {
		return database.AlertEvent{
			ReadingID: r.ID,
			ConfigID:  cfg.ID,
			Kind:      database.AlertKindHigh,
			Value:     temp,
			Limit:     *cfg.Maximum,
			Message:   fmt.Sprintf("Temperature %.1f°C is at or above the maximum of %.1f°C", temp, *cfg.Maximum),
		}, true
	}

	if cfg.Minimum != nil && temp <= *cfg.Minimum {
		return database.AlertEvent{
			ReadingID: r.ID,
			ConfigID:  cfg.ID,
			Kind:      database.AlertKindLow,
			Value:     temp,
			Limit:     *cfg.Minimum,
			Message:   fmt.Sprintf("Temperature %.1f°C is at or below the minimum of %.1f°C", temp, *cfg.Minimum),
		}, true
	}

	return database.AlertEvent{}, false
}
