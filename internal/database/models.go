package database

import (
	"time"
)

// Reading sources
const (
	SourceLive      = "live"
	SourceAutomatic = "automatic"
	SourceManual    = "manual"
)

// Alert kinds
const (
	AlertKindHigh = "TEMPERATURE_HIGH"
	AlertKindLow  = "TEMPERATURE_LOW"
)

// City represents a monitored city
type City struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Region     string    `json:"region"`
	Country    string    `json:"country"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	ProviderID int64     `json:"providerId"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// DisplayName renders "Name, Region", or just the name when no region is set.
func (c City) DisplayName() string {
	if c.Region == "" {
		return c.Name
	}
	return c.Name + ", " + c.Region
}

// Reading represents one observation of a city's conditions
type Reading struct {
	ID            int64     `json:"id"`
	CityID        int64     `json:"cityId"`
	Temperature   float64   `json:"temperature"`
	FeelsLike     float64   `json:"feelsLike"`
	Humidity      float64   `json:"humidity"`
	Pressure      float64   `json:"pressure"`
	WindSpeed     float64   `json:"windSpeed"`
	WindDirection float64   `json:"windDirection"`
	Description   string    `json:"description"`
	CapturedAt    time.Time `json:"capturedAt"`
	Source        string    `json:"source"`

	// Populated by queries joined with cities
	CityName string `json:"cityName,omitempty"`
	Region   string `json:"region,omitempty"`
}

// ReadingInput is the data needed to persist a new reading
type ReadingInput struct {
	CityID        int64
	Temperature   float64
	FeelsLike     float64
	Humidity      float64
	Pressure      float64
	WindSpeed     float64
	WindDirection float64
	Description   string
	Source        string
}

// AlertConfig is a per-city threshold rule. Nil bounds are unset.
type AlertConfig struct {
	ID         int64     `json:"id"`
	CityID     int64     `json:"cityId"`
	Kind       string    `json:"kind"`
	Minimum    *float64  `json:"minimum"`
	Maximum    *float64  `json:"maximum"`
	Active     bool      `json:"active"`
	Email      string    `json:"email,omitempty"`
	WebhookURL string    `json:"webhookUrl,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`

	CityName string `json:"cityName,omitempty"`
	Region   string `json:"region,omitempty"`
}

// AlertEvent records a threshold crossing
type AlertEvent struct {
	ID          int64      `json:"id"`
	ReadingID   int64      `json:"readingId"`
	ConfigID    int64      `json:"configId"`
	Kind        string     `json:"kind"`
	Value       float64    `json:"value"`
	Limit       float64    `json:"limit"`
	Message     string     `json:"message"`
	TriggeredAt time.Time  `json:"triggeredAt"`
	Notified    bool       `json:"notified"`
	NotifiedAt  *time.Time `json:"notifiedAt,omitempty"`

	CityName string `json:"cityName,omitempty"`
	Region   string `json:"region,omitempty"`
}

// HistoryQuery selects readings of one city
type HistoryQuery struct {
	CityID int64
	Start  *time.Time
	End    *time.Time
	Limit  int
}

// Statistics summarises recent system activity
type Statistics struct {
	ActiveCities int64     `json:"activeCities"`
	Readings24h  int64     `json:"readings24h"`
	Alerts24h    int64     `json:"alerts24h"`
	AvgTemp1h    float64   `json:"avgTemperature1h"`
	MinTemp1h    float64   `json:"minTemperature1h"`
	MaxTemp1h    float64   `json:"maxTemperature1h"`
	GeneratedAt  time.Time `json:"generatedAt"`
}

type KindCount struct {
	Kind  string `json:"kind"`
	Count int64  `json:"count"`
}

type CityCount struct {
	CityID   int64  `json:"cityId"`
	CityName string `json:"cityName"`
	Count    int64  `json:"count"`
}

// AlertStatistics summarises alert activity over several windows
type AlertStatistics struct {
	Last24h     int64       `json:"last24h"`
	Last7d      int64       `json:"last7d"`
	Last30d     int64       `json:"last30d"`
	ByKind      []KindCount `json:"byKind"`
	ByCity      []CityCount `json:"byCity"`
	LastAlertAt *time.Time  `json:"lastAlertAt,omitempty"`
}
