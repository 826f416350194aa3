// Package seed loads cities and alert configs from a YAML file.
package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/smukkama/weather-monitor/internal/cache"
	"github.com/smukkama/weather-monitor/internal/database"
	"gopkg.in/yaml.v3"
)

const defaultAlertKind = "TEMPERATURE"

var validate = validator.New()

type File struct {
	Cities []City `yaml:"cities" validate:"required,min=1,dive"`
}

type City struct {
	Name       string  `yaml:"name" validate:"required"`
	Region     string  `yaml:"region"`
	Country    string  `yaml:"country" validate:"omitempty,len=2"`
	Latitude   float64 `yaml:"latitude" validate:"gte=-90,lte=90"`
	Longitude  float64 `yaml:"longitude" validate:"gte=-180,lte=180"`
	ProviderID int64   `yaml:"provider_id" validate:"required,gt=0"`
	Active     *bool   `yaml:"active"`
	Alerts     []Alert `yaml:"alerts" validate:"dive"`
}

// Alert thresholds are limited to plausible temperatures.
type Alert struct {
	Kind       string   `yaml:"kind"`
	Min        *float64 `yaml:"min" validate:"omitempty,gte=-100,lte=60"`
	Max        *float64 `yaml:"max" validate:"omitempty,gte=-100,lte=60"`
	Email      string   `yaml:"email" validate:"omitempty,email"`
	WebhookURL string   `yaml:"webhook_url" validate:"omitempty,url"`
	Active     *bool    `yaml:"active"`
}

func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening seed file: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes and validates a seed document.
func Parse(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var file File
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("decoding seed file: %w", err)
	}
	if err := validate.Struct(file); err != nil {
		return nil, fmt.Errorf("invalid seed file: %w", err)
	}

	var errs []error
	for _, c := range file.Cities {
		for i, a := range c.Alerts {
			if a.Min == nil && a.Max == nil {
				errs = append(errs, fmt.Errorf("city %q alert %d: min or max is required", c.Name, i))
			}
			if a.Min != nil && a.Max != nil && *a.Min > *a.Max {
				errs = append(errs, fmt.Errorf("city %q alert %d: min is above max", c.Name, i))
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &file, nil
}

type Store interface {
	GetCityByProviderID(ctx context.Context, providerID int64) (*database.City, error)
	UpsertCity(ctx context.Context, city *database.City) error
	UpsertAlertConfig(ctx context.Context, cfg *database.AlertConfig) error
}

// Summary counts what Apply wrote. Created is the subset of Cities that
// did not exist before.
type Summary struct {
	Cities  int
	Created int
	Alerts  int
}

// Apply upserts every city and its alerts. Cities are keyed by provider id
// and alerts by (city, kind), so applying the same file twice is a no-op.
// Cache entries derived from these rows are dropped when c is not nil.
func Apply(ctx context.Context, store Store, c cache.Cache, file *File) (Summary, error) {
	var sum Summary
	for _, entry := range file.Cities {
		city := database.City{
			Name:       entry.Name,
			Region:     entry.Region,
			Country:    entry.Country,
			Latitude:   entry.Latitude,
			Longitude:  entry.Longitude,
			ProviderID: entry.ProviderID,
			Active:     boolOr(entry.Active, true),
		}
		if city.Country == "" {
			city.Country = "BR"
		}
		existing, err := store.GetCityByProviderID(ctx, city.ProviderID)
		if err != nil {
			return sum, fmt.Errorf("looking up city %q: %w", entry.Name, err)
		}
		if err := store.UpsertCity(ctx, &city); err != nil {
			return sum, fmt.Errorf("upserting city %q: %w", entry.Name, err)
		}
		sum.Cities++
		if existing == nil {
			sum.Created++
		}

		for _, a := range entry.Alerts {
			cfg := database.AlertConfig{
				CityID:     city.ID,
				Kind:       a.Kind,
				Minimum:    a.Min,
				Maximum:    a.Max,
				Active:     boolOr(a.Active, true),
				Email:      a.Email,
				WebhookURL: a.WebhookURL,
			}
			if cfg.Kind == "" {
				cfg.Kind = defaultAlertKind
			}
			if err := store.UpsertAlertConfig(ctx, &cfg); err != nil {
				return sum, fmt.Errorf("upserting alert for %q: %w", entry.Name, err)
			}
			sum.Alerts++
		}

		if c != nil {
			c.Delete(ctx, cache.AlertConfigKey(city.ID))
		}
	}

	if c != nil {
		c.Delete(ctx, cache.KeyCityList, cache.KeyAlertConfigsAll, cache.KeyCurrentReadings)
	}
	return sum, nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
