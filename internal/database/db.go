package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/smukkama/weather-monitor/internal/logging"
)

// DB wraps the database connection
type DB struct {
	*sql.DB
	logger zerolog.Logger
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

// Connect establishes a connection to the database
func Connect(connectionString string, maxOpen, maxIdle int, logger zerolog.Logger) (*DB, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if maxOpen <= 0 {
		maxOpen = 20
	}
	if maxIdle <= 0 {
		maxIdle = 5
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)

	return New(db, logger), nil
}

// New wraps an already opened *sql.DB.
func New(db *sql.DB, logger zerolog.Logger) *DB {
	return &DB{DB: db, logger: logging.Component(logger, "database")}
}

// RunMigrations executes all SQL migration files in order
func (db *DB) RunMigrations(migrationsDir string) error {
	files, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var sqlFiles []string
	for _, file := range files {
		if !file.IsDir() && strings.HasSuffix(file.Name(), ".sql") {
			sqlFiles = append(sqlFiles, file.Name())
		}
	}
	sort.Strings(sqlFiles)

	for _, filename := range sqlFiles {
		db.logger.Info().Str("file", filename).Msg("running migration")

		content, err := os.ReadFile(filepath.Join(migrationsDir, filename))
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", filename, err)
		}

		if _, err := db.Exec(string(content)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", filename, err)
		}
	}

	db.logger.Info().Int("count", len(sqlFiles)).Msg("migrations completed")
	return nil
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			db.logger.Error().Err(rbErr).Msg("rollback failed")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const cityColumns = `id, name, region, country, latitude, longitude, provider_id, active, created_at, updated_at`

func scanCity(row rowScanner) (*City, error) {
	var (
		c        City
		lat, lon sql.NullString
	)
	if err := row.Scan(
		&c.ID,
		&c.Name,
		&c.Region,
		&c.Country,
		&lat,
		&lon,
		&c.ProviderID,
		&c.Active,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	c.Latitude = decodeFloat(lat)
	c.Longitude = decodeFloat(lon)
	return &c, nil
}

// ListActiveCities returns the active cities ordered by name
func (db *DB) ListActiveCities(ctx context.Context) ([]City, error) {
	query := `SELECT ` + cityColumns + ` FROM cities WHERE active = true ORDER BY name`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cities := []City{}
	for rows.Next() {
		c, err := scanCity(rows)
		if err != nil {
			return nil, err
		}
		cities = append(cities, *c)
	}
	return cities, rows.Err()
}

// GetCity retrieves a city by id. It returns (nil, nil) when absent.
func (db *DB) GetCity(ctx context.Context, id int64) (*City, error) {
	query := `SELECT ` + cityColumns + ` FROM cities WHERE id = $1`

	c, err := scanCity(db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// GetCityByProviderID retrieves a city by its provider id. It returns
// (nil, nil) when absent.
func (db *DB) GetCityByProviderID(ctx context.Context, providerID int64) (*City, error) {
	query := `SELECT ` + cityColumns + ` FROM cities WHERE provider_id = $1`

	c, err := scanCity(db.QueryRowContext(ctx, query, providerID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// UpsertCity inserts or updates a city keyed by provider id
func (db *DB) UpsertCity(ctx context.Context, city *City) error {
	query := `
		INSERT INTO cities (name, region, country, latitude, longitude, provider_id, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (provider_id) DO UPDATE
		SET name = EXCLUDED.name,
		    region = EXCLUDED.region,
		    country = EXCLUDED.country,
		    latitude = EXCLUDED.latitude,
		    longitude = EXCLUDED.longitude,
		    active = EXCLUDED.active,
		    updated_at = CURRENT_TIMESTAMP
		RETURNING id, created_at, updated_at
	`

	return db.QueryRowContext(ctx, query,
		city.Name,
		city.Region,
		city.Country,
		city.Latitude,
		city.Longitude,
		city.ProviderID,
		city.Active,
	).Scan(&city.ID, &city.CreatedAt, &city.UpdatedAt)
}

const readingColumns = `r.id, r.city_id, r.temperature, r.feels_like, r.humidity, r.pressure,
		       r.wind_speed, r.wind_direction, r.description, r.source, r.captured_at,
		       c.name, c.region`

func scanReading(row rowScanner) (*Reading, error) {
	var (
		r                                        Reading
		temp, feels, hum, press, wSpeed, wDegree sql.NullString
	)
	if err := row.Scan(
		&r.ID,
		&r.CityID,
		&temp,
		&feels,
		&hum,
		&press,
		&wSpeed,
		&wDegree,
		&r.Description,
		&r.Source,
		&r.CapturedAt,
		&r.CityName,
		&r.Region,
	); err != nil {
		return nil, err
	}
	r.Temperature = decodeFloat(temp)
	r.FeelsLike = decodeFloat(feels)
	r.Humidity = decodeFloat(hum)
	r.Pressure = decodeFloat(press)
	r.WindSpeed = decodeFloat(wSpeed)
	r.WindDirection = decodeFloat(wDegree)
	return &r, nil
}

func collectReadings(rows *sql.Rows) ([]Reading, error) {
	defer rows.Close()

	readings := []Reading{}
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		readings = append(readings, *r)
	}
	return readings, rows.Err()
}

// InsertReading persists a reading and returns it with its id and capture time
func (db *DB) InsertReading(ctx context.Context, in ReadingInput) (*Reading, error) {
	query := `
		INSERT INTO readings (
			city_id, temperature, feels_like, humidity, pressure,
			wind_speed, wind_direction, description, source
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, captured_at
	`

	source := in.Source
	if source == "" {
		source = SourceAutomatic
	}

	r := &Reading{
		CityID:        in.CityID,
		Temperature:   in.Temperature,
		FeelsLike:     in.FeelsLike,
		Humidity:      in.Humidity,
		Pressure:      in.Pressure,
		WindSpeed:     in.WindSpeed,
		WindDirection: in.WindDirection,
		Description:   in.Description,
		Source:        source,
	}

	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, query,
			in.CityID,
			in.Temperature,
			in.FeelsLike,
			in.Humidity,
			in.Pressure,
			in.WindSpeed,
			in.WindDirection,
			in.Description,
			source,
		).Scan(&r.ID, &r.CapturedAt)
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// LatestReadingPerCity returns the most recent reading of every active city
func (db *DB) LatestReadingPerCity(ctx context.Context) ([]Reading, error) {
	query := `
		SELECT DISTINCT ON (r.city_id) ` + readingColumns + `
		FROM readings r
		JOIN cities c ON c.id = r.city_id
		WHERE c.active = true
		ORDER BY r.city_id, r.captured_at DESC
	`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	return collectReadings(rows)
}

// ReadingHistory returns readings of a city, newest first
func (db *DB) ReadingHistory(ctx context.Context, q HistoryQuery) ([]Reading, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + readingColumns + `
		FROM readings r
		JOIN cities c ON c.id = r.city_id
		WHERE r.city_id = $1`)

	args := []any{q.CityID}
	if q.Start != nil {
		args = append(args, *q.Start)
		fmt.Fprintf(&sb, " AND r.captured_at >= $%d", len(args))
	}
	if q.End != nil {
		args = append(args, *q.End)
		fmt.Fprintf(&sb, " AND r.captured_at <= $%d", len(args))
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	fmt.Fprintf(&sb, " ORDER BY r.captured_at DESC LIMIT $%d", len(args))

	rows, err := db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	return collectReadings(rows)
}

const alertConfigColumns = `ac.id, ac.city_id, ac.kind, ac.minimum, ac.maximum, ac.active,
		       ac.email, ac.webhook_url, ac.created_at, c.name, c.region`

func scanAlertConfig(row rowScanner) (*AlertConfig, error) {
	var (
		cfg      AlertConfig
		min, max sql.NullString
	)
	if err := row.Scan(
		&cfg.ID,
		&cfg.CityID,
		&cfg.Kind,
		&min,
		&max,
		&cfg.Active,
		&cfg.Email,
		&cfg.WebhookURL,
		&cfg.CreatedAt,
		&cfg.CityName,
		&cfg.Region,
	); err != nil {
		return nil, err
	}
	cfg.Minimum = decodeOptionalFloat(min)
	cfg.Maximum = decodeOptionalFloat(max)
	return &cfg, nil
}

func (db *DB) queryAlertConfigs(ctx context.Context, query string, args ...any) ([]AlertConfig, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	configs := []AlertConfig{}
	for rows.Next() {
		cfg, err := scanAlertConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, *cfg)
	}
	return configs, rows.Err()
}

// AlertConfigsForCity retrieves the active alert configs of a city
func (db *DB) AlertConfigsForCity(ctx context.Context, cityID int64) ([]AlertConfig, error) {
	query := `
		SELECT ` + alertConfigColumns + `
		FROM alert_configs ac
		JOIN cities c ON c.id = ac.city_id
		WHERE ac.city_id = $1 AND ac.active = true
		ORDER BY ac.id
	`
	return db.queryAlertConfigs(ctx, query, cityID)
}

// ListActiveAlertConfigs retrieves every active alert config of active cities
func (db *DB) ListActiveAlertConfigs(ctx context.Context) ([]AlertConfig, error) {
	query := `
		SELECT ` + alertConfigColumns + `
		FROM alert_configs ac
		JOIN cities c ON c.id = ac.city_id
		WHERE ac.active = true AND c.active = true
		ORDER BY c.name, ac.id
	`
	return db.queryAlertConfigs(ctx, query)
}

// UpsertAlertConfig inserts or updates the config of a city for its kind
func (db *DB) UpsertAlertConfig(ctx context.Context, cfg *AlertConfig) error {
	query := `
		INSERT INTO alert_configs (city_id, kind, minimum, maximum, active, email, webhook_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (city_id, kind) DO UPDATE
		SET minimum = EXCLUDED.minimum,
		    maximum = EXCLUDED.maximum,
		    active = EXCLUDED.active,
		    email = EXCLUDED.email,
		    webhook_url = EXCLUDED.webhook_url
		RETURNING id, created_at
	`

	return db.QueryRowContext(ctx, query,
		cfg.CityID,
		cfg.Kind,
		cfg.Minimum,
		cfg.Maximum,
		cfg.Active,
		cfg.Email,
		cfg.WebhookURL,
	).Scan(&cfg.ID, &cfg.CreatedAt)
}

// InsertAlertEvent persists an alert event and fills in its id
func (db *DB) InsertAlertEvent(ctx context.Context, ev *AlertEvent) error {
	query := `
		INSERT INTO alert_events (
			reading_id, config_id, kind, value, limit_value, message, triggered_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	return db.QueryRowContext(ctx, query,
		ev.ReadingID,
		ev.ConfigID,
		ev.Kind,
		ev.Value,
		ev.Limit,
		ev.Message,
		ev.TriggeredAt,
	).Scan(&ev.ID)
}

// MarkAlertNotified flags an event as delivered on at least one channel
func (db *DB) MarkAlertNotified(ctx context.Context, id int64, at time.Time) error {
	query := `
		UPDATE alert_events
		SET notified = true, notified_at = $1
		WHERE id = $2
	`

	_, err := db.ExecContext(ctx, query, at, id)
	return err
}

// RecentAlertEvents returns the newest alert events with their city
func (db *DB) RecentAlertEvents(ctx context.Context, limit int) ([]AlertEvent, error) {
	query := `
		SELECT e.id, e.reading_id, e.config_id, e.kind, e.value, e.limit_value,
		       e.message, e.triggered_at, e.notified, e.notified_at, c.name, c.region
		FROM alert_events e
		JOIN alert_configs ac ON ac.id = e.config_id
		JOIN cities c ON c.id = ac.city_id
		ORDER BY e.triggered_at DESC
		LIMIT $1
	`

	rows, err := db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []AlertEvent{}
	for rows.Next() {
		var (
			ev         AlertEvent
			value, lim sql.NullString
			notifiedAt sql.NullTime
		)
		if err := rows.Scan(
			&ev.ID,
			&ev.ReadingID,
			&ev.ConfigID,
			&ev.Kind,
			&value,
			&lim,
			&ev.Message,
			&ev.TriggeredAt,
			&ev.Notified,
			&notifiedAt,
			&ev.CityName,
			&ev.Region,
		); err != nil {
			return nil, err
		}
		ev.Value = decodeFloat(value)
		ev.Limit = decodeFloat(lim)
		if notifiedAt.Valid {
			t := notifiedAt.Time
			ev.NotifiedAt = &t
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// AggregateStatistics computes activity counters and last-hour temperatures
func (db *DB) AggregateStatistics(ctx context.Context) (*Statistics, error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM cities WHERE active = true),
			(SELECT COUNT(*) FROM readings WHERE captured_at >= NOW() - INTERVAL '24 hours'),
			(SELECT COUNT(*) FROM alert_events WHERE triggered_at >= NOW() - INTERVAL '24 hours'),
			(SELECT AVG(temperature) FROM readings WHERE captured_at >= NOW() - INTERVAL '1 hour'),
			(SELECT MIN(temperature) FROM readings WHERE captured_at >= NOW() - INTERVAL '1 hour'),
			(SELECT MAX(temperature) FROM readings WHERE captured_at >= NOW() - INTERVAL '1 hour')
	`

	var cities, readings, alerts, avg, min, max sql.NullString
	if err := db.QueryRowContext(ctx, query).Scan(&cities, &readings, &alerts, &avg, &min, &max); err != nil {
		return nil, err
	}

	return &Statistics{
		ActiveCities: decodeInt(cities),
		Readings24h:  decodeInt(readings),
		Alerts24h:    decodeInt(alerts),
		AvgTemp1h:    decodeFloat(avg),
		MinTemp1h:    decodeFloat(min),
		MaxTemp1h:    decodeFloat(max),
		GeneratedAt:  time.Now().UTC(),
	}, nil
}

// AlertStatistics summarises alert events over the last 24h, 7d and 30d
func (db *DB) AlertStatistics(ctx context.Context) (*AlertStatistics, error) {
	totals := `
		SELECT
			COUNT(*) FILTER (WHERE triggered_at >= NOW() - INTERVAL '24 hours'),
			COUNT(*) FILTER (WHERE triggered_at >= NOW() - INTERVAL '7 days'),
			COUNT(*) FILTER (WHERE triggered_at >= NOW() - INTERVAL '30 days'),
			MAX(triggered_at)
		FROM alert_events
	`

	var (
		stats       AlertStatistics
		d1, d7, d30 sql.NullString
		lastAlert   sql.NullTime
	)
	if err := db.QueryRowContext(ctx, totals).Scan(&d1, &d7, &d30, &lastAlert); err != nil {
		return nil, err
	}
	stats.Last24h = decodeInt(d1)
	stats.Last7d = decodeInt(d7)
	stats.Last30d = decodeInt(d30)
	if lastAlert.Valid {
		t := lastAlert.Time
		stats.LastAlertAt = &t
	}

	byKind := `
		SELECT kind, COUNT(*)
		FROM alert_events
		WHERE triggered_at >= NOW() - INTERVAL '30 days'
		GROUP BY kind
		ORDER BY COUNT(*) DESC
	`
	rows, err := db.QueryContext(ctx, byKind)
	if err != nil {
		return nil, err
	}
	stats.ByKind = []KindCount{}
	for rows.Next() {
		var (
			kc    KindCount
			count sql.NullString
		)
		if err := rows.Scan(&kc.Kind, &count); err != nil {
			rows.Close()
			return nil, err
		}
		kc.Count = decodeInt(count)
		stats.ByKind = append(stats.ByKind, kc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	byCity := `
		SELECT c.id, c.name, COUNT(*)
		FROM alert_events e
		JOIN alert_configs ac ON ac.id = e.config_id
		JOIN cities c ON c.id = ac.city_id
		WHERE e.triggered_at >= NOW() - INTERVAL '30 days'
		GROUP BY c.id, c.name
		ORDER BY COUNT(*) DESC
		LIMIT 10
	`
	rows, err = db.QueryContext(ctx, byCity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	stats.ByCity = []CityCount{}
	for rows.Next() {
		var (
			cc    CityCount
			count sql.NullString
		)
		if err := rows.Scan(&cc.CityID, &cc.CityName, &count); err != nil {
			return nil, err
		}
		cc.Count = decodeInt(count)
		stats.ByCity = append(stats.ByCity, cc)
	}
	return &stats, rows.Err()
}

// DeleteReadingsOlderThan removes readings captured more than days ago
func (db *DB) DeleteReadingsOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, fmt.Errorf("days to keep must be positive, got %d", days)
	}

	query := `DELETE FROM readings WHERE captured_at < NOW() - make_interval(days => $1)`

	res, err := db.ExecContext(ctx, query, days)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
