package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"
)

type DBSuite struct {
	suite.Suite
	mock sqlmock.Sqlmock
	db   *DB
	ctx  context.Context
}

func (s *DBSuite) SetupTest() {
	sqlDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	s.Require().NoError(err)

	s.mock = mock
	s.db = New(sqlDB, zerolog.Nop())
	s.ctx = context.Background()
}

func (s *DBSuite) TearDownTest() {
	s.Require().NoError(s.mock.ExpectationsWereMet())
	s.db.Close()
}

func TestDBSuite(t *testing.T) {
	suite.Run(t, new(DBSuite))
}

var cityCols = []string{"id", "name", "region", "country", "latitude", "longitude", "provider_id", "active", "created_at", "updated_at"}

func (s *DBSuite) TestListActiveCities() {
	now := time.Now()
	s.mock.ExpectQuery(`SELECT .+ FROM cities WHERE active = true ORDER BY name`).
		WillReturnRows(sqlmock.NewRows(cityCols).
			AddRow(2, "Campinas", "SP", "BR", "-22.9056", "-47.0608", 3467865, true, now, now).
			AddRow(1, "São Paulo", "SP", "BR", nil, "invalid", 3448439, true, now, now))

	cities, err := s.db.ListActiveCities(s.ctx)

	s.Require().NoError(err)
	s.Require().Len(cities, 2)
	s.Equal("Campinas", cities[0].Name)
	s.InDelta(-22.9056, cities[0].Latitude, 1e-9)
	s.Zero(cities[1].Latitude)
	s.Zero(cities[1].Longitude)
	s.Equal("São Paulo, SP", cities[1].DisplayName())
}

func (s *DBSuite) TestGetCity_NotFound() {
	s.mock.ExpectQuery(`FROM cities WHERE id = \$1`).
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows(cityCols))

	city, err := s.db.GetCity(s.ctx, 99)

	s.Require().NoError(err)
	s.Nil(city)
}

func (s *DBSuite) TestGetCityByProviderID() {
	now := time.Now()
	s.mock.ExpectQuery(`FROM cities WHERE provider_id = \$1`).
		WithArgs(int64(3451190)).
		WillReturnRows(sqlmock.NewRows(cityCols).
			AddRow(4, "Rio de Janeiro", "RJ", "BR", "-22.9068", "-43.1729", 3451190, true, now, now))
	s.mock.ExpectQuery(`FROM cities WHERE provider_id = \$1`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(cityCols))

	city, err := s.db.GetCityByProviderID(s.ctx, 3451190)
	s.Require().NoError(err)
	s.Require().NotNil(city)
	s.Equal(int64(4), city.ID)
	s.InDelta(-43.1729, city.Longitude, 1e-9)

	missing, err := s.db.GetCityByProviderID(s.ctx, 1)
	s.Require().NoError(err)
	s.Nil(missing)
}

func (s *DBSuite) TestInsertReading() {
	captured := time.Date(2026, 1, 15, 14, 0, 0, 0, time.UTC)

	s.Run("commits and returns the stored reading", func() {
		s.mock.ExpectBegin()
		s.mock.ExpectQuery(`INSERT INTO readings`).
			WithArgs(int64(1), 38.2, 40.1, 30.0, 1012.0, 3.5, 180.0, "céu limpo", SourceManual).
			WillReturnRows(sqlmock.NewRows([]string{"id", "captured_at"}).AddRow(10, captured))
		s.mock.ExpectCommit()

		r, err := s.db.InsertReading(s.ctx, ReadingInput{
			CityID: 1, Temperature: 38.2, FeelsLike: 40.1, Humidity: 30, Pressure: 1012,
			WindSpeed: 3.5, WindDirection: 180, Description: "céu limpo", Source: SourceManual,
		})

		s.Require().NoError(err)
		s.Equal(int64(10), r.ID)
		s.Equal(captured, r.CapturedAt)
		s.Equal(SourceManual, r.Source)
	})

	s.Run("rolls back on failure", func() {
		s.mock.ExpectBegin()
		s.mock.ExpectQuery(`INSERT INTO readings`).
			WillReturnError(errors.New("constraint violation"))
		s.mock.ExpectRollback()

		_, err := s.db.InsertReading(s.ctx, ReadingInput{CityID: 1, Temperature: 20})

		s.Require().Error(err)
		s.Contains(err.Error(), "constraint violation")
	})
}

var readingCols = []string{"id", "city_id", "temperature", "feels_like", "humidity", "pressure",
	"wind_speed", "wind_direction", "description", "source", "captured_at", "name", "region"}

func (s *DBSuite) TestLatestReadingPerCity_CoercesText() {
	now := time.Now()
	s.mock.ExpectQuery(`SELECT DISTINCT ON \(r.city_id\)`).
		WillReturnRows(sqlmock.NewRows(readingCols).
			AddRow(1, 1, "25.5", "26", "60", "1013.25", "invalid", "", "nublado", SourceAutomatic, now, "São Paulo", "SP"))

	readings, err := s.db.LatestReadingPerCity(s.ctx)

	s.Require().NoError(err)
	s.Require().Len(readings, 1)
	r := readings[0]
	s.Equal(25.5, r.Temperature)
	s.Equal(26.0, r.FeelsLike)
	s.Equal(60.0, r.Humidity)
	s.Equal(1013.25, r.Pressure)
	s.Zero(r.WindSpeed)
	s.Zero(r.WindDirection)
	s.Equal("São Paulo", r.CityName)
}

func (s *DBSuite) TestReadingHistory_BuildsRangeAndLimit() {
	start := time.Now().Add(-24 * time.Hour)
	end := time.Now()

	s.mock.ExpectQuery(`WHERE r.city_id = \$1 AND r.captured_at >= \$2 AND r.captured_at <= \$3 ORDER BY r.captured_at DESC LIMIT \$4`).
		WithArgs(int64(3), start, end, 50).
		WillReturnRows(sqlmock.NewRows(readingCols))

	readings, err := s.db.ReadingHistory(s.ctx, HistoryQuery{CityID: 3, Start: &start, End: &end, Limit: 50})

	s.Require().NoError(err)
	s.Empty(readings)
	s.NotNil(readings)
}

func (s *DBSuite) TestReadingHistory_DefaultLimit() {
	s.mock.ExpectQuery(`WHERE r.city_id = \$1 ORDER BY r.captured_at DESC LIMIT \$2`).
		WithArgs(int64(3), 100).
		WillReturnRows(sqlmock.NewRows(readingCols))

	_, err := s.db.ReadingHistory(s.ctx, HistoryQuery{CityID: 3})
	s.Require().NoError(err)
}

var alertConfigCols = []string{"id", "city_id", "kind", "minimum", "maximum", "active",
	"email", "webhook_url", "created_at", "name", "region"}

func (s *DBSuite) TestAlertConfigsForCity_KeepsNullBoundsUnset() {
	now := time.Now()
	s.mock.ExpectQuery(`(?s)FROM alert_configs ac .+ WHERE ac.city_id = \$1 AND ac.active = true`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(alertConfigCols).
			AddRow(1, 1, "TEMPERATURE", nil, "35", true, "ops@example.com", "", now, "São Paulo", "SP").
			AddRow(2, 1, "TEMPERATURE_MIN", "0", nil, true, "", "http://hook", now, "São Paulo", "SP"))

	configs, err := s.db.AlertConfigsForCity(s.ctx, 1)

	s.Require().NoError(err)
	s.Require().Len(configs, 2)
	s.Nil(configs[0].Minimum)
	s.Require().NotNil(configs[0].Maximum)
	s.Equal(35.0, *configs[0].Maximum)
	s.Require().NotNil(configs[1].Minimum)
	s.Equal(0.0, *configs[1].Minimum)
	s.Nil(configs[1].Maximum)
}

func (s *DBSuite) TestInsertAlertEventAndMarkNotified() {
	at := time.Now()
	ev := &AlertEvent{ReadingID: 10, ConfigID: 1, Kind: AlertKindHigh, Value: 38.2, Limit: 35, Message: "hot", TriggeredAt: at}

	s.mock.ExpectQuery(`INSERT INTO alert_events`).
		WithArgs(int64(10), int64(1), AlertKindHigh, 38.2, 35.0, "hot", at).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	s.mock.ExpectExec(`UPDATE alert_events\s+SET notified = true`).
		WithArgs(at, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s.Require().NoError(s.db.InsertAlertEvent(s.ctx, ev))
	s.Equal(int64(7), ev.ID)
	s.Require().NoError(s.db.MarkAlertNotified(s.ctx, ev.ID, at))
}

func (s *DBSuite) TestRecentAlertEvents() {
	now := time.Now()
	s.mock.ExpectQuery(`(?s)FROM alert_events e .+ ORDER BY e.triggered_at DESC\s+LIMIT \$1`).
		WithArgs(50).
		WillReturnRows(sqlmock.NewRows([]string{"id", "reading_id", "config_id", "kind", "value", "limit_value",
			"message", "triggered_at", "notified", "notified_at", "name", "region"}).
			AddRow(1, 10, 1, AlertKindHigh, "38.2", "35", "hot", now, true, now, "São Paulo", "SP").
			AddRow(2, 11, 1, AlertKindLow, "1.0", "2", "cold", now, false, nil, "Curitiba", "PR"))

	events, err := s.db.RecentAlertEvents(s.ctx, 50)

	s.Require().NoError(err)
	s.Require().Len(events, 2)
	s.Equal(38.2, events[0].Value)
	s.NotNil(events[0].NotifiedAt)
	s.Nil(events[1].NotifiedAt)
}

func (s *DBSuite) TestAggregateStatistics() {
	s.mock.ExpectQuery(`SELECT\s+\(SELECT COUNT\(\*\) FROM cities`).
		WillReturnRows(sqlmock.NewRows([]string{"a", "b", "c", "d", "e", "f"}).
			AddRow("5", "480", "3", "24.3333", "18", "31.5"))

	stats, err := s.db.AggregateStatistics(s.ctx)

	s.Require().NoError(err)
	s.Equal(int64(5), stats.ActiveCities)
	s.Equal(int64(480), stats.Readings24h)
	s.Equal(int64(3), stats.Alerts24h)
	s.InDelta(24.3333, stats.AvgTemp1h, 1e-9)
	s.Equal(18.0, stats.MinTemp1h)
	s.Equal(31.5, stats.MaxTemp1h)
}

func (s *DBSuite) TestAggregateStatistics_EmptyWindow() {
	s.mock.ExpectQuery(`SELECT\s+\(SELECT COUNT\(\*\) FROM cities`).
		WillReturnRows(sqlmock.NewRows([]string{"a", "b", "c", "d", "e", "f"}).
			AddRow("0", "0", "0", nil, nil, nil))

	stats, err := s.db.AggregateStatistics(s.ctx)

	s.Require().NoError(err)
	s.Zero(stats.AvgTemp1h)
	s.Zero(stats.MaxTemp1h)
}

func (s *DBSuite) TestAlertStatistics() {
	last := time.Now()
	s.mock.ExpectQuery(`COUNT\(\*\) FILTER`).
		WillReturnRows(sqlmock.NewRows([]string{"d1", "d7", "d30", "max"}).AddRow(2, 9, 20, last))
	s.mock.ExpectQuery(`SELECT kind, COUNT\(\*\)`).
		WillReturnRows(sqlmock.NewRows([]string{"kind", "count"}).AddRow(AlertKindHigh, 15).AddRow(AlertKindLow, 5))
	s.mock.ExpectQuery(`SELECT c.id, c.name, COUNT\(\*\)`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "count"}).AddRow(1, "São Paulo", 12))

	stats, err := s.db.AlertStatistics(s.ctx)

	s.Require().NoError(err)
	s.Equal(int64(2), stats.Last24h)
	s.Equal(int64(20), stats.Last30d)
	s.Len(stats.ByKind, 2)
	s.Equal(int64(12), stats.ByCity[0].Count)
	s.NotNil(stats.LastAlertAt)
}

func (s *DBSuite) TestDeleteReadingsOlderThan() {
	s.mock.ExpectExec(`DELETE FROM readings WHERE captured_at < NOW\(\) - make_interval`).
		WithArgs(30).
		WillReturnResult(sqlmock.NewResult(0, 42))

	n, err := s.db.DeleteReadingsOlderThan(s.ctx, 30)

	s.Require().NoError(err)
	s.Equal(int64(42), n)

	_, err = s.db.DeleteReadingsOlderThan(s.ctx, 0)
	s.Error(err)
}

func (s *DBSuite) TestStorageErrorsPropagate() {
	boom := errors.New("connection reset")
	s.mock.ExpectQuery(`FROM cities WHERE active = true`).WillReturnError(boom)

	_, err := s.db.ListActiveCities(s.ctx)
	s.ErrorIs(err, boom)
}

func TestDecodeFloat(t *testing.T) {
	cases := []struct {
		in   sql.NullString
		want float64
	}{
		{sql.NullString{String: "25.5", Valid: true}, 25.5},
		{sql.NullString{String: "60", Valid: true}, 60},
		{sql.NullString{String: " 7.25 ", Valid: true}, 7.25},
		{sql.NullString{String: "invalid", Valid: true}, 0},
		{sql.NullString{String: "", Valid: true}, 0},
		{sql.NullString{String: "NaN", Valid: true}, 0},
		{sql.NullString{String: "+Inf", Valid: true}, 0},
		{sql.NullString{}, 0},
	}
	for _, tc := range cases {
		if got := decodeFloat(tc.in); got != tc.want {
			t.Errorf("decodeFloat(%q) = %v, want %v", tc.in.String, got, tc.want)
		}
	}
}

func TestDecodeInt(t *testing.T) {
	if got := decodeInt(sql.NullString{String: "480", Valid: true}); got != 480 {
		t.Errorf("got %d", got)
	}
	if got := decodeInt(sql.NullString{String: "12.0", Valid: true}); got != 12 {
		t.Errorf("got %d", got)
	}
	if got := decodeInt(sql.NullString{String: "x", Valid: true}); got != 0 {
		t.Errorf("got %d", got)
	}
	if decodeOptionalFloat(sql.NullString{}) != nil {
		t.Error("NULL bound should stay unset")
	}
}
