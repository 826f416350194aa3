package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/smukkama/weather-monitor/internal/cache"
	"github.com/smukkama/weather-monitor/internal/database"
	"github.com/smukkama/weather-monitor/internal/scheduler"
	"github.com/smukkama/weather-monitor/internal/weatherapi"
	"github.com/smukkama/weather-monitor/pkg/config"
	"github.com/stretchr/testify/suite"
)

// journal records cache and provider calls in order.
type journal struct {
	mu  sync.Mutex
	ops []string
}

func (j *journal) add(op string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ops = append(j.ops, op)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.ops...)
}

type recordingCache struct{ j *journal }

func (c recordingCache) Get(ctx context.Context, key string) (string, bool) { return "", false }
func (c recordingCache) Set(ctx context.Context, key, value string, ttl time.Duration) {}
func (c recordingCache) Exists(ctx context.Context, key string) bool { return false }
func (c recordingCache) GetJSON(ctx context.Context, key string, dest any) bool { return false }
func (c recordingCache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) {}

func (c recordingCache) Delete(ctx context.Context, keys ...string) {
	for _, k := range keys {
		c.j.add("del " + k)
	}
}

func (c recordingCache) DeleteByPattern(ctx context.Context, pattern string) int {
	c.j.add("pattern " + pattern)
	return 0
}

type fakeStore struct {
	mu        sync.Mutex
	cities    []database.City
	listErr   error
	insertErr map[int64]error
	latest    []database.Reading
	inserted  []database.ReadingInput
}

func (s *fakeStore) ListActiveCities(ctx context.Context) ([]database.City, error) {
	return s.cities, s.listErr
}

func (s *fakeStore) InsertReading(ctx context.Context, in database.ReadingInput) (*database.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.insertErr[in.CityID]; err != nil {
		return nil, err
	}
	s.inserted = append(s.inserted, in)
	r := database.Reading{
		ID:          int64(len(s.inserted)),
		CityID:      in.CityID,
		Temperature: in.Temperature,
		Source:      in.Source,
		CapturedAt:  time.Now(),
	}
	s.latest = append(s.latest, r)
	return &r, nil
}

func (s *fakeStore) LatestReadingPerCity(ctx context.Context) ([]database.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]database.Reading(nil), s.latest...), nil
}

type fakeProvider struct {
	j       *journal
	temps   map[int64]float64
	errs    map[int64]error
	batches [][]int64
}

func (p *fakeProvider) FetchCurrentConditions(ctx context.Context, id int64) (*weatherapi.Conditions, error) {
	p.j.add(fmt.Sprintf("fetch %d", id))
	if err := p.errs[id]; err != nil {
		return nil, err
	}
	return &weatherapi.Conditions{ProviderID: id, Temperature: p.temps[id], FeelsLike: p.temps[id] + 1}, nil
}

func (p *fakeProvider) FetchBatch(ctx context.Context, ids []int64) weatherapi.BatchResult {
	p.batches = append(p.batches, ids)
	out := weatherapi.BatchResult{Results: map[int64]*weatherapi.Conditions{}}
	for _, id := range ids {
		c, err := p.FetchCurrentConditions(ctx, id)
		if err != nil {
			out.Failures = append(out.Failures, weatherapi.BatchFailure{ProviderID: id, Err: err})
			continue
		}
		out.Results[id] = c
	}
	return out
}

type fakeAlerts struct {
	mu        sync.Mutex
	processed []database.Reading
	err       error
}

func (a *fakeAlerts) Process(ctx context.Context, city database.City, r database.Reading) ([]database.AlertEvent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.processed = append(a.processed, r)
	if a.err != nil {
		return nil, a.err
	}
	if r.Temperature >= 35 {
		return []database.AlertEvent{{ReadingID: r.ID, Kind: database.AlertKindHigh}}, nil
	}
	return nil, nil
}

type CollectorSuite struct {
	suite.Suite
	j        *journal
	store    *fakeStore
	provider *fakeProvider
	alerts   *fakeAlerts
	clock    *scheduler.FakeClock
	c        *Collector
	sleeps   []time.Duration
}

func (s *CollectorSuite) SetupTest() {
	s.j = &journal{}
	s.store = &fakeStore{
		cities: []database.City{
			{ID: 1, Name: "São Paulo", Region: "SP", ProviderID: 3448439},
			{ID: 2, Name: "Rio de Janeiro", Region: "RJ", ProviderID: 3451190},
			{ID: 3, Name: "Curitiba", Region: "PR", ProviderID: 6322752},
		},
		insertErr: map[int64]error{},
	}
	s.provider = &fakeProvider{
		j:     s.j,
		temps: map[int64]float64{3448439: 38.2, 3451190: 30, 6322752: 12.4},
		errs:  map[int64]error{},
	}
	s.alerts = &fakeAlerts{}
	s.clock = scheduler.NewFakeClock(time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC))
	s.sleeps = nil

	cfg := config.CollectorConfig{
		Interval:     15 * time.Minute,
		InitialDelay: 30 * time.Second,
		CityDelay:    time.Second,
		StaleAfter:   10 * time.Minute,
	}
	s.c = New(s.store, s.provider, s.alerts, recordingCache{s.j}, scheduler.New(s.clock), cfg, zerolog.Nop())
	s.c.sleep = func(ctx context.Context, d time.Duration) error {
		s.sleeps = append(s.sleeps, d)
		return ctx.Err()
	}
}

func TestCollectorSuite(t *testing.T) {
	suite.Run(t, new(CollectorSuite))
}

func (s *CollectorSuite) TestCollect_PartialFailure() {
	s.provider.errs[3451190] = &weatherapi.APIError{Kind: weatherapi.KindUnauthorized, StatusCode: 401}

	res, err := s.c.Collect(context.Background(), Options{Source: database.SourceAutomatic})

	s.Require().NoError(err)
	s.Equal(3, res.Total)
	s.Equal(2, res.Successes)
	s.Equal(1, res.Failures)
	s.NotEmpty(res.RunID)

	failed := res.Failed()
	s.Require().Len(failed, 1)
	s.Equal(int64(2), failed[0].CityID)
	s.Contains(failed[0].Error, "Invalid API key")
	s.Equal("unauthorized", failed[0].ErrorKind)

	s.Len(s.store.inserted, 2)
	for _, in := range s.store.inserted {
		s.Equal(database.SourceAutomatic, in.Source)
	}
	s.Len(s.alerts.processed, 2)
	s.Equal(1, res.Details[0].Alerts)
	s.Equal([]time.Duration{time.Second, time.Second}, s.sleeps)
}

func (s *CollectorSuite) TestCollect_CitiesInListingOrder() {
	_, err := s.c.Collect(context.Background(), Options{Source: database.SourceAutomatic})
	s.Require().NoError(err)

	var fetches []string
	for _, op := range s.j.list() {
		if len(op) > 6 && op[:6] == "fetch " {
			fetches = append(fetches, op)
		}
	}
	s.Equal([]string{"fetch 3448439", "fetch 3451190", "fetch 6322752"}, fetches)
}

func (s *CollectorSuite) TestCollect_AutomaticInvalidatesCurrentOnSuccess() {
	_, err := s.c.Collect(context.Background(), Options{Source: database.SourceAutomatic})
	s.Require().NoError(err)

	ops := s.j.list()
	s.Contains(ops, "del "+cache.KeyCurrentReadings)
	s.NotContains(ops, "pattern "+cache.HistoryPattern(1))
}

func (s *CollectorSuite) TestCollect_AutomaticAllFailedKeepsCache() {
	for id := range s.provider.temps {
		s.provider.errs[id] = &weatherapi.APIError{Kind: weatherapi.KindNoResponse}
	}

	res, err := s.c.Collect(context.Background(), Options{Source: database.SourceAutomatic})
	s.Require().NoError(err)
	s.Equal(0, res.Successes)
	s.Equal(3, res.Failures)

	for _, op := range s.j.list() {
		s.NotContains(op, "del ")
	}
}

func (s *CollectorSuite) TestCollect_ForcedRunInvalidationOrder() {
	_, err := s.c.Collect(context.Background(), Options{Source: database.SourceManual, Force: true})
	s.Require().NoError(err)

	ops := s.j.list()
	s.Require().NotEmpty(ops)
	s.Equal("del "+cache.KeyCurrentReadings, ops[0])

	lastFetch := -1
	firstPattern := -1
	for i, op := range ops {
		if len(op) > 6 && op[:6] == "fetch " {
			lastFetch = i
		}
		if firstPattern == -1 && len(op) > 8 && op[:8] == "pattern " {
			firstPattern = i
		}
	}
	s.Greater(firstPattern, lastFetch)
	for _, city := range s.store.cities {
		s.Contains(ops, "pattern "+cache.HistoryPattern(city.ID))
	}
	s.NotContains(ops[1:], "del "+cache.KeyCurrentReadings)
}

func (s *CollectorSuite) TestCollect_ManualClearsCurrentAndHistory() {
	_, err := s.c.Collect(context.Background(), Options{Source: database.SourceManual})
	s.Require().NoError(err)

	ops := s.j.list()
	s.Equal("fetch 3448439", ops[0])
	s.Contains(ops, "del "+cache.KeyCurrentReadings)
	s.Contains(ops, "pattern "+cache.HistoryPattern(3))
}

func (s *CollectorSuite) TestCollect_StorageFailureIsPerCity() {
	s.store.insertErr[1] = errors.New("disk full")

	res, err := s.c.Collect(context.Background(), Options{Source: database.SourceAutomatic})
	s.Require().NoError(err)
	s.Equal(2, res.Successes)
	s.Equal(1, res.Failures)
	s.Equal("storage", res.Details[0].ErrorKind)
}

func (s *CollectorSuite) TestCollect_AlertFailureStillCountsAsSuccess() {
	s.alerts.err = errors.New("config query failed")

	res, err := s.c.Collect(context.Background(), Options{Source: database.SourceAutomatic})
	s.Require().NoError(err)
	s.Equal(3, res.Successes)
	s.Len(s.alerts.processed, 3)
}

func (s *CollectorSuite) TestCollect_ListFailureIsReturned() {
	s.store.listErr = errors.New("connection refused")

	_, err := s.c.Collect(context.Background(), Options{})
	s.Require().Error(err)
	s.Empty(s.provider.batches)
}

func (s *CollectorSuite) TestCollect_CancelledContextFailsRemaining() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := s.c.Collect(ctx, Options{Source: database.SourceManual})
	s.Require().NoError(err)
	s.Equal(3, res.Total)
	s.Equal(3, res.Successes+res.Failures)
	s.Equal(2, res.Failures)
}

func (s *CollectorSuite) TestRefreshIfStale_FreshDataFromDatabase() {
	s.store.latest = []database.Reading{
		{CityID: 1, CapturedAt: time.Now().Add(-time.Hour)},
		{CityID: 2, CapturedAt: time.Now().Add(-2 * time.Minute)},
	}

	rows, from, err := s.c.RefreshIfStale(context.Background())
	s.Require().NoError(err)
	s.Equal(FromDatabase, from)
	s.Len(rows, 2)
	s.Empty(s.provider.batches)
}

func (s *CollectorSuite) TestRefreshIfStale_CollectsLiveWhenEmpty() {
	s.provider.errs[6322752] = &weatherapi.APIError{Kind: weatherapi.KindNotFound, StatusCode: 404}

	rows, from, err := s.c.RefreshIfStale(context.Background())
	s.Require().NoError(err)
	s.Equal(FromProvider, from)
	s.Len(rows, 2)
	s.Require().Len(s.provider.batches, 1)
	s.Equal([]int64{3448439, 3451190, 6322752}, s.provider.batches[0])
	for _, in := range s.store.inserted {
		s.Equal(database.SourceLive, in.Source)
	}
	s.Len(s.alerts.processed, 2)
	s.Contains(s.j.list(), "del "+cache.KeyCurrentReadings)
}

func (s *CollectorSuite) TestStartRunsOnScheduleAndStopWaits() {
	s.Require().NoError(s.c.Start())

	s.clock.Advance(30 * time.Second)
	s.Eventually(func() bool {
		s.store.mu.Lock()
		defer s.store.mu.Unlock()
		return len(s.store.inserted) == 3
	}, 2*time.Second, 5*time.Millisecond)

	s.clock.Advance(15 * time.Minute)
	s.Eventually(func() bool {
		s.store.mu.Lock()
		defer s.store.mu.Unlock()
		return len(s.store.inserted) == 6
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Require().NoError(s.c.Stop(ctx))
}
