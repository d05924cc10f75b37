package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/langchou/evpulse/internal/models"
	"github.com/langchou/evpulse/internal/normalize"
)

type featureKey struct {
	station string
	date    string
	hour    int
}

// fakeStore 内存存储
type fakeStore struct {
	mu sync.Mutex

	stations  map[string]models.Station
	points    map[string]models.ChargingPoint
	sessions  map[string]models.UsageSession
	weather   []models.WeatherObservation
	traffic   []models.TrafficObservation
	events    []models.StatusEvent
	features  map[featureKey]models.FeatureRecord
	anomalies []models.AnomalyRecord
	runs      []models.CollectionRun

	failLoad   map[string]error
	failCommit map[string]error
	commits    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		stations:   make(map[string]models.Station),
		points:     make(map[string]models.ChargingPoint),
		sessions:   make(map[string]models.UsageSession),
		features:   make(map[featureKey]models.FeatureRecord),
		failLoad:   make(map[string]error),
		failCommit: make(map[string]error),
	}
}

func (s *fakeStore) ListStations(ctx context.Context) ([]models.Station, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Station, 0, len(s.stations))
	for _, st := range s.stations {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) SaveStations(ctx context.Context, stations []models.Station, points []models.ChargingPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range stations {
		s.stations[st.ID] = st
	}
	for _, p := range points {
		s.points[p.ID] = p
	}
	return nil
}

func (s *fakeStore) SaveObservations(ctx context.Context, obs Observations) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range obs.Sessions {
		s.sessions[v.ID] = v
	}
	s.weather = append(s.weather, obs.Weather...)
	s.traffic = append(s.traffic, obs.Traffic...)
	s.events = append(s.events, obs.Events...)
	return nil
}

func (s *fakeStore) LoadHistory(ctx context.Context, stationID string, from, to time.Time) (*History, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLoad[stationID]; err != nil {
		return nil, err
	}
	in := func(t time.Time) bool { return !t.Before(from) && t.Before(to) }

	h := &History{Station: s.stations[stationID]}
	for _, v := range s.sessions {
		if v.StationID == stationID && in(v.StartTime) {
			h.Sessions = append(h.Sessions, v)
		}
	}
	for _, v := range s.weather {
		if v.StationID == stationID && in(v.RecordedAt) {
			h.Weather = append(h.Weather, v)
		}
	}
	for _, v := range s.traffic {
		if v.StationID == stationID && in(v.RecordedAt) {
			h.Traffic = append(h.Traffic, v)
		}
	}
	for _, v := range s.events {
		if v.StationID == stationID && v.RecordedAt.Before(to) {
			h.Events = append(h.Events, v)
		}
	}
	for _, f := range s.features {
		if f.StationID == stationID && f.IsDaily() && in(f.Date) {
			h.Features = append(h.Features, f)
		}
	}
	for _, a := range s.anomalies {
		if a.StationID == stationID && !a.Resolved {
			h.OpenAnomalies = append(h.OpenAnomalies, a)
		}
	}
	return h, nil
}

func (s *fakeStore) CommitStation(ctx context.Context, c *StationCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failCommit[c.StationID]; err != nil {
		return err
	}
	s.commits++
	for _, f := range c.Features {
		s.features[featureKey{f.StationID, f.Date.Format("2006-01-02"), f.HourKey()}] = f
	}
	for i := range c.Opened {
		c.Opened[i].ID = int64(len(s.anomalies) + 1)
		s.anomalies = append(s.anomalies, c.Opened[i])
	}
	for _, r := range c.Resolved {
		for i := range s.anomalies {
			if s.anomalies[i].ID == r.ID {
				s.anomalies[i].Resolved = true
				s.anomalies[i].ResolvedAt = r.ResolvedAt
			}
		}
	}
	return nil
}

func (s *fakeStore) SaveRun(ctx context.Context, run *models.CollectionRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run.ID = int64(len(s.runs) + 1)
	s.runs = append(s.runs, *run)
	return nil
}

func (s *fakeStore) seedDaily(station string, date time.Time, sessions int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := models.FeatureRecord{StationID: station, Date: date, DayOfWeek: int(date.Weekday()), TotalSessions: sessions}
	s.features[featureKey{station, date.Format("2006-01-02"), -1}] = f
}

func (s *fakeStore) runsFor(source string) []models.CollectionRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CollectionRun
	for _, r := range s.runs {
		if r.DataSource == source {
			out = append(out, r)
		}
	}
	return out
}

// fakeSources 所有数据源的内存实现
type fakeSources struct {
	mu sync.Mutex

	stations []normalize.RawStation
	weather  []normalize.RawWeather
	traffic  []normalize.RawTraffic
	sessions []normalize.RawSession
	events   []normalize.RawStatusEvent

	weatherErr   error
	weatherCalls int
}

func (f *fakeSources) FetchStations(ctx context.Context) ([]normalize.RawStation, error) {
	return f.stations, nil
}

func (f *fakeSources) FetchWeather(ctx context.Context, ids []string, from, to time.Time) ([]normalize.RawWeather, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.weatherCalls++
	if f.weatherErr != nil {
		return nil, f.weatherErr
	}
	return f.weather, nil
}

func (f *fakeSources) FetchTraffic(ctx context.Context, ids []string, from, to time.Time) ([]normalize.RawTraffic, error) {
	return f.traffic, nil
}

func (f *fakeSources) FetchSessions(ctx context.Context, ids []string, from, to time.Time) ([]normalize.RawSession, error) {
	return f.sessions, nil
}

func (f *fakeSources) FetchStatusEvents(ctx context.Context, ids []string, from, to time.Time) ([]normalize.RawStatusEvent, error) {
	return f.events, nil
}

func (f *fakeSources) all() Sources {
	return Sources{Stations: f, Weather: f, Traffic: f, Usage: f}
}

func f64(v float64) *float64 { return &v }

func rawStation(id string, points ...string) normalize.RawStation {
	st := normalize.RawStation{ID: id, Name: "Station " + id, Latitude: f64(40.7), Longitude: f64(-74), Status: "Operational"}
	for _, p := range points {
		st.Points = append(st.Points, normalize.RawPoint{ID: p, PowerKW: f64(50), Status: "available"})
	}
	return st
}

func rawSessions(station string, start time.Time, n int) []normalize.RawSession {
	out := make([]normalize.RawSession, n)
	for i := range out {
		t := start.Add(time.Duration(i) * time.Minute)
		out[i] = normalize.RawSession{
			ID:        fmt.Sprintf("%s-%d", station, i),
			StationID: station,
			PointID:   station + "-P1",
			Start:     t.Format(time.RFC3339),
			End:       t.Add(30 * time.Minute).Format(time.RFC3339),
			EnergyKWh: f64(5),
		}
	}
	return out
}

// recordingNotifier 记录推送事件
type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Publish(ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.events))
	for i, ev := range n.events {
		out[i] = ev.Type
	}
	return out
}
