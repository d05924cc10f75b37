package collector

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langchou/evpulse/internal/quota"
)

func newGateway(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchStations(t *testing.T) {
	srv := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/stations", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Write([]byte(`{"response":[{"id":"S1","name":"Main St","latitude":40.7,"longitude":-74.0,"status":"Operational",
			"charging_points":[{"id":"S1-P1","power_kw":50,"status":"available"}]}]}`))
	})

	c := NewClient(srv.URL+"/", "secret", time.Second, nil, nil)
	stations, err := c.FetchStations(context.Background())
	require.NoError(t, err)
	require.Len(t, stations, 1)
	assert.Equal(t, "S1", stations[0].ID)
	require.NotNil(t, stations[0].Latitude)
	assert.InDelta(t, 40.7, *stations[0].Latitude, 1e-9)
	require.Len(t, stations[0].Points, 1)
	assert.Equal(t, "S1-P1", stations[0].Points[0].ID)
}

func TestFetchWeatherSendsWindow(t *testing.T) {
	from := time.Date(2024, 3, 30, 14, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)
	srv := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "S1,S2", q.Get("station_ids"))
		assert.Equal(t, "2024-03-30T14:00:00Z", q.Get("from"))
		assert.Equal(t, "2024-03-31T14:00:00Z", q.Get("to"))
		w.Write([]byte(`{"response":[{"station_id":"S1","timestamp":"2024-03-31T09:00:00Z","weather_condition":"Thunderstorm"}]}`))
	})

	c := NewClient(srv.URL, "", time.Second, nil, nil)
	obs, err := c.FetchWeather(context.Background(), []string{"S1", "S2"}, from, to)
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, "Thunderstorm", obs[0].Condition)
}

func TestFetchStatusError(t *testing.T) {
	srv := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("upstream down"))
	})

	c := NewClient(srv.URL, "", time.Second, nil, nil)
	_, err := c.FetchSessions(context.Background(), []string{"S1"}, time.Now().Add(-time.Hour), time.Now())
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	assert.Contains(t, err.Error(), "upstream down")
}

func TestFetchEnvelopeError(t *testing.T) {
	srv := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response":null,"error":"invalid station_ids"}`))
	})

	c := NewClient(srv.URL, "", time.Second, nil, nil)
	_, err := c.FetchTraffic(context.Background(), nil, time.Now().Add(-time.Hour), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid station_ids")
}

func TestQuotaGuard(t *testing.T) {
	calls := 0
	srv := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"response":[]}`))
	})

	monitor := quota.NewMonitor(quota.NewMemoryBackend(), []quota.Limit{{Source: SourceTraffic, Window: quota.Monthly, Max: 1}})
	c := NewClient(srv.URL, "", time.Second, monitor, nil)

	_, err := c.FetchTraffic(context.Background(), []string{"S1"}, time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)

	_, err = c.FetchTraffic(context.Background(), []string{"S1"}, time.Now().Add(-time.Hour), time.Now())
	assert.ErrorIs(t, err, quota.ErrExhausted)
	assert.Equal(t, 1, calls)
}
