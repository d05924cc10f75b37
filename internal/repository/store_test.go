package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langchou/evpulse/internal/models"
	"github.com/langchou/evpulse/internal/pipeline"
)

func TestDateOnly(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	got := dateOnly(time.Date(2024, 3, 10, 0, 0, 0, 0, ny))
	assert.Equal(t, time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC), got)
}

// 需要 EVPULSE_TEST_DATABASE_URL 指向一个可写的空库
func testStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("EVPULSE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("EVPULSE_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	require.NoError(t, db.Migrate(ctx))
	_, err = db.Pool.Exec(ctx, `TRUNCATE stations, collection_runs CASCADE`)
	require.NoError(t, err)
	return NewStore(db)
}

func TestStoreCommitAndHistory(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	day := time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveStations(ctx,
		[]models.Station{{ID: "S1", Name: "Main St", Latitude: 40.7, Longitude: -74, Status: models.StationOperational}},
		[]models.ChargingPoint{{ID: "S1-P1", StationID: "S1", PowerKW: 50, Status: models.PointAvailable}},
	))

	end := day.Add(11 * time.Hour)
	temp := 12.5
	require.NoError(t, s.SaveObservations(ctx, pipeline.Observations{
		Sessions: []models.UsageSession{{ID: "u1", StationID: "S1", PointID: "S1-P1", StartTime: day.Add(10 * time.Hour), EndTime: &end, EnergyKWh: 7}},
		Weather:  []models.WeatherObservation{{StationID: "S1", RecordedAt: day.Add(9 * time.Hour), TemperatureC: &temp, Condition: "clear"}},
		Events: []models.StatusEvent{
			{StationID: "S1", PointID: "S1-P1", Status: models.PointFaulted, RecordedAt: day.Add(-3 * time.Hour)},
			{StationID: "S1", PointID: "S1-P1", Status: models.PointOffline, RecordedAt: day.Add(-2 * time.Hour)},
			{StationID: "S1", PointID: "S1-P1", Status: models.PointAvailable, RecordedAt: day.Add(time.Hour)},
		},
	}))

	commit := &pipeline.StationCommit{
		StationID: "S1",
		Features:  []models.FeatureRecord{{StationID: "S1", Date: day, DayOfWeek: 0, IsWeekend: true, TotalSessions: 1, TotalEnergyKWh: 7}},
		Opened:    []models.AnomalyRecord{{StationID: "S1", Type: models.AnomalyUsageSpike, Severity: 0.9, DetectedAt: day.Add(14 * time.Hour)}},
	}
	require.NoError(t, s.CommitStation(ctx, commit))
	require.NotZero(t, commit.Opened[0].ID)

	// 重算同一天整体替换
	commit.Features[0].TotalSessions = 2
	commit.Opened = nil
	require.NoError(t, s.CommitStation(ctx, commit))

	h, err := s.LoadHistory(ctx, "S1", day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, []string{"S1-P1"}, h.Station.PointIDs)
	require.Len(t, h.Sessions, 1)
	require.Len(t, h.Weather, 1)
	require.Len(t, h.Features, 1)
	assert.Equal(t, 2, h.Features[0].TotalSessions)
	require.Len(t, h.OpenAnomalies, 1)

	// 窗口前只保留最近一条
	require.Len(t, h.Events, 2)
	assert.Equal(t, models.PointOffline, h.Events[0].Status)

	resolvedAt := day.Add(15 * time.Hour)
	rec := h.OpenAnomalies[0]
	rec.Resolved, rec.ResolvedAt = true, &resolvedAt
	require.NoError(t, s.CommitStation(ctx, &pipeline.StationCommit{StationID: "S1", Resolved: []models.AnomalyRecord{rec}}))

	open, err := s.ListAnomalies(ctx, "S1", true, 10)
	require.NoError(t, err)
	assert.Empty(t, open)

	stats, err := s.StationStats(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.SessionCount)
	assert.Equal(t, int64(1), stats.AnomalyCount)
	require.NotNil(t, stats.AvgTemperature)
	assert.InDelta(t, 12.5, *stats.AvgTemperature, 1e-9)
}

func TestStoreRuns(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	done := time.Now()
	run := &models.CollectionRun{CycleID: "c1", DataSource: "weather", CollectionType: "observations",
		RecordsProcessed: 3, Status: models.RunSuccess, StartedAt: done.Add(-time.Second), CompletedAt: &done}
	require.NoError(t, s.SaveRun(ctx, run))
	assert.NotZero(t, run.ID)

	runs, err := s.ListRuns(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "c1", runs[0].CycleID)
}
