package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langchou/evpulse/internal/lock"
	"github.com/langchou/evpulse/internal/models"
	"github.com/langchou/evpulse/internal/normalize"
	"github.com/langchou/evpulse/internal/quota"
)

var (
	cycleDay = time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)
	cycleNow = cycleDay.Add(14 * time.Hour)
)

func fastRetry() RetryPolicy {
	return RetryPolicy{Attempts: 3, Timeout: time.Second, Initial: time.Millisecond, Factor: 2, Max: 5 * time.Millisecond}
}

func newTestCoordinator(store Store, src *fakeSources, deps Deps) *Coordinator {
	deps.Sources = src.all()
	deps.Store = store
	opts := DefaultOptions()
	opts.Retry = fastRetry()
	c := NewCoordinator(deps, opts)
	c.now = func() time.Time { return cycleNow }
	return c
}

func twoStations() *fakeSources {
	return &fakeSources{
		stations: []normalize.RawStation{rawStation("S1", "S1-P1"), rawStation("S2", "S2-P1")},
	}
}

func statusOf(rep *Report, id string) StationResult {
	for _, r := range rep.Stations {
		if r.StationID == id {
			return r
		}
	}
	return StationResult{}
}

func TestRunCycleWritesSourceAndSummaryRuns(t *testing.T) {
	store := newFakeStore()
	src := twoStations()
	src.weather = []normalize.RawWeather{
		{StationID: "S1", Timestamp: "2024-03-31T09:00:00Z", TemperatureC: f64(12), Condition: "clear"},
		{StationID: "S1", Timestamp: "not-a-time", Condition: "clear"},
		{StationID: "ZZ", Timestamp: "2024-03-31T09:00:00Z", Condition: "clear"},
	}
	src.sessions = rawSessions("S1", cycleDay.Add(10*time.Hour), 3)

	c := newTestCoordinator(store, src, Deps{})
	rep, err := c.RunCycle(context.Background())
	require.NoError(t, err)

	// 被拒记录计入汇总，但不影响周期状态
	assert.Equal(t, models.RunSuccess, rep.Run.Status)
	assert.Equal(t, 2, rep.Run.StationsOK)
	assert.Equal(t, 0, rep.Run.StationsFailed)
	assert.Equal(t, 2, rep.Run.RecordsRejected)
	assert.NotEmpty(t, rep.Run.CycleID)
	require.NotNil(t, rep.Run.CompletedAt)

	weather := store.runsFor("weather")
	require.Len(t, weather, 1)
	assert.Equal(t, models.RunPartial, weather[0].Status)
	assert.Equal(t, 1, weather[0].RecordsProcessed)
	assert.Equal(t, 2, weather[0].RecordsRejected)
	require.NotNil(t, weather[0].ErrorDetail)
	assert.Contains(t, *weather[0].ErrorDetail, "malformed_time=1")
	assert.Contains(t, *weather[0].ErrorDetail, "unknown_station=1")
	assert.Equal(t, rep.Run.CycleID, weather[0].CycleID)

	for _, source := range []string{"registry", "traffic", "usage", SummarySource} {
		assert.NotEmpty(t, store.runsFor(source), source)
	}
	assert.Len(t, store.runsFor("usage"), 2)

	summary := store.runsFor(SummarySource)
	require.Len(t, summary, 1)
	assert.Equal(t, SummaryType, summary[0].CollectionType)

	assert.Equal(t, 2, store.commits)
	assert.Same(t, rep, c.LastReport())
	assert.False(t, c.Running())
}

func TestStationFailureIsIsolated(t *testing.T) {
	store := newFakeStore()
	store.failLoad["S2"] = errors.New("connection reset")
	src := twoStations()

	c := newTestCoordinator(store, src, Deps{})
	rep, err := c.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.RunPartial, rep.Run.Status)
	assert.Equal(t, 1, rep.Run.StationsOK)
	assert.Equal(t, 1, rep.Run.StationsFailed)

	s1, s2 := statusOf(rep, "S1"), statusOf(rep, "S2")
	assert.NoError(t, s1.Err)
	assert.Positive(t, s1.Features)
	require.Error(t, s2.Err)
	assert.Equal(t, KindCollaborator, KindOf(s2.Err))
	assert.Contains(t, s2.Error, "connection reset")

	require.NotNil(t, rep.Run.ErrorDetail)
	assert.Contains(t, *rep.Run.ErrorDetail, "S2")
	assert.Equal(t, 1, store.commits)

	// 失败的站点单独留一条运行记录
	runs := store.runsFor("S2")
	require.Len(t, runs, 1)
	assert.Equal(t, StationType, runs[0].CollectionType)
	assert.Equal(t, models.RunFailed, runs[0].Status)
	assert.Equal(t, rep.Run.CycleID, runs[0].CycleID)
	require.NotNil(t, runs[0].ErrorDetail)
	assert.Contains(t, *runs[0].ErrorDetail, "connection reset")
	assert.Empty(t, store.runsFor("S1"))
}

func TestAllStationsFailedMarksCycleFailed(t *testing.T) {
	store := newFakeStore()
	store.failCommit["S1"] = errors.New("disk full")
	store.failCommit["S2"] = errors.New("disk full")

	c := newTestCoordinator(store, twoStations(), Deps{})
	rep, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, rep.Run.Status)
	assert.Equal(t, 2, rep.Run.StationsFailed)
	assert.Len(t, store.runsFor(SummarySource), 1)
}

func TestRerunIsIdempotent(t *testing.T) {
	store := newFakeStore()
	for d := 2; d <= 31; d++ {
		n := 8
		if d%2 == 0 {
			n = 12
		}
		store.seedDaily("S1", cycleDay.AddDate(0, 0, -d), n)
	}
	src := &fakeSources{stations: []normalize.RawStation{rawStation("S1", "S1-P1")}}
	// 评分的是前一天（最近的完整日）
	src.sessions = rawSessions("S1", cycleDay.Add(-8*time.Hour), 20)
	notifier := &recordingNotifier{}

	c := newTestCoordinator(store, src, Deps{Notifier: notifier})
	first, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.RunSuccess, first.Run.Status)

	var spike *models.AnomalyRecord
	for i := range store.anomalies {
		if store.anomalies[i].Type == models.AnomalyUsageSpike {
			spike = &store.anomalies[i]
		}
	}
	require.NotNil(t, spike)
	assert.Equal(t, cycleNow, spike.DetectedAt)
	assert.Equal(t, 1.0, spike.Severity)
	assert.Contains(t, notifier.types(), EventAnomalyOpened)
	assert.Contains(t, notifier.types(), EventCycleCompleted)

	featuresAfterFirst := len(store.features)
	anomaliesAfterFirst := len(store.anomalies)
	scored := store.features[featureKey{"S1", "2024-03-30", -1}]
	assert.Equal(t, 20, scored.TotalSessions)

	second, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.RunSuccess, second.Run.Status)
	assert.Equal(t, 0, statusOf(second, "S1").Opened)
	assert.Equal(t, featuresAfterFirst, len(store.features))
	assert.Equal(t, anomaliesAfterFirst, len(store.anomalies))
	assert.Equal(t, scored, store.features[featureKey{"S1", "2024-03-30", -1}])
	assert.Len(t, store.sessions, 20)
}

func anomaliesOf(store *fakeStore, typ models.AnomalyType) []models.AnomalyRecord {
	store.mu.Lock()
	defer store.mu.Unlock()
	var out []models.AnomalyRecord
	for _, a := range store.anomalies {
		if a.Type == typ {
			out = append(out, a)
		}
	}
	return out
}

func TestOngoingFaultCountsElapsedTimeOnly(t *testing.T) {
	store := newFakeStore()
	for d := 1; d <= 31; d++ {
		store.seedDaily("S1", cycleDay.AddDate(0, 0, -d), 10)
	}
	src := &fakeSources{stations: []normalize.RawStation{rawStation("S1", "S1-P1")}}
	src.events = []normalize.RawStatusEvent{
		{StationID: "S1", PointID: "S1-P1", Status: "faulted", Timestamp: cycleNow.Add(-10 * time.Minute).Format(time.RFC3339)},
	}

	c := newTestCoordinator(store, src, Deps{})
	rep, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	require.NoError(t, statusOf(rep, "S1").Err)

	today := store.features[featureKey{"S1", "2024-03-31", -1}]
	assert.InDelta(t, 10, today.TotalDowntimeMinutes, 1e-9)
	assert.Empty(t, anomaliesOf(store, models.AnomalyUnusualDowntime))
}

func TestAnomalyStableAcrossMidnight(t *testing.T) {
	store := newFakeStore()
	for d := 2; d <= 31; d++ {
		n := 8
		if d%2 == 0 {
			n = 12
		}
		store.seedDaily("S1", cycleDay.AddDate(0, 0, -d), n)
	}
	src := &fakeSources{stations: []normalize.RawStation{rawStation("S1", "S1-P1")}}
	src.sessions = rawSessions("S1", cycleDay.Add(10*time.Hour), 20)

	c := newTestCoordinator(store, src, Deps{})
	now := cycleDay.Add(23 * time.Hour)
	c.now = func() time.Time { return now }

	// 当天未结束，不参与评分
	rep, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, statusOf(rep, "S1").Opened)
	assert.Empty(t, anomaliesOf(store, models.AnomalyUsageSpike))
	assert.Equal(t, 20, store.features[featureKey{"S1", "2024-03-31", -1}].TotalSessions)

	// 跨过零点后该日完整，开始评分
	now = cycleDay.Add(25 * time.Hour)
	_, err = c.RunCycle(context.Background())
	require.NoError(t, err)
	spikes := anomaliesOf(store, models.AnomalyUsageSpike)
	require.Len(t, spikes, 1)
	assert.Equal(t, now, spikes[0].DetectedAt)
	assert.Nil(t, spikes[0].ResolvedAt)

	// 新的一天还没结束，已有记录保持不变
	now = cycleDay.Add(47 * time.Hour)
	rep, err = c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, statusOf(rep, "S1").Resolved)
	spikes = anomaliesOf(store, models.AnomalyUsageSpike)
	require.Len(t, spikes, 1)
	assert.Nil(t, spikes[0].ResolvedAt)
}

func TestSourceRetryExhaustion(t *testing.T) {
	store := newFakeStore()
	src := twoStations()
	src.weatherErr = errors.New("503 service unavailable")

	c := newTestCoordinator(store, src, Deps{})
	rep, err := c.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, src.weatherCalls)
	weather := store.runsFor("weather")
	require.Len(t, weather, 1)
	assert.Equal(t, models.RunFailed, weather[0].Status)
	require.NotNil(t, weather[0].ErrorDetail)
	assert.Contains(t, *weather[0].ErrorDetail, "503")

	// 其余数据源与站点照常处理
	assert.Equal(t, models.RunPartial, rep.Run.Status)
	assert.Equal(t, 2, rep.Run.StationsOK)
}

func TestQuotaExhaustionIsNotRetried(t *testing.T) {
	store := newFakeStore()
	src := twoStations()
	src.weatherErr = fmt.Errorf("weather: %w", quota.ErrExhausted)

	c := newTestCoordinator(store, src, Deps{})
	_, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, src.weatherCalls)
	assert.Equal(t, models.RunFailed, store.runsFor("weather")[0].Status)
}

func TestLockedStationIsSkipped(t *testing.T) {
	locker := lock.NewMemory()
	release, err := locker.Acquire(context.Background(), "station:S1", time.Hour)
	require.NoError(t, err)
	defer release(context.Background())

	store := newFakeStore()
	c := newTestCoordinator(store, twoStations(), Deps{Locker: locker})
	rep, err := c.RunCycle(context.Background())
	require.NoError(t, err)

	s1 := statusOf(rep, "S1")
	assert.True(t, s1.Skipped)
	assert.ErrorIs(t, s1.Err, lock.ErrLocked)
	assert.NoError(t, statusOf(rep, "S2").Err)
	assert.Equal(t, models.RunPartial, rep.Run.Status)
	assert.Equal(t, 1, store.commits)
	assert.Empty(t, store.runsFor("S1"))
}

func TestConcurrentCycleRejected(t *testing.T) {
	c := newTestCoordinator(newFakeStore(), twoStations(), Deps{})
	require.True(t, c.begin())
	defer c.end(nil)

	_, err := c.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleRunning)
	assert.True(t, c.Running())
}

func TestCancelledCycleStillWritesSummary(t *testing.T) {
	store := newFakeStore()
	c := newTestCoordinator(store, twoStations(), Deps{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep, err := c.RunCycle(ctx)
	require.NoError(t, err)

	assert.Equal(t, models.RunFailed, rep.Run.Status)
	assert.Equal(t, 0, store.commits)
	assert.Len(t, store.runsFor(SummarySource), 1)
}

func TestRetiredStationsAreNotProcessed(t *testing.T) {
	store := newFakeStore()
	src := twoStations()
	src.stations[1].Status = "retired"

	c := newTestCoordinator(store, src, Deps{})
	rep, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Stations, 1)
	assert.Equal(t, "S1", rep.Stations[0].StationID)
}
