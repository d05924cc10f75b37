package features

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langchou/evpulse/internal/align"
	"github.com/langchou/evpulse/internal/calendar"
	"github.com/langchou/evpulse/internal/models"
)

var march1 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC) // 周五

func newEngine(mut ...func(*Config)) *Engine {
	cfg := DefaultConfig()
	for _, m := range mut {
		m(&cfg)
	}
	return NewEngine(cfg, calendar.Default())
}

func sessionsAt(station string, start time.Time, n int, energy float64) []models.UsageSession {
	out := make([]models.UsageSession, n)
	for i := range out {
		out[i] = models.UsageSession{
			ID:        fmt.Sprintf("%s-%s-%d", station, start.Format("0102T1504"), i),
			StationID: station,
			StartTime: start.Add(time.Duration(i) * time.Minute),
			EnergyKWh: energy,
		}
	}
	return out
}

func alignDay(station string, sessions []models.UsageSession, weather []models.WeatherObservation, traffic []models.TrafficObservation) []align.Tuple {
	return align.Align(station, march1, march1.AddDate(0, 0, 1), sessions, weather, traffic).Tuples
}

func TestStormSpikeExample(t *testing.T) {
	// S2: 暴风雨时段 9 个会话，过去 7 天同一小时平均 5 个
	e := newEngine()
	stormHour := march1.Add(17 * time.Hour)

	var prior []models.UsageSession
	for d := 1; d <= 7; d++ {
		prior = append(prior, sessionsAt("S2", stormHour.AddDate(0, 0, -d), 5, 8)...)
	}
	today := sessionsAt("S2", stormHour.Add(5*time.Minute), 9, 10)
	weather := []models.WeatherObservation{{StationID: "S2", RecordedAt: stormHour, Condition: "Thunderstorm with rain"}}

	recs, err := e.ComputeDay(DayInput{
		StationID: "S2",
		Date:      march1.Add(12 * time.Hour),
		Tuples:    alignDay("S2", today, weather, nil),
		Prior:     prior,
	})
	require.NoError(t, err)
	require.Len(t, recs, 1)

	day := recs[0]
	assert.True(t, day.IsDaily())
	assert.True(t, day.StormUsageSpike)
	require.NotNil(t, day.StormSpikeRatio)
	assert.InDelta(t, 1.8, *day.StormSpikeRatio, 1e-9)
	assert.Equal(t, 9, day.TotalSessions)
	assert.InDelta(t, 90, day.TotalEnergyKWh, 1e-9)
}

func TestStormSpikeRequiresStormAndMultiplier(t *testing.T) {
	e := newEngine()
	h := march1.Add(9 * time.Hour)

	var prior []models.UsageSession
	for d := 1; d <= 7; d++ {
		prior = append(prior, sessionsAt("S1", h.AddDate(0, 0, -d), 4, 1)...)
	}

	// 天气晴朗：会话翻倍也不算
	sunny := []models.WeatherObservation{{StationID: "S1", RecordedAt: h, Condition: "Clear"}}
	recs, err := e.ComputeDay(DayInput{StationID: "S1", Date: march1, Tuples: alignDay("S1", sessionsAt("S1", h, 8, 1), sunny, nil), Prior: prior})
	require.NoError(t, err)
	assert.False(t, recs[0].StormUsageSpike)
	assert.Nil(t, recs[0].StormSpikeRatio)

	// 暴风雨但只有 5 个会话：比值 1.25
	storm := []models.WeatherObservation{{StationID: "S1", RecordedAt: h, Condition: "storm"}}
	recs, err = e.ComputeDay(DayInput{StationID: "S1", Date: march1, Tuples: alignDay("S1", sessionsAt("S1", h, 5, 1), storm, nil), Prior: prior})
	require.NoError(t, err)
	assert.False(t, recs[0].StormUsageSpike)
	require.NotNil(t, recs[0].StormSpikeRatio)
	assert.InDelta(t, 1.25, *recs[0].StormSpikeRatio, 1e-9)

	// 没有历史会话时均值为 0，不判定激增
	recs, err = e.ComputeDay(DayInput{StationID: "S1", Date: march1, Tuples: alignDay("S1", sessionsAt("S1", h, 5, 1), storm, nil)})
	require.NoError(t, err)
	assert.False(t, recs[0].StormUsageSpike)
	assert.Nil(t, recs[0].StormSpikeRatio)
}

func TestEnergyPerTrafficNullWithoutTraffic(t *testing.T) {
	// S3: 2024-03-01 没有交通观测
	e := newEngine()
	sessions := sessionsAt("S3", march1.Add(8*time.Hour), 3, 20)

	recs, err := e.ComputeDay(DayInput{StationID: "S3", Date: march1, Tuples: alignDay("S3", sessions, nil, nil)})
	require.NoError(t, err)
	assert.Nil(t, recs[0].EnergyPerTrafficDensity)

	zero := []models.TrafficObservation{{StationID: "S3", RecordedAt: march1.Add(8 * time.Hour), Density: 0}}
	recs, err = e.ComputeDay(DayInput{StationID: "S3", Date: march1, Tuples: alignDay("S3", sessions, nil, zero), Traffic: zero})
	require.NoError(t, err)
	assert.Nil(t, recs[0].EnergyPerTrafficDensity)

	traffic := []models.TrafficObservation{
		{StationID: "S3", RecordedAt: march1.Add(8 * time.Hour), Density: 20},
		{StationID: "S3", RecordedAt: march1.Add(14 * time.Hour), Density: 40},
		{StationID: "S3", RecordedAt: march1.AddDate(0, 0, 1), Density: 1000},
	}
	recs, err = e.ComputeDay(DayInput{StationID: "S3", Date: march1, Tuples: alignDay("S3", sessions, nil, traffic), Traffic: traffic})
	require.NoError(t, err)
	require.NotNil(t, recs[0].EnergyPerTrafficDensity)
	assert.InDelta(t, 60.0/30.0, *recs[0].EnergyPerTrafficDensity, 1e-9)
}

func TestTemporalFeatures(t *testing.T) {
	e := newEngine()

	recs, err := e.ComputeDay(DayInput{StationID: "S1", Date: time.Date(2024, 7, 4, 13, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	assert.Equal(t, int(time.Thursday), recs[0].DayOfWeek)
	assert.False(t, recs[0].IsWeekend)
	assert.True(t, recs[0].IsHoliday)
	assert.Equal(t, time.Date(2024, 7, 4, 0, 0, 0, 0, time.UTC), recs[0].Date)

	recs, err = e.ComputeDay(DayInput{StationID: "S1", Date: time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	assert.True(t, recs[0].IsWeekend)
	assert.False(t, recs[0].IsHoliday)
	assert.Zero(t, recs[0].TotalSessions)
	assert.Zero(t, recs[0].PeakUsageHours)
}

func TestPeakUsageHours(t *testing.T) {
	e := newEngine()
	var sessions []models.UsageSession
	for h := 0; h < 24; h++ {
		sessions = append(sessions, sessionsAt("S1", march1.Add(time.Duration(h)*time.Hour), 1, 1)...)
	}
	sessions = append(sessions, sessionsAt("S1", march1.Add(8*time.Hour+30*time.Minute), 6, 1)...)
	sessions = append(sessions, sessionsAt("S1", march1.Add(18*time.Hour+30*time.Minute), 6, 1)...)

	recs, err := e.ComputeDay(DayInput{StationID: "S1", Date: march1, Tuples: alignDay("S1", sessions, nil, nil)})
	require.NoError(t, err)
	assert.Equal(t, 2, recs[0].PeakUsageHours)
	assert.Equal(t, 36, recs[0].TotalSessions)
}

func TestDowntimeAndWaitFeatures(t *testing.T) {
	e := newEngine(func(c *Config) { c.EmitHourly = true })
	ev := func(point string, status models.PointStatus, h, m int) models.StatusEvent {
		return models.StatusEvent{StationID: "S1", PointID: point, Status: status, RecordedAt: march1.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)}
	}
	events := []models.StatusEvent{
		// 前一天 P2 已离线
		{StationID: "S1", PointID: "P2", Status: models.PointOffline, RecordedAt: march1.Add(-2 * time.Hour)},
		ev("P1", models.PointFaulted, 2, 0),
		ev("P1", models.PointAvailable, 2, 30),
		ev("P1", models.PointOccupied, 10, 0),
		ev("P1", models.PointAvailable, 10, 20),
		ev("", models.PointUnavailable, 23, 0),
	}

	recs, err := e.ComputeDay(DayInput{StationID: "S1", PointIDs: []string{"P1", "P2"}, Date: march1, Events: events})
	require.NoError(t, err)
	require.Len(t, recs, 25)

	day := recs[0]
	// 02:00-02:30 与 23:00-24:00（截断到当天结束）
	assert.InDelta(t, 90, day.TotalDowntimeMinutes, 1e-9)
	assert.InDelta(t, 45, day.AvgDowntimeMinutes, 1e-9)
	assert.InDelta(t, 20, day.AvgWaitMinutes, 1e-9)

	h2 := recs[1+2]
	require.NotNil(t, h2.Hour)
	assert.Equal(t, 2, *h2.Hour)
	assert.InDelta(t, 30, h2.TotalDowntimeMinutes, 1e-9)
	h10 := recs[1+10]
	assert.InDelta(t, 20, h10.AvgWaitMinutes, 1e-9)
	assert.Zero(t, recs[1+5].TotalDowntimeMinutes)
	assert.InDelta(t, 60, recs[1+23].TotalDowntimeMinutes, 1e-9)
}

func TestDowntimeStopsAtUntil(t *testing.T) {
	e := newEngine(func(c *Config) { c.EmitHourly = true })
	now := march1.Add(14 * time.Hour)
	events := []models.StatusEvent{
		{StationID: "S1", PointID: "P1", Status: models.PointFaulted, RecordedAt: now.Add(-10 * time.Minute)},
	}

	recs, err := e.ComputeDay(DayInput{StationID: "S1", PointIDs: []string{"P1"}, Date: march1, Events: events, Until: now})
	require.NoError(t, err)
	require.Len(t, recs, 25)

	// 故障仍在持续，只统计到 14:00
	assert.InDelta(t, 10, recs[0].TotalDowntimeMinutes, 1e-9)
	assert.InDelta(t, 10, recs[0].AvgDowntimeMinutes, 1e-9)
	assert.InDelta(t, 10, recs[1+13].TotalDowntimeMinutes, 1e-9)
	assert.Zero(t, recs[1+14].TotalDowntimeMinutes)
	assert.Zero(t, recs[1+23].TotalDowntimeMinutes)

	// 截止时刻在当天之后时按整天计算
	recs, err = e.ComputeDay(DayInput{StationID: "S1", PointIDs: []string{"P1"}, Date: march1, Events: events, Until: march1.AddDate(0, 0, 2)})
	require.NoError(t, err)
	assert.InDelta(t, 10*60+10, recs[0].TotalDowntimeMinutes, 1e-9)
}

func TestStormSpikeWithHalfHourOffset(t *testing.T) {
	kolkata, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	e := newEngine(func(c *Config) { c.Location = kolkata })

	dayStart := time.Date(2024, 3, 1, 0, 0, 0, 0, kolkata)
	stormHour := dayStart.Add(17 * time.Hour)

	// 过去 7 天 17:40 各 5 个会话，按 UTC 整点截断会落到下一个小时
	var prior []models.UsageSession
	for d := 1; d <= 7; d++ {
		prior = append(prior, sessionsAt("S2", stormHour.AddDate(0, 0, -d).Add(40*time.Minute), 5, 8)...)
	}
	today := sessionsAt("S2", stormHour.Add(5*time.Minute), 9, 10)
	weather := []models.WeatherObservation{{StationID: "S2", RecordedAt: stormHour, Condition: "Thunderstorm"}}

	recs, err := e.ComputeDay(DayInput{
		StationID: "S2",
		Date:      stormHour,
		Tuples:    align.Align("S2", dayStart, dayStart.AddDate(0, 0, 1), today, weather, nil).Tuples,
		Prior:     prior,
	})
	require.NoError(t, err)
	assert.True(t, recs[0].StormUsageSpike)
	require.NotNil(t, recs[0].StormSpikeRatio)
	assert.InDelta(t, 1.8, *recs[0].StormSpikeRatio, 1e-9)
}

func TestComputeDayInvariant(t *testing.T) {
	e := newEngine()
	end := march1.Add(time.Hour)
	bad := models.UsageSession{ID: "bad", StationID: "S1", StartTime: march1.Add(2 * time.Hour), EndTime: &end}

	_, err := e.ComputeDay(DayInput{StationID: "S1", Date: march1, Tuples: []align.Tuple{{Session: bad}}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvariant))
}

func TestComputeDayIsRepeatable(t *testing.T) {
	e := newEngine(func(c *Config) { c.EmitHourly = true })
	sessions := sessionsAt("S1", march1.Add(7*time.Hour), 4, 3)
	traffic := []models.TrafficObservation{{StationID: "S1", RecordedAt: march1.Add(7 * time.Hour), Density: 12}}
	in := DayInput{StationID: "S1", Date: march1, Tuples: alignDay("S1", sessions, nil, traffic), Traffic: traffic}

	first, err := e.ComputeDay(in)
	require.NoError(t, err)
	second, err := e.ComputeDay(in)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestHourlySeries(t *testing.T) {
	sessions := append(sessionsAt("S1", march1.Add(time.Hour), 3, 1), sessionsAt("S1", march1.Add(5*time.Hour), 1, 1)...)
	traffic := []models.TrafficObservation{
		{StationID: "S1", RecordedAt: march1.Add(time.Hour), Density: 10},
		{StationID: "S1", RecordedAt: march1.Add(time.Hour + 30*time.Minute), Density: 30},
		{StationID: "S1", RecordedAt: march1.Add(3 * time.Hour), Density: 5},
		{StationID: "S2", RecordedAt: march1.Add(5 * time.Hour), Density: 5},
	}
	counts, density := HourlySeries("S1", sessions, traffic, march1, march1.AddDate(0, 0, 1))
	assert.Equal(t, []float64{3, 0}, counts)
	assert.Equal(t, []float64{20, 5}, density)
}

func TestIsStorm(t *testing.T) {
	e := newEngine()
	assert.True(t, e.IsStorm("Heavy THUNDERSTORM"))
	assert.True(t, e.IsStorm("squalls"))
	assert.False(t, e.IsStorm("light rain"))
	assert.False(t, e.IsStorm(""))
}
