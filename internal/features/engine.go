package features

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/langchou/evpulse/internal/align"
	"github.com/langchou/evpulse/internal/calendar"
	"github.com/langchou/evpulse/internal/models"
)

// ErrInvariant 计算不变量被破坏（如会话时长为负），只影响当前站点
var ErrInvariant = errors.New("computation invariant violated")

// DayInput 单站单日的计算输入
type DayInput struct {
	StationID string
	PointIDs  []string
	Date      time.Time                   // 当天任意时刻
	Tuples    []align.Tuple               // 对齐后的会话，只取当天开始的
	Traffic   []models.TrafficObservation // 当天的交通观测
	Events    []models.StatusEvent        // 状态事件，需包含当天之前的最近一条
	Prior     []models.UsageSession       // 前 TrailingDays 天的会话
	Until     time.Time                   // 数据截止时刻（周期时间），零值表示整天
}

// Engine 特征计算，每次从源数据完整重算
type Engine struct {
	cfg      Config
	holidays calendar.Calendar
}

// NewEngine 创建特征引擎
func NewEngine(cfg Config, holidays calendar.Calendar) *Engine {
	if holidays == nil {
		holidays = calendar.Default()
	}
	return &Engine{cfg: cfg, holidays: holidays}
}

// Config 当前参数
func (e *Engine) Config() Config {
	return e.cfg
}

// IsStorm 天气状况是否属于暴风雨
func (e *Engine) IsStorm(condition string) bool {
	c := strings.ToLower(condition)
	if c == "" {
		return false
	}
	for _, s := range e.cfg.StormConditions {
		if s != "" && strings.Contains(c, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

// hourSlot 当天一个小时的中间结果
type hourSlot struct {
	start   time.Time
	tuples  []align.Tuple
	storm   bool
	ratio   *float64
	spike   bool
	peak    bool
	traffic []models.TrafficObservation
}

// ComputeDay 计算日级记录，EmitHourly 时附带小时级记录（日级在前）
func (e *Engine) ComputeDay(in DayInput) ([]models.FeatureRecord, error) {
	dayStart := e.cfg.DayStart(in.Date)
	dayEnd := dayStart.AddDate(0, 0, 1)
	// 进行中的一天只统计到 Until，未来的时间不计入停机与等待
	until := dayEnd
	if !in.Until.IsZero() && in.Until.Before(dayEnd) {
		until = in.Until
	}
	if until.Before(dayStart) {
		until = dayStart
	}

	slots := make([]hourSlot, 0, 25)
	for t := dayStart; t.Before(dayEnd); t = t.Add(time.Hour) {
		slots = append(slots, hourSlot{start: t})
	}
	slotOf := func(t time.Time) int {
		return int(t.Sub(dayStart) / time.Hour)
	}

	var dayTuples []align.Tuple
	for _, tp := range in.Tuples {
		s := tp.Session
		if s.StationID != in.StationID || s.StartTime.Before(dayStart) || !s.StartTime.Before(dayEnd) {
			continue
		}
		if d, ok := s.Duration(); ok && d < 0 {
			return nil, fmt.Errorf("%w: session %s ends before it starts", ErrInvariant, s.ID)
		}
		if s.EnergyKWh < 0 {
			return nil, fmt.Errorf("%w: session %s has negative energy", ErrInvariant, s.ID)
		}
		dayTuples = append(dayTuples, tp)
		i := slotOf(s.StartTime)
		slots[i].tuples = append(slots[i].tuples, tp)
		if tp.Weather != nil && e.IsStorm(tp.Weather.Condition) {
			slots[i].storm = true
		}
	}

	var dayTraffic []models.TrafficObservation
	for _, o := range in.Traffic {
		if o.StationID != in.StationID || o.RecordedAt.Before(dayStart) || !o.RecordedAt.Before(dayEnd) {
			continue
		}
		dayTraffic = append(dayTraffic, o)
		i := slotOf(o.RecordedAt)
		slots[i].traffic = append(slots[i].traffic, o)
	}

	// 峰值小时：会话数超过当日小时均值 + 1 个标准差
	counts := make([]float64, len(slots))
	for i := range slots {
		counts[i] = float64(len(slots[i].tuples))
	}
	peakLine := Mean(counts) + StdDev(counts)
	peakHours := 0
	for i := range slots {
		if counts[i] > peakLine {
			slots[i].peak = true
			peakHours++
		}
	}

	// 暴风雨激增：与过去 TrailingDays 天同一小时的平均会话数比较，缺失的天按 0 计
	prior := slotCounts(in.StationID, in.Prior, dayStart)
	var maxRatio *float64
	spikeDay := false
	for i := range slots {
		if !slots[i].storm {
			continue
		}
		var sum float64
		for d := 1; d <= e.cfg.TrailingDays; d++ {
			sum += float64(prior[slots[i].start.AddDate(0, 0, -d).Unix()])
		}
		avg := sum / float64(e.cfg.TrailingDays)
		if avg <= 0 {
			continue
		}
		r := counts[i] / avg
		slots[i].ratio = &r
		slots[i].spike = r >= e.cfg.StormMultiplier
		spikeDay = spikeDay || slots[i].spike
		if maxRatio == nil || r > *maxRatio {
			v := r
			maxRatio = &v
		}
	}

	timeline := BuildTimeline(in.PointIDs, in.Events, dayStart, until)

	daily := e.base(in.StationID, dayStart)
	fill(&daily, dayTuples, dayTraffic, timeline, dayStart, until)
	daily.PeakUsageHours = peakHours
	daily.StormUsageSpike = spikeDay
	daily.StormSpikeRatio = maxRatio

	out := []models.FeatureRecord{daily}
	if !e.cfg.EmitHourly {
		return out, nil
	}

	seen := make(map[int]struct{}, len(slots))
	for _, sl := range slots {
		h := sl.start.In(e.cfg.location()).Hour()
		// 夏令时回拨时重复的小时只保留第一次
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}

		rec := e.base(in.StationID, dayStart)
		hour := h
		rec.Hour = &hour
		slotEnd := sl.start.Add(time.Hour)
		if slotEnd.After(until) {
			slotEnd = until
		}
		if slotEnd.Before(sl.start) {
			slotEnd = sl.start
		}
		fill(&rec, sl.tuples, sl.traffic, timeline, sl.start, slotEnd)
		if sl.peak {
			rec.PeakUsageHours = 1
		}
		rec.StormUsageSpike = sl.spike
		rec.StormSpikeRatio = sl.ratio
		out = append(out, rec)
	}
	return out, nil
}

func (e *Engine) base(stationID string, dayStart time.Time) models.FeatureRecord {
	wd := dayStart.Weekday()
	return models.FeatureRecord{
		StationID: stationID,
		Date:      dayStart,
		DayOfWeek: int(wd),
		IsWeekend: wd == time.Saturday || wd == time.Sunday,
		IsHoliday: e.holidays.IsHoliday(dayStart),
	}
}

// fill 计算 [from, to) 的聚合值
func fill(rec *models.FeatureRecord, tuples []align.Tuple, traffic []models.TrafficObservation, tl Timeline, from, to time.Time) {
	rec.TotalSessions = len(tuples)
	for _, tp := range tuples {
		rec.TotalEnergyKWh += tp.Session.EnergyKWh
	}

	if len(traffic) > 0 {
		densities := make([]float64, len(traffic))
		for i, o := range traffic {
			densities[i] = o.Density
		}
		if m := Mean(densities); m > 0 {
			v := rec.TotalEnergyKWh / m
			rec.EnergyPerTrafficDensity = &v
		}
	}

	_, rec.TotalDowntimeMinutes, rec.AvgDowntimeMinutes = Summarize(tl.Downtime, from, to)
	_, _, rec.AvgWaitMinutes = Summarize(tl.Waiting, from, to)
}

func priorBuckets(stationID string, sessions []models.UsageSession) map[time.Time]int {
	seen := make(map[string]struct{}, len(sessions))
	buckets := make(map[time.Time]int)
	for _, s := range sessions {
		if s.StationID != stationID {
			continue
		}
		if _, dup := seen[s.ID]; dup {
			continue
		}
		seen[s.ID] = struct{}{}
		buckets[align.Bucket(s.StartTime)]++
	}
	return buckets
}

// slotCounts 以 origin 为网格起点按整小时统计会话数，键为所在小时起点的 Unix 秒。
// 与当天小时槽使用同一网格，时区偏移不是整小时时两边仍然对齐。
func slotCounts(stationID string, sessions []models.UsageSession, origin time.Time) map[int64]int {
	seen := make(map[string]struct{}, len(sessions))
	counts := make(map[int64]int)
	for _, s := range sessions {
		if s.StationID != stationID {
			continue
		}
		if _, dup := seen[s.ID]; dup {
			continue
		}
		seen[s.ID] = struct{}{}
		off := s.StartTime.Sub(origin)
		k := off / time.Hour
		if off%time.Hour < 0 {
			k--
		}
		counts[origin.Add(k*time.Hour).Unix()]++
	}
	return counts
}

// HourlySeries 返回 [from, to) 内有交通观测的每个小时的会话数与平均交通密度，按时间升序
func HourlySeries(stationID string, sessions []models.UsageSession, traffic []models.TrafficObservation, from, to time.Time) (counts, density []float64) {
	type acc struct {
		sum float64
		n   int
	}
	byHour := make(map[time.Time]*acc)
	for _, o := range traffic {
		if o.StationID != stationID || o.RecordedAt.Before(from) || !o.RecordedAt.Before(to) {
			continue
		}
		b := align.Bucket(o.RecordedAt)
		a := byHour[b]
		if a == nil {
			a = &acc{}
			byHour[b] = a
		}
		a.sum += o.Density
		a.n++
	}
	if len(byHour) == 0 {
		return nil, nil
	}

	hours := make([]time.Time, 0, len(byHour))
	for h := range byHour {
		hours = append(hours, h)
	}
	sort.Slice(hours, func(i, j int) bool { return hours[i].Before(hours[j]) })

	sessionCounts := priorBuckets(stationID, sessions)
	counts = make([]float64, len(hours))
	density = make([]float64, len(hours))
	for i, h := range hours {
		counts[i] = float64(sessionCounts[h])
		density[i] = byHour[h].sum / float64(byHour[h].n)
	}
	return counts, density
}
