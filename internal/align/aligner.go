package align

import (
	"fmt"
	"sort"
	"time"

	"github.com/langchou/evpulse/internal/models"
)

// Tuple 会话与同一小时桶内的天气、交通观测
type Tuple struct {
	Session models.UsageSession
	Bucket  time.Time
	Weather *models.WeatherObservation // 桶内无观测时为 nil
	Traffic *models.TrafficObservation
}

// Result 对齐结果
type Result struct {
	StationID   string
	Tuples      []Tuple
	WeatherGaps int
	TrafficGaps int
}

// Gaps 缺失的关联观测总数
func (r *Result) Gaps() int {
	return r.WeatherGaps + r.TrafficGaps
}

// Bucket 截断到小时 (UTC)
func Bucket(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// Align 按 (station, hour bucket) 连接会话与观测。
// 只保留 StartTime 落在 [from, to) 内的会话；会话不会因缺少观测被丢弃。
// 输出按 (StartTime, ID) 排序，与输入顺序无关。
func Align(stationID string, from, to time.Time,
	sessions []models.UsageSession,
	weather []models.WeatherObservation,
	traffic []models.TrafficObservation,
) Result {
	res := Result{StationID: stationID}

	weatherIdx := indexWeather(stationID, weather)
	trafficIdx := indexTraffic(stationID, traffic)

	for _, s := range dedupeSessions(stationID, from, to, sessions) {
		bucket := Bucket(s.StartTime)
		t := Tuple{Session: s, Bucket: bucket}

		if obs := weatherIdx[bucket]; len(obs) > 0 {
			w := obs[pick(len(obs), func(i int) time.Time { return obs[i].RecordedAt }, s.StartTime)]
			t.Weather = &w
		} else {
			res.WeatherGaps++
		}
		if obs := trafficIdx[bucket]; len(obs) > 0 {
			tr := obs[pick(len(obs), func(i int) time.Time { return obs[i].RecordedAt }, s.StartTime)]
			t.Traffic = &tr
		} else {
			res.TrafficGaps++
		}
		res.Tuples = append(res.Tuples, t)
	}
	return res
}

// pick 在按时间升序的桶内选取观测：严格早于 start 的最近一条；
// 若不存在则取桶内最早的一条
func pick(n int, at func(int) time.Time, start time.Time) int {
	i := sort.Search(n, func(i int) bool { return !at(i).Before(start) })
	if i > 0 {
		return i - 1
	}
	return 0
}

func dedupeSessions(stationID string, from, to time.Time, sessions []models.UsageSession) []models.UsageSession {
	byID := make(map[string]models.UsageSession, len(sessions))
	for _, s := range sessions {
		if s.StationID != stationID || s.StartTime.Before(from) || !s.StartTime.Before(to) {
			continue
		}
		if prev, ok := byID[s.ID]; ok && sessionKey(prev) >= sessionKey(s) {
			continue
		}
		byID[s.ID] = s
	}

	out := make([]models.UsageSession, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func indexWeather(stationID string, obs []models.WeatherObservation) map[time.Time][]models.WeatherObservation {
	idx := make(map[time.Time][]models.WeatherObservation)
	for _, o := range obs {
		if o.StationID != stationID {
			continue
		}
		b := Bucket(o.RecordedAt)
		idx[b] = append(idx[b], o)
	}
	for _, list := range idx {
		sort.Slice(list, func(i, j int) bool {
			if !list[i].RecordedAt.Equal(list[j].RecordedAt) {
				return list[i].RecordedAt.Before(list[j].RecordedAt)
			}
			return weatherKey(list[i]) < weatherKey(list[j])
		})
	}
	return idx
}

func indexTraffic(stationID string, obs []models.TrafficObservation) map[time.Time][]models.TrafficObservation {
	idx := make(map[time.Time][]models.TrafficObservation)
	for _, o := range obs {
		if o.StationID != stationID {
			continue
		}
		b := Bucket(o.RecordedAt)
		idx[b] = append(idx[b], o)
	}
	for _, list := range idx {
		sort.Slice(list, func(i, j int) bool {
			if !list[i].RecordedAt.Equal(list[j].RecordedAt) {
				return list[i].RecordedAt.Before(list[j].RecordedAt)
			}
			return trafficKey(list[i]) < trafficKey(list[j])
		})
	}
	return idx
}

// 同一时间戳的观测按字段内容排序，保证结果确定

func weatherKey(o models.WeatherObservation) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s|%s|%s",
		o.Condition, num(o.TemperatureC), num(o.HumidityPct), num(o.PressureHPa), num(o.WindSpeedMS),
		num(o.WindDirectionDeg), num(o.PrecipitationMM), num(o.VisibilityKm), num(o.UVIndex))
}

func trafficKey(o models.TrafficObservation) string {
	return fmt.Sprintf("%020.6f|%s|%s|%s|%s", o.Density, o.Congestion, o.RoadType, num(o.AvgSpeedKmh), num(o.DistanceKm))
}

func sessionKey(s models.UsageSession) string {
	end := "-"
	if s.EndTime != nil {
		end = s.EndTime.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("%s|%s|%s|%020.6f|%s", s.StartTime.UTC().Format(time.RFC3339Nano), end, s.PointID, s.EnergyKWh, num(s.Cost))
}

func num(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%020.6f", *v)
}
