package normalize

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/langchou/evpulse/internal/models"
)

// Reason 拒绝原因
type Reason string

const (
	ReasonMissingField   Reason = "missing_required_field"
	ReasonOutOfRange     Reason = "out_of_range"
	ReasonMalformedTime  Reason = "malformed_timestamp"
	ReasonUnknownStation Reason = "unknown_station_reference"
)

// Reasons 所有拒绝原因
var Reasons = []Reason{ReasonMissingField, ReasonOutOfRange, ReasonMalformedTime, ReasonUnknownStation}

// Rejection 被拒绝的记录
type Rejection struct {
	Source string // stations / weather / traffic / sessions / status
	Key    string // 记录标识，便于日志定位
	Reason Reason
	Detail string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s record %q rejected: %s (%s)", r.Source, r.Key, r.Reason, r.Detail)
}

func reject(source, key string, reason Reason, format string, args ...any) *Rejection {
	return &Rejection{Source: source, Key: key, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// 可选数值字段的合法范围，越界时置空
type numRange struct{ min, max float64 }

var (
	rangeTemperature   = numRange{-50, 60}
	rangeHumidity      = numRange{0, 100}
	rangePressure      = numRange{800, 1100}
	rangeWindSpeed     = numRange{0, 100}
	rangeWindDirection = numRange{0, 360}
	rangePrecipitation = numRange{0, 1000}
	rangeVisibility    = numRange{0, 50}
	rangeUV            = numRange{0, 15}
	rangeDensity       = numRange{0, 1000}
	rangeSpeed         = numRange{0, 200}
	rangeDistance      = numRange{0, 100}
)

// 文本字段截断长度
const (
	maxNameLen      = 500
	maxLabelLen     = 255
	maxConditionLen = 100
	maxRoadTypeLen  = 100
)

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999",
}

// StationLookup 判断充电站是否已知
type StationLookup func(id string) bool

// Normalizer 原始记录校验与转换，无副作用
type Normalizer struct {
	known StationLookup
}

// New 创建 Normalizer；known 为 nil 时不做站点引用检查
func New(known StationLookup) *Normalizer {
	return &Normalizer{known: known}
}

// Station 规范化充电站及其充电桩
func (n *Normalizer) Station(raw RawStation) (models.Station, []models.ChargingPoint, error) {
	const source = "stations"
	id := strings.TrimSpace(raw.ID)
	if id == "" {
		return models.Station{}, nil, reject(source, "", ReasonMissingField, "id is empty")
	}
	if raw.Latitude == nil || raw.Longitude == nil {
		return models.Station{}, nil, reject(source, id, ReasonMissingField, "location is missing")
	}
	lat, lon := *raw.Latitude, *raw.Longitude
	if !finite(lat) || !finite(lon) || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return models.Station{}, nil, reject(source, id, ReasonOutOfRange, "location %.6f,%.6f", lat, lon)
	}

	st := models.Station{
		ID:        id,
		Name:      truncate(raw.Name, maxNameLen),
		Latitude:  lat,
		Longitude: lon,
		Operator:  truncate(raw.Operator, maxLabelLen),
		Network:   truncate(raw.Network, maxLabelLen),
		Status:    stationStatus(raw.Status),
	}

	points := make([]models.ChargingPoint, 0, len(raw.Points))
	seen := make(map[string]struct{}, len(raw.Points))
	for _, rp := range raw.Points {
		pid := strings.TrimSpace(rp.ID)
		if pid == "" {
			return models.Station{}, nil, reject(source, id, ReasonMissingField, "charging point id is empty")
		}
		if _, dup := seen[pid]; dup {
			continue
		}
		seen[pid] = struct{}{}

		power := 0.0
		if rp.PowerKW != nil {
			if !finite(*rp.PowerKW) || *rp.PowerKW < 0 {
				return models.Station{}, nil, reject(source, id, ReasonOutOfRange, "point %s power %v", pid, *rp.PowerKW)
			}
			power = *rp.PowerKW
		}
		status, ok := pointStatus(rp.Status)
		if !ok {
			status = models.PointAvailable
			if rp.Status != "" {
				// 未识别的桩状态按不可用处理
				status = models.PointUnavailable
			}
		}
		points = append(points, models.ChargingPoint{
			ID:            pid,
			StationID:     id,
			ConnectorType: truncate(rp.ConnectorType, maxLabelLen),
			PowerKW:       power,
			Status:        status,
		})
		st.PointIDs = append(st.PointIDs, pid)
	}

	return st, points, nil
}

// Weather 规范化天气观测
func (n *Normalizer) Weather(raw RawWeather) (models.WeatherObservation, error) {
	const source = "weather"
	stationID := strings.TrimSpace(raw.StationID)
	key := stationID + "@" + raw.Timestamp
	if stationID == "" || strings.TrimSpace(raw.Timestamp) == "" {
		return models.WeatherObservation{}, reject(source, key, ReasonMissingField, "station_id and timestamp are required")
	}
	ts, err := ParseTime(raw.Timestamp)
	if err != nil {
		return models.WeatherObservation{}, reject(source, key, ReasonMalformedTime, "%v", err)
	}
	if rej := n.checkStation(source, key, stationID); rej != nil {
		return models.WeatherObservation{}, rej
	}

	return models.WeatherObservation{
		StationID:        stationID,
		RecordedAt:       ts,
		TemperatureC:     coerce(raw.TemperatureC, rangeTemperature),
		HumidityPct:      coerce(raw.HumidityPct, rangeHumidity),
		PressureHPa:      coerce(raw.PressureHPa, rangePressure),
		WindSpeedMS:      coerce(raw.WindSpeedMS, rangeWindSpeed),
		WindDirectionDeg: coerce(raw.WindDirectionDeg, rangeWindDirection),
		PrecipitationMM:  coerce(raw.PrecipitationMM, rangePrecipitation),
		Condition:        truncate(raw.Condition, maxConditionLen),
		VisibilityKm:     coerce(raw.VisibilityKm, rangeVisibility),
		UVIndex:          coerce(raw.UVIndex, rangeUV),
	}, nil
}

// Traffic 规范化交通观测
func (n *Normalizer) Traffic(raw RawTraffic) (models.TrafficObservation, error) {
	const source = "traffic"
	stationID := strings.TrimSpace(raw.StationID)
	key := stationID + "@" + raw.Timestamp
	if stationID == "" || strings.TrimSpace(raw.Timestamp) == "" || raw.Density == nil {
		return models.TrafficObservation{}, reject(source, key, ReasonMissingField, "station_id, timestamp and traffic_density are required")
	}
	ts, err := ParseTime(raw.Timestamp)
	if err != nil {
		return models.TrafficObservation{}, reject(source, key, ReasonMalformedTime, "%v", err)
	}
	if !inRange(*raw.Density, rangeDensity) {
		return models.TrafficObservation{}, reject(source, key, ReasonOutOfRange, "traffic_density %v", *raw.Density)
	}
	speed := coerce(raw.AvgSpeedKmh, rangeSpeed)

	congestion, rej := congestionLevel(raw.Congestion, speed)
	if rej != "" {
		return models.TrafficObservation{}, reject(source, key, rej, "congestion_level %q", raw.Congestion)
	}
	if r := n.checkStation(source, key, stationID); r != nil {
		return models.TrafficObservation{}, r
	}

	roadType := truncate(raw.RoadType, maxRoadTypeLen)
	if roadType == "" {
		roadType = "highway"
	}

	return models.TrafficObservation{
		StationID:   stationID,
		RecordedAt:  ts,
		Density:     *raw.Density,
		AvgSpeedKmh: speed,
		Congestion:  congestion,
		RoadType:    roadType,
		DistanceKm:  coerce(raw.DistanceKm, rangeDistance),
	}, nil
}

// Session 规范化充电会话
func (n *Normalizer) Session(raw RawSession) (models.UsageSession, error) {
	const source = "sessions"
	id := strings.TrimSpace(raw.ID)
	stationID := strings.TrimSpace(raw.StationID)
	if id == "" || stationID == "" || strings.TrimSpace(raw.Start) == "" || raw.EnergyKWh == nil {
		return models.UsageSession{}, reject(source, id, ReasonMissingField, "id, station_id, session_start and energy_consumed_kwh are required")
	}
	start, err := ParseTime(raw.Start)
	if err != nil {
		return models.UsageSession{}, reject(source, id, ReasonMalformedTime, "session_start: %v", err)
	}

	var end *time.Time
	if strings.TrimSpace(raw.End) != "" {
		t, err := ParseTime(raw.End)
		if err != nil {
			return models.UsageSession{}, reject(source, id, ReasonMalformedTime, "session_end: %v", err)
		}
		if !t.After(start) {
			return models.UsageSession{}, reject(source, id, ReasonOutOfRange, "session_end %s not after start %s", t.Format(time.RFC3339), start.Format(time.RFC3339))
		}
		end = &t
	}
	if !finite(*raw.EnergyKWh) || *raw.EnergyKWh < 0 {
		return models.UsageSession{}, reject(source, id, ReasonOutOfRange, "energy_consumed_kwh %v", *raw.EnergyKWh)
	}
	if raw.Cost != nil && (!finite(*raw.Cost) || *raw.Cost < 0) {
		return models.UsageSession{}, reject(source, id, ReasonOutOfRange, "cost %v", *raw.Cost)
	}
	if r := n.checkStation(source, id, stationID); r != nil {
		return models.UsageSession{}, r
	}

	return models.UsageSession{
		ID:        id,
		StationID: stationID,
		PointID:   strings.TrimSpace(raw.PointID),
		StartTime: start,
		EndTime:   end,
		EnergyKWh: *raw.EnergyKWh,
		Cost:      raw.Cost,
	}, nil
}

// StatusEvent 规范化状态事件
func (n *Normalizer) StatusEvent(raw RawStatusEvent) (models.StatusEvent, error) {
	const source = "status"
	stationID := strings.TrimSpace(raw.StationID)
	key := stationID + "/" + raw.PointID + "@" + raw.Timestamp
	if stationID == "" || strings.TrimSpace(raw.Timestamp) == "" || strings.TrimSpace(raw.Status) == "" {
		return models.StatusEvent{}, reject(source, key, ReasonMissingField, "station_id, status and timestamp are required")
	}
	ts, err := ParseTime(raw.Timestamp)
	if err != nil {
		return models.StatusEvent{}, reject(source, key, ReasonMalformedTime, "%v", err)
	}
	status, ok := pointStatus(raw.Status)
	if !ok {
		return models.StatusEvent{}, reject(source, key, ReasonOutOfRange, "status %q", raw.Status)
	}
	if r := n.checkStation(source, key, stationID); r != nil {
		return models.StatusEvent{}, r
	}
	return models.StatusEvent{
		StationID:  stationID,
		PointID:    strings.TrimSpace(raw.PointID),
		Status:     status,
		RecordedAt: ts,
	}, nil
}

func (n *Normalizer) checkStation(source, key, stationID string) *Rejection {
	if n.known == nil || n.known(stationID) {
		return nil
	}
	return reject(source, key, ReasonUnknownStation, "station %s", stationID)
}

// ParseTime 解析时间戳，支持 RFC3339、无时区格式（按 UTC）和 Unix 秒
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func stationStatus(s string) models.StationStatus {
	v := strings.ToLower(strings.TrimSpace(s))
	switch {
	case v == "":
		return models.StationUnknown
	case strings.Contains(v, "not operational"), strings.Contains(v, "fault"), strings.Contains(v, "broken"):
		return models.StationFaulted
	case strings.Contains(v, "removed"), strings.Contains(v, "retired"), strings.Contains(v, "decommission"):
		return models.StationRetired
	case strings.Contains(v, "operational"), v == "available", v == "active":
		return models.StationOperational
	default:
		return models.StationUnknown
	}
}

func pointStatus(s string) (models.PointStatus, bool) {
	v := models.PointStatus(strings.ToLower(strings.TrimSpace(s)))
	switch v {
	case "charging", "in_use", "busy":
		return models.PointOccupied, true
	case "error", "fault":
		return models.PointFaulted, true
	}
	return v, v.Valid()
}

// congestionLevel 解析拥堵等级；为空时按平均车速推导
func congestionLevel(s string, speed *float64) (models.CongestionLevel, Reason) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "light", "free":
		return models.CongestionLow, ""
	case "moderate", "medium":
		return models.CongestionModerate, ""
	case "high", "heavy":
		return models.CongestionHigh, ""
	case "severe":
		return models.CongestionSevere, ""
	case "", "unknown":
		if speed == nil {
			return "", ReasonMissingField
		}
		switch {
		case *speed < 20:
			return models.CongestionSevere, ""
		case *speed < 40:
			return models.CongestionModerate, ""
		default:
			return models.CongestionLow, ""
		}
	}
	return "", ReasonOutOfRange
}

func coerce(v *float64, r numRange) *float64 {
	if v == nil || !inRange(*v, r) {
		return nil
	}
	out := *v
	return &out
}

func inRange(v float64, r numRange) bool {
	return finite(v) && v >= r.min && v <= r.max
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) > max {
		return string(r[:max])
	}
	return s
}
