package models

import "time"

// StationStatus 充电站状态
type StationStatus string

const (
	StationOperational StationStatus = "operational"
	StationFaulted     StationStatus = "faulted"
	StationUnknown     StationStatus = "unknown"
	StationRetired     StationStatus = "retired"
)

// PointStatus 充电桩状态
type PointStatus string

const (
	PointAvailable   PointStatus = "available"
	PointOccupied    PointStatus = "occupied"
	PointFaulted     PointStatus = "faulted"
	PointOffline     PointStatus = "offline"
	PointUnavailable PointStatus = "unavailable"
)

// Operational 是否处于可运营状态（空闲或占用）
func (s PointStatus) Operational() bool {
	return s == PointAvailable || s == PointOccupied
}

// Valid 是否为已知状态
func (s PointStatus) Valid() bool {
	switch s {
	case PointAvailable, PointOccupied, PointFaulted, PointOffline, PointUnavailable:
		return true
	}
	return false
}

// Station 充电站
type Station struct {
	ID        string        `json:"id" db:"id"`
	Name      string        `json:"name" db:"name"`
	Latitude  float64       `json:"latitude" db:"latitude"`
	Longitude float64       `json:"longitude" db:"longitude"`
	Operator  string        `json:"operator" db:"operator"`
	Network   string        `json:"network" db:"network"`
	Status    StationStatus `json:"status" db:"status"`
	PointIDs  []string      `json:"point_ids" db:"-"`
	UpdatedAt time.Time     `json:"updated_at" db:"updated_at"`
}

// ChargingPoint 充电桩，隶属于唯一一个充电站
type ChargingPoint struct {
	ID            string      `json:"id" db:"id"`
	StationID     string      `json:"station_id" db:"station_id"`
	ConnectorType string      `json:"connector_type" db:"connector_type"`
	PowerKW       float64     `json:"power_kw" db:"power_kw"`
	Status        PointStatus `json:"status" db:"status"`
}

// StatusEvent 充电桩状态变更事件
// PointID 为空表示整站级别的状态
type StatusEvent struct {
	StationID  string      `json:"station_id" db:"station_id"`
	PointID    string      `json:"point_id" db:"point_id"`
	Status     PointStatus `json:"status" db:"status"`
	RecordedAt time.Time   `json:"recorded_at" db:"recorded_at"`
}

// StationStats 充电站统计
type StationStats struct {
	StationID         string   `json:"station_id"`
	Name              string   `json:"name"`
	WeatherRecords    int64    `json:"weather_records"`
	TrafficRecords    int64    `json:"traffic_records"`
	SessionCount      int64    `json:"session_count"`
	AnomalyCount      int64    `json:"anomaly_count"`
	OpenAnomalyCount  int64    `json:"open_anomaly_count"`
	AvgTemperature    *float64 `json:"avg_temperature,omitempty"`
	AvgTrafficDensity *float64 `json:"avg_traffic_density,omitempty"`
}
