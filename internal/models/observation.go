package models

import "time"

// CongestionLevel 拥堵等级
type CongestionLevel string

const (
	CongestionLow      CongestionLevel = "low"
	CongestionModerate CongestionLevel = "moderate"
	CongestionHigh     CongestionLevel = "high"
	CongestionSevere   CongestionLevel = "severe"
)

// WeatherObservation 天气观测，每站每个采样时间一条
type WeatherObservation struct {
	StationID        string    `json:"station_id" db:"station_id"`
	RecordedAt       time.Time `json:"recorded_at" db:"recorded_at"`
	TemperatureC     *float64  `json:"temperature_c,omitempty" db:"temperature_c"`
	HumidityPct      *float64  `json:"humidity_pct,omitempty" db:"humidity_pct"`
	PressureHPa      *float64  `json:"pressure_hpa,omitempty" db:"pressure_hpa"`
	WindSpeedMS      *float64  `json:"wind_speed_ms,omitempty" db:"wind_speed_ms"`
	WindDirectionDeg *float64  `json:"wind_direction_deg,omitempty" db:"wind_direction_deg"`
	PrecipitationMM  *float64  `json:"precipitation_mm,omitempty" db:"precipitation_mm"`
	Condition        string    `json:"condition" db:"condition"`
	VisibilityKm     *float64  `json:"visibility_km,omitempty" db:"visibility_km"`
	UVIndex          *float64  `json:"uv_index,omitempty" db:"uv_index"`
}

// TrafficObservation 交通观测
type TrafficObservation struct {
	StationID   string          `json:"station_id" db:"station_id"`
	RecordedAt  time.Time       `json:"recorded_at" db:"recorded_at"`
	Density     float64         `json:"density" db:"density"`
	AvgSpeedKmh *float64        `json:"avg_speed_kmh,omitempty" db:"avg_speed_kmh"`
	Congestion  CongestionLevel `json:"congestion" db:"congestion"`
	RoadType    string          `json:"road_type" db:"road_type"`
	DistanceKm  *float64        `json:"distance_km,omitempty" db:"distance_km"`
}
