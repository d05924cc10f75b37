package normalize

// 采集端原始载荷。数值字段可缺失，时间为字符串，由 Normalizer 校验和转换。

// RawStation 原始充电站
type RawStation struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Latitude  *float64   `json:"latitude"`
	Longitude *float64   `json:"longitude"`
	Operator  string     `json:"operator"`
	Network   string     `json:"network"`
	Status    string     `json:"status"`
	Points    []RawPoint `json:"charging_points"`
}

// RawPoint 原始充电桩
type RawPoint struct {
	ID            string   `json:"id"`
	ConnectorType string   `json:"connector_type"`
	PowerKW       *float64 `json:"power_kw"`
	Status        string   `json:"status"`
}

// RawWeather 原始天气
type RawWeather struct {
	StationID        string   `json:"station_id"`
	Timestamp        string   `json:"timestamp"`
	TemperatureC     *float64 `json:"temperature_celsius"`
	HumidityPct      *float64 `json:"humidity_percent"`
	PressureHPa      *float64 `json:"pressure_hpa"`
	WindSpeedMS      *float64 `json:"wind_speed_ms"`
	WindDirectionDeg *float64 `json:"wind_direction_degrees"`
	PrecipitationMM  *float64 `json:"precipitation_mm"`
	Condition        string   `json:"weather_condition"`
	VisibilityKm     *float64 `json:"visibility_km"`
	UVIndex          *float64 `json:"uv_index"`
}

// RawTraffic 原始交通
type RawTraffic struct {
	StationID   string   `json:"station_id"`
	Timestamp   string   `json:"timestamp"`
	Density     *float64 `json:"traffic_density"`
	AvgSpeedKmh *float64 `json:"average_speed_kmh"`
	Congestion  string   `json:"congestion_level"`
	RoadType    string   `json:"road_type"`
	DistanceKm  *float64 `json:"distance_to_station_km"`
}

// RawSession 原始充电会话
type RawSession struct {
	ID        string   `json:"id"`
	StationID string   `json:"station_id"`
	PointID   string   `json:"point_id"`
	Start     string   `json:"session_start"`
	End       string   `json:"session_end"`
	EnergyKWh *float64 `json:"energy_consumed_kwh"`
	Cost      *float64 `json:"cost"`
}

// RawStatusEvent 原始状态事件
type RawStatusEvent struct {
	StationID string `json:"station_id"`
	PointID   string `json:"point_id"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}
