package models

import "time"

// AnomalyType 异常类型
type AnomalyType string

const (
	AnomalyUnusualDowntime    AnomalyType = "unusual_downtime"
	AnomalyUsageSpike         AnomalyType = "usage_spike"
	AnomalyWeatherRelated     AnomalyType = "weather_related"
	AnomalyTrafficCorrelation AnomalyType = "traffic_correlation"
	AnomalySeasonalDeviation  AnomalyType = "seasonal_deviation"
)

// AnomalyTypes 所有异常类型，固定顺序
var AnomalyTypes = []AnomalyType{
	AnomalyUnusualDowntime,
	AnomalyUsageSpike,
	AnomalyWeatherRelated,
	AnomalyTrafficCorrelation,
	AnomalySeasonalDeviation,
}

// AnomalyRecord 异常记录，只追加，仅 resolved 字段可更新
type AnomalyRecord struct {
	ID          int64       `json:"id" db:"id"`
	StationID   string      `json:"station_id" db:"station_id"`
	Type        AnomalyType `json:"anomaly_type" db:"anomaly_type"`
	Severity    float64     `json:"severity_score" db:"severity_score"` // [0,1]
	DetectedAt  time.Time   `json:"detected_at" db:"detected_at"`
	Description string      `json:"description" db:"description"`
	Resolved    bool        `json:"is_resolved" db:"is_resolved"`
	ResolvedAt  *time.Time  `json:"resolved_at,omitempty" db:"resolved_at"`
}
