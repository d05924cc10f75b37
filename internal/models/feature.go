package models

import "time"

// FeatureRecord 特征记录，按 (station, date[, hour]) 唯一，重算时整体替换
type FeatureRecord struct {
	StationID string    `json:"station_id" db:"station_id"`
	Date      time.Time `json:"date" db:"date"`                       // 当天 00:00（配置时区）
	Hour      *int      `json:"hour,omitempty" db:"hour"`             // nil 表示日级记录
	DayOfWeek int       `json:"day_of_week" db:"day_of_week"`         // time.Weekday，周日为 0
	IsWeekend bool      `json:"is_weekend" db:"is_weekend"`
	IsHoliday bool      `json:"is_holiday" db:"is_holiday"`

	AvgDowntimeMinutes   float64 `json:"avg_downtime_minutes" db:"avg_downtime_minutes"`
	TotalDowntimeMinutes float64 `json:"total_downtime_minutes" db:"total_downtime_minutes"`
	// 无交通观测或平均密度为 0 时为 nil
	EnergyPerTrafficDensity *float64 `json:"energy_consumption_per_traffic,omitempty" db:"energy_per_traffic"`
	StormUsageSpike         bool     `json:"usage_spike_during_storm" db:"storm_usage_spike"`
	StormSpikeRatio         *float64 `json:"storm_spike_ratio,omitempty" db:"storm_spike_ratio"`
	PeakUsageHours          int      `json:"peak_usage_hours" db:"peak_usage_hours"`
	AvgWaitMinutes          float64  `json:"avg_wait_time_minutes" db:"avg_wait_minutes"`
	TotalSessions           int      `json:"total_sessions" db:"total_sessions"`
	TotalEnergyKWh          float64  `json:"total_energy_kwh" db:"total_energy_kwh"`
}

// IsDaily 是否为日级记录
func (f *FeatureRecord) IsDaily() bool {
	return f.Hour == nil
}

// HourKey 用于唯一键的小时值，日级记录为 -1
func (f *FeatureRecord) HourKey() int {
	if f.Hour == nil {
		return -1
	}
	return *f.Hour
}
