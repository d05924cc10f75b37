package models

import "time"

// UsageSession 充电会话，创建后不可修改；相同 ID 的重复记录按幂等 upsert 处理
type UsageSession struct {
	ID        string     `json:"id" db:"id"`
	StationID string     `json:"station_id" db:"station_id"`
	PointID   string     `json:"point_id" db:"point_id"`
	StartTime time.Time  `json:"start_time" db:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty" db:"end_time"` // nil 表示进行中
	EnergyKWh float64    `json:"energy_kwh" db:"energy_kwh"`
	Cost      *float64   `json:"cost,omitempty" db:"cost"`
}

// Duration 会话时长，进行中的会话返回 false
func (s *UsageSession) Duration() (time.Duration, bool) {
	if s.EndTime == nil {
		return 0, false
	}
	return s.EndTime.Sub(s.StartTime), true
}

// DurationMin 会话时长 (分钟)
func (s *UsageSession) DurationMin() *float64 {
	d, ok := s.Duration()
	if !ok {
		return nil
	}
	m := d.Minutes()
	return &m
}
