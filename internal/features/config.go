package features

import (
	"fmt"
	"time"
)

// Config 特征计算参数
type Config struct {
	// 天气状况包含其中任一词（不区分大小写）即视为暴风雨
	StormConditions []string `yaml:"storm_conditions"`
	// 当前小时会话数 / 过去 TrailingDays 天同一小时均值 >= StormMultiplier 视为激增
	StormMultiplier float64 `yaml:"storm_multiplier"`
	TrailingDays    int     `yaml:"trailing_days"`
	// 是否同时输出小时级记录
	EmitHourly bool `yaml:"emit_hourly"`
	// 日期划分所用时区
	Location *time.Location `yaml:"-"`
}

// DefaultConfig 默认参数
func DefaultConfig() Config {
	return Config{
		StormConditions: []string{"thunderstorm", "storm", "tornado", "squall"},
		StormMultiplier: 1.5,
		TrailingDays:    7,
		Location:        time.UTC,
	}
}

// Validate 校验参数
func (c *Config) Validate() error {
	if c.StormMultiplier <= 0 {
		return fmt.Errorf("storm_multiplier must be positive, got %v", c.StormMultiplier)
	}
	if c.TrailingDays <= 0 {
		return fmt.Errorf("trailing_days must be positive, got %d", c.TrailingDays)
	}
	return nil
}

func (c *Config) location() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}

// DayStart 给定时间所在日的零点
func (c *Config) DayStart(t time.Time) time.Time {
	t = t.In(c.location())
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, c.location())
}
