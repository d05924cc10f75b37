package anomaly

import "fmt"

// Config 异常检测参数
type Config struct {
	BaselineDays       int `yaml:"baseline_days"`        // 基线窗口（天）
	MinBaselineSamples int `yaml:"min_baseline_samples"` // 基线样本少于此数时不检测
	SeasonalWeeks      int `yaml:"seasonal_weeks"`       // 季节对比：之前几个同一星期几
	SeasonalMinSamples int `yaml:"seasonal_min_samples"`

	SeverityThreshold float64 `yaml:"severity_threshold"`
	// 基线标准差的下限，避免除以 0
	Epsilon float64 `yaml:"epsilon"`
	// |r| 不超过该值视为无相关
	CorrelationBand float64 `yaml:"correlation_band"`
	// weather_related 严重度 = min(激增比 / WeatherSeverityScale, 1)
	WeatherSeverityScale float64 `yaml:"weather_severity_scale"`
}

// DefaultConfig 默认参数
func DefaultConfig() Config {
	return Config{
		BaselineDays:         30,
		MinBaselineSamples:   7,
		SeasonalWeeks:        4,
		SeasonalMinSamples:   3,
		SeverityThreshold:    0.6,
		Epsilon:              1.0,
		CorrelationBand:      0.1,
		WeatherSeverityScale: 2.0,
	}
}

// Validate 校验参数
func (c *Config) Validate() error {
	switch {
	case c.BaselineDays <= 0:
		return fmt.Errorf("baseline_days must be positive, got %d", c.BaselineDays)
	case c.MinBaselineSamples < 2:
		return fmt.Errorf("min_baseline_samples must be at least 2, got %d", c.MinBaselineSamples)
	case c.SeasonalWeeks <= 0:
		return fmt.Errorf("seasonal_weeks must be positive, got %d", c.SeasonalWeeks)
	case c.SeasonalMinSamples < 2 || c.SeasonalMinSamples > c.SeasonalWeeks:
		return fmt.Errorf("seasonal_min_samples must be within [2, %d], got %d", c.SeasonalWeeks, c.SeasonalMinSamples)
	case c.SeverityThreshold <= 0 || c.SeverityThreshold > 1:
		return fmt.Errorf("severity_threshold must be within (0, 1], got %v", c.SeverityThreshold)
	case c.Epsilon <= 0:
		return fmt.Errorf("epsilon must be positive, got %v", c.Epsilon)
	case c.CorrelationBand < 0 || c.CorrelationBand >= 1:
		return fmt.Errorf("correlation_band must be within [0, 1), got %v", c.CorrelationBand)
	case c.WeatherSeverityScale <= 0:
		return fmt.Errorf("weather_severity_scale must be positive, got %v", c.WeatherSeverityScale)
	}
	return nil
}
