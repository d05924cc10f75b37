package anomaly

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/evpulse/internal/features"
	"github.com/langchou/evpulse/internal/models"
	"github.com/langchou/evpulse/internal/state"
)

// ErrInsufficientBaseline 基线样本不足，该类型本周期不检测
var ErrInsufficientBaseline = errors.New("insufficient baseline")

// Input 单站单周期的检测输入
type Input struct {
	StationID string
	Now       time.Time                   // 本周期时间戳，用作 detected_at / resolved_at
	Current   models.FeatureRecord        // 当前周期的日级特征
	History   []models.FeatureRecord      // 之前的日级特征，至少覆盖基线窗口与季节对比窗口
	Sessions  []models.UsageSession       // 基线窗口内的会话
	Traffic   []models.TrafficObservation // 基线窗口内的交通观测
	Open      []models.AnomalyRecord      // 该站未解决的异常
}

// Score 单个类型的评分
type Score struct {
	Type       models.AnomalyType `json:"type"`
	Severity   float64            `json:"severity"`
	Value      float64            `json:"value"`
	Mean       float64            `json:"mean"`
	StdDev     float64            `json:"stddev"`
	Samples    int                `json:"samples"`
	Suppressed bool               `json:"suppressed"`
	Detail     string             `json:"detail"`
}

// Result 检测结果
type Result struct {
	Scores   []Score
	Opened   []models.AnomalyRecord // 新建的异常记录
	Resolved []models.AnomalyRecord // 本周期标记为已解决的记录
}

// Suppressed 被抑制的类型数
func (r *Result) Suppressed() int {
	n := 0
	for _, s := range r.Scores {
		if s.Suppressed {
			n++
		}
	}
	return n
}

// Engine 异常检测与生命周期对账
type Engine struct {
	cfg    Config
	logger *zap.Logger
}

// NewEngine 创建异常引擎
func NewEngine(cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, logger: logger}
}

// Config 当前参数
func (e *Engine) Config() Config {
	return e.cfg
}

// BaselineStart 基线窗口起点
func (e *Engine) BaselineStart(day time.Time) time.Time {
	return day.AddDate(0, 0, -e.cfg.BaselineDays)
}

// HistoryStart 检测需要加载的最早特征日期
func (e *Engine) HistoryStart(day time.Time) time.Time {
	seasonal := day.AddDate(0, 0, -7*e.cfg.SeasonalWeeks)
	if b := e.BaselineStart(day); b.Before(seasonal) {
		return b
	}
	return seasonal
}

// Evaluate 对每种类型评分，并与未解决的记录对账：
// 严重度达到阈值且无未解决记录时新建；未达阈值时解决已有记录；
// 基线不足的类型保持原状。
func (e *Engine) Evaluate(in Input) (Result, error) {
	if !in.Current.IsDaily() {
		return Result{}, fmt.Errorf("evaluate %s: current feature record must be daily", in.StationID)
	}

	day := in.Current.Date
	baseline := dailyBefore(in.History, e.BaselineStart(day), day)

	scores := []Score{
		e.deviation(models.AnomalyUnusualDowntime, in.Current.TotalDowntimeMinutes, baseline,
			func(f models.FeatureRecord) float64 { return f.TotalDowntimeMinutes }, e.cfg.MinBaselineSamples, "downtime minutes"),
		e.deviation(models.AnomalyUsageSpike, float64(in.Current.TotalSessions), baseline,
			func(f models.FeatureRecord) float64 { return float64(f.TotalSessions) }, e.cfg.MinBaselineSamples, "session count"),
		e.weather(in.Current),
		e.correlation(in),
		e.deviation(models.AnomalySeasonalDeviation, in.Current.TotalEnergyKWh, e.seasonal(in.History, day),
			func(f models.FeatureRecord) float64 { return f.TotalEnergyKWh }, e.cfg.SeasonalMinSamples, "energy kWh vs prior same weekdays"),
	}

	mgr := state.NewManager(func(k state.Key, from, to string) {
		e.logger.Debug("Anomaly state changed",
			zap.String("station_id", k.StationID),
			zap.String("anomaly_type", string(k.Type)),
			zap.String("from", from),
			zap.String("to", to),
		)
	})
	var open []models.AnomalyRecord
	for _, rec := range in.Open {
		if rec.StationID == in.StationID {
			open = append(open, rec)
		}
	}
	mgr.Seed(open)

	res := Result{Scores: scores}
	for _, s := range scores {
		if s.Suppressed {
			continue
		}
		m := mgr.GetOrCreate(state.Key{StationID: in.StationID, Type: s.Type})
		if s.Severity >= e.cfg.SeverityThreshold {
			opened, err := m.Open(models.AnomalyRecord{
				Severity:    s.Severity,
				DetectedAt:  in.Now,
				Description: s.Detail,
			})
			if err != nil {
				return Result{}, err
			}
			if opened {
				res.Opened = append(res.Opened, *m.Record())
			}
			continue
		}
		rec, err := m.Resolve(in.Now)
		if err != nil {
			return Result{}, err
		}
		if rec != nil {
			res.Resolved = append(res.Resolved, *rec)
		}
	}
	return res, nil
}

// deviation 与基线均值、标准差比较：clamp((v - mean) / max(std, ε), 0, 1)
func (e *Engine) deviation(t models.AnomalyType, value float64, samples []models.FeatureRecord,
	metric func(models.FeatureRecord) float64, minSamples int, label string) Score {
	s := Score{Type: t, Value: value, Samples: len(samples)}
	if len(samples) < minSamples {
		s.Suppressed = true
		s.Detail = fmt.Sprintf("%v: %d of %d baseline samples", ErrInsufficientBaseline, len(samples), minSamples)
		return s
	}
	xs := make([]float64, len(samples))
	for i, f := range samples {
		xs[i] = metric(f)
	}
	s.Mean = features.Mean(xs)
	s.StdDev = features.StdDev(xs)
	s.Severity = features.Clamp((value-s.Mean)/math.Max(s.StdDev, e.cfg.Epsilon), 0, 1)
	s.Detail = fmt.Sprintf("%s %.2f vs baseline mean %.2f (stddev %.2f, n=%d)", label, value, s.Mean, s.StdDev, len(samples))
	return s
}

func (e *Engine) weather(cur models.FeatureRecord) Score {
	s := Score{Type: models.AnomalyWeatherRelated}
	if cur.StormSpikeRatio != nil {
		s.Value = *cur.StormSpikeRatio
	}
	if cur.StormUsageSpike && cur.StormSpikeRatio != nil {
		s.Severity = math.Min(*cur.StormSpikeRatio/e.cfg.WeatherSeverityScale, 1)
		s.Detail = fmt.Sprintf("storm usage spike: sessions %.2fx trailing same-hour average", *cur.StormSpikeRatio)
		return s
	}
	s.Detail = "no storm usage spike"
	return s
}

func (e *Engine) correlation(in Input) Score {
	s := Score{Type: models.AnomalyTrafficCorrelation}
	from := e.BaselineStart(in.Current.Date)
	to := in.Current.Date.AddDate(0, 0, 1)
	counts, density := features.HourlySeries(in.StationID, in.Sessions, in.Traffic, from, to)
	s.Samples = len(counts)
	if len(counts) < e.cfg.MinBaselineSamples {
		s.Suppressed = true
		s.Detail = fmt.Sprintf("%v: %d of %d hourly traffic samples", ErrInsufficientBaseline, len(counts), e.cfg.MinBaselineSamples)
		return s
	}
	r, ok := features.Pearson(counts, density)
	if !ok {
		s.Suppressed = true
		s.Detail = "correlation undefined: zero variance in sessions or traffic"
		return s
	}
	s.Value = r
	band := e.cfg.CorrelationBand
	s.Severity = features.Clamp((math.Abs(r)-band)/(1-band), 0, 1)
	s.Detail = fmt.Sprintf("hourly sessions vs traffic density r=%.3f over %d hours (band ±%.2f)", r, len(counts), band)
	return s
}

// seasonal 之前 SeasonalWeeks 个同一星期几的日级记录
func (e *Engine) seasonal(history []models.FeatureRecord, day time.Time) []models.FeatureRecord {
	want := make(map[string]struct{}, e.cfg.SeasonalWeeks)
	for k := 1; k <= e.cfg.SeasonalWeeks; k++ {
		want[day.AddDate(0, 0, -7*k).Format("2006-01-02")] = struct{}{}
	}
	var out []models.FeatureRecord
	for _, f := range dailyBefore(history, e.HistoryStart(day), day) {
		if _, ok := want[f.Date.Format("2006-01-02")]; ok {
			out = append(out, f)
		}
	}
	return out
}

// dailyBefore [from, to) 内的日级记录，每天一条，按日期升序
func dailyBefore(history []models.FeatureRecord, from, to time.Time) []models.FeatureRecord {
	byDay := make(map[string]models.FeatureRecord)
	for _, f := range history {
		if !f.IsDaily() || f.Date.Before(from) || !f.Date.Before(to) {
			continue
		}
		byDay[f.Date.Format("2006-01-02")] = f
	}
	out := make([]models.FeatureRecord, 0, len(byDay))
	for _, f := range byDay {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}
