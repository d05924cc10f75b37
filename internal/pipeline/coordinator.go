package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/langchou/evpulse/internal/align"
	"github.com/langchou/evpulse/internal/anomaly"
	"github.com/langchou/evpulse/internal/features"
	"github.com/langchou/evpulse/internal/lock"
	"github.com/langchou/evpulse/internal/metrics"
	"github.com/langchou/evpulse/internal/models"
	"github.com/langchou/evpulse/internal/normalize"
)

// 汇总运行记录的数据源标识
const (
	SummarySource = "pipeline"
	SummaryType   = "cycle"
	StationType   = "station"
)

// Options 周期参数
type Options struct {
	Window      time.Duration // 每个周期采集的时间窗口
	Concurrency int           // 并行处理的站点数
	Retry       RetryPolicy
	LockTTL     time.Duration
}

// DefaultOptions 默认参数
func DefaultOptions() Options {
	return Options{
		Window:      24 * time.Hour,
		Concurrency: 4,
		Retry:       DefaultRetryPolicy(),
		LockTTL:     30 * time.Minute,
	}
}

// Deps 协作方
type Deps struct {
	Sources   Sources
	Store     Store
	Locker    lock.Locker
	Features  *features.Engine
	Anomalies *anomaly.Engine
	Notifier  Notifier
	Metrics   *metrics.Recorder
	Logger    *zap.Logger
}

// StationResult 单站处理结果
type StationResult struct {
	StationID     string `json:"station_id"`
	Features      int    `json:"features"`
	Opened        int    `json:"anomalies_opened"`
	Resolved      int    `json:"anomalies_resolved"`
	Suppressed    int    `json:"suppressed"`
	AlignmentGaps int    `json:"alignment_gaps"`
	Skipped       bool   `json:"skipped"`
	Error         string `json:"error,omitempty"`
	Err           error  `json:"-"`
}

// Report 周期报告
type Report struct {
	Run      models.CollectionRun   `json:"run"`
	Sources  []models.CollectionRun `json:"sources"`
	Stations []StationResult        `json:"stations"`
}

// Coordinator 驱动一个采集周期：规范化 → 对齐 → 特征 → 异常 → 持久化
type Coordinator struct {
	sources   Sources
	store     Store
	locker    lock.Locker
	features  *features.Engine
	anomalies *anomaly.Engine
	notifier  Notifier
	metrics   *metrics.Recorder
	logger    *zap.Logger
	opts      Options

	mu      sync.Mutex
	running bool
	last    *Report

	now func() time.Time
}

// NewCoordinator 创建协调器
func NewCoordinator(deps Deps, opts Options) *Coordinator {
	c := &Coordinator{
		sources:   deps.Sources,
		store:     deps.Store,
		locker:    deps.Locker,
		features:  deps.Features,
		anomalies: deps.Anomalies,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		opts:      opts,
		now:       time.Now,
	}
	if c.locker == nil {
		c.locker = lock.NewMemory()
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.notifier == nil {
		c.notifier = NotifierFunc(func(Event) {})
	}
	if c.features == nil {
		c.features = features.NewEngine(features.DefaultConfig(), nil)
	}
	if c.anomalies == nil {
		c.anomalies = anomaly.NewEngine(anomaly.DefaultConfig(), c.logger)
	}
	if c.opts.Concurrency < 1 {
		c.opts.Concurrency = 1
	}
	if c.opts.Window <= 0 {
		c.opts.Window = 24 * time.Hour
	}
	return c
}

// Running 是否有周期在执行
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// LastReport 最近一次周期报告
func (c *Coordinator) LastReport() *Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *Coordinator) begin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return false
	}
	c.running = true
	return true
}

func (c *Coordinator) end(rep *Report) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	if rep != nil {
		c.last = rep
	}
}

// RunCycle 执行一个周期。单站失败不会中断周期，周期总会写入汇总记录。
func (c *Coordinator) RunCycle(ctx context.Context) (*Report, error) {
	if !c.begin() {
		return nil, ErrCycleRunning
	}
	rep, err := c.run(ctx)
	c.end(rep)
	return rep, err
}

func (c *Coordinator) run(ctx context.Context) (*Report, error) {
	now := c.now()
	cycleID := uuid.NewString()
	from := now.Add(-c.opts.Window)
	logger := c.logger.With(zap.String("cycle_id", cycleID))

	rep := &Report{Run: models.CollectionRun{
		CycleID:        cycleID,
		DataSource:     SummarySource,
		CollectionType: SummaryType,
		StartedAt:      now,
	}}
	var errs *multierror.Error

	logger.Info("Starting pipeline cycle",
		zap.Time("from", from),
		zap.Time("to", now))

	// 1. 站点登记
	stations, err := c.collectStations(ctx, rep, logger)
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	known := make(map[string]struct{}, len(stations))
	var units []models.Station
	for _, st := range stations {
		known[st.ID] = struct{}{}
		if st.Status != models.StationRetired {
			units = append(units, st)
		}
	}
	sort.Slice(units, func(i, j int) bool { return units[i].ID < units[j].ID })
	ids := make([]string, len(units))
	for i, st := range units {
		ids[i] = st.ID
	}

	// 2. 观测与会话
	if len(ids) > 0 {
		norm := normalize.New(func(id string) bool {
			_, ok := known[id]
			return ok
		})
		for _, err := range c.collectObservations(ctx, rep, logger, norm, ids, from, now) {
			errs = multierror.Append(errs, err)
		}
	}

	// 3. 逐站计算，站点之间互不影响
	results := make([]StationResult, len(units))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for i, st := range units {
		i, st := i, st
		g.Go(func() error {
			results[i] = c.processStation(gctx, st, from, now, logger)
			return nil
		})
	}
	_ = g.Wait()

	for i := range results {
		res := &results[i]
		rep.Run.AlignmentGaps += res.AlignmentGaps
		switch {
		case res.Err == nil:
			rep.Run.StationsOK++
			c.metrics.StationUnit("ok")
		case res.Skipped:
			rep.Run.StationsFailed++
			c.metrics.StationUnit("skipped")
		default:
			rep.Run.StationsFailed++
			c.metrics.StationUnit("failed")
		}
		if res.Err != nil {
			res.Error = res.Err.Error()
			errs = multierror.Append(errs, res.Err)
			if !res.Skipped {
				c.saveStationRun(ctx, rep, res, now, logger)
			}
		}
	}
	rep.Stations = results
	c.metrics.AlignmentGaps(rep.Run.AlignmentGaps)

	// 4. 汇总
	switch {
	case len(units) > 0 && rep.Run.StationsOK == 0:
		rep.Run.Status = models.RunFailed
	case len(units) == 0 && errs.ErrorOrNil() != nil:
		rep.Run.Status = models.RunFailed
	case errs.ErrorOrNil() != nil:
		rep.Run.Status = models.RunPartial
	default:
		rep.Run.Status = models.RunSuccess
	}
	if err := errs.ErrorOrNil(); err != nil {
		detail := err.Error()
		rep.Run.ErrorDetail = &detail
	}
	completed := c.now()
	rep.Run.CompletedAt = &completed

	// 取消时仍写入汇总记录
	saveCtx := context.WithoutCancel(ctx)
	saveErr := c.retry(saveCtx, "save cycle run", func(ctx context.Context) error {
		return c.store.SaveRun(ctx, &rep.Run)
	})

	c.metrics.CycleCompleted(string(rep.Run.Status), completed.Sub(now), completed)
	c.notifier.Publish(Event{Type: EventCycleCompleted, Data: rep.Run})

	logger.Info("Pipeline cycle completed",
		zap.String("status", string(rep.Run.Status)),
		zap.Int("stations_ok", rep.Run.StationsOK),
		zap.Int("stations_failed", rep.Run.StationsFailed),
		zap.Int("records_processed", rep.Run.RecordsProcessed),
		zap.Int("records_rejected", rep.Run.RecordsRejected),
		zap.Int("alignment_gaps", rep.Run.AlignmentGaps),
		zap.Duration("duration", completed.Sub(now)))

	if saveErr != nil {
		logger.Error("Failed to save cycle run", zap.Error(saveErr))
		return rep, fmt.Errorf("save cycle run: %w", saveErr)
	}
	return rep, nil
}

// collectStations 拉取并保存站点登记，返回存储中的全部站点。
// 拉取失败时退回到已存站点。
func (c *Coordinator) collectStations(ctx context.Context, rep *Report, logger *zap.Logger) ([]models.Station, error) {
	var fetched []models.Station
	var sourceErr error

	if c.sources.Stations != nil {
		sourceErr = c.recordSource(ctx, rep, logger, "registry", "stations", func(ctx context.Context) (int, []*normalize.Rejection, error) {
			raw, err := fetchWithRetry(ctx, c, "fetch stations", c.sources.Stations.FetchStations)
			if err != nil {
				return 0, nil, err
			}
			norm := normalize.New(nil)
			var (
				points   []models.ChargingPoint
				rejected []*normalize.Rejection
			)
			for _, r := range raw {
				st, pts, err := norm.Station(r)
				if err != nil {
					rejected = append(rejected, asRejection(err))
					continue
				}
				fetched = append(fetched, st)
				points = append(points, pts...)
			}
			if len(fetched) > 0 {
				err = c.retry(ctx, "save stations", func(ctx context.Context) error {
					return c.store.SaveStations(ctx, fetched, points)
				})
			}
			return len(fetched), rejected, err
		})
	}

	var stored []models.Station
	err := c.retry(ctx, "list stations", func(ctx context.Context) error {
		var err error
		stored, err = c.store.ListStations(ctx)
		return err
	})
	if err != nil {
		if len(fetched) == 0 {
			return nil, multierror.Append(sourceErr, err).ErrorOrNil()
		}
		logger.Warn("Failed to list stored stations, using fetched registry", zap.Error(err))
		return fetched, multierror.Append(sourceErr, err).ErrorOrNil()
	}
	return stored, sourceErr
}

// collectObservations 依次拉取天气、交通、会话、状态事件；每个数据源单独记录运行结果
func (c *Coordinator) collectObservations(ctx context.Context, rep *Report, logger *zap.Logger,
	norm *normalize.Normalizer, ids []string, from, to time.Time) []error {
	var errs []error

	if src := c.sources.Weather; src != nil {
		err := c.recordSource(ctx, rep, logger, "weather", "observations", func(ctx context.Context) (int, []*normalize.Rejection, error) {
			fetch := func(ctx context.Context) ([]normalize.RawWeather, error) { return src.FetchWeather(ctx, ids, from, to) }
			return collect(ctx, c, "weather", fetch, norm.Weather, func(v []models.WeatherObservation) Observations {
				return Observations{Weather: v}
			})
		})
		if err != nil {
			errs = append(errs, err)
		}
	}

	if src := c.sources.Traffic; src != nil {
		err := c.recordSource(ctx, rep, logger, "traffic", "observations", func(ctx context.Context) (int, []*normalize.Rejection, error) {
			fetch := func(ctx context.Context) ([]normalize.RawTraffic, error) { return src.FetchTraffic(ctx, ids, from, to) }
			return collect(ctx, c, "traffic", fetch, norm.Traffic, func(v []models.TrafficObservation) Observations {
				return Observations{Traffic: v}
			})
		})
		if err != nil {
			errs = append(errs, err)
		}
	}

	if src := c.sources.Usage; src != nil {
		err := c.recordSource(ctx, rep, logger, "usage", "sessions", func(ctx context.Context) (int, []*normalize.Rejection, error) {
			fetch := func(ctx context.Context) ([]normalize.RawSession, error) { return src.FetchSessions(ctx, ids, from, to) }
			return collect(ctx, c, "sessions", fetch, norm.Session, func(v []models.UsageSession) Observations {
				return Observations{Sessions: v}
			})
		})
		if err != nil {
			errs = append(errs, err)
		}

		err = c.recordSource(ctx, rep, logger, "usage", "status_events", func(ctx context.Context) (int, []*normalize.Rejection, error) {
			fetch := func(ctx context.Context) ([]normalize.RawStatusEvent, error) { return src.FetchStatusEvents(ctx, ids, from, to) }
			return collect(ctx, c, "status events", fetch, norm.StatusEvent, func(v []models.StatusEvent) Observations {
				return Observations{Events: v}
			})
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// collect 拉取、规范化并保存一个数据源
func collect[R any, T any](ctx context.Context, c *Coordinator, name string,
	fetch func(ctx context.Context) ([]R, error),
	convert func(R) (T, error),
	batch func([]T) Observations,
) (int, []*normalize.Rejection, error) {
	raw, err := fetchWithRetry(ctx, c, "fetch "+name, fetch)
	if err != nil {
		return 0, nil, err
	}

	accepted := make([]T, 0, len(raw))
	var rejected []*normalize.Rejection
	for _, r := range raw {
		v, err := convert(r)
		if err != nil {
			rejected = append(rejected, asRejection(err))
			continue
		}
		accepted = append(accepted, v)
	}
	if len(accepted) == 0 {
		return 0, rejected, nil
	}

	err = c.retry(ctx, "save "+name, func(ctx context.Context) error {
		return c.store.SaveObservations(ctx, batch(accepted))
	})
	return len(accepted), rejected, err
}

func fetchWithRetry[R any](ctx context.Context, c *Coordinator, op string, fetch func(ctx context.Context) ([]R, error)) ([]R, error) {
	var out []R
	err := c.retry(ctx, op, func(ctx context.Context) error {
		var err error
		out, err = fetch(ctx)
		return err
	})
	return out, err
}

func asRejection(err error) *normalize.Rejection {
	var rej *normalize.Rejection
	if errors.As(err, &rej) {
		return rej
	}
	return &normalize.Rejection{Reason: normalize.ReasonMissingField, Detail: err.Error()}
}

// recordSource 执行一次数据源调用并写入其运行记录
func (c *Coordinator) recordSource(ctx context.Context, rep *Report, logger *zap.Logger, source, collectionType string,
	exec func(ctx context.Context) (int, []*normalize.Rejection, error)) error {
	started := c.now()
	accepted, rejected, err := exec(ctx)
	completed := c.now()

	run := models.CollectionRun{
		CycleID:          rep.Run.CycleID,
		DataSource:       source,
		CollectionType:   collectionType,
		RecordsProcessed: accepted,
		RecordsRejected:  len(rejected),
		StartedAt:        started,
		CompletedAt:      &completed,
	}

	byReason := make(map[normalize.Reason]int)
	for _, rej := range rejected {
		byReason[rej.Reason]++
		c.metrics.RecordRejected(metricLabel(source, collectionType), string(rej.Reason))
		logger.Debug("Rejected record",
			zap.String("source", rej.Source),
			zap.String("key", rej.Key),
			zap.String("reason", string(rej.Reason)),
			zap.String("detail", rej.Detail))
	}
	c.metrics.RecordsAccepted(metricLabel(source, collectionType), accepted)

	var details []string
	if len(rejected) > 0 {
		parts := make([]string, 0, len(byReason))
		for _, reason := range normalize.Reasons {
			if n := byReason[reason]; n > 0 {
				parts = append(parts, fmt.Sprintf("%s=%d", reason, n))
			}
		}
		details = append(details, fmt.Sprintf("%d rejected: %s", len(rejected), strings.Join(parts, ", ")))
		logger.Warn("Rejected raw records",
			zap.String("source", source),
			zap.String("collection_type", collectionType),
			zap.Int("count", len(rejected)),
			zap.Strings("reasons", parts))
	}

	switch {
	case err != nil:
		run.Status = models.RunFailed
		details = append(details, err.Error())
		err = wrap(KindCollaborator, fmt.Sprintf("collect %s %s", source, collectionType), "", err)
		logger.Error("Failed to collect source",
			zap.String("source", source),
			zap.String("collection_type", collectionType),
			zap.Error(err))
	case len(rejected) > 0:
		run.Status = models.RunPartial
	default:
		run.Status = models.RunSuccess
	}
	if len(details) > 0 {
		d := strings.Join(details, "; ")
		run.ErrorDetail = &d
	}

	if saveErr := c.retry(context.WithoutCancel(ctx), "save source run", func(ctx context.Context) error {
		return c.store.SaveRun(ctx, &run)
	}); saveErr != nil {
		logger.Error("Failed to save source run", zap.String("source", source), zap.Error(saveErr))
	}

	rep.Sources = append(rep.Sources, run)
	rep.Run.RecordsProcessed += accepted
	rep.Run.RecordsRejected += len(rejected)
	return err
}

// saveStationRun 记录单站失败的运行，DataSource 为站点 ID
func (c *Coordinator) saveStationRun(ctx context.Context, rep *Report, res *StationResult, started time.Time, logger *zap.Logger) {
	completed := c.now()
	detail := res.Error
	run := models.CollectionRun{
		CycleID:        rep.Run.CycleID,
		DataSource:     res.StationID,
		CollectionType: StationType,
		StationsFailed: 1,
		AlignmentGaps:  res.AlignmentGaps,
		Status:         models.RunFailed,
		ErrorDetail:    &detail,
		StartedAt:      started,
		CompletedAt:    &completed,
	}
	if err := c.retry(context.WithoutCancel(ctx), "save station run", func(ctx context.Context) error {
		return c.store.SaveRun(ctx, &run)
	}); err != nil {
		logger.Error("Failed to save station run", zap.String("station_id", res.StationID), zap.Error(err))
	}
	rep.Sources = append(rep.Sources, run)
}

// processStation 单站：加锁 → 加载历史 → 对齐 → 特征 → 异常 → 整体提交
func (c *Coordinator) processStation(ctx context.Context, st models.Station, from, now time.Time, logger *zap.Logger) StationResult {
	res := StationResult{StationID: st.ID}
	logger = logger.With(zap.String("station_id", st.ID))

	release, err := c.locker.Acquire(ctx, "station:"+st.ID, c.opts.LockTTL)
	if err != nil {
		res.Skipped = errors.Is(err, lock.ErrLocked)
		res.Err = wrap(KindCollaborator, "acquire station lock", st.ID, err)
		logger.Warn("Station cycle not started", zap.Error(err))
		return res
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := release(rctx); err != nil {
			logger.Warn("Failed to release station lock", zap.Error(err))
		}
	}()

	fcfg := c.features.Config()
	currentDay := fcfg.DayStart(now)
	periodEnd := currentDay.AddDate(0, 0, 1)
	// 异常按最近一个完整的日评分，当天未结束的部分只产出特征
	evalDay := fcfg.DayStart(currentDay.Add(-time.Hour))
	firstDay := fcfg.DayStart(from)
	if evalDay.Before(firstDay) {
		firstDay = evalDay
	}
	histFrom := firstDay.AddDate(0, 0, -fcfg.TrailingDays)
	if h := c.anomalies.HistoryStart(evalDay); h.Before(histFrom) {
		histFrom = h
	}

	var hist *History
	err = c.retry(ctx, "load history", func(ctx context.Context) error {
		var err error
		hist, err = c.store.LoadHistory(ctx, st.ID, histFrom, periodEnd)
		return err
	})
	if err != nil {
		res.Err = wrap(KindCollaborator, "load history", st.ID, err)
		logger.Error("Failed to load station history", zap.Error(res.Err))
		return res
	}

	if hist == nil {
		hist = &History{}
	}
	pointIDs := hist.Station.PointIDs
	if len(pointIDs) == 0 {
		pointIDs = st.PointIDs
	}

	// 已存日级特征，按日期归一到配置时区
	daily := make(map[string]models.FeatureRecord, len(hist.Features))
	for _, f := range hist.Features {
		if !f.IsDaily() {
			continue
		}
		f.Date = dateIn(f.Date, fcfg.Location)
		daily[f.Date.Format("2006-01-02")] = f
	}

	commit := &StationCommit{StationID: st.ID}
	for day := firstDay; !day.After(currentDay); day = day.AddDate(0, 0, 1) {
		aligned := align.Align(st.ID, day, day.AddDate(0, 0, 1), hist.Sessions, hist.Weather, hist.Traffic)
		res.AlignmentGaps += aligned.Gaps()

		recs, err := c.features.ComputeDay(features.DayInput{
			StationID: st.ID,
			PointIDs:  pointIDs,
			Date:      day,
			Tuples:    aligned.Tuples,
			Traffic:   hist.Traffic,
			Events:    hist.Events,
			Prior:     hist.Sessions,
			Until:     now,
		})
		if err != nil {
			res.Err = wrap(KindOf(err), "compute features", st.ID, err)
			logger.Error("Failed to compute features", zap.Time("date", day), zap.Error(err))
			return res
		}
		commit.Features = append(commit.Features, recs...)
		daily[day.Format("2006-01-02")] = recs[0]
	}
	current := daily[evalDay.Format("2006-01-02")]

	history := make([]models.FeatureRecord, 0, len(daily))
	for _, f := range daily {
		history = append(history, f)
	}
	result, err := c.anomalies.Evaluate(anomaly.Input{
		StationID: st.ID,
		Now:       now,
		Current:   current,
		History:   history,
		Sessions:  hist.Sessions,
		Traffic:   hist.Traffic,
		Open:      hist.OpenAnomalies,
	})
	if err != nil {
		res.Err = wrap(KindInvariant, "evaluate anomalies", st.ID, err)
		logger.Error("Failed to evaluate anomalies", zap.Error(err))
		return res
	}
	commit.Opened = result.Opened
	commit.Resolved = result.Resolved

	// 取消时放弃本站，不做部分写入
	if err := ctx.Err(); err != nil {
		res.Err = wrap(KindCollaborator, "commit station", st.ID, err)
		logger.Warn("Station unit abandoned", zap.Error(err))
		return res
	}
	err = c.retry(ctx, "commit station", func(ctx context.Context) error {
		return c.store.CommitStation(ctx, commit)
	})
	if err != nil {
		res.Err = wrap(KindCollaborator, "commit station", st.ID, err)
		logger.Error("Failed to commit station", zap.Error(res.Err))
		return res
	}

	res.Features = len(commit.Features)
	res.Opened = len(commit.Opened)
	res.Resolved = len(commit.Resolved)
	for _, s := range result.Scores {
		if s.Suppressed {
			res.Suppressed++
			c.metrics.Suppressed(string(s.Type))
		}
	}
	for _, rec := range commit.Opened {
		c.metrics.Anomaly(string(rec.Type), "opened")
		c.notifier.Publish(Event{Type: EventAnomalyOpened, StationID: st.ID, Data: rec})
		logger.Info("Anomaly opened",
			zap.String("anomaly_type", string(rec.Type)),
			zap.Float64("severity", rec.Severity),
			zap.String("description", rec.Description))
	}
	for _, rec := range commit.Resolved {
		c.metrics.Anomaly(string(rec.Type), "resolved")
		c.notifier.Publish(Event{Type: EventAnomalyResolved, StationID: st.ID, Data: rec})
		logger.Info("Anomaly resolved", zap.String("anomaly_type", string(rec.Type)))
	}

	logger.Debug("Processed station",
		zap.Int("features", res.Features),
		zap.Int("opened", res.Opened),
		zap.Int("resolved", res.Resolved),
		zap.Int("suppressed", res.Suppressed),
		zap.Int("alignment_gaps", res.AlignmentGaps))
	return res
}

func metricLabel(source, collectionType string) string {
	if collectionType == "observations" {
		return source
	}
	return collectionType
}

// dateIn 取 t 的年月日，返回 loc 中的零点
func dateIn(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
