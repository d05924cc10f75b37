package pipeline

import (
	"context"
	"time"

	"github.com/langchou/evpulse/internal/models"
	"github.com/langchou/evpulse/internal/normalize"
)

// StationSource 充电站登记
type StationSource interface {
	FetchStations(ctx context.Context) ([]normalize.RawStation, error)
}

// WeatherSource 天气观测
type WeatherSource interface {
	FetchWeather(ctx context.Context, stationIDs []string, from, to time.Time) ([]normalize.RawWeather, error)
}

// TrafficSource 交通观测
type TrafficSource interface {
	FetchTraffic(ctx context.Context, stationIDs []string, from, to time.Time) ([]normalize.RawTraffic, error)
}

// UsageSource 充电会话与状态事件
type UsageSource interface {
	FetchSessions(ctx context.Context, stationIDs []string, from, to time.Time) ([]normalize.RawSession, error)
	FetchStatusEvents(ctx context.Context, stationIDs []string, from, to time.Time) ([]normalize.RawStatusEvent, error)
}

// Sources 采集端集合；为 nil 的数据源本周期跳过
type Sources struct {
	Stations StationSource
	Weather  WeatherSource
	Traffic  TrafficSource
	Usage    UsageSource
}

// Observations 一批规范化记录
type Observations struct {
	Weather  []models.WeatherObservation
	Traffic  []models.TrafficObservation
	Sessions []models.UsageSession
	Events   []models.StatusEvent
}

// Len 记录总数
func (o *Observations) Len() int {
	return len(o.Weather) + len(o.Traffic) + len(o.Sessions) + len(o.Events)
}

// History 单站的历史数据窗口
type History struct {
	Station  models.Station
	Sessions []models.UsageSession
	Weather  []models.WeatherObservation
	Traffic  []models.TrafficObservation
	// 窗口内事件，外加窗口开始前每个桩（及整站）的最近一条
	Events []models.StatusEvent
	// 窗口内已存的日级特征
	Features      []models.FeatureRecord
	OpenAnomalies []models.AnomalyRecord
}

// StationCommit 单站单周期的写入，整体提交或整体放弃
type StationCommit struct {
	StationID string
	Features  []models.FeatureRecord // 按 (station, date, hour) 替换
	Opened    []models.AnomalyRecord // 新建；提交后回填 ID
	Resolved  []models.AnomalyRecord // 只更新 resolved 字段
}

// Store 存储协作方
type Store interface {
	ListStations(ctx context.Context) ([]models.Station, error)
	SaveStations(ctx context.Context, stations []models.Station, points []models.ChargingPoint) error
	SaveObservations(ctx context.Context, obs Observations) error
	LoadHistory(ctx context.Context, stationID string, from, to time.Time) (*History, error)
	CommitStation(ctx context.Context, commit *StationCommit) error
	SaveRun(ctx context.Context, run *models.CollectionRun) error
}

// 通知事件类型
const (
	EventAnomalyOpened   = "anomaly_opened"
	EventAnomalyResolved = "anomaly_resolved"
	EventCycleCompleted  = "cycle_completed"
)

// Event 推送给订阅方的事件；StationID 为空表示全局事件
type Event struct {
	Type      string
	StationID string
	Data      interface{}
}

// Notifier 事件推送
type Notifier interface {
	Publish(ev Event)
}

// NotifierFunc 函数适配器
type NotifierFunc func(ev Event)

// Publish 实现 Notifier
func (f NotifierFunc) Publish(ev Event) { f(ev) }
