package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/langchou/evpulse/internal/models"
	"github.com/langchou/evpulse/internal/pipeline"
)

// Store 基于 PostgreSQL 的存储协作方
type Store struct {
	db *DB

	Stations     *StationRepository
	Observations *ObservationRepository
	Features     *FeatureRepository
	Anomalies    *AnomalyRepository
	Runs         *RunRepository
}

var _ pipeline.Store = (*Store)(nil)

// NewStore 创建存储
func NewStore(db *DB) *Store {
	return &Store{
		db:           db,
		Stations:     NewStationRepository(db),
		Observations: NewObservationRepository(db),
		Features:     NewFeatureRepository(db),
		Anomalies:    NewAnomalyRepository(db),
		Runs:         NewRunRepository(db),
	}
}

// ListStations 全部充电站
func (s *Store) ListStations(ctx context.Context) ([]models.Station, error) {
	return s.Stations.List(ctx)
}

// GetStation 单个充电站
func (s *Store) GetStation(ctx context.Context, id string) (*models.Station, error) {
	return s.Stations.GetByID(ctx, id)
}

// SaveStations 写入站点登记
func (s *Store) SaveStations(ctx context.Context, stations []models.Station, points []models.ChargingPoint) error {
	return s.Stations.Upsert(ctx, stations, points)
}

// SaveObservations 写入一批规范化记录
func (s *Store) SaveObservations(ctx context.Context, obs pipeline.Observations) error {
	return s.Observations.Save(ctx, obs.Weather, obs.Traffic, obs.Sessions, obs.Events)
}

// LoadHistory 加载单站 [from, to) 的历史窗口
func (s *Store) LoadHistory(ctx context.Context, stationID string, from, to time.Time) (*pipeline.History, error) {
	st, err := s.Stations.GetByID(ctx, stationID)
	if err != nil {
		return nil, err
	}
	h := &pipeline.History{Station: *st}

	if h.Sessions, err = s.Observations.ListSessions(ctx, stationID, from, to); err != nil {
		return nil, err
	}
	if h.Weather, err = s.Observations.ListWeather(ctx, stationID, from, to); err != nil {
		return nil, err
	}
	if h.Traffic, err = s.Observations.ListTraffic(ctx, stationID, from, to); err != nil {
		return nil, err
	}
	if h.Events, err = s.Observations.ListEvents(ctx, stationID, from, to); err != nil {
		return nil, err
	}
	if h.Features, err = s.Features.ListDaily(ctx, stationID, from, to); err != nil {
		return nil, err
	}
	if h.OpenAnomalies, err = s.Anomalies.ListOpen(ctx, stationID); err != nil {
		return nil, err
	}
	return h, nil
}

// CommitStation 在一个事务内写入单站的特征与异常变更
func (s *Store) CommitStation(ctx context.Context, c *pipeline.StationCommit) error {
	err := pgx.BeginFunc(ctx, s.db.Pool, func(tx pgx.Tx) error {
		if err := s.Features.replace(ctx, tx, c.Features); err != nil {
			return err
		}
		for i := range c.Opened {
			if err := s.Anomalies.create(ctx, tx, &c.Opened[i]); err != nil {
				return err
			}
		}
		for _, rec := range c.Resolved {
			if err := s.Anomalies.resolve(ctx, tx, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit station %s: %w", c.StationID, err)
	}
	return nil
}

// SaveRun 写入运行记录
func (s *Store) SaveRun(ctx context.Context, run *models.CollectionRun) error {
	return s.Runs.Create(ctx, run)
}

// ListFeatures [from, to) 内的特征记录
func (s *Store) ListFeatures(ctx context.Context, stationID string, from, to time.Time, hourly bool) ([]models.FeatureRecord, error) {
	return s.Features.List(ctx, stationID, from, to, hourly)
}

// ListAnomalies 站点异常记录
func (s *Store) ListAnomalies(ctx context.Context, stationID string, openOnly bool, limit int) ([]models.AnomalyRecord, error) {
	return s.Anomalies.ListByStation(ctx, stationID, openOnly, limit)
}

// ListRuns 最近的运行记录
func (s *Store) ListRuns(ctx context.Context, limit int) ([]models.CollectionRun, error) {
	return s.Runs.List(ctx, limit)
}
