package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/langchou/evpulse/internal/models"
)

// ObservationRepository 天气、交通、会话与状态事件
type ObservationRepository struct {
	db *DB
}

// NewObservationRepository 创建观测仓库
func NewObservationRepository(db *DB) *ObservationRepository {
	return &ObservationRepository{db: db}
}

// Save 批量写入，重复记录按唯一键幂等处理
func (r *ObservationRepository) Save(ctx context.Context, weather []models.WeatherObservation, traffic []models.TrafficObservation,
	sessions []models.UsageSession, events []models.StatusEvent) error {
	batch := &pgx.Batch{}
	for _, w := range weather {
		batch.Queue(`
			INSERT INTO weather_observations (station_id, recorded_at, temperature_c, humidity_pct, pressure_hpa,
				wind_speed_ms, wind_direction_deg, precipitation_mm, condition, visibility_km, uv_index)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (station_id, recorded_at) DO NOTHING
		`, w.StationID, w.RecordedAt, w.TemperatureC, w.HumidityPct, w.PressureHPa,
			w.WindSpeedMS, w.WindDirectionDeg, w.PrecipitationMM, w.Condition, w.VisibilityKm, w.UVIndex)
	}
	for _, t := range traffic {
		batch.Queue(`
			INSERT INTO traffic_observations (station_id, recorded_at, density, avg_speed_kmh, congestion, road_type, distance_km)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (station_id, recorded_at, road_type) DO NOTHING
		`, t.StationID, t.RecordedAt, t.Density, t.AvgSpeedKmh, t.Congestion, t.RoadType, t.DistanceKm)
	}
	for _, s := range sessions {
		// 会话不可变，重复 ID 保留首次写入
		batch.Queue(`
			INSERT INTO usage_sessions (id, station_id, point_id, start_time, end_time, energy_kwh, cost)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING
		`, s.ID, s.StationID, s.PointID, s.StartTime, s.EndTime, s.EnergyKWh, s.Cost)
	}
	for _, e := range events {
		batch.Queue(`
			INSERT INTO status_events (station_id, point_id, status, recorded_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (station_id, point_id, recorded_at, status) DO NOTHING
		`, e.StationID, e.PointID, e.Status, e.RecordedAt)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := r.db.Pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save observations: %w", err)
	}
	return nil
}

// ListWeather [from, to) 内的天气观测
func (r *ObservationRepository) ListWeather(ctx context.Context, stationID string, from, to time.Time) ([]models.WeatherObservation, error) {
	query := `
		SELECT station_id, recorded_at, temperature_c, humidity_pct, pressure_hpa, wind_speed_ms,
			wind_direction_deg, precipitation_mm, condition, visibility_km, uv_index
		FROM weather_observations
		WHERE station_id = $1 AND recorded_at >= $2 AND recorded_at < $3
		ORDER BY recorded_at
	`
	rows, err := r.db.Pool.Query(ctx, query, stationID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list weather: %w", err)
	}
	defer rows.Close()

	var out []models.WeatherObservation
	for rows.Next() {
		var w models.WeatherObservation
		err := rows.Scan(
			&w.StationID,
			&w.RecordedAt,
			&w.TemperatureC,
			&w.HumidityPct,
			&w.PressureHPa,
			&w.WindSpeedMS,
			&w.WindDirectionDeg,
			&w.PrecipitationMM,
			&w.Condition,
			&w.VisibilityKm,
			&w.UVIndex,
		)
		if err != nil {
			return nil, fmt.Errorf("scan weather: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ListTraffic [from, to) 内的交通观测
func (r *ObservationRepository) ListTraffic(ctx context.Context, stationID string, from, to time.Time) ([]models.TrafficObservation, error) {
	query := `
		SELECT station_id, recorded_at, density, avg_speed_kmh, congestion, road_type, distance_km
		FROM traffic_observations
		WHERE station_id = $1 AND recorded_at >= $2 AND recorded_at < $3
		ORDER BY recorded_at
	`
	rows, err := r.db.Pool.Query(ctx, query, stationID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list traffic: %w", err)
	}
	defer rows.Close()

	var out []models.TrafficObservation
	for rows.Next() {
		var t models.TrafficObservation
		if err := rows.Scan(&t.StationID, &t.RecordedAt, &t.Density, &t.AvgSpeedKmh, &t.Congestion, &t.RoadType, &t.DistanceKm); err != nil {
			return nil, fmt.Errorf("scan traffic: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListSessions 开始时间在 [from, to) 内的会话
func (r *ObservationRepository) ListSessions(ctx context.Context, stationID string, from, to time.Time) ([]models.UsageSession, error) {
	query := `
		SELECT id, station_id, point_id, start_time, end_time, energy_kwh, cost
		FROM usage_sessions
		WHERE station_id = $1 AND start_time >= $2 AND start_time < $3
		ORDER BY start_time, id
	`
	rows, err := r.db.Pool.Query(ctx, query, stationID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []models.UsageSession
	for rows.Next() {
		var s models.UsageSession
		if err := rows.Scan(&s.ID, &s.StationID, &s.PointID, &s.StartTime, &s.EndTime, &s.EnergyKWh, &s.Cost); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListEvents [from, to) 内的状态事件，外加 from 之前每个桩（含整站）的最近一条
func (r *ObservationRepository) ListEvents(ctx context.Context, stationID string, from, to time.Time) ([]models.StatusEvent, error) {
	query := `
		(
			SELECT DISTINCT ON (point_id) station_id, point_id, status, recorded_at
			FROM status_events
			WHERE station_id = $1 AND recorded_at < $2
			ORDER BY point_id, recorded_at DESC, status
		)
		UNION ALL
		(
			SELECT station_id, point_id, status, recorded_at
			FROM status_events
			WHERE station_id = $1 AND recorded_at >= $2 AND recorded_at < $3
		)
		ORDER BY recorded_at, point_id
	`
	rows, err := r.db.Pool.Query(ctx, query, stationID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list status events: %w", err)
	}
	defer rows.Close()

	var out []models.StatusEvent
	for rows.Next() {
		var e models.StatusEvent
		if err := rows.Scan(&e.StationID, &e.PointID, &e.Status, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan status event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
