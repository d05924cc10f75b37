package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/langchou/evpulse/internal/models"
)

// StationRepository 充电站与充电桩
type StationRepository struct {
	db *DB
}

// NewStationRepository 创建充电站仓库
func NewStationRepository(db *DB) *StationRepository {
	return &StationRepository{db: db}
}

const stationColumns = `id, name, latitude, longitude, operator, network, status, updated_at`

func scanStation(row pgx.Row) (models.Station, error) {
	var s models.Station
	err := row.Scan(
		&s.ID,
		&s.Name,
		&s.Latitude,
		&s.Longitude,
		&s.Operator,
		&s.Network,
		&s.Status,
		&s.UpdatedAt,
	)
	return s, err
}

// List 全部充电站，附带桩 ID
func (r *StationRepository) List(ctx context.Context) ([]models.Station, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT `+stationColumns+` FROM stations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list stations: %w", err)
	}
	defer rows.Close()

	var stations []models.Station
	index := make(map[string]int)
	for rows.Next() {
		s, err := scanStation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan station: %w", err)
		}
		index[s.ID] = len(stations)
		stations = append(stations, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list stations: %w", err)
	}

	points, err := r.db.Pool.Query(ctx, `SELECT station_id, id FROM charging_points ORDER BY station_id, id`)
	if err != nil {
		return nil, fmt.Errorf("list charging points: %w", err)
	}
	defer points.Close()
	for points.Next() {
		var stationID, pointID string
		if err := points.Scan(&stationID, &pointID); err != nil {
			return nil, fmt.Errorf("scan charging point: %w", err)
		}
		if i, ok := index[stationID]; ok {
			stations[i].PointIDs = append(stations[i].PointIDs, pointID)
		}
	}
	return stations, points.Err()
}

// GetByID 获取充电站
func (r *StationRepository) GetByID(ctx context.Context, id string) (*models.Station, error) {
	return r.get(ctx, r.db.Pool, id)
}

func (r *StationRepository) get(ctx context.Context, q querier, id string) (*models.Station, error) {
	s, err := scanStation(q.QueryRow(ctx, `SELECT `+stationColumns+` FROM stations WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get station %s: %w", id, err)
	}

	rows, err := q.Query(ctx, `SELECT id FROM charging_points WHERE station_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("list charging points: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var pointID string
		if err := rows.Scan(&pointID); err != nil {
			return nil, fmt.Errorf("scan charging point: %w", err)
		}
		s.PointIDs = append(s.PointIDs, pointID)
	}
	return &s, rows.Err()
}

// ListPoints 充电站下的充电桩
func (r *StationRepository) ListPoints(ctx context.Context, stationID string) ([]models.ChargingPoint, error) {
	query := `
		SELECT id, station_id, connector_type, power_kw, status
		FROM charging_points WHERE station_id = $1 ORDER BY id
	`
	rows, err := r.db.Pool.Query(ctx, query, stationID)
	if err != nil {
		return nil, fmt.Errorf("list charging points: %w", err)
	}
	defer rows.Close()

	var points []models.ChargingPoint
	for rows.Next() {
		var p models.ChargingPoint
		if err := rows.Scan(&p.ID, &p.StationID, &p.ConnectorType, &p.PowerKW, &p.Status); err != nil {
			return nil, fmt.Errorf("scan charging point: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// Upsert 按 ID 写入充电站与充电桩
func (r *StationRepository) Upsert(ctx context.Context, stations []models.Station, points []models.ChargingPoint) error {
	return pgx.BeginFunc(ctx, r.db.Pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, s := range stations {
			batch.Queue(`
				INSERT INTO stations (id, name, latitude, longitude, operator, network, status)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (id) DO UPDATE SET
					name = EXCLUDED.name,
					latitude = EXCLUDED.latitude,
					longitude = EXCLUDED.longitude,
					operator = EXCLUDED.operator,
					network = EXCLUDED.network,
					status = EXCLUDED.status,
					updated_at = NOW()
			`, s.ID, s.Name, s.Latitude, s.Longitude, s.Operator, s.Network, s.Status)
		}
		for _, p := range points {
			batch.Queue(`
				INSERT INTO charging_points (id, station_id, connector_type, power_kw, status)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (id) DO UPDATE SET
					station_id = EXCLUDED.station_id,
					connector_type = EXCLUDED.connector_type,
					power_kw = EXCLUDED.power_kw,
					status = EXCLUDED.status
			`, p.ID, p.StationID, p.ConnectorType, p.PowerKW, p.Status)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("upsert stations: %w", err)
		}
		return nil
	})
}
