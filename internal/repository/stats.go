package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/langchou/evpulse/internal/models"
)

const stationStatsQuery = `
	SELECT s.id, s.name,
		(SELECT COUNT(*) FROM weather_observations w WHERE w.station_id = s.id),
		(SELECT COUNT(*) FROM traffic_observations t WHERE t.station_id = s.id),
		(SELECT COUNT(*) FROM usage_sessions u WHERE u.station_id = s.id),
		(SELECT COUNT(*) FROM anomaly_records a WHERE a.station_id = s.id),
		(SELECT COUNT(*) FROM anomaly_records a WHERE a.station_id = s.id AND NOT a.is_resolved),
		(SELECT AVG(w.temperature_c) FROM weather_observations w WHERE w.station_id = s.id),
		(SELECT AVG(t.density) FROM traffic_observations t WHERE t.station_id = s.id)
	FROM stations s
`

func scanStats(row pgx.Row) (models.StationStats, error) {
	var st models.StationStats
	err := row.Scan(
		&st.StationID,
		&st.Name,
		&st.WeatherRecords,
		&st.TrafficRecords,
		&st.SessionCount,
		&st.AnomalyCount,
		&st.OpenAnomalyCount,
		&st.AvgTemperature,
		&st.AvgTrafficDensity,
	)
	return st, err
}

// StationStats 单站统计
func (s *Store) StationStats(ctx context.Context, stationID string) (*models.StationStats, error) {
	st, err := scanStats(s.db.Pool.QueryRow(ctx, stationStatsQuery+` WHERE s.id = $1`, stationID))
	if err != nil {
		return nil, fmt.Errorf("get station stats: %w", err)
	}
	return &st, nil
}

// AllStationStats 全部站点统计
func (s *Store) AllStationStats(ctx context.Context) ([]models.StationStats, error) {
	rows, err := s.db.Pool.Query(ctx, stationStatsQuery+` ORDER BY s.id`)
	if err != nil {
		return nil, fmt.Errorf("list station stats: %w", err)
	}
	defer rows.Close()

	var out []models.StationStats
	for rows.Next() {
		st, err := scanStats(rows)
		if err != nil {
			return nil, fmt.Errorf("scan station stats: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
