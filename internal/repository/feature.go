package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/langchou/evpulse/internal/models"
)

// FeatureRepository 特征记录
type FeatureRepository struct {
	db *DB
}

// NewFeatureRepository 创建特征仓库
func NewFeatureRepository(db *DB) *FeatureRepository {
	return &FeatureRepository{db: db}
}

const featureColumns = `station_id, date, hour, day_of_week, is_weekend, is_holiday,
	avg_downtime_minutes, total_downtime_minutes, energy_per_traffic, storm_usage_spike, storm_spike_ratio,
	peak_usage_hours, avg_wait_minutes, total_sessions, total_energy_kwh`

func scanFeature(row pgx.Row) (models.FeatureRecord, error) {
	var f models.FeatureRecord
	err := row.Scan(
		&f.StationID,
		&f.Date,
		&f.Hour,
		&f.DayOfWeek,
		&f.IsWeekend,
		&f.IsHoliday,
		&f.AvgDowntimeMinutes,
		&f.TotalDowntimeMinutes,
		&f.EnergyPerTrafficDensity,
		&f.StormUsageSpike,
		&f.StormSpikeRatio,
		&f.PeakUsageHours,
		&f.AvgWaitMinutes,
		&f.TotalSessions,
		&f.TotalEnergyKWh,
	)
	return f, err
}

// replace 按 (station, date, hour) 整体替换
func (r *FeatureRepository) replace(ctx context.Context, q querier, records []models.FeatureRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, f := range records {
		batch.Queue(`
			INSERT INTO feature_records (`+featureColumns+`, hour_key)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			ON CONFLICT (station_id, date, hour_key) DO UPDATE SET
				day_of_week = EXCLUDED.day_of_week,
				is_weekend = EXCLUDED.is_weekend,
				is_holiday = EXCLUDED.is_holiday,
				avg_downtime_minutes = EXCLUDED.avg_downtime_minutes,
				total_downtime_minutes = EXCLUDED.total_downtime_minutes,
				energy_per_traffic = EXCLUDED.energy_per_traffic,
				storm_usage_spike = EXCLUDED.storm_usage_spike,
				storm_spike_ratio = EXCLUDED.storm_spike_ratio,
				peak_usage_hours = EXCLUDED.peak_usage_hours,
				avg_wait_minutes = EXCLUDED.avg_wait_minutes,
				total_sessions = EXCLUDED.total_sessions,
				total_energy_kwh = EXCLUDED.total_energy_kwh,
				updated_at = NOW()
		`,
			f.StationID,
			dateOnly(f.Date),
			f.Hour,
			f.DayOfWeek,
			f.IsWeekend,
			f.IsHoliday,
			f.AvgDowntimeMinutes,
			f.TotalDowntimeMinutes,
			f.EnergyPerTrafficDensity,
			f.StormUsageSpike,
			f.StormSpikeRatio,
			f.PeakUsageHours,
			f.AvgWaitMinutes,
			f.TotalSessions,
			f.TotalEnergyKWh,
			f.HourKey(),
		)
	}
	if err := q.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert feature records: %w", err)
	}
	return nil
}

// ListDaily [from, to) 内的日级记录
func (r *FeatureRepository) ListDaily(ctx context.Context, stationID string, from, to time.Time) ([]models.FeatureRecord, error) {
	return r.list(ctx, stationID, from, to, false)
}

// List [from, to) 内的记录；hourly 为 true 时包含小时级记录
func (r *FeatureRepository) List(ctx context.Context, stationID string, from, to time.Time, hourly bool) ([]models.FeatureRecord, error) {
	return r.list(ctx, stationID, from, to, hourly)
}

func (r *FeatureRepository) list(ctx context.Context, stationID string, from, to time.Time, hourly bool) ([]models.FeatureRecord, error) {
	query := `
		SELECT ` + featureColumns + `
		FROM feature_records
		WHERE station_id = $1 AND date >= $2 AND date < $3 AND ($4 OR hour_key = -1)
		ORDER BY date, hour_key
	`
	rows, err := r.db.Pool.Query(ctx, query, stationID, dateOnly(from), dateOnly(to), hourly)
	if err != nil {
		return nil, fmt.Errorf("list feature records: %w", err)
	}
	defer rows.Close()

	var out []models.FeatureRecord
	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			return nil, fmt.Errorf("scan feature record: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// dateOnly 取 t 自身时区下的年月日，用于 DATE 列
func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
