package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/langchou/evpulse/internal/models"
)

// AnomalyRepository 异常记录，只追加；仅 resolved 字段可更新
type AnomalyRepository struct {
	db *DB
}

// NewAnomalyRepository 创建异常仓库
func NewAnomalyRepository(db *DB) *AnomalyRepository {
	return &AnomalyRepository{db: db}
}

const anomalyColumns = `id, station_id, anomaly_type, severity_score, detected_at, description, is_resolved, resolved_at`

func scanAnomaly(row pgx.Row) (models.AnomalyRecord, error) {
	var a models.AnomalyRecord
	err := row.Scan(
		&a.ID,
		&a.StationID,
		&a.Type,
		&a.Severity,
		&a.DetectedAt,
		&a.Description,
		&a.Resolved,
		&a.ResolvedAt,
	)
	return a, err
}

func (r *AnomalyRepository) create(ctx context.Context, q querier, a *models.AnomalyRecord) error {
	query := `
		INSERT INTO anomaly_records (station_id, anomaly_type, severity_score, detected_at, description, is_resolved)
		VALUES ($1, $2, $3, $4, $5, false)
		RETURNING id
	`
	err := q.QueryRow(ctx, query, a.StationID, a.Type, a.Severity, a.DetectedAt, a.Description).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("insert anomaly record: %w", err)
	}
	return nil
}

func (r *AnomalyRepository) resolve(ctx context.Context, q querier, a models.AnomalyRecord) error {
	tag, err := q.Exec(ctx, `
		UPDATE anomaly_records SET is_resolved = true, resolved_at = $2
		WHERE id = $1 AND NOT is_resolved
	`, a.ID, a.ResolvedAt)
	if err != nil {
		return fmt.Errorf("resolve anomaly record %d: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("resolve anomaly record %d: %w", a.ID, pgx.ErrNoRows)
	}
	return nil
}

// ListOpen 站点未解决的异常
func (r *AnomalyRepository) ListOpen(ctx context.Context, stationID string) ([]models.AnomalyRecord, error) {
	return r.query(ctx, `SELECT `+anomalyColumns+` FROM anomaly_records
		WHERE station_id = $1 AND NOT is_resolved ORDER BY detected_at`, stationID)
}

// ListByStation 站点异常，openOnly 为 true 时仅返回未解决的
func (r *AnomalyRepository) ListByStation(ctx context.Context, stationID string, openOnly bool, limit int) ([]models.AnomalyRecord, error) {
	return r.query(ctx, `SELECT `+anomalyColumns+` FROM anomaly_records
		WHERE station_id = $1 AND (NOT $2 OR NOT is_resolved)
		ORDER BY detected_at DESC, id DESC LIMIT $3`, stationID, openOnly, limit)
}

func (r *AnomalyRepository) query(ctx context.Context, query string, args ...any) ([]models.AnomalyRecord, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list anomaly records: %w", err)
	}
	defer rows.Close()

	var out []models.AnomalyRecord
	for rows.Next() {
		a, err := scanAnomaly(rows)
		if err != nil {
			return nil, fmt.Errorf("scan anomaly record: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
