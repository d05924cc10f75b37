package repository

import (
	"context"
	"fmt"

	"github.com/langchou/evpulse/internal/models"
)

// RunRepository 采集运行记录
type RunRepository struct {
	db *DB
}

// NewRunRepository 创建运行记录仓库
func NewRunRepository(db *DB) *RunRepository {
	return &RunRepository{db: db}
}

// Create 写入运行记录，完成后不再修改
func (r *RunRepository) Create(ctx context.Context, run *models.CollectionRun) error {
	query := `
		INSERT INTO collection_runs (cycle_id, data_source, collection_type, records_processed, records_rejected,
			stations_ok, stations_failed, alignment_gaps, status, error_detail, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id
	`
	err := r.db.Pool.QueryRow(ctx, query,
		run.CycleID,
		run.DataSource,
		run.CollectionType,
		run.RecordsProcessed,
		run.RecordsRejected,
		run.StationsOK,
		run.StationsFailed,
		run.AlignmentGaps,
		run.Status,
		run.ErrorDetail,
		run.StartedAt,
		run.CompletedAt,
	).Scan(&run.ID)
	if err != nil {
		return fmt.Errorf("insert collection run: %w", err)
	}
	return nil
}

// List 最近的运行记录
func (r *RunRepository) List(ctx context.Context, limit int) ([]models.CollectionRun, error) {
	query := `
		SELECT id, cycle_id, data_source, collection_type, records_processed, records_rejected,
			stations_ok, stations_failed, alignment_gaps, status, error_detail, started_at, completed_at
		FROM collection_runs ORDER BY started_at DESC, id DESC LIMIT $1
	`
	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list collection runs: %w", err)
	}
	defer rows.Close()

	var runs []models.CollectionRun
	for rows.Next() {
		var run models.CollectionRun
		err := rows.Scan(
			&run.ID,
			&run.CycleID,
			&run.DataSource,
			&run.CollectionType,
			&run.RecordsProcessed,
			&run.RecordsRejected,
			&run.StationsOK,
			&run.StationsFailed,
			&run.AlignmentGaps,
			&run.Status,
			&run.ErrorDetail,
			&run.StartedAt,
			&run.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan collection run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
