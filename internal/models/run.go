package models

import "time"

// RunStatus 采集运行状态
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunPartial RunStatus = "partial"
	RunFailed  RunStatus = "failed"
)

// CollectionRun 采集运行记录，完成后写入一次
type CollectionRun struct {
	ID               int64      `json:"id" db:"id"`
	CycleID          string     `json:"cycle_id" db:"cycle_id"`
	DataSource       string     `json:"data_source" db:"data_source"`
	CollectionType   string     `json:"collection_type" db:"collection_type"`
	RecordsProcessed int        `json:"records_processed" db:"records_processed"`
	RecordsRejected  int        `json:"records_rejected" db:"records_rejected"`
	StationsOK       int        `json:"stations_ok" db:"stations_ok"`
	StationsFailed   int        `json:"stations_failed" db:"stations_failed"`
	AlignmentGaps    int        `json:"alignment_gaps" db:"alignment_gaps"`
	Status           RunStatus  `json:"status" db:"status"`
	ErrorDetail      *string    `json:"error_detail,omitempty" db:"error_detail"`
	StartedAt        time.Time  `json:"started_at" db:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}
