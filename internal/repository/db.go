package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB 数据库连接池封装
type DB struct {
	Pool *pgxpool.Pool
}

// querier 连接池与事务的公共部分
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// New 创建数据库连接
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	// 连接池配置
	config.MaxConns = 10
	config.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close 关闭连接池
func (db *DB) Close() {
	db.Pool.Close()
}

// Ping 健康检查
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Migrate 执行数据库迁移
func (db *DB) Migrate(ctx context.Context) error {
	for _, m := range migrations {
		if _, err := db.Pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}
	return nil
}

var migrations = []string{
	migrationCreateStations,
	migrationCreateChargingPoints,
	migrationCreateWeatherObservations,
	migrationCreateTrafficObservations,
	migrationCreateUsageSessions,
	migrationCreateStatusEvents,
	migrationCreateFeatureRecords,
	migrationCreateAnomalyRecords,
	migrationCreateCollectionRuns,
}

// 数据库迁移 SQL
const migrationCreateStations = `
CREATE TABLE IF NOT EXISTS stations (
    id VARCHAR(100) PRIMARY KEY,
    name VARCHAR(500) NOT NULL DEFAULT '',
    latitude DOUBLE PRECISION NOT NULL,
    longitude DOUBLE PRECISION NOT NULL,
    operator VARCHAR(255) NOT NULL DEFAULT '',
    network VARCHAR(255) NOT NULL DEFAULT '',
    status VARCHAR(20) NOT NULL DEFAULT 'unknown',
    created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_stations_location ON stations(latitude, longitude);
`

const migrationCreateChargingPoints = `
CREATE TABLE IF NOT EXISTS charging_points (
    id VARCHAR(100) PRIMARY KEY,
    station_id VARCHAR(100) NOT NULL REFERENCES stations(id) ON DELETE CASCADE,
    connector_type VARCHAR(50) NOT NULL DEFAULT '',
    power_kw DOUBLE PRECISION NOT NULL DEFAULT 0,
    status VARCHAR(20) NOT NULL DEFAULT 'available'
);
CREATE INDEX IF NOT EXISTS idx_charging_points_station_id ON charging_points(station_id);
`

const migrationCreateWeatherObservations = `
CREATE TABLE IF NOT EXISTS weather_observations (
    id BIGSERIAL PRIMARY KEY,
    station_id VARCHAR(100) NOT NULL REFERENCES stations(id) ON DELETE CASCADE,
    recorded_at TIMESTAMP WITH TIME ZONE NOT NULL,
    temperature_c DOUBLE PRECISION,
    humidity_pct DOUBLE PRECISION,
    pressure_hpa DOUBLE PRECISION,
    wind_speed_ms DOUBLE PRECISION,
    wind_direction_deg DOUBLE PRECISION,
    precipitation_mm DOUBLE PRECISION,
    condition VARCHAR(100) NOT NULL DEFAULT '',
    visibility_km DOUBLE PRECISION,
    uv_index DOUBLE PRECISION,
    UNIQUE (station_id, recorded_at)
);
CREATE INDEX IF NOT EXISTS idx_weather_station_time ON weather_observations(station_id, recorded_at);
`

const migrationCreateTrafficObservations = `
CREATE TABLE IF NOT EXISTS traffic_observations (
    id BIGSERIAL PRIMARY KEY,
    station_id VARCHAR(100) NOT NULL REFERENCES stations(id) ON DELETE CASCADE,
    recorded_at TIMESTAMP WITH TIME ZONE NOT NULL,
    density DOUBLE PRECISION NOT NULL,
    avg_speed_kmh DOUBLE PRECISION,
    congestion VARCHAR(20) NOT NULL DEFAULT 'low',
    road_type VARCHAR(100) NOT NULL DEFAULT 'highway',
    distance_km DOUBLE PRECISION,
    UNIQUE (station_id, recorded_at, road_type)
);
CREATE INDEX IF NOT EXISTS idx_traffic_station_time ON traffic_observations(station_id, recorded_at);
`

const migrationCreateUsageSessions = `
CREATE TABLE IF NOT EXISTS usage_sessions (
    id VARCHAR(100) PRIMARY KEY,
    station_id VARCHAR(100) NOT NULL REFERENCES stations(id) ON DELETE CASCADE,
    point_id VARCHAR(100) NOT NULL DEFAULT '',
    start_time TIMESTAMP WITH TIME ZONE NOT NULL,
    end_time TIMESTAMP WITH TIME ZONE,
    energy_kwh DOUBLE PRECISION NOT NULL DEFAULT 0,
    cost DOUBLE PRECISION
);
CREATE INDEX IF NOT EXISTS idx_usage_sessions_station_start ON usage_sessions(station_id, start_time);
`

const migrationCreateStatusEvents = `
CREATE TABLE IF NOT EXISTS status_events (
    id BIGSERIAL PRIMARY KEY,
    station_id VARCHAR(100) NOT NULL REFERENCES stations(id) ON DELETE CASCADE,
    point_id VARCHAR(100) NOT NULL DEFAULT '',
    status VARCHAR(20) NOT NULL,
    recorded_at TIMESTAMP WITH TIME ZONE NOT NULL,
    UNIQUE (station_id, point_id, recorded_at, status)
);
CREATE INDEX IF NOT EXISTS idx_status_events_station_time ON status_events(station_id, recorded_at);
`

// hour_key 为 -1 表示日级记录，使日级与小时级共用一个唯一键
const migrationCreateFeatureRecords = `
CREATE TABLE IF NOT EXISTS feature_records (
    id BIGSERIAL PRIMARY KEY,
    station_id VARCHAR(100) NOT NULL REFERENCES stations(id) ON DELETE CASCADE,
    date DATE NOT NULL,
    hour INT,
    hour_key INT NOT NULL DEFAULT -1,
    day_of_week INT NOT NULL,
    is_weekend BOOLEAN NOT NULL DEFAULT false,
    is_holiday BOOLEAN NOT NULL DEFAULT false,
    avg_downtime_minutes DOUBLE PRECISION NOT NULL DEFAULT 0,
    total_downtime_minutes DOUBLE PRECISION NOT NULL DEFAULT 0,
    energy_per_traffic DOUBLE PRECISION,
    storm_usage_spike BOOLEAN NOT NULL DEFAULT false,
    storm_spike_ratio DOUBLE PRECISION,
    peak_usage_hours INT NOT NULL DEFAULT 0,
    avg_wait_minutes DOUBLE PRECISION NOT NULL DEFAULT 0,
    total_sessions INT NOT NULL DEFAULT 0,
    total_energy_kwh DOUBLE PRECISION NOT NULL DEFAULT 0,
    updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
    UNIQUE (station_id, date, hour_key)
);
CREATE INDEX IF NOT EXISTS idx_feature_records_station_date ON feature_records(station_id, date);
`

const migrationCreateAnomalyRecords = `
CREATE TABLE IF NOT EXISTS anomaly_records (
    id BIGSERIAL PRIMARY KEY,
    station_id VARCHAR(100) NOT NULL REFERENCES stations(id) ON DELETE CASCADE,
    anomaly_type VARCHAR(50) NOT NULL,
    severity_score DOUBLE PRECISION NOT NULL,
    detected_at TIMESTAMP WITH TIME ZONE NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    is_resolved BOOLEAN NOT NULL DEFAULT false,
    resolved_at TIMESTAMP WITH TIME ZONE
);
CREATE INDEX IF NOT EXISTS idx_anomaly_records_station ON anomaly_records(station_id, detected_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_anomaly_records_open
    ON anomaly_records(station_id, anomaly_type) WHERE NOT is_resolved;
`

const migrationCreateCollectionRuns = `
CREATE TABLE IF NOT EXISTS collection_runs (
    id BIGSERIAL PRIMARY KEY,
    cycle_id VARCHAR(36) NOT NULL,
    data_source VARCHAR(50) NOT NULL,
    collection_type VARCHAR(50) NOT NULL,
    records_processed INT NOT NULL DEFAULT 0,
    records_rejected INT NOT NULL DEFAULT 0,
    stations_ok INT NOT NULL DEFAULT 0,
    stations_failed INT NOT NULL DEFAULT 0,
    alignment_gaps INT NOT NULL DEFAULT 0,
    status VARCHAR(20) NOT NULL,
    error_detail TEXT,
    started_at TIMESTAMP WITH TIME ZONE NOT NULL,
    completed_at TIMESTAMP WITH TIME ZONE
);
CREATE INDEX IF NOT EXISTS idx_collection_runs_started_at ON collection_runs(started_at);
CREATE INDEX IF NOT EXISTS idx_collection_runs_cycle_id ON collection_runs(cycle_id);
`
