package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/langchou/evpulse/internal/anomaly"
	"github.com/langchou/evpulse/internal/api/collector"
	"github.com/langchou/evpulse/internal/config"
	"github.com/langchou/evpulse/internal/features"
	"github.com/langchou/evpulse/internal/lock"
	"github.com/langchou/evpulse/internal/logging"
	"github.com/langchou/evpulse/internal/metrics"
	"github.com/langchou/evpulse/internal/pipeline"
	"github.com/langchou/evpulse/internal/quota"
	"github.com/langchou/evpulse/internal/repository"
)

const redisKeyPrefix = "evpulse:"

// app 进程内共享的组件
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	db      *repository.DB
	store   *repository.Store
	redis   *redis.Client
	quota   *quota.Monitor
	metrics *metrics.Recorder
	coord   *pipeline.Coordinator
}

// loadApp 加载配置与日志
func loadApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := logging.Must(logging.Options{
		Debug:      cfg.Debug,
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
	return &app{cfg: cfg, logger: logger}, nil
}

// init 连接数据库与 Redis，组装周期协调器
func (a *app) init(ctx context.Context, notifier pipeline.Notifier) error {
	cfg, logger := a.cfg, a.logger

	// 连接数据库
	db, err := repository.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	a.db = db

	// 执行数据库迁移
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	logger.Info("Database migrated successfully")
	a.store = repository.NewStore(db)

	// 锁与额度计数：配置了 Redis 时多实例共享，否则进程内
	var (
		locker  lock.Locker
		backend quota.Backend
	)
	if strings.TrimSpace(cfg.RedisAddr) != "" {
		client, err := newRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		a.redis = client
		locker = lock.NewRedis(client, redisKeyPrefix)
		backend = quota.NewRedisBackend(client, redisKeyPrefix+"quota:")
		logger.Info("Using redis for station locks and quotas", zap.String("addr", cfg.RedisAddr))
	} else {
		locker = lock.NewMemory()
		backend = quota.NewMemoryBackend()
		logger.Info("REDIS_ADDR not set, using in-memory station locks and quotas")
	}
	a.quota = quota.NewMonitor(backend, cfg.Quotas)

	cal, err := cfg.Calendar()
	if err != nil {
		return fmt.Errorf("build holiday calendar: %w", err)
	}

	client := collector.NewClient(cfg.CollectorBaseURL, cfg.CollectorToken, cfg.CollectorTimeout, a.quota, logger)
	a.metrics = metrics.New()

	a.coord = pipeline.NewCoordinator(pipeline.Deps{
		Sources:   client.Sources(),
		Store:     a.store,
		Locker:    locker,
		Features:  features.NewEngine(cfg.Features, cal),
		Anomalies: anomaly.NewEngine(cfg.Anomaly, logger),
		Notifier:  notifier,
		Metrics:   a.metrics,
		Logger:    logger,
	}, cfg.PipelineOptions())
	return nil
}

// Close 释放连接
func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("Failed to close redis client", zap.Error(err))
		}
	}
	if a.db != nil {
		a.db.Close()
	}
	_ = a.logger.Sync()
}

// logStats 输出每个站点的统计
func (a *app) logStats(ctx context.Context) error {
	stats, err := a.store.AllStationStats(ctx)
	if err != nil {
		return fmt.Errorf("load station stats: %w", err)
	}
	for _, st := range stats {
		fields := []zap.Field{
			zap.String("station_id", st.StationID),
			zap.String("name", st.Name),
			zap.Int64("weather_records", st.WeatherRecords),
			zap.Int64("traffic_records", st.TrafficRecords),
			zap.Int64("sessions", st.SessionCount),
			zap.Int64("anomalies", st.AnomalyCount),
			zap.Int64("open_anomalies", st.OpenAnomalyCount),
		}
		if st.AvgTemperature != nil {
			fields = append(fields, zap.Float64("avg_temperature", *st.AvgTemperature))
		}
		if st.AvgTrafficDensity != nil {
			fields = append(fields, zap.Float64("avg_traffic_density", *st.AvgTrafficDensity))
		}
		a.logger.Info("Station statistics", fields...)
	}
	return nil
}

func newRedisClient(ctx context.Context, addr, password string) (*redis.Client, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("redis: addr is empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}
