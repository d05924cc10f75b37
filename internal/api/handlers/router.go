package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/langchou/evpulse/internal/models"
	"github.com/langchou/evpulse/internal/pipeline"
	"github.com/langchou/evpulse/internal/quota"
	"github.com/langchou/evpulse/pkg/ws"
)

// Store 只读查询
type Store interface {
	ListStations(ctx context.Context) ([]models.Station, error)
	GetStation(ctx context.Context, id string) (*models.Station, error)
	ListFeatures(ctx context.Context, stationID string, from, to time.Time, hourly bool) ([]models.FeatureRecord, error)
	ListAnomalies(ctx context.Context, stationID string, openOnly bool, limit int) ([]models.AnomalyRecord, error)
	ListRuns(ctx context.Context, limit int) ([]models.CollectionRun, error)
	StationStats(ctx context.Context, stationID string) (*models.StationStats, error)
	AllStationStats(ctx context.Context) ([]models.StationStats, error)
}

// Cycles 周期触发与最近报告
type Cycles interface {
	Trigger() error
	LastReport() *pipeline.Report
}

// QuotaReporter 额度使用情况
type QuotaReporter interface {
	Usage(ctx context.Context) ([]quota.Usage, error)
}

// Handler HTTP 处理器
type Handler struct {
	logger   *zap.Logger
	store    Store
	cycles   Cycles
	quota    QuotaReporter
	metrics  http.Handler
	wsHub    *ws.Hub
	location *time.Location
	upgrader websocket.Upgrader
}

// Options 可选依赖
type Options struct {
	Quota    QuotaReporter
	Metrics  http.Handler
	Location *time.Location // 解析日期参数所用时区
}

// NewHandler 创建处理器
func NewHandler(logger *zap.Logger, store Store, cycles Cycles, wsHub *ws.Hub, opts Options) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Handler{
		logger:   logger,
		store:    store,
		cycles:   cycles,
		quota:    opts.Quota,
		metrics:  opts.Metrics,
		wsHub:    wsHub,
		location: loc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 开发环境允许所有来源
			},
		},
	}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	// API 路由
	api := r.Group("/api")
	{
		// 充电站
		api.GET("/stations", h.ListStations)
		api.GET("/stations/:id", h.GetStation)
		api.GET("/stations/:id/features", h.ListFeatures)
		api.GET("/stations/:id/anomalies", h.ListAnomalies)
		api.GET("/stations/:id/stats", h.GetStationStats)

		// 统计
		api.GET("/stats", h.GetAllStats)

		// 周期
		api.GET("/runs", h.ListRuns)
		api.GET("/cycles/last", h.GetLastCycle)
		api.POST("/cycles", h.TriggerCycle)

		// 免费额度
		api.GET("/quota", h.GetQuota)
	}

	// WebSocket
	r.GET("/ws", h.HandleWebSocket)

	// 健康检查
	r.GET("/health", h.HealthCheck)

	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics))
	}
}

// HandleWebSocket WebSocket 处理
func (h *Handler) HandleWebSocket(c *gin.Context) {
	if h.wsHub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "WebSocket not available"})
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	client := ws.NewClient(h.wsHub, conn)
	client.Register()

	// 启动读写协程
	go client.ReadPump()
	go client.WritePump()
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(c *gin.Context) {
	clients := 0
	if h.wsHub != nil {
		clients = h.wsHub.ClientCount()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"ws_clients": clients,
	})
}
