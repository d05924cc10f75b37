package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/langchou/evpulse/internal/api/handlers"
	"github.com/langchou/evpulse/internal/pipeline"
	"github.com/langchou/evpulse/pkg/ws"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scheduled pipeline cycles",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(cmd.Context(), a)
		},
	}
}

func serve(parent context.Context, a *app) error {
	cfg, logger := a.cfg, a.logger
	logger.Info("Starting evpulse", zap.String("port", cfg.ServerPort))

	// 创建 context
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	// 创建 WebSocket Hub
	wsHub := ws.NewHub(logger)
	go wsHub.Run(ctx)

	// 周期事件推送到 WebSocket
	notifier := pipeline.NotifierFunc(func(ev pipeline.Event) {
		wsHub.Publish(ev.Type, ev.StationID, ev.Data)
	})
	if err := a.init(ctx, notifier); err != nil {
		return err
	}

	wsHub.SetInitDataProvider(func() interface{} {
		initCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		stats, err := a.store.AllStationStats(initCtx)
		if err != nil {
			logger.Warn("Failed to load init data", zap.Error(err))
		}
		return map[string]interface{}{
			"last_cycle": a.coord.LastReport(),
			"stations":   stats,
		}
	})

	// 启动调度，启动时立即执行一次
	scheduler := pipeline.NewScheduler(a.coord, cfg.CycleInterval, logger)
	if err := scheduler.Start(ctx); err != nil {
		return err
	}

	// 创建 HTTP 处理器
	handler := handlers.NewHandler(logger, a.store, scheduler, wsHub, handlers.Options{
		Quota:    a.quota,
		Metrics:  a.metrics.Handler(),
		Location: cfg.Location,
	})

	// 设置 Gin 模式
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	// 创建路由
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	// 注册路由
	handler.RegisterRoutes(router)

	// 启动 HTTP 服务器
	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	logger.Info("Server started", zap.String("addr", server.Addr))

	// 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runErr error
	select {
	case <-quit:
	case <-ctx.Done():
	case runErr = <-serverErr:
		logger.Error("Failed to start server", zap.Error(runErr))
	}

	logger.Info("Shutting down server...")

	// 停止调度
	scheduler.Stop()

	// 优雅关闭
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
	return runErr
}

// corsMiddleware CORS 中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
