package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/langchou/evpulse/internal/pipeline"
)

// ListRuns 获取最近的采集运行记录
// GET /api/runs?limit=20
func (h *Handler) ListRuns(c *gin.Context) {
	limit := parseLimit(c.DefaultQuery("limit", "20"), 20, 200)

	runs, err := h.store.ListRuns(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list runs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list runs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": runs})
}

// GetLastCycle 最近一次周期报告
func (h *Handler) GetLastCycle(c *gin.Context) {
	rep := h.cycles.LastReport()
	if rep == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No cycle has completed yet"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": rep})
}

// TriggerCycle 立即执行一个周期
// POST /api/cycles
// 已有周期在执行时返回 409
func (h *Handler) TriggerCycle(c *gin.Context) {
	err := h.cycles.Trigger()
	switch {
	case err == nil:
		h.logger.Info("Cycle triggered via API")
		c.JSON(http.StatusAccepted, gin.H{"message": "Cycle started"})
	case errors.Is(err, pipeline.ErrCycleRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Error("Failed to trigger cycle", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	}
}

// GetQuota 各数据源免费额度使用情况
func (h *Handler) GetQuota(c *gin.Context) {
	if h.quota == nil {
		c.JSON(http.StatusOK, gin.H{"data": []any{}})
		return
	}

	usage, err := h.quota.Usage(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to read quota usage", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read quota usage"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": usage})
}
