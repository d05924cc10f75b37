package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const dateLayout = "2006-01-02"

// ListStations 获取充电站列表
func (h *Handler) ListStations(c *gin.Context) {
	stations, err := h.store.ListStations(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list stations", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list stations"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": stations})
}

// GetStation 获取充电站详情
func (h *Handler) GetStation(c *gin.Context) {
	station, err := h.store.GetStation(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Station not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": station})
}

// ListFeatures 获取特征记录
// GET /api/stations/:id/features?from=2024-03-01&to=2024-03-31&hourly=true
// from、to 均为包含的日期，默认最近 7 天
func (h *Handler) ListFeatures(c *gin.Context) {
	now := time.Now().In(h.location)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, h.location)

	from, err := h.parseDate(c.Query("from"), today.AddDate(0, 0, -6))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid from date, expected YYYY-MM-DD"})
		return
	}
	to, err := h.parseDate(c.Query("to"), today)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid to date, expected YYYY-MM-DD"})
		return
	}
	if to.Before(from) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to must not be before from"})
		return
	}
	hourly := c.Query("hourly") == "true"

	records, err := h.store.ListFeatures(c.Request.Context(), c.Param("id"), from, to.AddDate(0, 0, 1), hourly)
	if err != nil {
		h.logger.Error("Failed to list features", zap.String("station_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list features"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": records,
		"from": from.Format(dateLayout),
		"to":   to.Format(dateLayout),
	})
}

// ListAnomalies 获取异常记录
// GET /api/stations/:id/anomalies?open=true&limit=50
func (h *Handler) ListAnomalies(c *gin.Context) {
	openOnly := c.Query("open") == "true"
	limit := parseLimit(c.DefaultQuery("limit", "50"), 50, 500)

	records, err := h.store.ListAnomalies(c.Request.Context(), c.Param("id"), openOnly, limit)
	if err != nil {
		h.logger.Error("Failed to list anomalies", zap.String("station_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list anomalies"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": records})
}

// GetStationStats 获取单站统计
func (h *Handler) GetStationStats(c *gin.Context) {
	stats, err := h.store.StationStats(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Station not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": stats})
}

// GetAllStats 获取全部站点统计
func (h *Handler) GetAllStats(c *gin.Context) {
	stats, err := h.store.AllStationStats(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list station stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list station stats"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": stats})
}

func (h *Handler) parseDate(s string, def time.Time) (time.Time, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseInLocation(dateLayout, s, h.location)
}

func parseLimit(s string, def, max int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
