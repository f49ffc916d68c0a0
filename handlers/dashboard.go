package handlers

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/botsphere/botsphere/services"
)

type DashboardHandler struct {
	dashboard *services.DashboardService
	analytics *services.AnalyticsService
}

func NewDashboardHandler(dashboard *services.DashboardService, analytics *services.AnalyticsService) *DashboardHandler {
	return &DashboardHandler{dashboard: dashboard, analytics: analytics}
}

// GetStats handles GET /api/dashboard/stats. The console renders several
// independent widgets from this payload, so it degrades to zero values
// instead of failing the whole page.
func (h *DashboardHandler) GetStats(c *gin.Context) {
	stats, err := h.dashboard.Stats(c.Request.Context(), actingBusinessID(c))
	if err != nil {
		log.Printf("Dashboard stats failed for business %s: %v", actingBusinessID(c), err)
		c.JSON(http.StatusOK, services.DashboardStats{
			Weekly: []services.WeeklyPoint{},
			Recent: []services.RecentTurn{},
		})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GetActivity handles GET /api/dashboard/activity.
func (h *DashboardHandler) GetActivity(c *gin.Context) {
	items, err := h.dashboard.Activity(c.Request.Context(), actingBusinessID(c))
	if err != nil {
		log.Printf("Activity feed failed for business %s: %v", actingBusinessID(c), err)
		c.JSON(http.StatusOK, []services.ActivityItem{})
		return
	}
	c.JSON(http.StatusOK, items)
}

// ListSnapshots handles GET /api/dashboard/analytics?granularity=&page=&limit=
func (h *DashboardHandler) ListSnapshots(c *gin.Context) {
	granularity := c.DefaultQuery("granularity", "day")
	page, limit := pageParams(c)

	items, pagination, err := h.analytics.ListSnapshots(
		c.Request.Context(), "business", actingBusinessID(c), granularity, page, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list analytics"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "pagination": pagination})
}
