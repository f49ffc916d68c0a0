package monitor

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type HealthHandler struct {
	monitor *Monitor
}

func NewHealthHandler(m *Monitor) *HealthHandler {
	return &HealthHandler{monitor: m}
}

// GetHealth runs an on-demand probe and returns the summary report.
func (h *HealthHandler) GetHealth(c *gin.Context) {
	report := h.monitor.Probe(c.Request.Context(), false)
	c.JSON(statusCode(report), report)
}

// GetHealthDetailed includes recommendations for the slowest resource.
func (h *HealthHandler) GetHealthDetailed(c *gin.Context) {
	report := h.monitor.Probe(c.Request.Context(), true)
	c.JSON(statusCode(report), report)
}

// GetLatestReport serves the background worker's last report without
// touching the database.
func (h *HealthHandler) GetLatestReport(c *gin.Context) {
	report := h.monitor.Latest()
	if report == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no health report available yet"})
		return
	}
	c.JSON(statusCode(report), report)
}

func statusCode(report *HealthReport) int {
	if report.Status == StatusCritical {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}
