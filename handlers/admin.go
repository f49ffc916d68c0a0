package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/botsphere/botsphere/services"
)

// AdminHandler serves the platform-operator console: cross-tenant business
// management and global analytics.
type AdminHandler struct {
	businesses *services.BusinessService
	analytics  *services.AnalyticsService
}

func NewAdminHandler(businesses *services.BusinessService, analytics *services.AnalyticsService) *AdminHandler {
	return &AdminHandler{businesses: businesses, analytics: analytics}
}

// ListBusinesses handles GET /api/admin/businesses?page=&limit=&search=&status=
func (h *AdminHandler) ListBusinesses(c *gin.Context) {
	page, limit := pageParams(c)

	items, pagination, err := h.businesses.ListBusinesses(
		c.Request.Context(), page, limit, c.Query("search"), c.Query("status"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list businesses"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "pagination": pagination})
}

// SetBusinessStatus handles POST /api/admin/businesses/:id/status with
// {"status": "active"|"suspended"}. Suspension fails new routing closed but
// never deletes anything.
func (h *AdminHandler) SetBusinessStatus(c *gin.Context) {
	var req struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.businesses.SetStatus(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "business not found"})
		case errors.Is(err, services.ErrInvalidInput):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update business status"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": req.Status})
}

// ListGlobalSnapshots handles GET /api/admin/analytics?granularity=&page=&limit=
func (h *AdminHandler) ListGlobalSnapshots(c *gin.Context) {
	granularity := c.DefaultQuery("granularity", "day")
	page, limit := pageParams(c)

	items, pagination, err := h.analytics.ListSnapshots(
		c.Request.Context(), "global", "", granularity, page, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list analytics"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "pagination": pagination})
}
