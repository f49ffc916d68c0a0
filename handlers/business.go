package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/botsphere/botsphere/db"
	"github.com/botsphere/botsphere/services"
)

type BusinessHandler struct {
	businesses *services.BusinessService
}

func NewBusinessHandler(businesses *services.BusinessService) *BusinessHandler {
	return &BusinessHandler{businesses: businesses}
}

// GetBusiness handles GET /api/business
func (h *BusinessHandler) GetBusiness(c *gin.Context) {
	business, err := h.businesses.GetBusiness(c.Request.Context(), actingBusinessID(c))
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "business not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load business"})
		return
	}
	c.JSON(http.StatusOK, business)
}

// UpdateSettings handles PUT /api/business/settings
func (h *BusinessHandler) UpdateSettings(c *gin.Context) {
	var req db.UpdateBusinessSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	business, err := h.businesses.UpdateSettings(c.Request.Context(), actingBusinessID(c), &req)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "business not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update settings"})
		return
	}
	c.JSON(http.StatusOK, business)
}

// ListIntegrations handles GET /api/business/integrations. Credential fields
// never leave the service layer.
func (h *BusinessHandler) ListIntegrations(c *gin.Context) {
	integrations, err := h.businesses.ListIntegrations(c.Request.Context(), actingBusinessID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list integrations"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": integrations})
}

// DisconnectIntegration handles POST /api/business/integrations/:id/disconnect
func (h *BusinessHandler) DisconnectIntegration(c *gin.Context) {
	err := h.businesses.DisconnectIntegration(c.Request.Context(), actingBusinessID(c), c.Param("id"))
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "integration not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to disconnect integration"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
}
