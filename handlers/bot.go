package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/botsphere/botsphere/db"
	"github.com/botsphere/botsphere/services"
)

type BotHandler struct {
	bots *services.BotService
}

func NewBotHandler(bots *services.BotService) *BotHandler {
	return &BotHandler{bots: bots}
}

// ListBots handles GET /api/bots?page=&limit=&search=
func (h *BotHandler) ListBots(c *gin.Context) {
	page, limit := pageParams(c)

	items, pagination, err := h.bots.ListBots(c.Request.Context(), actingBusinessID(c), page, limit, c.Query("search"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list bots"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "pagination": pagination})
}

// GetBot handles GET /api/bots/:id
func (h *BotHandler) GetBot(c *gin.Context) {
	bot, err := h.bots.GetBot(c.Request.Context(), actingBusinessID(c), c.Param("id"))
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "bot not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load bot"})
		return
	}
	c.JSON(http.StatusOK, bot)
}

// CreateBot handles POST /api/bots
func (h *BotHandler) CreateBot(c *gin.Context) {
	var req db.CreateBotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	bot, err := h.bots.CreateBot(c.Request.Context(), actingBusinessID(c), &req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create bot"})
		return
	}
	c.JSON(http.StatusCreated, bot)
}

// UpdateBot handles PUT /api/bots/:id
func (h *BotHandler) UpdateBot(c *gin.Context) {
	var req db.UpdateBotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	bot, err := h.bots.UpdateBot(c.Request.Context(), actingBusinessID(c), c.Param("id"), &req)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "bot not found"})
		case errors.Is(err, services.ErrInvalidInput):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update bot"})
		}
		return
	}
	c.JSON(http.StatusOK, bot)
}

// DeleteBot handles DELETE /api/bots/:id
func (h *BotHandler) DeleteBot(c *gin.Context) {
	err := h.bots.DeleteBot(c.Request.Context(), actingBusinessID(c), c.Param("id"))
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "bot not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete bot"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// ActivateBot handles POST /api/bots/:id/activate with {"integration_id": "..."}.
// Activation is last-writer-wins per integration: any previously active bot
// for the same channel is implicitly replaced.
func (h *BotHandler) ActivateBot(c *gin.Context) {
	var req db.ActivateBotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.bots.ActivateBot(c.Request.Context(), actingBusinessID(c), c.Param("id"), req.IntegrationID)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "bot not found"})
		case errors.Is(err, services.ErrForbidden):
			c.JSON(http.StatusForbidden, gin.H{"error": "integration does not belong to this business"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to activate bot"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "activated"})
}
