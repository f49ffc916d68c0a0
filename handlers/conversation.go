package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/botsphere/botsphere/services"
)

type ConversationHandler struct {
	conversations *services.ConversationService
}

func NewConversationHandler(conversations *services.ConversationService) *ConversationHandler {
	return &ConversationHandler{conversations: conversations}
}

func pageParams(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
	return page, limit
}

// ListConversations handles GET /api/conversations?page=&limit=&search=
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	page, limit := pageParams(c)

	items, pagination, err := h.conversations.ListConversations(
		c.Request.Context(), actingBusinessID(c), page, limit, c.Query("search"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list conversations"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "pagination": pagination})
}

// GetMessages handles GET /api/conversations/:id/messages
func (h *ConversationHandler) GetMessages(c *gin.Context) {
	conversationID := c.Param("id")
	if err := h.conversations.CheckOwnership(c.Request.Context(), actingBusinessID(c), conversationID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}

	page, limit := pageParams(c)
	items, pagination, err := h.conversations.GetMessages(c.Request.Context(), conversationID, page, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "pagination": pagination})
}

// MarkRead handles POST /api/conversations/:id/read
func (h *ConversationHandler) MarkRead(c *gin.Context) {
	err := h.conversations.MarkRead(c.Request.Context(), actingBusinessID(c), c.Param("id"))
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mark conversation read"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ArchiveConversation handles POST /api/conversations/:id/archive
func (h *ConversationHandler) ArchiveConversation(c *gin.Context) {
	err := h.conversations.Archive(c.Request.Context(), actingBusinessID(c), c.Param("id"))
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to archive conversation"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "archived"})
}
