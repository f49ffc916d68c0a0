package handlers

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/botsphere/botsphere/channels"
	"github.com/botsphere/botsphere/db"
	"github.com/botsphere/botsphere/services"
)

// WebhookHandler is the ingestion front door. Authentication happens against
// the integration's stored secret before any row is touched; once a payload
// is accepted the provider always gets a 200 regardless of what processing
// does with it, so providers never retry messages we already own.
type WebhookHandler struct {
	registry      *channels.Registry
	routing       *services.RoutingService
	conversations *services.ConversationService
	dispatch      *services.DispatchService

	// ProcessTimeout bounds the background handling of one envelope.
	ProcessTimeout time.Duration
}

func NewWebhookHandler(registry *channels.Registry, routing *services.RoutingService, conversations *services.ConversationService, dispatch *services.DispatchService) *WebhookHandler {
	return &WebhookHandler{
		registry:       registry,
		routing:        routing,
		conversations:  conversations,
		dispatch:       dispatch,
		ProcessTimeout: 60 * time.Second,
	}
}

// VerifyWebhook handles GET /webhook/:provider/:channel_id, the provider's
// subscription handshake.
func (h *WebhookHandler) VerifyWebhook(c *gin.Context) {
	adapter, integration, ok := h.resolve(c)
	if !ok {
		return
	}

	challenge, err := adapter.VerifyChallenge(c.Request.URL.Query(), integration)
	if err != nil {
		log.Printf("Webhook verification rejected for %s/%s: %v", c.Param("provider"), c.Param("channel_id"), err)
		c.JSON(http.StatusForbidden, gin.H{"error": "verification failed"})
		return
	}
	c.String(http.StatusOK, challenge)
}

// ReceiveWebhook handles POST /webhook/:provider/:channel_id.
func (h *WebhookHandler) ReceiveWebhook(c *gin.Context) {
	adapter, integration, ok := h.resolve(c)
	if !ok {
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	if err := adapter.Authenticate(body, c.Request.Header, integration); err != nil {
		log.Printf("AUDIT: rejected webhook for %s/%s: %v", integration.Provider, integration.ChannelID, err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	envelopes, err := adapter.Normalize(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}

	for _, env := range envelopes {
		if env.ChannelID == "" {
			env.ChannelID = integration.ChannelID
		}
		go h.process(env)
	}

	// Acknowledged is acknowledged: processing outcome never changes the
	// provider-facing response.
	c.String(http.StatusOK, "EVENT_RECEIVED")
}

func (h *WebhookHandler) resolve(c *gin.Context) (channels.Adapter, *db.ChannelIntegration, bool) {
	adapter, err := h.registry.Get(c.Param("provider"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unsupported provider"})
		return nil, nil, false
	}

	integration, err := h.routing.LookupIntegration(c.Request.Context(), c.Param("provider"), c.Param("channel_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown channel"})
		return nil, nil, false
	}
	return adapter, integration, true
}

// process runs one envelope through the full pipeline. Terminal errors are
// logged and dropped; they matter to operators, not to the provider.
func (h *WebhookHandler) process(env channels.InboundEnvelope) {
	ctx, cancel := context.WithTimeout(context.Background(), h.ProcessTimeout)
	defer cancel()

	if h.conversations.SeenProviderMessage(ctx, env.ProviderMessageID) {
		log.Printf("Skipping re-delivered message %s", env.ProviderMessageID)
		return
	}

	routed, err := h.routing.Route(ctx, &env)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrUnknownChannel),
			errors.Is(err, services.ErrNoActiveBot),
			errors.Is(err, services.ErrBusinessSuspended):
			log.Printf("Dropped unroutable message %s: %v", env.ProviderMessageID, err)
		default:
			log.Printf("Routing failed for message %s: %v", env.ProviderMessageID, err)
		}
		return
	}

	if _, err := h.dispatch.Dispatch(ctx, routed, &env); err != nil {
		if errors.Is(err, services.ErrDuplicateMessage) {
			return
		}
		log.Printf("Dispatch failed for conversation %s: %v", routed.Conversation.ID, err)
	}
}
