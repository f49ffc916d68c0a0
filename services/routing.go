package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/botsphere/botsphere/channels"
	"github.com/botsphere/botsphere/db"
)

// RoutingService resolves an inbound envelope to the owning business, the
// conversation thread and the active bot. It never writes messages; the single
// write path for those lives in ConversationService.
type RoutingService struct {
	PG *sql.DB
}

func NewRoutingService(pg *sql.DB) *RoutingService {
	return &RoutingService{PG: pg}
}

// RoutedMessage is the result of routing one envelope.
type RoutedMessage struct {
	Integration  *db.ChannelIntegration
	Business     *db.Business
	Conversation *db.Conversation
	Bot          *db.Bot
}

// Route maps an envelope onto (business, conversation, active bot).
//
// Failure modes are terminal for the envelope: ErrUnknownChannel (dropped with
// an audit log entry), ErrBusinessSuspended (fail closed for new routing) and
// ErrNoActiveBot (parked, not dispatched).
func (s *RoutingService) Route(ctx context.Context, env *channels.InboundEnvelope) (*RoutedMessage, error) {
	integration, err := s.lookupIntegration(ctx, env.Provider, env.ChannelID)
	if err != nil {
		if err == ErrUnknownChannel {
			log.Printf("AUDIT: dropping message from %s: no %s integration for channel %s", env.From, env.Provider, env.ChannelID)
		}
		return nil, err
	}

	business, err := s.getBusiness(ctx, integration.BusinessID)
	if err != nil {
		return nil, err
	}
	if business.Status == "suspended" {
		log.Printf("AUDIT: parking message from %s: business %s is suspended", env.From, business.ID)
		return nil, ErrBusinessSuspended
	}

	bot, err := s.resolveActiveBot(ctx, integration.ID)
	if err != nil {
		if err == ErrNoActiveBot {
			log.Printf("AUDIT: parking message from %s: no active bot for integration %s", env.From, integration.ID)
		}
		return nil, err
	}

	conversation, err := s.getOrCreateConversation(ctx, business.ID, env.From, bot.ID)
	if err != nil {
		return nil, err
	}

	return &RoutedMessage{
		Integration:  integration,
		Business:     business,
		Conversation: conversation,
		Bot:          bot,
	}, nil
}

func (s *RoutingService) lookupIntegration(ctx context.Context, provider, channelID string) (*db.ChannelIntegration, error) {
	var integration db.ChannelIntegration
	err := s.PG.QueryRowContext(ctx, `
		SELECT id, business_id, provider, channel_id, credential_ref, verify_token, webhook_secret, status, created_at, updated_at
		FROM channel_integrations
		WHERE provider = $1 AND channel_id = $2 AND status = 'active'
	`, provider, channelID).Scan(
		&integration.ID, &integration.BusinessID, &integration.Provider, &integration.ChannelID,
		&integration.CredentialRef, &integration.VerifyToken, &integration.WebhookSecret,
		&integration.Status, &integration.CreatedAt, &integration.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrUnknownChannel
	}
	if err != nil {
		return nil, fmt.Errorf("integration lookup failed: %w", err)
	}
	return &integration, nil
}

// LookupIntegration resolves an integration for webhook authentication before
// any routing happens.
func (s *RoutingService) LookupIntegration(ctx context.Context, provider, channelID string) (*db.ChannelIntegration, error) {
	return s.lookupIntegration(ctx, provider, channelID)
}

func (s *RoutingService) getBusiness(ctx context.Context, id string) (*db.Business, error) {
	var business db.Business
	var settings []byte
	err := s.PG.QueryRowContext(ctx, `
		SELECT id, name, description, catalog, business_hours, status, settings, created_at, updated_at
		FROM businesses WHERE id = $1
	`, id).Scan(
		&business.ID, &business.Name, &business.Description, &business.Catalog,
		&business.BusinessHours, &business.Status, &settings, &business.CreatedAt, &business.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrUnknownChannel
	}
	if err != nil {
		return nil, fmt.Errorf("business lookup failed: %w", err)
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &business.Settings); err != nil {
			log.Printf("Failed to parse settings for business %s: %v", business.ID, err)
		}
	}
	return &business, nil
}

// resolveActiveBot returns the bot assigned to the integration, requiring the
// bot itself to still be active.
func (s *RoutingService) resolveActiveBot(ctx context.Context, integrationID string) (*db.Bot, error) {
	var bot db.Bot
	var settings []byte
	err := s.PG.QueryRowContext(ctx, `
		SELECT b.id, b.business_id, b.name, b.description, b.status, b.settings, b.created_at, b.updated_at
		FROM bot_assignments ba
		JOIN bots b ON b.id = ba.bot_id
		WHERE ba.integration_id = $1 AND b.status = 'active'
	`, integrationID).Scan(
		&bot.ID, &bot.BusinessID, &bot.Name, &bot.Description, &bot.Status,
		&settings, &bot.CreatedAt, &bot.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNoActiveBot
	}
	if err != nil {
		return nil, fmt.Errorf("active bot lookup failed: %w", err)
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &bot.Settings); err != nil {
			log.Printf("Failed to parse settings for bot %s: %v", bot.ID, err)
		}
	}
	return &bot, nil
}

// getOrCreateConversation is a single atomic upsert so concurrent first-contact
// messages from one identity still produce exactly one conversation row. The
// assigned bot is re-resolved on every message so assignment changes take
// effect immediately.
func (s *RoutingService) getOrCreateConversation(ctx context.Context, businessID, phoneNumber, botID string) (*db.Conversation, error) {
	var conv db.Conversation
	now := time.Now().UTC()
	err := s.PG.QueryRowContext(ctx, `
		INSERT INTO conversations (id, business_id, phone_number, bot_id, last_message_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (business_id, phone_number) DO UPDATE
			SET last_message_at = EXCLUDED.last_message_at,
			    bot_id = EXCLUDED.bot_id
		RETURNING id, business_id, phone_number, bot_id, last_message_at, unread_count, archived, created_at
	`, uuid.New().String(), businessID, phoneNumber, botID, now).Scan(
		&conv.ID, &conv.BusinessID, &conv.PhoneNumber, &conv.BotID,
		&conv.LastMessageAt, &conv.UnreadCount, &conv.Archived, &conv.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("conversation upsert failed: %w", err)
	}
	return &conv, nil
}
