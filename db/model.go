package db

import (
	"encoding/json"
	"time"
)

// ===========================
// BUSINESS MODELS
// ===========================

// Business is the tenant root. Businesses are never hard-deleted; suspension is a
// status change so historical conversations stay attributable.
type Business struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Description   string           `json:"description"`
	Catalog       string           `json:"catalog"`
	BusinessHours string           `json:"business_hours"`
	Status        string           `json:"status"` // active, suspended
	Settings      BusinessSettings `json:"settings"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`

	// For API responses (populated via JOINs)
	BotsCount         int `json:"bots_count,omitempty"`
	IntegrationsCount int `json:"integrations_count,omitempty"`
}

// BusinessSettings holds per-tenant limits and flags, stored as jsonb.
type BusinessSettings struct {
	MaxDailyConversations int    `json:"max_daily_conversations"` // 0 = unlimited
	MaxBotConversations   int    `json:"max_bot_conversations"`   // per bot per day, 0 = unlimited
	FallbackNotice        string `json:"fallback_notice,omitempty"`
}

type UpdateBusinessSettingsRequest struct {
	Name          *string           `json:"name,omitempty"`
	Description   *string           `json:"description,omitempty"`
	Catalog       *string           `json:"catalog,omitempty"`
	BusinessHours *string           `json:"business_hours,omitempty"`
	Settings      *BusinessSettings `json:"settings,omitempty"`
}

// ===========================
// CHANNEL INTEGRATION MODELS
// ===========================

// ChannelIntegration is a business's credentialed connection to one messaging
// provider. Revoked integrations are marked disconnected, never deleted.
type ChannelIntegration struct {
	ID            string    `json:"id"`
	BusinessID    string    `json:"business_id"`
	Provider      string    `json:"provider"`   // whatsapp, facebook, instagram, telegram
	ChannelID     string    `json:"channel_id"` // provider-scoped phone/page id
	CredentialRef string    `json:"credential_ref,omitempty"`
	VerifyToken   string    `json:"verify_token,omitempty"`
	WebhookSecret string    `json:"webhook_secret,omitempty"`
	Status        string    `json:"status"` // active, disconnected
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ===========================
// BOT MODELS
// ===========================

type Bot struct {
	ID          string      `json:"id"`
	BusinessID  string      `json:"business_id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Status      string      `json:"status"` // active, inactive
	Settings    BotSettings `json:"settings"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`

	// For API responses
	ConversationsCount int `json:"conversations_count,omitempty"`
}

type BotSettings struct {
	AutoResponse     bool `json:"auto_response"`
	AnalyticsEnabled bool `json:"analytics_enabled"`
	Notifications    bool `json:"notifications"`
}

type CreateBotRequest struct {
	Name        string       `json:"name" binding:"required"`
	Description string       `json:"description"`
	Settings    *BotSettings `json:"settings,omitempty"`
}

type UpdateBotRequest struct {
	Name        *string      `json:"name,omitempty"`
	Description *string      `json:"description,omitempty"`
	Status      *string      `json:"status,omitempty"`
	Settings    *BotSettings `json:"settings,omitempty"`
}

type ActivateBotRequest struct {
	IntegrationID string `json:"integration_id" binding:"required"`
}

// BotAssignment marks a bot as the active responder for one channel integration.
// One row per integration: assigning a new bot overwrites the previous one.
type BotAssignment struct {
	IntegrationID string    `json:"integration_id"`
	BusinessID    string    `json:"business_id"`
	BotID         string    `json:"bot_id"`
	AssignedAt    time.Time `json:"assigned_at"`
}

// ===========================
// CONVERSATION MODELS
// ===========================

// Conversation is the thread between a business and one external identity,
// uniquely keyed by (business_id, phone_number). Created on first contact,
// archived rather than deleted.
type Conversation struct {
	ID            string    `json:"id"`
	BusinessID    string    `json:"business_id"`
	PhoneNumber   string    `json:"phone_number"`
	BotID         *string   `json:"bot_id,omitempty"`
	LastMessageAt time.Time `json:"last_message_at"`
	UnreadCount   int       `json:"unread_count"`
	Archived      bool      `json:"archived"`
	CreatedAt     time.Time `json:"created_at"`

	// For API responses
	LastUserMessage string `json:"last_user_message,omitempty"`
}

// Message is one logical turn in a conversation: the user message plus the bot
// reply produced for it. Rows are append-only and immutable once written.
type Message struct {
	ID                string    `json:"id"`
	ConversationID    string    `json:"conversation_id"`
	Seq               int64     `json:"seq"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	UserMessage       string    `json:"user_message"`
	AIResponse        string    `json:"ai_response"`
	UserMessageLength int       `json:"user_message_length"`
	AIResponseLength  int       `json:"ai_response_length"`
	SatisfactionScore *float64  `json:"satisfaction_score,omitempty"`
	Status            string    `json:"status"` // delivered, reply_failed, delivery_failed
	CreatedAt         time.Time `json:"created_at"`
}

// Message terminal states.
const (
	MessageDelivered      = "delivered"
	MessageReplyFailed    = "reply_failed"
	MessageDeliveryFailed = "delivery_failed"
)

// ===========================
// ANALYTICS MODELS
// ===========================

// AnalyticsSnapshot is a derived rollup for one period. Never authoritative:
// always reconstructible from the message log, written only by the aggregator.
type AnalyticsSnapshot struct {
	ID                 string          `json:"id"`
	Scope              string          `json:"scope"` // global, business
	BusinessID         *string         `json:"business_id,omitempty"`
	Granularity        string          `json:"granularity"` // hour, day
	PeriodStart        time.Time       `json:"period_start"`
	ConversationCount  int             `json:"conversation_count"`
	UniqueUsers        int             `json:"unique_users"`
	MessagesIn         int             `json:"messages_in"`
	MessagesOut        int             `json:"messages_out"`
	NewBusinesses      int             `json:"new_businesses"`
	NewBots            int             `json:"new_bots"`
	AvgSatisfaction    *float64        `json:"avg_satisfaction,omitempty"`
	HourlyDistribution json.RawMessage `json:"hourly_distribution,omitempty"`
	GrowthRate         float64         `json:"growth_rate"`
	ComputedAt         time.Time       `json:"computed_at"`
}

// HourlyBucket is one entry of a snapshot's 0-23 distribution.
type HourlyBucket struct {
	Hour  int `json:"hour"`
	Count int `json:"count"`
}

// ===========================
// PAGINATION
// ===========================

const (
	DefaultPageSize = 10
	MaxPageSize     = 50
)

// Pagination is the envelope every paged list endpoint returns.
type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

// NewPagination computes the page count for a total, clamping limit server-side.
func NewPagination(page, limit, total int) Pagination {
	page, limit = ClampPage(page, limit)
	pages := total / limit
	if total%limit != 0 {
		pages++
	}
	return Pagination{Page: page, Limit: limit, Total: total, Pages: pages}
}

// ClampPage normalizes client-supplied paging values. Limits are enforced here,
// never trusted from the request.
func ClampPage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	return page, limit
}
