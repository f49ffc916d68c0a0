package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/botsphere/botsphere/db"
)

// ConversationService is the system of record for conversations and messages.
// It owns every write to those tables; routing and dispatch never touch them
// directly.
type ConversationService struct {
	PG    *sql.DB
	Redis *redis.Client

	markSeen func(ctx context.Context, providerMessageID string)
}

func NewConversationService(pg *sql.DB, rdb *redis.Client) *ConversationService {
	s := &ConversationService{PG: pg, Redis: rdb}
	s.markSeen = s.redisMarkSeen
	return s
}

// Turn is one user message plus the reply produced for it.
type Turn struct {
	ConversationID    string
	ProviderMessageID string
	UserMessage       string
	AIResponse        string
	Status            string
	SatisfactionScore *float64
}

const dedupTTL = 7 * 24 * time.Hour

// SeenProviderMessage reports whether a provider message id was handled before.
// Redis answers the common case cheaply; the unique index on messages is the
// durable backstop when redis is cold or absent. The marker is written only
// after a turn commits, so an append that failed mid-flight stays retriable.
func (s *ConversationService) SeenProviderMessage(ctx context.Context, providerMessageID string) bool {
	if s.Redis == nil || providerMessageID == "" {
		return false
	}
	n, err := s.Redis.Exists(ctx, "dedup:pmid:"+providerMessageID).Result()
	if err != nil {
		log.Printf("Redis dedup check failed for %s: %v", providerMessageID, err)
		return false
	}
	return n > 0
}

// redisMarkSeen records a durably stored provider message id. Best effort:
// losing the marker only costs one extra unique-index rejection on redelivery.
func (s *ConversationService) redisMarkSeen(ctx context.Context, providerMessageID string) {
	if s.Redis == nil || providerMessageID == "" {
		return
	}
	if err := s.Redis.Set(ctx, "dedup:pmid:"+providerMessageID, 1, dedupTTL).Err(); err != nil {
		log.Printf("Redis dedup mark failed for %s: %v", providerMessageID, err)
	}
}

// AppendTurn durably appends one turn and bumps the conversation's activity
// counters. Returns ErrDuplicateMessage when the provider message id was
// already stored, so redelivery is a no-op.
func (s *ConversationService) AppendTurn(ctx context.Context, turn *Turn) (*db.Message, error) {
	tx, err := s.PG.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	var providerMessageID interface{}
	if turn.ProviderMessageID != "" {
		providerMessageID = turn.ProviderMessageID
	}

	msg := &db.Message{
		ID:                uuid.New().String(),
		ConversationID:    turn.ConversationID,
		ProviderMessageID: turn.ProviderMessageID,
		UserMessage:       turn.UserMessage,
		AIResponse:        turn.AIResponse,
		UserMessageLength: len(turn.UserMessage),
		AIResponseLength:  len(turn.AIResponse),
		SatisfactionScore: turn.SatisfactionScore,
		Status:            turn.Status,
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO messages (id, conversation_id, provider_message_id, user_message, ai_response,
		                      user_message_length, ai_response_length, satisfaction_score, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		RETURNING seq, created_at
	`, msg.ID, msg.ConversationID, providerMessageID, msg.UserMessage, msg.AIResponse,
		msg.UserMessageLength, msg.AIResponseLength, msg.SatisfactionScore, msg.Status,
	).Scan(&msg.Seq, &msg.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			// The original row exists, so the id is safe to mark.
			s.markSeen(ctx, turn.ProviderMessageID)
			return nil, ErrDuplicateMessage
		}
		return nil, fmt.Errorf("%w: append failed: %v", ErrStorageUnavailable, err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations
		SET last_message_at = $2, unread_count = unread_count + 1
		WHERE id = $1
	`, msg.ConversationID, msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: conversation update failed: %v", ErrStorageUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit failed: %v", ErrStorageUnavailable, err)
	}
	s.markSeen(ctx, turn.ProviderMessageID)
	return msg, nil
}

// UpdateMessageStatus records a terminal state transition (e.g. delivered ->
// delivery_failed after retries are exhausted). Message content never changes.
func (s *ConversationService) UpdateMessageStatus(ctx context.Context, messageID, status string) error {
	_, err := s.PG.ExecContext(ctx, `UPDATE messages SET status = $2 WHERE id = $1`, messageID, status)
	if err != nil {
		return fmt.Errorf("failed to update message status: %w", err)
	}
	return nil
}

// ListConversations returns one page of a business's conversations, most
// recently active first.
func (s *ConversationService) ListConversations(ctx context.Context, businessID string, page, limit int, search string) ([]db.Conversation, db.Pagination, error) {
	page, limit = db.ClampPage(page, limit)

	where := `WHERE business_id = $1 AND archived = false`
	args := []interface{}{businessID}
	if search != "" {
		where += ` AND phone_number ILIKE $2`
		args = append(args, "%"+search+"%")
	}

	var total int
	if err := s.PG.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations `+where, args...).Scan(&total); err != nil {
		return nil, db.Pagination{}, fmt.Errorf("conversation count failed: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT id, business_id, phone_number, bot_id, last_message_at, unread_count, archived, created_at
		FROM conversations %s
		ORDER BY last_message_at DESC
		LIMIT $%d OFFSET $%d
	`, where, len(args)+1, len(args)+2)
	args = append(args, limit, (page-1)*limit)

	rows, err := s.PG.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, db.Pagination{}, fmt.Errorf("conversation list failed: %w", err)
	}
	defer rows.Close()

	conversations := []db.Conversation{}
	for rows.Next() {
		var c db.Conversation
		if err := rows.Scan(&c.ID, &c.BusinessID, &c.PhoneNumber, &c.BotID,
			&c.LastMessageAt, &c.UnreadCount, &c.Archived, &c.CreatedAt); err != nil {
			return nil, db.Pagination{}, err
		}
		conversations = append(conversations, c)
	}

	return conversations, db.NewPagination(page, limit, total), rows.Err()
}

// GetMessages returns one page of a conversation's log in append order:
// created_at ascending, seq breaking ties.
func (s *ConversationService) GetMessages(ctx context.Context, conversationID string, page, limit int) ([]db.Message, db.Pagination, error) {
	page, limit = db.ClampPage(page, limit)

	var total int
	if err := s.PG.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = $1`, conversationID).Scan(&total); err != nil {
		return nil, db.Pagination{}, fmt.Errorf("message count failed: %w", err)
	}

	rows, err := s.PG.QueryContext(ctx, `
		SELECT id, conversation_id, seq, COALESCE(provider_message_id, ''), user_message, ai_response,
		       user_message_length, ai_response_length, satisfaction_score, status, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, seq ASC
		LIMIT $2 OFFSET $3
	`, conversationID, limit, (page-1)*limit)
	if err != nil {
		return nil, db.Pagination{}, fmt.Errorf("message list failed: %w", err)
	}
	defer rows.Close()

	messages := []db.Message{}
	for rows.Next() {
		var m db.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.ProviderMessageID,
			&m.UserMessage, &m.AIResponse, &m.UserMessageLength, &m.AIResponseLength,
			&m.SatisfactionScore, &m.Status, &m.CreatedAt); err != nil {
			return nil, db.Pagination{}, err
		}
		messages = append(messages, m)
	}

	return messages, db.NewPagination(page, limit, total), rows.Err()
}

// RecentTurns returns the last n turns of a conversation, oldest first, as the
// bounded context window for reply generation.
func (s *ConversationService) RecentTurns(ctx context.Context, conversationID string, n int) ([]db.Message, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := s.PG.QueryContext(ctx, `
		SELECT id, conversation_id, seq, COALESCE(provider_message_id, ''), user_message, ai_response,
		       user_message_length, ai_response_length, satisfaction_score, status, created_at
		FROM (
			SELECT * FROM messages
			WHERE conversation_id = $1
			ORDER BY created_at DESC, seq DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC, seq ASC
	`, conversationID, n)
	if err != nil {
		return nil, fmt.Errorf("recent turns query failed: %w", err)
	}
	defer rows.Close()

	messages := []db.Message{}
	for rows.Next() {
		var m db.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.ProviderMessageID,
			&m.UserMessage, &m.AIResponse, &m.UserMessageLength, &m.AIResponseLength,
			&m.SatisfactionScore, &m.Status, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// CheckOwnership confirms the conversation belongs to the business.
func (s *ConversationService) CheckOwnership(ctx context.Context, businessID, conversationID string) error {
	var exists bool
	err := s.PG.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversations WHERE id = $1 AND business_id = $2)`,
		conversationID, businessID).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

// MarkRead clears the unread counter after an operator opened the thread.
func (s *ConversationService) MarkRead(ctx context.Context, businessID, conversationID string) error {
	res, err := s.PG.ExecContext(ctx,
		`UPDATE conversations SET unread_count = 0 WHERE id = $1 AND business_id = $2`,
		conversationID, businessID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Archive hides a conversation from the default list. Nothing is deleted.
func (s *ConversationService) Archive(ctx context.Context, businessID, conversationID string) error {
	res, err := s.PG.ExecContext(ctx,
		`UPDATE conversations SET archived = true WHERE id = $1 AND business_id = $2`,
		conversationID, businessID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountBusinessTurnsToday supports the per-business daily quota check.
func (s *ConversationService) CountBusinessTurnsToday(ctx context.Context, businessID string) (int, error) {
	var count int
	err := s.PG.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE c.business_id = $1 AND m.created_at >= date_trunc('day', now())
	`, businessID).Scan(&count)
	return count, err
}

// CountBotTurnsToday supports the per-bot daily quota check.
func (s *ConversationService) CountBotTurnsToday(ctx context.Context, botID string) (int, error) {
	var count int
	err := s.PG.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE c.bot_id = $1 AND m.created_at >= date_trunc('day', now())
	`, botID).Scan(&count)
	return count, err
}
