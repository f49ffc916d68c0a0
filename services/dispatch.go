package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/botsphere/botsphere/channels"
	"github.com/botsphere/botsphere/db"
)

// DispatchService hands a routed message to the reply-generation capability
// and sends the result back through the originating channel. The turn is
// persisted before delivery: a failed send never erases a stored exchange.
// Dispatches for the same conversation are serialized, so turns commit in the
// order the messages arrived even when reply latencies differ.
type DispatchService struct {
	Conversations *ConversationService
	Registry      *channels.Registry
	Generator     ReplyGenerator

	ReplyTimeout  time.Duration
	ContextWindow int
	DeliveryTries int
	DeliveryDelay time.Duration
	sleep         func(context.Context, time.Duration) error
	locks         *conversationLocks
}

func NewDispatchService(conversations *ConversationService, registry *channels.Registry, generator ReplyGenerator) *DispatchService {
	return &DispatchService{
		Conversations: conversations,
		Registry:      registry,
		Generator:     generator,
		ReplyTimeout:  20 * time.Second,
		ContextWindow: 10,
		DeliveryTries: 3,
		DeliveryDelay: 500 * time.Millisecond,
		sleep:         sleepCtx,
		locks:         newConversationLocks(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Dispatch runs one message through generate -> persist -> deliver.
//
// Quota and generation failures are terminal for the message: the turn is
// recorded with its failure state and the delivery capability is never
// invoked. Delivery failures are retried with bounded exponential backoff and
// then recorded as delivery_failed without rolling back the stored turn.
func (s *DispatchService) Dispatch(ctx context.Context, routed *RoutedMessage, env *channels.InboundEnvelope) (*db.Message, error) {
	if routed.Bot.Status != "active" {
		return nil, ErrNoActiveBot
	}

	// One writer per conversation. The lock is held through generation and
	// the append, otherwise a slow reply would let a later message commit
	// first and the stored log would read out of order.
	unlock := s.locks.lock(routed.Conversation.ID)
	defer unlock()

	if err := s.checkQuotas(ctx, routed); err != nil {
		s.sendFallbackNotice(ctx, routed, env)
		return nil, err
	}

	history, err := s.Conversations.RecentTurns(ctx, routed.Conversation.ID, s.ContextWindow)
	if err != nil {
		log.Printf("Failed to load context window for conversation %s: %v", routed.Conversation.ID, err)
		history = nil // generation still works, just without context
	}

	replyCtx, cancel := context.WithTimeout(ctx, s.ReplyTimeout)
	defer cancel()

	reply, genErr := s.Generator.GenerateReply(replyCtx, &ReplyRequest{
		Business:    routed.Business,
		History:     history,
		PhoneNumber: env.From,
		Message:     env.Text,
	})
	if genErr != nil {
		// Record the failed turn so the failure state is observable, then stop:
		// delivery is never attempted for a turn without a reply.
		turn := &Turn{
			ConversationID:    routed.Conversation.ID,
			ProviderMessageID: env.ProviderMessageID,
			UserMessage:       env.Text,
			Status:            db.MessageReplyFailed,
		}
		if _, appendErr := s.Conversations.AppendTurn(ctx, turn); appendErr != nil && appendErr != ErrDuplicateMessage {
			log.Printf("Failed to record reply failure for conversation %s: %v", routed.Conversation.ID, appendErr)
		}
		if errors.Is(genErr, ErrReplyTimeout) {
			return nil, ErrReplyTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrReplyFailed, genErr)
	}

	msg, err := s.Conversations.AppendTurn(ctx, &Turn{
		ConversationID:    routed.Conversation.ID,
		ProviderMessageID: env.ProviderMessageID,
		UserMessage:       env.Text,
		AIResponse:        reply,
		Status:            db.MessageDelivered,
	})
	if err != nil {
		if err == ErrDuplicateMessage {
			return nil, err
		}
		// Not durably recorded: fail loudly, do not deliver.
		return nil, err
	}

	if err := s.deliver(ctx, routed, env.From, reply); err != nil {
		if statusErr := s.Conversations.UpdateMessageStatus(ctx, msg.ID, db.MessageDeliveryFailed); statusErr != nil {
			log.Printf("Failed to mark message %s delivery_failed: %v", msg.ID, statusErr)
		}
		msg.Status = db.MessageDeliveryFailed
		return msg, ErrDeliveryFailed
	}

	return msg, nil
}

func (s *DispatchService) checkQuotas(ctx context.Context, routed *RoutedMessage) error {
	settings := routed.Business.Settings

	if settings.MaxDailyConversations > 0 {
		count, err := s.Conversations.CountBusinessTurnsToday(ctx, routed.Business.ID)
		if err != nil {
			return fmt.Errorf("quota check failed: %w", err)
		}
		if count >= settings.MaxDailyConversations {
			log.Printf("Business %s hit daily quota (%d)", routed.Business.ID, settings.MaxDailyConversations)
			return ErrQuotaExceeded
		}
	}

	if settings.MaxBotConversations > 0 {
		count, err := s.Conversations.CountBotTurnsToday(ctx, routed.Bot.ID)
		if err != nil {
			return fmt.Errorf("quota check failed: %w", err)
		}
		if count >= settings.MaxBotConversations {
			log.Printf("Bot %s hit daily quota (%d)", routed.Bot.ID, settings.MaxBotConversations)
			return ErrQuotaExceeded
		}
	}

	return nil
}

// deliver retries the channel send with exponential backoff: 3 attempts by
// default, doubling the delay between them.
func (s *DispatchService) deliver(ctx context.Context, routed *RoutedMessage, recipient, text string) error {
	adapter, err := s.Registry.Get(routed.Integration.Provider)
	if err != nil {
		return err
	}

	delay := s.DeliveryDelay
	var lastErr error
	for attempt := 1; attempt <= s.DeliveryTries; attempt++ {
		lastErr = adapter.Deliver(ctx, routed.Integration, recipient, text)
		if lastErr == nil {
			return nil
		}
		log.Printf("Delivery attempt %d/%d failed for conversation %s: %v",
			attempt, s.DeliveryTries, routed.Conversation.ID, lastErr)

		if attempt < s.DeliveryTries {
			if err := s.sleep(ctx, delay); err != nil {
				return err
			}
			delay *= 2
		}
	}
	return lastErr
}

// conversationLocks hands out one mutex per conversation id. Entries are
// reference counted and removed once the last holder releases, so the map
// stays proportional to in-flight dispatches rather than total conversations.
type conversationLocks struct {
	mu    sync.Mutex
	locks map[string]*conversationLock
}

type conversationLock struct {
	sync.Mutex
	refs int
}

func newConversationLocks() *conversationLocks {
	return &conversationLocks{locks: map[string]*conversationLock{}}
}

// lock blocks until the caller owns the conversation and returns the release
// func.
func (l *conversationLocks) lock(id string) func() {
	l.mu.Lock()
	entry, ok := l.locks[id]
	if !ok {
		entry = &conversationLock{}
		l.locks[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.Lock()
	return func() {
		entry.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

// sendFallbackNotice is best effort: a quota-limited business can still tell
// the customer nobody is answering right now.
func (s *DispatchService) sendFallbackNotice(ctx context.Context, routed *RoutedMessage, env *channels.InboundEnvelope) {
	notice := routed.Business.Settings.FallbackNotice
	if notice == "" {
		return
	}
	adapter, err := s.Registry.Get(routed.Integration.Provider)
	if err != nil {
		return
	}
	if err := adapter.Deliver(ctx, routed.Integration, env.From, notice); err != nil {
		log.Printf("Fallback notice failed for conversation %s: %v", routed.Conversation.ID, err)
	}
}
