package services

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"time"
)

// DashboardService answers the read-only overview queries the console home
// screen polls. Everything here is scoped to one business.
type DashboardService struct {
	PG *sql.DB
}

func NewDashboardService(pg *sql.DB) *DashboardService {
	return &DashboardService{PG: pg}
}

type WeeklyPoint struct {
	Name     string `json:"name"`
	Messages int    `json:"messages"`
}

type RecentTurn struct {
	PhoneNumber string    `json:"phone_number"`
	UserMessage string    `json:"user_message"`
	AIResponse  string    `json:"ai_response"`
	Timestamp   time.Time `json:"timestamp"`
}

type DashboardStats struct {
	TotalMessages int           `json:"totalMessages"`
	Satisfaction  *int          `json:"satisfaction"`
	Channels      int           `json:"channels"`
	Weekly        []WeeklyPoint `json:"weekly"`
	Recent        []RecentTurn  `json:"recent"`
}

type ActivityItem struct {
	Type    string    `json:"type"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Stats builds the headline numbers plus the last-7-day series and the five
// most recent turns. The weekly buckets always cover seven calendar days
// ending today, zero-filled.
func (s *DashboardService) Stats(ctx context.Context, businessID string) (*DashboardStats, error) {
	stats := &DashboardStats{
		Weekly: []WeeklyPoint{},
		Recent: []RecentTurn{},
	}

	var avgSatisfaction sql.NullFloat64
	err := s.PG.QueryRowContext(ctx, `
		SELECT COUNT(*), AVG(m.satisfaction_score)
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE c.business_id = $1
	`, businessID).Scan(&stats.TotalMessages, &avgSatisfaction)
	if err != nil {
		return nil, fmt.Errorf("message totals failed: %w", err)
	}
	if avgSatisfaction.Valid {
		rounded := int(math.Round(avgSatisfaction.Float64))
		stats.Satisfaction = &rounded
	}

	err = s.PG.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT provider)
		FROM channel_integrations
		WHERE business_id = $1 AND status = 'active'
	`, businessID).Scan(&stats.Channels)
	if err != nil {
		return nil, fmt.Errorf("channel count failed: %w", err)
	}

	weekly, err := s.weeklySeries(ctx, businessID)
	if err != nil {
		return nil, err
	}
	stats.Weekly = weekly

	recent, err := s.recentTurns(ctx, businessID, 5)
	if err != nil {
		return nil, err
	}
	stats.Recent = recent

	return stats, nil
}

func (s *DashboardService) weeklySeries(ctx context.Context, businessID string) ([]WeeklyPoint, error) {
	today := time.Now().UTC().Truncate(24 * time.Hour)
	start := today.AddDate(0, 0, -6)

	rows, err := s.PG.QueryContext(ctx, `
		SELECT date_trunc('day', m.created_at) AS day, COUNT(*)
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE c.business_id = $1 AND m.created_at >= $2
		GROUP BY day
	`, businessID, start)
	if err != nil {
		return nil, fmt.Errorf("weekly series failed: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var day time.Time
		var count int
		if err := rows.Scan(&day, &count); err != nil {
			return nil, err
		}
		counts[day.UTC().Format("2006-01-02")] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	series := make([]WeeklyPoint, 0, 7)
	for i := 0; i < 7; i++ {
		day := start.AddDate(0, 0, i)
		series = append(series, WeeklyPoint{
			Name:     day.Format("Mon"),
			Messages: counts[day.Format("2006-01-02")],
		})
	}
	return series, nil
}

func (s *DashboardService) recentTurns(ctx context.Context, businessID string, limit int) ([]RecentTurn, error) {
	rows, err := s.PG.QueryContext(ctx, `
		SELECT c.phone_number, m.user_message, m.ai_response, m.created_at
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE c.business_id = $1
		ORDER BY m.created_at DESC, m.seq DESC
		LIMIT $2
	`, businessID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent turns failed: %w", err)
	}
	defer rows.Close()

	turns := []RecentTurn{}
	for rows.Next() {
		var t RecentTurn
		if err := rows.Scan(&t.PhoneNumber, &t.UserMessage, &t.AIResponse, &t.Timestamp); err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// Activity merges recent bot creations, channel connections and conversation
// starts into one feed, newest first, capped at ten entries.
func (s *DashboardService) Activity(ctx context.Context, businessID string) ([]ActivityItem, error) {
	items := []ActivityItem{}

	const perSource = 5

	botRows, err := s.PG.QueryContext(ctx, `
		SELECT name, created_at FROM bots
		WHERE business_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, businessID, perSource)
	if err != nil {
		return nil, fmt.Errorf("bot activity failed: %w", err)
	}
	defer botRows.Close()
	for botRows.Next() {
		var name string
		var at time.Time
		if err := botRows.Scan(&name, &at); err != nil {
			return nil, err
		}
		items = append(items, ActivityItem{
			Type:    "bot",
			Message: fmt.Sprintf("Bot %q created", name),
			Time:    at,
		})
	}
	if err := botRows.Err(); err != nil {
		return nil, err
	}

	intRows, err := s.PG.QueryContext(ctx, `
		SELECT provider, created_at FROM channel_integrations
		WHERE business_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, businessID, perSource)
	if err != nil {
		return nil, fmt.Errorf("integration activity failed: %w", err)
	}
	defer intRows.Close()
	for intRows.Next() {
		var provider string
		var at time.Time
		if err := intRows.Scan(&provider, &at); err != nil {
			return nil, err
		}
		items = append(items, ActivityItem{
			Type:    "integration",
			Message: fmt.Sprintf("Channel %q connected", provider),
			Time:    at,
		})
	}
	if err := intRows.Err(); err != nil {
		return nil, err
	}

	convRows, err := s.PG.QueryContext(ctx, `
		SELECT phone_number, created_at FROM conversations
		WHERE business_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, businessID, perSource)
	if err != nil {
		return nil, fmt.Errorf("conversation activity failed: %w", err)
	}
	defer convRows.Close()
	for convRows.Next() {
		var phone string
		var at time.Time
		if err := convRows.Scan(&phone, &at); err != nil {
			return nil, err
		}
		items = append(items, ActivityItem{
			Type:    "conversation",
			Message: fmt.Sprintf("Conversation started with %s", phone),
			Time:    at,
		})
	}
	if err := convRows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Time.After(items[j].Time) })
	if len(items) > 10 {
		items = items[:10]
	}
	return items, nil
}
