package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/botsphere/botsphere/db"
)

type BotService struct {
	PG *sql.DB
}

func NewBotService(pg *sql.DB) *BotService {
	return &BotService{PG: pg}
}

// ListBots returns one page of a business's bots.
func (s *BotService) ListBots(ctx context.Context, businessID string, page, limit int, search string) ([]db.Bot, db.Pagination, error) {
	page, limit = db.ClampPage(page, limit)

	where := `WHERE business_id = $1`
	args := []interface{}{businessID}
	if search != "" {
		where += ` AND (name ILIKE $2 OR description ILIKE $2)`
		args = append(args, "%"+search+"%")
	}

	var total int
	if err := s.PG.QueryRowContext(ctx, `SELECT COUNT(*) FROM bots `+where, args...).Scan(&total); err != nil {
		return nil, db.Pagination{}, fmt.Errorf("bot count failed: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT id, business_id, name, description, status, settings, created_at, updated_at
		FROM bots %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, where, len(args)+1, len(args)+2)
	args = append(args, limit, (page-1)*limit)

	rows, err := s.PG.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, db.Pagination{}, fmt.Errorf("bot list failed: %w", err)
	}
	defer rows.Close()

	bots := []db.Bot{}
	for rows.Next() {
		bot, err := scanBot(rows)
		if err != nil {
			return nil, db.Pagination{}, err
		}
		bots = append(bots, *bot)
	}

	return bots, db.NewPagination(page, limit, total), rows.Err()
}

// GetBot fetches a bot, enforcing that the acting business owns it.
func (s *BotService) GetBot(ctx context.Context, businessID, botID string) (*db.Bot, error) {
	row := s.PG.QueryRowContext(ctx, `
		SELECT id, business_id, name, description, status, settings, created_at, updated_at
		FROM bots WHERE id = $1 AND business_id = $2
	`, botID, businessID)

	bot, err := scanBot(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("bot lookup failed: %w", err)
	}
	return bot, nil
}

func (s *BotService) CreateBot(ctx context.Context, businessID string, req *db.CreateBotRequest) (*db.Bot, error) {
	settings := db.BotSettings{AutoResponse: true, AnalyticsEnabled: true}
	if req.Settings != nil {
		settings = *req.Settings
	}
	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = s.PG.ExecContext(ctx, `
		INSERT INTO bots (id, business_id, name, description, status, settings, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'inactive', $5, $6, $6)
	`, id, businessID, req.Name, req.Description, settingsJSON, now)
	if err != nil {
		return nil, fmt.Errorf("bot insert failed: %w", err)
	}

	return s.GetBot(ctx, businessID, id)
}

func (s *BotService) UpdateBot(ctx context.Context, businessID, botID string, req *db.UpdateBotRequest) (*db.Bot, error) {
	bot, err := s.GetBot(ctx, businessID, botID)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		bot.Name = *req.Name
	}
	if req.Description != nil {
		bot.Description = *req.Description
	}
	if req.Status != nil {
		if *req.Status != "active" && *req.Status != "inactive" {
			return nil, fmt.Errorf("%w: bot status %q", ErrInvalidInput, *req.Status)
		}
		bot.Status = *req.Status
	}
	if req.Settings != nil {
		bot.Settings = *req.Settings
	}

	settingsJSON, err := json.Marshal(bot.Settings)
	if err != nil {
		return nil, err
	}

	_, err = s.PG.ExecContext(ctx, `
		UPDATE bots SET name = $3, description = $4, status = $5, settings = $6, updated_at = now()
		WHERE id = $1 AND business_id = $2
	`, botID, businessID, bot.Name, bot.Description, bot.Status, settingsJSON)
	if err != nil {
		return nil, fmt.Errorf("bot update failed: %w", err)
	}

	return s.GetBot(ctx, businessID, botID)
}

// DeleteBot removes a bot after detaching it from conversations and channel
// assignments. Conversation history is kept, just no longer attributed.
func (s *BotService) DeleteBot(ctx context.Context, businessID, botID string) error {
	if _, err := s.GetBot(ctx, businessID, botID); err != nil {
		return err
	}

	tx, err := s.PG.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET bot_id = NULL WHERE bot_id = $1`, botID); err != nil {
		return fmt.Errorf("failed to detach conversations: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM bot_assignments WHERE bot_id = $1`, botID); err != nil {
		return fmt.Errorf("failed to remove assignments: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM bots WHERE id = $1 AND business_id = $2`, botID, businessID); err != nil {
		return fmt.Errorf("bot delete failed: %w", err)
	}

	return tx.Commit()
}

// ActivateBot makes a bot the active responder for one channel integration.
// The upsert keyed on integration_id makes activation last-writer-wins: any
// previously assigned bot for that pair is implicitly replaced.
func (s *BotService) ActivateBot(ctx context.Context, businessID, botID, integrationID string) error {
	bot, err := s.GetBot(ctx, businessID, botID)
	if err != nil {
		return err
	}

	// The integration must belong to the same business as the bot.
	var integrationBusinessID string
	err = s.PG.QueryRowContext(ctx,
		`SELECT business_id FROM channel_integrations WHERE id = $1 AND status = 'active'`,
		integrationID).Scan(&integrationBusinessID)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("integration lookup failed: %w", err)
	}
	if integrationBusinessID != businessID {
		return ErrForbidden
	}

	tx, err := s.PG.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO bot_assignments (integration_id, business_id, bot_id, assigned_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (integration_id) DO UPDATE
			SET bot_id = EXCLUDED.bot_id, assigned_at = EXCLUDED.assigned_at
	`, integrationID, businessID, botID)
	if err != nil {
		return fmt.Errorf("bot assignment failed: %w", err)
	}

	if bot.Status != "active" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE bots SET status = 'active', updated_at = now() WHERE id = $1`, botID); err != nil {
			return fmt.Errorf("bot activation failed: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	log.Printf("Bot %s is now the active responder for integration %s", botID, integrationID)
	return nil
}

// GetAssignment returns the current active assignment for an integration.
func (s *BotService) GetAssignment(ctx context.Context, integrationID string) (*db.BotAssignment, error) {
	var a db.BotAssignment
	err := s.PG.QueryRowContext(ctx, `
		SELECT integration_id, business_id, bot_id, assigned_at
		FROM bot_assignments WHERE integration_id = $1
	`, integrationID).Scan(&a.IntegrationID, &a.BusinessID, &a.BotID, &a.AssignedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBot(row rowScanner) (*db.Bot, error) {
	var bot db.Bot
	var settings []byte
	err := row.Scan(&bot.ID, &bot.BusinessID, &bot.Name, &bot.Description,
		&bot.Status, &settings, &bot.CreatedAt, &bot.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &bot.Settings); err != nil {
			log.Printf("Failed to parse settings for bot %s: %v", bot.ID, err)
		}
	}
	return &bot, nil
}
