package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"

	"github.com/botsphere/botsphere/db"
)

type BusinessService struct {
	PG *sql.DB
}

func NewBusinessService(pg *sql.DB) *BusinessService {
	return &BusinessService{PG: pg}
}

func (s *BusinessService) GetBusiness(ctx context.Context, id string) (*db.Business, error) {
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
		return nil, ErrNotFound
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

// UpdateSettings applies a partial settings update. Status is not touched
// here; suspension has its own path.
func (s *BusinessService) UpdateSettings(ctx context.Context, id string, req *db.UpdateBusinessSettingsRequest) (*db.Business, error) {
	business, err := s.GetBusiness(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		business.Name = *req.Name
	}
	if req.Description != nil {
		business.Description = *req.Description
	}
	if req.Catalog != nil {
		business.Catalog = *req.Catalog
	}
	if req.BusinessHours != nil {
		business.BusinessHours = *req.BusinessHours
	}
	if req.Settings != nil {
		business.Settings = *req.Settings
	}

	settingsJSON, err := json.Marshal(business.Settings)
	if err != nil {
		return nil, err
	}

	_, err = s.PG.ExecContext(ctx, `
		UPDATE businesses
		SET name = $2, description = $3, catalog = $4, business_hours = $5, settings = $6, updated_at = now()
		WHERE id = $1
	`, id, business.Name, business.Description, business.Catalog, business.BusinessHours, settingsJSON)
	if err != nil {
		return nil, fmt.Errorf("business update failed: %w", err)
	}

	return s.GetBusiness(ctx, id)
}

// SetStatus suspends or reactivates a tenant. In-flight dispatches finish;
// new routing for a suspended business fails closed.
func (s *BusinessService) SetStatus(ctx context.Context, id, status string) error {
	if status != "active" && status != "suspended" {
		return fmt.Errorf("%w: business status %q", ErrInvalidInput, status)
	}
	res, err := s.PG.ExecContext(ctx,
		`UPDATE businesses SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("business status update failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	log.Printf("Business %s status set to %s", id, status)
	return nil
}

// ListBusinesses is the admin view: paged, searchable, with bot and
// integration counts joined in.
func (s *BusinessService) ListBusinesses(ctx context.Context, page, limit int, search, status string) ([]db.Business, db.Pagination, error) {
	page, limit = db.ClampPage(page, limit)

	where := `WHERE 1=1`
	args := []interface{}{}
	if search != "" {
		args = append(args, "%"+search+"%")
		where += fmt.Sprintf(` AND name ILIKE $%d`, len(args))
	}
	if status != "" {
		args = append(args, status)
		where += fmt.Sprintf(` AND status = $%d`, len(args))
	}

	var total int
	if err := s.PG.QueryRowContext(ctx, `SELECT COUNT(*) FROM businesses `+where, args...).Scan(&total); err != nil {
		return nil, db.Pagination{}, fmt.Errorf("business count failed: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT b.id, b.name, b.description, b.catalog, b.business_hours, b.status, b.settings,
		       b.created_at, b.updated_at,
		       (SELECT COUNT(*) FROM bots WHERE business_id = b.id) AS bots_count,
		       (SELECT COUNT(*) FROM channel_integrations WHERE business_id = b.id AND status = 'active') AS integrations_count
		FROM businesses b %s
		ORDER BY b.created_at DESC
		LIMIT $%d OFFSET $%d
	`, where, len(args)+1, len(args)+2)
	args = append(args, limit, (page-1)*limit)

	rows, err := s.PG.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, db.Pagination{}, fmt.Errorf("business list failed: %w", err)
	}
	defer rows.Close()

	businesses := []db.Business{}
	for rows.Next() {
		var b db.Business
		var settings []byte
		if err := rows.Scan(&b.ID, &b.Name, &b.Description, &b.Catalog, &b.BusinessHours,
			&b.Status, &settings, &b.CreatedAt, &b.UpdatedAt, &b.BotsCount, &b.IntegrationsCount); err != nil {
			return nil, db.Pagination{}, err
		}
		if len(settings) > 0 {
			if err := json.Unmarshal(settings, &b.Settings); err != nil {
				log.Printf("Failed to parse settings for business %s: %v", b.ID, err)
			}
		}
		businesses = append(businesses, b)
	}

	return businesses, db.NewPagination(page, limit, total), rows.Err()
}

// ListIntegrations returns a business's channel integrations with credentials
// redacted for API responses.
func (s *BusinessService) ListIntegrations(ctx context.Context, businessID string) ([]db.ChannelIntegration, error) {
	rows, err := s.PG.QueryContext(ctx, `
		SELECT id, business_id, provider, channel_id, status, created_at, updated_at
		FROM channel_integrations
		WHERE business_id = $1
		ORDER BY created_at DESC
	`, businessID)
	if err != nil {
		return nil, fmt.Errorf("integration list failed: %w", err)
	}
	defer rows.Close()

	integrations := []db.ChannelIntegration{}
	for rows.Next() {
		var i db.ChannelIntegration
		if err := rows.Scan(&i.ID, &i.BusinessID, &i.Provider, &i.ChannelID,
			&i.Status, &i.CreatedAt, &i.UpdatedAt); err != nil {
			return nil, err
		}
		integrations = append(integrations, i)
	}
	return integrations, rows.Err()
}

// DisconnectIntegration revokes a channel. The row is kept so past
// conversations stay attributable; any bot assignment for it is removed.
func (s *BusinessService) DisconnectIntegration(ctx context.Context, businessID, integrationID string) error {
	tx, err := s.PG.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE channel_integrations SET status = 'disconnected', updated_at = now()
		WHERE id = $1 AND business_id = $2
	`, integrationID, businessID)
	if err != nil {
		return fmt.Errorf("integration disconnect failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM bot_assignments WHERE integration_id = $1`, integrationID); err != nil {
		return fmt.Errorf("failed to remove assignment: %w", err)
	}

	return tx.Commit()
}
