package postgres

import (
	"context"
	"fmt"
	"time"

	"go2-edge/internal/domain"
	"go2-edge/internal/repository"

	"github.com/jackc/pgx/v5/pgxpool"
)

// clickRepository is the PostgreSQL implementation for click events
type clickRepository struct {
	db *pgxpool.Pool
}

// NewClickRepository creates a new PostgreSQL click repository
func NewClickRepository(db *pgxpool.Pool) repository.ClickRepository {
	return &clickRepository{db: db}
}

// Create inserts one click event. The id is assigned by the caller so the
// same value can be used as the dedup marker and recent-click pointer.
func (r *clickRepository) Create(ctx context.Context, c *domain.ClickEvent) (err error) {
	defer func(start time.Time) { timed("click_create", start, err) }(time.Now())

	query := `
		INSERT INTO click_events (
			id, link_id, identity_hash,
			country, city, region, latitude, longitude,
			device, browser, browser_version, engine, os, os_version,
			referrer, referer_domain, trigger, is_bot, is_unique,
			utm_source, utm_medium, utm_campaign, utm_term, utm_content,
			clicked_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25
		)
	`

	_, err = r.db.Exec(ctx, query,
		c.ID, c.LinkID, c.IdentityHash,
		c.Country, c.City, c.Region, c.Latitude, c.Longitude,
		c.Device, c.Browser, c.BrowserVersion, c.Engine, c.OS, c.OSVersion,
		c.Referrer, c.RefererDomain, string(c.Trigger), c.IsBot, c.IsUnique,
		c.UTMSource, c.UTMMedium, c.UTMCampaign, c.UTMTerm, c.UTMContent,
		c.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to create click event: %w", err)
	}
	return nil
}
