package postgres

import (
	"context"
	"fmt"
	"time"

	"go2-edge/internal/domain"
	"go2-edge/internal/repository"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// linkRepository is the PostgreSQL implementation of repository.LinkRepository
type linkRepository struct {
	db *pgxpool.Pool
}

// NewLinkRepository creates a new PostgreSQL link repository
func NewLinkRepository(db *pgxpool.Pool) repository.LinkRepository {
	return &linkRepository{db: db}
}

const linkColumns = `
	id, organization_id, domain, slug, destination_url, title, expires_at, archived_at,
	click_count, unique_clicks, qr_scans, lead_count, sale_count, sale_amount,
	health_status, health_checked_at, health_status_code, health_error,
	last_clicked_at, created_at, updated_at`

func scanLink(row pgx.Row) (*domain.Link, error) {
	l := &domain.Link{}
	var status string
	err := row.Scan(
		&l.ID, &l.OrganizationID, &l.Domain, &l.Slug, &l.DestinationURL, &l.Title,
		&l.ExpiresAt, &l.ArchivedAt,
		&l.ClickCount, &l.UniqueClicks, &l.QRScans, &l.LeadCount, &l.SaleCount, &l.SaleAmount,
		&status, &l.HealthCheckedAt, &l.HealthStatusCode, &l.HealthError,
		&l.LastClickedAt, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	l.HealthStatus = domain.HealthStatus(status)
	return l, nil
}

func collectLinks(rows pgx.Rows) ([]*domain.Link, error) {
	defer rows.Close()
	var links []*domain.Link
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan link: %w", err)
		}
		links = append(links, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating links: %w", err)
	}
	return links, nil
}

// IncrementClicks atomically bumps every aggregate counter touched by one click.
// Increments commute, so concurrent clicks on the same link need no ordering.
func (r *linkRepository) IncrementClicks(ctx context.Context, u domain.CounterUpdate) (err error) {
	defer func(start time.Time) { timed("link_increment", start, err) }(time.Now())

	query := `
		UPDATE links
		SET click_count     = click_count + 1,
		    unique_clicks   = unique_clicks + CASE WHEN $2 THEN 1 ELSE 0 END,
		    qr_scans        = qr_scans + CASE WHEN $3 THEN 1 ELSE 0 END,
		    last_clicked_at = GREATEST(COALESCE(last_clicked_at, $4), $4)
		WHERE id = $1
	`

	result, err := r.db.Exec(ctx, query, u.LinkID, u.Unique, u.QR, u.ClickedAt)
	if err != nil {
		return fmt.Errorf("failed to increment clicks: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("link %s: %w", u.LinkID, repository.ErrNotFound)
	}
	return nil
}

// ListExpired pages through expired, non-archived links with keyset pagination.
func (r *linkRepository) ListExpired(ctx context.Context, since, now time.Time, afterID string, limit int) (links []*domain.Link, err error) {
	defer func(start time.Time) { timed("link_list_expired", start, err) }(time.Now())

	query := `SELECT ` + linkColumns + `
		FROM links
		WHERE archived_at IS NULL
		  AND expires_at IS NOT NULL
		  AND ($1::timestamptz IS NULL OR expires_at >= $1)
		  AND expires_at < $2
		  AND id::text > $3
		ORDER BY id
		LIMIT $4
	`

	var lower *time.Time
	if !since.IsZero() {
		lower = &since
	}

	rows, err := r.db.Query(ctx, query, lower, now, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired links: %w", err)
	}
	return collectLinks(rows)
}

// ListForHealthCheck returns the links most overdue for a probe.
func (r *linkRepository) ListForHealthCheck(ctx context.Context, checkedBefore time.Time, limit int) (links []*domain.Link, err error) {
	defer func(start time.Time) { timed("link_list_health", start, err) }(time.Now())

	query := `SELECT ` + linkColumns + `
		FROM links
		WHERE archived_at IS NULL
		  AND (expires_at IS NULL OR expires_at > now())
		  AND (health_checked_at IS NULL OR health_checked_at < $1)
		ORDER BY health_checked_at NULLS FIRST, id
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, checkedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list links for health check: %w", err)
	}
	return collectLinks(rows)
}

// UpdateHealth stores the result of a destination probe.
func (r *linkRepository) UpdateHealth(ctx context.Context, linkID string, status domain.HealthStatus, statusCode int, errMsg string, checkedAt time.Time) (err error) {
	defer func(start time.Time) { timed("link_update_health", start, err) }(time.Now())

	query := `
		UPDATE links
		SET health_status = $2, health_status_code = $3, health_error = $4,
		    health_checked_at = $5, updated_at = $5
		WHERE id = $1
	`

	if _, err = r.db.Exec(ctx, query, linkID, string(status), statusCode, errMsg, checkedAt); err != nil {
		return fmt.Errorf("failed to update link health: %w", err)
	}
	return nil
}
