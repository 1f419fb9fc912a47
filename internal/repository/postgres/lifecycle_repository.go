package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go2-edge/internal/domain"
	"go2-edge/internal/repository"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type dunningRepository struct {
	db *pgxpool.Pool
}

// NewDunningRepository creates a new PostgreSQL dunning repository
func NewDunningRepository(db *pgxpool.Pool) repository.DunningRepository {
	return &dunningRepository{db: db}
}

func (r *dunningRepository) ListUnresolved(ctx context.Context) (recs []*domain.DunningRecord, err error) {
	defer func(start time.Time) { timed("dunning_list_unresolved", start, err) }(time.Now())

	rows, err := r.db.Query(ctx, `
		SELECT id, subscription_id, organization_id, failed_at, last_tier,
		       last_notified_at, resolved, resolved_at, resolution
		FROM dunning_records
		WHERE NOT resolved
		ORDER BY failed_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list dunning records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		d := &domain.DunningRecord{}
		if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.OrganizationID, &d.FailedAt, &d.LastTier,
			&d.LastNotifiedAt, &d.Resolved, &d.ResolvedAt, &d.Resolution); err != nil {
			return nil, fmt.Errorf("failed to scan dunning record: %w", err)
		}
		recs = append(recs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dunning records: %w", err)
	}
	return recs, nil
}

func (r *dunningRepository) MarkNotified(ctx context.Context, id, tier string, at time.Time) (err error) {
	defer func(start time.Time) { timed("dunning_mark_notified", start, err) }(time.Now())

	if _, err = r.db.Exec(ctx,
		`UPDATE dunning_records SET last_tier = $2, last_notified_at = $3 WHERE id = $1`,
		id, tier, at); err != nil {
		return fmt.Errorf("failed to mark dunning record notified: %w", err)
	}
	return nil
}

func (r *dunningRepository) Resolve(ctx context.Context, id, resolution string, at time.Time) (err error) {
	defer func(start time.Time) { timed("dunning_resolve", start, err) }(time.Now())

	if _, err = r.db.Exec(ctx,
		`UPDATE dunning_records SET resolved = true, resolved_at = $3, resolution = $2 WHERE id = $1 AND NOT resolved`,
		id, resolution, at); err != nil {
		return fmt.Errorf("failed to resolve dunning record: %w", err)
	}
	return nil
}

type usageAlertRepository struct {
	db *pgxpool.Pool
}

// NewUsageAlertRepository creates a new PostgreSQL usage alert repository
func NewUsageAlertRepository(db *pgxpool.Pool) repository.UsageAlertRepository {
	return &usageAlertRepository{db: db}
}

func (r *usageAlertRepository) Sent(ctx context.Context, orgID, kind string, periodStart time.Time) (thresholds []int, err error) {
	defer func(start time.Time) { timed("usage_alert_sent", start, err) }(time.Now())

	rows, err := r.db.Query(ctx, `
		SELECT threshold FROM usage_alerts
		WHERE organization_id = $1 AND kind = $2 AND period_start = $3`,
		orgID, kind, periodStart)
	if err != nil {
		return nil, fmt.Errorf("failed to list sent usage alerts: %w", err)
	}
	thresholds, err = pgx.CollectRows(rows, pgx.RowTo[int])
	if err != nil {
		return nil, fmt.Errorf("failed to scan usage alerts: %w", err)
	}
	return thresholds, nil
}

func (r *usageAlertRepository) Record(ctx context.Context, rec *domain.UsageAlertRecord) (err error) {
	defer func(start time.Time) { timed("usage_alert_record", start, err) }(time.Now())

	if _, err = r.db.Exec(ctx, `
		INSERT INTO usage_alerts (organization_id, kind, threshold, period_start, sent_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (organization_id, kind, threshold, period_start) DO NOTHING`,
		rec.OrganizationID, rec.Kind, rec.Threshold, rec.PeriodStart, rec.SentAt); err != nil {
		return fmt.Errorf("failed to record usage alert: %w", err)
	}
	return nil
}

type dripRepository struct {
	db *pgxpool.Pool
}

// NewDripRepository creates a new PostgreSQL drip enrollment repository
func NewDripRepository(db *pgxpool.Pool) repository.DripRepository {
	return &dripRepository{db: db}
}

func (r *dripRepository) ListDue(ctx context.Context, now time.Time, limit int) (out []*domain.DripEnrollment, err error) {
	defer func(start time.Time) { timed("drip_list_due", start, err) }(time.Now())

	rows, err := r.db.Query(ctx, `
		SELECT id, user_id, sequence, step, next_send_at, enrolled_at, completed_at
		FROM drip_enrollments
		WHERE completed_at IS NULL AND next_send_at <= $1
		ORDER BY next_send_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due drip enrollments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e := &domain.DripEnrollment{}
		if err := rows.Scan(&e.ID, &e.UserID, &e.Sequence, &e.Step, &e.NextSendAt, &e.EnrolledAt, &e.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan drip enrollment: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating drip enrollments: %w", err)
	}
	return out, nil
}

func (r *dripRepository) Save(ctx context.Context, e *domain.DripEnrollment) (err error) {
	defer func(start time.Time) { timed("drip_save", start, err) }(time.Now())

	if _, err = r.db.Exec(ctx, `
		UPDATE drip_enrollments
		SET step = $2, next_send_at = $3, completed_at = $4
		WHERE id = $1`, e.ID, e.Step, e.NextSendAt, e.CompletedAt); err != nil {
		return fmt.Errorf("failed to save drip enrollment: %w", err)
	}
	return nil
}

func (r *dripRepository) Enroll(ctx context.Context, e *domain.DripEnrollment) (inserted bool, err error) {
	defer func(start time.Time) { timed("drip_enroll", start, err) }(time.Now())

	err = r.db.QueryRow(ctx, `
		INSERT INTO drip_enrollments (user_id, sequence, step, next_send_at, enrolled_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, sequence) DO NOTHING
		RETURNING id`,
		e.UserID, e.Sequence, e.Step, e.NextSendAt, e.EnrolledAt,
	).Scan(&e.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to enroll user: %w", err)
	}
	return true, nil
}

func (r *dripRepository) Candidates(ctx context.Context, sequence string, f repository.UserFilter, limit int) (users []*domain.User, err error) {
	defer func(start time.Time) { timed("drip_candidates", start, err) }(time.Now())

	rows, err := r.db.Query(ctx, `
		SELECT u.id, u.email, u.name, u.created_at, u.last_active_at
		FROM users u
		WHERE NOT EXISTS (
			SELECT 1 FROM drip_enrollments d WHERE d.user_id = u.id AND d.sequence = $1
		)
		  AND ($2::timestamptz IS NULL OR u.created_at >= $2)
		  AND ($3::timestamptz IS NULL OR COALESCE(u.last_active_at, u.created_at) < $3)
		  AND (cardinality($4::uuid[]) = 0 OR u.id = ANY($4::uuid[]))
		ORDER BY u.created_at
		LIMIT $5`,
		sequence, f.CreatedAfter, f.InactiveBefore, nonNil(f.UserIDs), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list drip candidates: %w", err)
	}
	return collectUsers(rows)
}

func (r *dripRepository) User(ctx context.Context, id string) (u *domain.User, err error) {
	defer func(start time.Time) { timed("user_get", start, err) }(time.Now())

	u = &domain.User{}
	err = r.db.QueryRow(ctx,
		`SELECT id, email, name, created_at, last_active_at FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt, &u.LastActiveAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, repository.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
