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

type subscriptionRepository struct {
	db *pgxpool.Pool
}

// NewSubscriptionRepository creates a new PostgreSQL subscription repository
func NewSubscriptionRepository(db *pgxpool.Pool) repository.SubscriptionRepository {
	return &subscriptionRepository{db: db}
}

const subscriptionColumns = `
	id, organization_id, plan, status, provider_subscription_id,
	current_period_start, current_period_end, cancel_at_period_end, updated_at`

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	s := &domain.Subscription{}
	var plan, status string
	if err := row.Scan(
		&s.ID, &s.OrganizationID, &plan, &status, &s.ProviderSubscriptionID,
		&s.CurrentPeriodStart, &s.CurrentPeriodEnd, &s.CancelAtPeriodEnd, &s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	s.Plan = domain.Plan(plan)
	s.Status = domain.SubscriptionStatus(status)
	return s, nil
}

func (r *subscriptionRepository) list(ctx context.Context, query string, args ...any) ([]*domain.Subscription, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*domain.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

func (r *subscriptionRepository) GetByID(ctx context.Context, id string) (sub *domain.Subscription, err error) {
	defer func(start time.Time) { timed("subscription_get", start, err) }(time.Now())

	sub, err = scanSubscription(r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("subscription %s: %w", id, repository.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

func (r *subscriptionRepository) ListExpiredTrials(ctx context.Context, now time.Time) (subs []*domain.Subscription, err error) {
	defer func(start time.Time) { timed("subscription_list_expired_trials", start, err) }(time.Now())

	subs, err = r.list(ctx, `SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE status = 'trialing' AND current_period_end < $1
		ORDER BY current_period_end`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired trials: %w", err)
	}
	return subs, nil
}

func (r *subscriptionRepository) ListTrialsEndingBetween(ctx context.Context, from, to time.Time) (subs []*domain.Subscription, err error) {
	defer func(start time.Time) { timed("subscription_list_trials_ending", start, err) }(time.Now())

	subs, err = r.list(ctx, `SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE status = 'trialing' AND current_period_end >= $1 AND current_period_end < $2
		ORDER BY current_period_end`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list ending trials: %w", err)
	}
	return subs, nil
}

// Downgrade moves a subscription (and its organization's plan) to status
// and plan in one transaction, guarded by the expected current status.
func (r *subscriptionRepository) Downgrade(ctx context.Context, id string, status domain.SubscriptionStatus, plan domain.Plan, from ...domain.SubscriptionStatus) (changed bool, err error) {
	defer func(start time.Time) { timed("subscription_downgrade", start, err) }(time.Now())

	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}

	err = pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		var orgID string
		err := tx.QueryRow(ctx, `
			UPDATE subscriptions
			SET status = $2, plan = $3, updated_at = now()
			WHERE id = $1 AND (cardinality($4::text[]) = 0 OR status = ANY($4::text[]))
			RETURNING organization_id`,
			id, string(status), string(plan), allowed,
		).Scan(&orgID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		changed = true
		_, err = tx.Exec(ctx, `UPDATE organizations SET plan = $2 WHERE id = $1`, orgID, string(plan))
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to downgrade subscription: %w", err)
	}
	return changed, nil
}
