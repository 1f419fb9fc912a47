package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go2-edge/internal/domain"
	"go2-edge/internal/repository"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type organizationRepository struct {
	db *pgxpool.Pool
}

// NewOrganizationRepository creates a new PostgreSQL organization repository
func NewOrganizationRepository(db *pgxpool.Pool) repository.OrganizationRepository {
	return &organizationRepository{db: db}
}

func (r *organizationRepository) Owner(ctx context.Context, orgID string) (u *domain.User, err error) {
	defer func(start time.Time) { timed("organization_owner", start, err) }(time.Now())

	u = &domain.User{}
	err = r.db.QueryRow(ctx, `
		SELECT u.id, u.email, u.name, u.created_at, u.last_active_at
		FROM organizations o JOIN users u ON u.id = o.owner_id
		WHERE o.id = $1`, orgID,
	).Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt, &u.LastActiveAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("owner of %s: %w", orgID, repository.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization owner: %w", err)
	}
	return u, nil
}

// ListUsage counts live links and clicks since the current period start for
// every organization. Organizations without a subscription use a calendar
// month period on the free plan.
func (r *organizationRepository) ListUsage(ctx context.Context, now time.Time) (usage []domain.Usage, err error) {
	defer func(start time.Time) { timed("organization_list_usage", start, err) }(time.Now())

	query := `
		WITH periods AS (
			SELECT o.id AS org_id,
			       COALESCE(s.plan, o.plan) AS plan,
			       COALESCE(s.current_period_start, date_trunc('month', $1::timestamptz)) AS period_start
			FROM organizations o
			LEFT JOIN subscriptions s ON s.organization_id = o.id AND s.status <> 'canceled'
		)
		SELECT p.org_id, p.plan, p.period_start,
		       (SELECT count(*) FROM links l WHERE l.organization_id = p.org_id AND l.archived_at IS NULL),
		       (SELECT count(*) FROM click_events c JOIN links l ON l.id = c.link_id
		         WHERE l.organization_id = p.org_id AND c.clicked_at >= p.period_start)
		FROM periods p
		ORDER BY p.org_id
	`

	rows, err := r.db.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			u    domain.Usage
			plan string
		)
		if err := rows.Scan(&u.OrganizationID, &plan, &u.PeriodStart, &u.Links, &u.Clicks); err != nil {
			return nil, fmt.Errorf("failed to scan usage: %w", err)
		}
		u.Plan = domain.Plan(plan)
		usage = append(usage, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage: %w", err)
	}
	return usage, nil
}

// CreatePersonal creates a free personal organization owned by user. A user
// who gained a membership since being listed is left alone.
func (r *organizationRepository) CreatePersonal(ctx context.Context, user *domain.User) (org *domain.Organization, err error) {
	defer func(start time.Time) { timed("organization_create_personal", start, err) }(time.Now())

	name := user.Name
	if name == "" {
		name = strings.SplitN(user.Email, "@", 2)[0]
	}
	org = &domain.Organization{
		Name:    name + "'s workspace",
		Slug:    "personal-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		OwnerID: user.ID,
		Plan:    domain.PlanFree,
	}

	err = pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, user.ID); err != nil {
			return err
		}
		var member bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM organization_members WHERE user_id = $1)`, user.ID,
		).Scan(&member); err != nil {
			return err
		}
		if member {
			org = nil
			return nil
		}
		if err := tx.QueryRow(ctx, `
			INSERT INTO organizations (name, slug, owner_id, plan)
			VALUES ($1, $2, $3, $4)
			RETURNING id, created_at`,
			org.Name, org.Slug, org.OwnerID, string(org.Plan),
		).Scan(&org.ID, &org.CreatedAt); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO organization_members (organization_id, user_id, role)
			VALUES ($1, $2, 'owner')`, org.ID, user.ID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO subscriptions (organization_id, plan, status)
			VALUES ($1, 'free', 'active')
			ON CONFLICT (organization_id) DO NOTHING`, org.ID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create personal organization: %w", err)
	}
	return org, nil
}

type userRepository struct {
	db *pgxpool.Pool
}

// NewUserRepository creates a new PostgreSQL user repository
func NewUserRepository(db *pgxpool.Pool) repository.UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) ListWithoutMembership(ctx context.Context, limit int) (users []*domain.User, err error) {
	defer func(start time.Time) { timed("user_list_orphans", start, err) }(time.Now())

	rows, err := r.db.Query(ctx, `
		SELECT u.id, u.email, u.name, u.created_at, u.last_active_at
		FROM users u
		WHERE NOT EXISTS (SELECT 1 FROM organization_members m WHERE m.user_id = u.id)
		ORDER BY u.created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list users without membership: %w", err)
	}
	return collectUsers(rows)
}

func collectUsers(rows pgx.Rows) ([]*domain.User, error) {
	defer rows.Close()
	var users []*domain.User
	for rows.Next() {
		u := &domain.User{}
		if err := rows.Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt, &u.LastActiveAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}
	return users, nil
}
