package repository

import (
	"context"
	"errors"
	"time"

	"go2-edge/internal/domain"
)

// ErrNotFound is returned when a lookup by key matches no row.
var ErrNotFound = errors.New("record not found")

// LinkRepository is the durable side of links used by the edge pipeline and
// the scheduler. Link CRUD belongs to the management API.
type LinkRepository interface {
	// IncrementClicks applies one click to a link's aggregate counters in a
	// single statement: clickCount always, uniqueClicks and qrScans when set.
	IncrementClicks(ctx context.Context, u domain.CounterUpdate) error

	// ListExpired returns non-archived links with expires_at before now,
	// ordered by id, starting after afterID. A non-zero since also drops
	// links that expired before it.
	ListExpired(ctx context.Context, since, now time.Time, afterID string, limit int) ([]*domain.Link, error)

	// ListForHealthCheck returns non-archived links never checked or last
	// checked before checkedBefore, oldest first.
	ListForHealthCheck(ctx context.Context, checkedBefore time.Time, limit int) ([]*domain.Link, error)

	// UpdateHealth stores the probe outcome of a link.
	UpdateHealth(ctx context.Context, linkID string, status domain.HealthStatus, statusCode int, errMsg string, checkedAt time.Time) error
}

// ClickRepository stores detailed click events.
type ClickRepository interface {
	Create(ctx context.Context, click *domain.ClickEvent) error
}

// SubscriptionRepository reads and transitions subscriptions.
type SubscriptionRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Subscription, error)

	// ListExpiredTrials returns trialing subscriptions whose period ended before now.
	ListExpiredTrials(ctx context.Context, now time.Time) ([]*domain.Subscription, error)

	// ListTrialsEndingBetween returns trialing subscriptions ending in [from, to).
	ListTrialsEndingBetween(ctx context.Context, from, to time.Time) ([]*domain.Subscription, error)

	// Downgrade sets status and plan. It only applies when the current status
	// is one of from, so re-runs are no-ops; it returns false in that case.
	Downgrade(ctx context.Context, id string, status domain.SubscriptionStatus, plan domain.Plan, from ...domain.SubscriptionStatus) (bool, error)
}

// OrganizationRepository reads organizations and repairs memberships.
type OrganizationRepository interface {
	// Owner returns the owning user of an organization.
	Owner(ctx context.Context, orgID string) (*domain.User, error)

	// ListUsage returns current-period usage for every organization.
	ListUsage(ctx context.Context, now time.Time) ([]domain.Usage, error)

	// CreatePersonal creates an organization owned by user and the owner
	// membership in one transaction.
	CreatePersonal(ctx context.Context, user *domain.User) (*domain.Organization, error)
}

// UserRepository reads users.
type UserRepository interface {
	// ListWithoutMembership returns users that belong to no organization.
	ListWithoutMembership(ctx context.Context, limit int) ([]*domain.User, error)
}

// DunningRepository tracks failed payments.
type DunningRepository interface {
	ListUnresolved(ctx context.Context) ([]*domain.DunningRecord, error)
	MarkNotified(ctx context.Context, id, tier string, at time.Time) error
	Resolve(ctx context.Context, id, resolution string, at time.Time) error
}

// UsageAlertRepository records sent usage alerts.
type UsageAlertRepository interface {
	// Sent returns the thresholds already alerted for kind in the period.
	Sent(ctx context.Context, orgID, kind string, periodStart time.Time) ([]int, error)

	// Record stores a sent alert; duplicates are ignored.
	Record(ctx context.Context, rec *domain.UsageAlertRecord) error
}

// UserFilter narrows drip enrollment candidates.
type UserFilter struct {
	CreatedAfter   *time.Time
	InactiveBefore *time.Time
	UserIDs        []string
}

// DripRepository stores lifecycle email enrollments.
type DripRepository interface {
	// ListDue returns incomplete enrollments with next_send_at <= now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.DripEnrollment, error)

	// Save persists step, next_send_at and completed_at.
	Save(ctx context.Context, e *domain.DripEnrollment) error

	// Enroll inserts e unless the user is already enrolled in the sequence.
	Enroll(ctx context.Context, e *domain.DripEnrollment) (bool, error)

	// Candidates returns users matching f that were never enrolled in sequence.
	Candidates(ctx context.Context, sequence string, f UserFilter, limit int) ([]*domain.User, error)

	// User returns a user by id.
	User(ctx context.Context, id string) (*domain.User, error)
}
