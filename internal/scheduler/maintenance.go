package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"go2-edge/internal/domain"
	"go2-edge/internal/email"
	"go2-edge/internal/repository"
)

// LinkEvictor removes a link from the edge cache.
type LinkEvictor interface {
	Evict(ctx context.Context, host, slug string) error
}

// ExpiredLinkSweep evicts expired links so the edge stops serving them from
// cache. The durable rows are kept.
type ExpiredLinkSweep struct {
	Links repository.LinkRepository
	Cache LinkEvictor
	// Lookback bounds how far back expirations are considered; zero means
	// every expired link, so skipped runs are caught up.
	Lookback time.Duration
	Batch    int
	Log      zerolog.Logger
}

func (j *ExpiredLinkSweep) Name() string { return "expired_link_sweep" }

func (j *ExpiredLinkSweep) Run(ctx context.Context, now time.Time) error {
	batch := j.Batch
	if batch <= 0 {
		batch = 500
	}
	var since time.Time
	if j.Lookback > 0 {
		since = now.Add(-j.Lookback)
	}

	var (
		after   string
		evicted int
		errs    []error
	)
	for {
		links, err := j.Links.ListExpired(ctx, since, now, after, batch)
		if err != nil {
			return errors.Join(append(errs, fmt.Errorf("list expired links: %w", err))...)
		}
		for _, l := range links {
			if err := j.Cache.Evict(ctx, l.Domain, l.Slug); err != nil {
				errs = append(errs, fmt.Errorf("evict %s/%s: %w", l.Domain, l.Slug, err))
				continue
			}
			evicted++
		}
		if len(links) < batch {
			break
		}
		after = links[len(links)-1].ID
	}

	j.Log.Info().Int("evicted", evicted).Int("failed", len(errs)).Msg("expired links swept")
	return errors.Join(errs...)
}

// TrialExpiry moves trials past their end date to the free plan and tells
// the owner.
type TrialExpiry struct {
	Subscriptions repository.SubscriptionRepository
	Orgs          repository.OrganizationRepository
	Mailer        email.Mailer
	Log           zerolog.Logger
}

func (j *TrialExpiry) Name() string { return "trial_expiry" }

func (j *TrialExpiry) Run(ctx context.Context, now time.Time) error {
	subs, err := j.Subscriptions.ListExpiredTrials(ctx, now)
	if err != nil {
		return fmt.Errorf("list expired trials: %w", err)
	}

	var errs []error
	downgraded := 0
	for _, sub := range subs {
		changed, err := j.Subscriptions.Downgrade(ctx, sub.ID, domain.StatusCanceled, domain.PlanFree, domain.StatusTrialing)
		if err != nil {
			errs = append(errs, fmt.Errorf("downgrade %s: %w", sub.ID, err))
			continue
		}
		if !changed {
			continue
		}
		downgraded++
		notifyOwner(ctx, j.Orgs, j.Mailer, j.Log, sub.OrganizationID, email.TemplateTrialExpired, map[string]any{
			"plan":     string(sub.Plan),
			"endedAt":  sub.CurrentPeriodEnd,
			"newPlan":  string(domain.PlanFree),
			"trialEnd": sub.CurrentPeriodEnd.Format("2006-01-02"),
		})
	}

	j.Log.Info().Int("expired", len(subs)).Int("downgraded", downgraded).Msg("trials reconciled")
	return errors.Join(errs...)
}

// OrphanRepair gives every user without an organization a personal one.
type OrphanRepair struct {
	Users repository.UserRepository
	Orgs  repository.OrganizationRepository
	Batch int
	Log   zerolog.Logger
}

func (j *OrphanRepair) Name() string { return "orphan_repair" }

func (j *OrphanRepair) Run(ctx context.Context, _ time.Time) error {
	batch := j.Batch
	if batch <= 0 {
		batch = 200
	}
	users, err := j.Users.ListWithoutMembership(ctx, batch)
	if err != nil {
		return fmt.Errorf("list orphaned users: %w", err)
	}

	var errs []error
	repaired := 0
	for _, u := range users {
		org, err := j.Orgs.CreatePersonal(ctx, u)
		if err != nil {
			errs = append(errs, fmt.Errorf("repair user %s: %w", u.ID, err))
			continue
		}
		if org != nil {
			repaired++
		}
	}

	if len(users) > 0 {
		j.Log.Info().Int("orphans", len(users)).Int("repaired", repaired).Msg("orphaned users repaired")
	}
	return errors.Join(errs...)
}

// notifyOwner enqueues an email to the organization owner. Failures are
// logged and otherwise ignored.
func notifyOwner(ctx context.Context, orgs repository.OrganizationRepository, mailer email.Mailer, log zerolog.Logger, orgID, template string, data map[string]any) bool {
	owner, err := orgs.Owner(ctx, orgID)
	if err != nil {
		log.Warn().Err(err).Str("org_id", orgID).Str("template", template).Msg("owner lookup failed")
		return false
	}
	if err := mailer.Enqueue(ctx, email.Message{Template: template, To: owner.Email, Data: data}); err != nil {
		log.Warn().Err(err).Str("org_id", orgID).Str("template", template).Msg("enqueue email failed")
		return false
	}
	return true
}
