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

// upgradeThreshold is the usage percentage that enrolls a free
// organization's owner into the upgrade sequence.
const upgradeThreshold = 70

// Drip sends due lifecycle emails on every run and enrolls new users only
// during the first EnrollWindow of each hour.
type Drip struct {
	Drips         repository.DripRepository
	Orgs          repository.OrganizationRepository
	Mailer        email.Mailer
	Batch         int
	EnrollWindow  time.Duration
	InactiveAfter time.Duration
	Log           zerolog.Logger
}

func (j *Drip) Name() string { return "drip" }

func (j *Drip) Run(ctx context.Context, now time.Time) error {
	var errs []error
	if err := j.advance(ctx, now); err != nil {
		errs = append(errs, err)
	}
	if j.enrollDue(now) {
		if err := j.enroll(ctx, now); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (j *Drip) batch() int {
	if j.Batch <= 0 {
		return 200
	}
	return j.Batch
}

func (j *Drip) enrollDue(now time.Time) bool {
	window := j.EnrollWindow
	if window <= 0 {
		window = 5 * time.Minute
	}
	top := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, now.Location())
	return now.Sub(top) < window
}

func (j *Drip) advance(ctx context.Context, now time.Time) error {
	due, err := j.Drips.ListDue(ctx, now, j.batch())
	if err != nil {
		return fmt.Errorf("list due enrollments: %w", err)
	}

	var errs []error
	sent := 0
	for _, e := range due {
		seq, ok := domain.DripSequences[e.Sequence]
		if !ok || e.Step >= len(seq.Steps) {
			e.CompletedAt = &now
			if err := j.Drips.Save(ctx, e); err != nil {
				errs = append(errs, fmt.Errorf("close enrollment %s: %w", e.ID, err))
			}
			continue
		}

		user, err := j.Drips.User(ctx, e.UserID)
		if err != nil {
			errs = append(errs, fmt.Errorf("load user %s: %w", e.UserID, err))
			continue
		}

		step := seq.Steps[e.Step]
		err = j.Mailer.Enqueue(ctx, email.Message{
			Template: step.Template,
			To:       user.Email,
			Data: map[string]any{
				"name":     user.Name,
				"sequence": seq.Name,
				"step":     e.Step + 1,
				"steps":    len(seq.Steps),
			},
		})
		if err != nil {
			// Left due; the next run retries it.
			j.Log.Warn().Err(err).Str("user_id", user.ID).Str("template", step.Template).Msg("enqueue drip email failed")
			continue
		}
		sent++

		e.Advance(seq, now)
		if err := j.Drips.Save(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("save enrollment %s: %w", e.ID, err))
		}
	}

	if len(due) > 0 {
		j.Log.Info().Int("due", len(due)).Int("sent", sent).Msg("drip emails processed")
	}
	return errors.Join(errs...)
}

func (j *Drip) enroll(ctx context.Context, now time.Time) error {
	var errs []error

	recent := now.Add(-7 * day)
	if err := j.enrollCandidates(ctx, domain.SequenceOnboarding, repository.UserFilter{CreatedAfter: &recent}, now); err != nil {
		errs = append(errs, err)
	}

	inactiveAfter := j.InactiveAfter
	if inactiveAfter <= 0 {
		inactiveAfter = 14 * day
	}
	inactive := now.Add(-inactiveAfter)
	if err := j.enrollCandidates(ctx, domain.SequenceReengagement, repository.UserFilter{InactiveBefore: &inactive}, now); err != nil {
		errs = append(errs, err)
	}

	owners, err := j.upgradeOwners(ctx, now)
	if err != nil {
		errs = append(errs, err)
	} else if len(owners) > 0 {
		if err := j.enrollCandidates(ctx, domain.SequenceUpgrade, repository.UserFilter{UserIDs: owners}, now); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// upgradeOwners returns owners of free organizations at or above the
// upgrade threshold on any limit.
func (j *Drip) upgradeOwners(ctx context.Context, now time.Time) ([]string, error) {
	usage, err := j.Orgs.ListUsage(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}

	var owners []string
	for _, u := range usage {
		if u.Plan != domain.PlanFree {
			continue
		}
		limits := domain.LimitsFor(u.Plan)
		if domain.Percent(u.Links, limits.Links) < upgradeThreshold && domain.Percent(u.Clicks, limits.ClicksPerMonth) < upgradeThreshold {
			continue
		}
		owner, err := j.Orgs.Owner(ctx, u.OrganizationID)
		if err != nil {
			j.Log.Warn().Err(err).Str("org_id", u.OrganizationID).Msg("owner lookup failed")
			continue
		}
		owners = append(owners, owner.ID)
	}
	return owners, nil
}

func (j *Drip) enrollCandidates(ctx context.Context, sequence string, f repository.UserFilter, now time.Time) error {
	seq := domain.DripSequences[sequence]
	users, err := j.Drips.Candidates(ctx, sequence, f, j.batch())
	if err != nil {
		return fmt.Errorf("list %s candidates: %w", sequence, err)
	}

	var errs []error
	enrolled := 0
	for _, u := range users {
		ok, err := j.Drips.Enroll(ctx, domain.NewDripEnrollment(u.ID, seq, now))
		if err != nil {
			errs = append(errs, fmt.Errorf("enroll %s in %s: %w", u.ID, sequence, err))
			continue
		}
		if ok {
			enrolled++
		}
	}
	if enrolled > 0 {
		j.Log.Info().Str("sequence", sequence).Int("enrolled", enrolled).Msg("users enrolled")
	}
	return errors.Join(errs...)
}
