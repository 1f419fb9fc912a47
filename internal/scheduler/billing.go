package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"go2-edge/internal/billing"
	"go2-edge/internal/domain"
	"go2-edge/internal/email"
	"go2-edge/internal/repository"
)

const day = 24 * time.Hour

// UsageAlerts warns organizations approaching their plan limits and trials
// about to end. Each threshold is sent at most once per billing period.
type UsageAlerts struct {
	Orgs          repository.OrganizationRepository
	Alerts        repository.UsageAlertRepository
	Subscriptions repository.SubscriptionRepository
	Mailer        email.Mailer
	Log           zerolog.Logger
}

func (j *UsageAlerts) Name() string { return "usage_alerts" }

func (j *UsageAlerts) Run(ctx context.Context, now time.Time) error {
	var errs []error
	if err := j.usage(ctx, now); err != nil {
		errs = append(errs, err)
	}
	if err := j.trials(ctx, now); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (j *UsageAlerts) usage(ctx context.Context, now time.Time) error {
	usage, err := j.Orgs.ListUsage(ctx, now)
	if err != nil {
		return fmt.Errorf("list usage: %w", err)
	}

	var errs []error
	sent := 0
	for _, u := range usage {
		limits := domain.LimitsFor(u.Plan)
		for _, m := range []struct {
			kind        string
			used, limit int64
		}{
			{domain.AlertLinks, u.Links, limits.Links},
			{domain.AlertClicks, u.Clicks, limits.ClicksPerMonth},
		} {
			pct := domain.Percent(m.used, m.limit)
			if pct < 0 {
				continue
			}
			ok, err := j.alert(ctx, u.OrganizationID, m.kind, u.PeriodStart, pct, now, map[string]any{
				"kind":    m.kind,
				"used":    m.used,
				"limit":   m.limit,
				"percent": pct,
				"plan":    string(u.Plan),
			}, domain.UsageThresholds, email.TemplateUsageAlert)
			if err != nil {
				errs = append(errs, err)
			}
			if ok {
				sent++
			}
		}
	}

	j.Log.Info().Int("orgs", len(usage)).Int("alerts_sent", sent).Msg("usage alerts evaluated")
	return errors.Join(errs...)
}

func (j *UsageAlerts) trials(ctx context.Context, now time.Time) error {
	var errs []error
	for _, days := range domain.TrialWarningDays {
		from := now.Add(time.Duration(days-1) * day)
		to := now.Add(time.Duration(days) * day)
		subs, err := j.Subscriptions.ListTrialsEndingBetween(ctx, from, to)
		if err != nil {
			errs = append(errs, fmt.Errorf("list trials ending in %d days: %w", days, err))
			continue
		}
		for _, sub := range subs {
			_, err := j.alert(ctx, sub.OrganizationID, domain.AlertTrialEnding, sub.CurrentPeriodStart, days, now, map[string]any{
				"daysLeft": days,
				"endsAt":   sub.CurrentPeriodEnd,
				"plan":     string(sub.Plan),
			}, []int{days}, email.TemplateTrialEnding)
			if err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// alert sends one email for the highest threshold crossed by value that was
// not yet sent this period, then records every newly crossed threshold.
// It reports whether an email was enqueued.
func (j *UsageAlerts) alert(ctx context.Context, orgID, kind string, periodStart time.Time, value int, now time.Time, data map[string]any, thresholds []int, template string) (bool, error) {
	already, err := j.Alerts.Sent(ctx, orgID, kind, periodStart)
	if err != nil {
		return false, fmt.Errorf("load sent %s alerts for %s: %w", kind, orgID, err)
	}

	var fresh []int
	for _, t := range thresholds {
		if value >= t && !slices.Contains(already, t) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) == 0 {
		return false, nil
	}

	data["threshold"] = slices.Max(fresh)
	if !notifyOwner(ctx, j.Orgs, j.Mailer, j.Log, orgID, template, data) {
		// Unrecorded thresholds are retried on the next run.
		return false, nil
	}

	var errs []error
	for _, t := range fresh {
		err := j.Alerts.Record(ctx, &domain.UsageAlertRecord{
			OrganizationID: orgID,
			Kind:           kind,
			Threshold:      t,
			PeriodStart:    periodStart,
			SentAt:         now,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("record %s alert %d for %s: %w", kind, t, orgID, err))
		}
	}
	return true, errors.Join(errs...)
}

// Dunning escalates reminders for failed payments and cancels the
// subscription once the grace period is over.
type Dunning struct {
	Records       repository.DunningRepository
	Subscriptions repository.SubscriptionRepository
	Orgs          repository.OrganizationRepository
	Billing       billing.Provider
	Mailer        email.Mailer
	Log           zerolog.Logger
}

func (j *Dunning) Name() string { return "dunning" }

func (j *Dunning) Run(ctx context.Context, now time.Time) error {
	records, err := j.Records.ListUnresolved(ctx)
	if err != nil {
		return fmt.Errorf("list unresolved dunning records: %w", err)
	}

	var errs []error
	for _, rec := range records {
		if err := j.process(ctx, rec, now); err != nil {
			errs = append(errs, fmt.Errorf("dunning %s: %w", rec.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (j *Dunning) process(ctx context.Context, rec *domain.DunningRecord, now time.Time) error {
	log := j.Log.With().Str("dunning_id", rec.ID).Str("org_id", rec.OrganizationID).Logger()
	days := rec.DaysSinceFailure(now)

	if days > domain.DunningGraceDays {
		return j.cancel(ctx, rec, days, now, log)
	}

	tier, ok := domain.DunningTierFor(days)
	if !ok || rec.AlreadyNotified(tier) {
		return nil
	}
	if !notifyOwner(ctx, j.Orgs, j.Mailer, log, rec.OrganizationID, tier.Template, map[string]any{
		"daysSinceFailure": days,
		"graceDays":        domain.DunningGraceDays,
		"failedAt":         rec.FailedAt,
	}) {
		return nil
	}
	if err := j.Records.MarkNotified(ctx, rec.ID, tier.Template, now); err != nil {
		return fmt.Errorf("mark %s notified: %w", tier.Template, err)
	}
	log.Info().Str("tier", tier.Template).Int("days", days).Msg("dunning reminder queued")
	return nil
}

// cancel ends the subscription. A provider failure leaves the record
// unresolved for the next run; email failures never block resolution.
func (j *Dunning) cancel(ctx context.Context, rec *domain.DunningRecord, days int, now time.Time, log zerolog.Logger) error {
	sub, err := j.Subscriptions.GetByID(ctx, rec.SubscriptionID)
	if err != nil {
		return fmt.Errorf("load subscription %s: %w", rec.SubscriptionID, err)
	}

	err = j.Billing.CancelSubscription(ctx, sub.ProviderSubscriptionID)
	switch {
	case errors.Is(err, billing.ErrNotConfigured):
		log.Warn().Msg("payment provider not configured, canceling locally only")
	case errors.Is(err, billing.ErrNoProviderSubscription):
		log.Warn().Str("subscription_id", sub.ID).Msg("subscription has no provider id, canceling locally only")
	case err != nil:
		return fmt.Errorf("cancel at provider: %w", err)
	}

	if _, err := j.Subscriptions.Downgrade(ctx, sub.ID, domain.StatusCanceled, domain.PlanFree,
		domain.StatusActive, domain.StatusPastDue, domain.StatusTrialing); err != nil {
		return fmt.Errorf("downgrade subscription %s: %w", sub.ID, err)
	}

	notifyOwner(ctx, j.Orgs, j.Mailer, log, rec.OrganizationID, email.TemplateCanceled, map[string]any{
		"daysSinceFailure": days,
		"reason":           "payment_failed",
	})

	if err := j.Records.Resolve(ctx, rec.ID, "canceled", now); err != nil {
		return fmt.Errorf("resolve: %w", err)
	}
	log.Info().Int("days", days).Msg("subscription canceled after failed payment")
	return nil
}
