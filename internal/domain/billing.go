package domain

import "time"

// Plan is a subscription plan identifier.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanPro        Plan = "pro"
	PlanBusiness   Plan = "business"
	PlanEnterprise Plan = "enterprise"
)

// Unlimited marks a plan limit with no cap.
const Unlimited int64 = -1

// PlanLimits caps usage per billing period.
type PlanLimits struct {
	Links          int64
	ClicksPerMonth int64
}

var planLimits = map[Plan]PlanLimits{
	PlanFree:       {Links: 50, ClicksPerMonth: 5_000},
	PlanPro:        {Links: 1_000, ClicksPerMonth: 100_000},
	PlanBusiness:   {Links: 10_000, ClicksPerMonth: 1_000_000},
	PlanEnterprise: {Links: Unlimited, ClicksPerMonth: Unlimited},
}

// LimitsFor returns the limits of p; unknown plans get free limits.
func LimitsFor(p Plan) PlanLimits {
	if l, ok := planLimits[p]; ok {
		return l
	}
	return planLimits[PlanFree]
}

// SubscriptionStatus mirrors the payment provider's subscription states.
type SubscriptionStatus string

const (
	StatusTrialing SubscriptionStatus = "trialing"
	StatusActive   SubscriptionStatus = "active"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusCanceled SubscriptionStatus = "canceled"
)

// Subscription is an organization's billing subscription.
type Subscription struct {
	ID                     string
	OrganizationID         string
	Plan                   Plan
	Status                 SubscriptionStatus
	ProviderSubscriptionID string
	CurrentPeriodStart     time.Time
	CurrentPeriodEnd       time.Time
	CancelAtPeriodEnd      bool
	UpdatedAt              time.Time
}

// Organization owns links and a subscription.
type Organization struct {
	ID        string
	Name      string
	Slug      string
	OwnerID   string
	Plan      Plan
	CreatedAt time.Time
}

// User is an account that may belong to organizations.
type User struct {
	ID           string
	Email        string
	Name         string
	CreatedAt    time.Time
	LastActiveAt *time.Time
}

// Usage is an organization's consumption in the current billing period.
type Usage struct {
	OrganizationID string
	Plan           Plan
	PeriodStart    time.Time
	Links          int64
	Clicks         int64
}

// Percent returns used/limit as an integer percentage, or -1 when unlimited.
func Percent(used, limit int64) int {
	if limit == Unlimited || limit <= 0 {
		return -1
	}
	return int(used * 100 / limit)
}

// DunningTier is one step of the failed-payment escalation.
type DunningTier struct {
	Day      int
	Template string
}

// DunningSchedule is ordered by Day.
var DunningSchedule = []DunningTier{
	{Day: 1, Template: "payment_failed"},
	{Day: 3, Template: "payment_reminder"},
	{Day: 7, Template: "payment_second_reminder"},
	{Day: 10, Template: "payment_final_warning"},
}

// DunningGraceDays is the last day a failed payment may stay uncanceled.
const DunningGraceDays = 10

// DunningTierFor returns the latest tier reached after days.
func DunningTierFor(days int) (DunningTier, bool) {
	var (
		tier  DunningTier
		found bool
	)
	for _, t := range DunningSchedule {
		if days >= t.Day {
			tier, found = t, true
		}
	}
	return tier, found
}

// DunningRecord tracks one failed payment until it is resolved.
type DunningRecord struct {
	ID             string
	SubscriptionID string
	OrganizationID string
	FailedAt       time.Time
	LastTier       string
	LastNotifiedAt *time.Time
	Resolved       bool
	ResolvedAt     *time.Time
	Resolution     string
}

// DaysSinceFailure counts whole days between FailedAt and now.
func (d *DunningRecord) DaysSinceFailure(now time.Time) int {
	if now.Before(d.FailedAt) {
		return 0
	}
	return int(now.Sub(d.FailedAt) / (24 * time.Hour))
}

// AlreadyNotified reports whether tier (or a later one) was sent.
func (d *DunningRecord) AlreadyNotified(tier DunningTier) bool {
	if d.LastTier == "" {
		return false
	}
	for _, t := range DunningSchedule {
		if t.Template == d.LastTier {
			return t.Day >= tier.Day
		}
	}
	return false
}

// Usage alert kinds.
const (
	AlertLinks       = "links"
	AlertClicks      = "clicks"
	AlertTrialEnding = "trial_ending"
)

// UsageThresholds are percentages that trigger an alert once per period.
var UsageThresholds = []int{80, 90, 100}

// TrialWarningDays are the days-before-end that trigger a trial warning.
var TrialWarningDays = []int{3, 1}

// UsageAlertRecord prevents the same alert from being sent twice in a period.
type UsageAlertRecord struct {
	ID             string
	OrganizationID string
	Kind           string
	Threshold      int
	PeriodStart    time.Time
	SentAt         time.Time
}
