package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"go2-edge/internal/domain"
	"go2-edge/internal/email"
	"go2-edge/internal/repository"
)

// ==================== MOCKS ====================

// MockMailer is a mock implementation of email.Mailer
type MockMailer struct {
	mock.Mock
}

func (m *MockMailer) Enqueue(ctx context.Context, msg email.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

// MockBilling is a mock implementation of billing.Provider
type MockBilling struct {
	mock.Mock
}

func (m *MockBilling) CancelSubscription(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// ==================== FAKES ====================

// recordingMailer keeps every enqueued message.
type recordingMailer struct {
	mu   sync.Mutex
	sent []email.Message
	err  error
}

func (m *recordingMailer) Enqueue(_ context.Context, msg email.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *recordingMailer) templates() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sent))
	for _, s := range m.sent {
		out = append(out, s.Template)
	}
	return out
}

type healthUpdate struct {
	id     string
	status domain.HealthStatus
	code   int
}

type fakeLinks struct {
	expired      []*domain.Link
	health       []*domain.Link
	healthCutoff time.Time
	updates      []healthUpdate
}

func (f *fakeLinks) IncrementClicks(context.Context, domain.CounterUpdate) error { return nil }

func (f *fakeLinks) ListExpired(_ context.Context, since, now time.Time, afterID string, limit int) ([]*domain.Link, error) {
	var out []*domain.Link
	for _, l := range f.expired {
		if l.ExpiresAt != nil {
			if !l.ExpiresAt.Before(now) || (!since.IsZero() && l.ExpiresAt.Before(since)) {
				continue
			}
		}
		if l.ID > afterID {
			out = append(out, l)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeLinks) ListForHealthCheck(_ context.Context, checkedBefore time.Time, limit int) ([]*domain.Link, error) {
	f.healthCutoff = checkedBefore
	var due []*domain.Link
	for _, l := range f.health {
		if l.HealthCheckedAt == nil || l.HealthCheckedAt.Before(checkedBefore) {
			due = append(due, l)
		}
	}
	if len(due) > limit {
		return due[:limit], nil
	}
	return due, nil
}

func (f *fakeLinks) UpdateHealth(_ context.Context, id string, status domain.HealthStatus, code int, _ string, _ time.Time) error {
	f.updates = append(f.updates, healthUpdate{id: id, status: status, code: code})
	return nil
}

type fakeEvictor struct {
	evicted []string
	failOn  string
}

func (f *fakeEvictor) Evict(_ context.Context, host, slug string) error {
	if slug == f.failOn {
		return errors.New("kv down")
	}
	f.evicted = append(f.evicted, host+"/"+slug)
	return nil
}

type fakeOrgs struct {
	owners  map[string]*domain.User
	usage   []domain.Usage
	created []string
}

func (f *fakeOrgs) Owner(_ context.Context, orgID string) (*domain.User, error) {
	if u, ok := f.owners[orgID]; ok {
		return u, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeOrgs) ListUsage(context.Context, time.Time) ([]domain.Usage, error) {
	return f.usage, nil
}

func (f *fakeOrgs) CreatePersonal(_ context.Context, u *domain.User) (*domain.Organization, error) {
	f.created = append(f.created, u.ID)
	return &domain.Organization{ID: "org_" + u.ID, OwnerID: u.ID}, nil
}

type fakeSubs struct {
	byID      map[string]*domain.Subscription
	expired   []*domain.Subscription
	ending    []*domain.Subscription
	downgrade []string
}

func (f *fakeSubs) GetByID(_ context.Context, id string) (*domain.Subscription, error) {
	if s, ok := f.byID[id]; ok {
		return s, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeSubs) ListExpiredTrials(context.Context, time.Time) ([]*domain.Subscription, error) {
	return f.expired, nil
}

func (f *fakeSubs) ListTrialsEndingBetween(_ context.Context, from, to time.Time) ([]*domain.Subscription, error) {
	var out []*domain.Subscription
	for _, s := range f.ending {
		if !s.CurrentPeriodEnd.Before(from) && s.CurrentPeriodEnd.Before(to) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSubs) Downgrade(_ context.Context, id string, status domain.SubscriptionStatus, plan domain.Plan, from ...domain.SubscriptionStatus) (bool, error) {
	s, ok := f.byID[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	for _, st := range from {
		if s.Status == st {
			s.Status, s.Plan = status, plan
			f.downgrade = append(f.downgrade, id)
			return true, nil
		}
	}
	return false, nil
}

type fakeDunning struct {
	records  []*domain.DunningRecord
	notified map[string]string
	resolved map[string]string
}

func newFakeDunning(recs ...*domain.DunningRecord) *fakeDunning {
	return &fakeDunning{records: recs, notified: map[string]string{}, resolved: map[string]string{}}
}

func (f *fakeDunning) ListUnresolved(context.Context) ([]*domain.DunningRecord, error) {
	var out []*domain.DunningRecord
	for _, r := range f.records {
		if !r.Resolved {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeDunning) MarkNotified(_ context.Context, id, tier string, at time.Time) error {
	f.notified[id] = tier
	for _, r := range f.records {
		if r.ID == id {
			r.LastTier = tier
			r.LastNotifiedAt = &at
		}
	}
	return nil
}

func (f *fakeDunning) Resolve(_ context.Context, id, resolution string, at time.Time) error {
	f.resolved[id] = resolution
	for _, r := range f.records {
		if r.ID == id {
			r.Resolved = true
			r.ResolvedAt = &at
			r.Resolution = resolution
		}
	}
	return nil
}

type fakeAlerts struct {
	sent map[string][]int
}

func alertKey(orgID, kind string, period time.Time) string {
	return orgID + "|" + kind + "|" + period.UTC().Format(time.RFC3339)
}

func (f *fakeAlerts) Sent(_ context.Context, orgID, kind string, period time.Time) ([]int, error) {
	return f.sent[alertKey(orgID, kind, period)], nil
}

func (f *fakeAlerts) Record(_ context.Context, rec *domain.UsageAlertRecord) error {
	if f.sent == nil {
		f.sent = map[string][]int{}
	}
	k := alertKey(rec.OrganizationID, rec.Kind, rec.PeriodStart)
	f.sent[k] = append(f.sent[k], rec.Threshold)
	return nil
}

type fakeDrips struct {
	due        []*domain.DripEnrollment
	saved      []*domain.DripEnrollment
	enrolled   []*domain.DripEnrollment
	candidates map[string][]*domain.User
	filters    map[string]repository.UserFilter
	users      map[string]*domain.User
}

func (f *fakeDrips) ListDue(_ context.Context, now time.Time, _ int) ([]*domain.DripEnrollment, error) {
	var out []*domain.DripEnrollment
	for _, e := range f.due {
		if e.CompletedAt == nil && !e.NextSendAt.After(now) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeDrips) Save(_ context.Context, e *domain.DripEnrollment) error {
	f.saved = append(f.saved, e)
	return nil
}

func (f *fakeDrips) Enroll(_ context.Context, e *domain.DripEnrollment) (bool, error) {
	f.enrolled = append(f.enrolled, e)
	return true, nil
}

func (f *fakeDrips) Candidates(_ context.Context, sequence string, filter repository.UserFilter, _ int) ([]*domain.User, error) {
	if f.filters == nil {
		f.filters = map[string]repository.UserFilter{}
	}
	f.filters[sequence] = filter
	return f.candidates[sequence], nil
}

func (f *fakeDrips) User(_ context.Context, id string) (*domain.User, error) {
	if u, ok := f.users[id]; ok {
		return u, nil
	}
	return nil, repository.ErrNotFound
}
