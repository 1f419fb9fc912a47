package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"go2-edge/internal/analytics"
	"go2-edge/internal/domain"
	"go2-edge/internal/kv"
	"go2-edge/internal/visitor"
	"go2-edge/pkg/logger"
)

type recorderFixture struct {
	links    *MockLinkRepository
	clicks   *MockClickRepository
	sink     *analytics.Memory
	store    *kv.Memory
	recorder *ClickRecorder
}

func newRecorderFixture(sink analytics.Sink) *recorderFixture {
	f := &recorderFixture{
		links:  new(MockLinkRepository),
		clicks: new(MockClickRepository),
		sink:   &analytics.Memory{},
		store:  kv.NewMemory(),
	}
	if sink == nil {
		sink = f.sink
	}
	f.recorder = NewClickRecorder(RecorderConfig{
		Links:        f.links,
		Clicks:       f.clicks,
		Sink:         sink,
		Store:        f.store,
		Dedup:        NewClickDeduplicator(f.store, time.Hour, logger.Nop()),
		IdentitySalt: "salt",
		Logger:       logger.Nop(),
	})
	return f
}

func humanVisitor() visitor.Visitor {
	return visitor.Visitor{
		IP:            "203.0.113.9",
		UserAgent:     "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X)",
		Country:       "US",
		City:          "Austin",
		Device:        domain.DeviceMobile,
		Browser:       "Safari",
		OS:            domain.OSiOS,
		OSName:        "iOS",
		RefererDomain: "news.example.com",
		Trigger:       domain.TriggerLink,
	}
}

func TestRecord_BotOnlyCounts(t *testing.T) {
	f := newRecorderFixture(nil)
	v := humanVisitor()
	v.IsBot = true
	v.UserAgent = "Googlebot/2.1"

	f.links.On("IncrementClicks", mock.Anything, domain.CounterUpdate{LinkID: "lnk_promo", ClickedAt: testNow}).Return(nil).Once()

	err := f.recorder.Record(context.Background(), Click{Link: promoLink("go2.gg"), Visitor: v, Destination: "https://example.com", At: testNow})
	require.NoError(t, err)

	f.links.AssertNumberOfCalls(t, "IncrementClicks", 1)
	f.clicks.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	assert.Empty(t, f.sink.Points())
	assert.Equal(t, 0, f.store.Len(), "no dedup marker or recent pointer")
}

func TestRecord_OptOutsOnlyCount(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*domain.CachedLink, *visitor.Visitor)
	}{
		{"visitor opted out", func(_ *domain.CachedLink, v *visitor.Visitor) { v.NoTrack = true }},
		{"link analytics disabled", func(l *domain.CachedLink, _ *visitor.Visitor) { l.TrackAnalytics = false }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRecorderFixture(nil)
			link := promoLink("go2.gg")
			v := humanVisitor()
			tt.setup(link, &v)

			assert.Equal(t, OutcomeCountedOnly, f.recorder.Classify(Click{Link: link, Visitor: v}))

			f.links.On("IncrementClicks", mock.Anything, mock.MatchedBy(func(u domain.CounterUpdate) bool {
				return u.LinkID == "lnk_promo" && !u.Unique && !u.QR
			})).Return(nil).Once()

			require.NoError(t, f.recorder.Record(context.Background(), Click{Link: link, Visitor: v, At: testNow}))
			f.links.AssertExpectations(t)
			f.clicks.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
			assert.Empty(t, f.sink.Points())
		})
	}
}

func TestRecord_FullPath(t *testing.T) {
	f := newRecorderFixture(nil)
	link := promoLink("go2.gg")
	v := humanVisitor()
	v.Trigger = domain.TriggerQR
	v.UTM = visitor.UTM{Source: "newsletter", Campaign: "spring"}

	var event *domain.ClickEvent
	f.clicks.On("Create", mock.Anything, mock.AnythingOfType("*domain.ClickEvent")).
		Run(func(args mock.Arguments) { event = args.Get(1).(*domain.ClickEvent) }).
		Return(nil).Once()
	f.links.On("IncrementClicks", mock.Anything, mock.MatchedBy(func(u domain.CounterUpdate) bool {
		return u.LinkID == "lnk_promo" && u.Unique && u.QR && u.ClickedAt.Equal(testNow)
	})).Return(nil).Once()

	err := f.recorder.Record(context.Background(), Click{
		Link:        link,
		Visitor:     v,
		Destination: "https://apps.apple.com/x",
		At:          testNow,
	})
	require.NoError(t, err)
	f.links.AssertExpectations(t)
	f.clicks.AssertExpectations(t)

	require.NotNil(t, event)
	assert.True(t, event.IsUnique)
	assert.Equal(t, domain.TriggerQR, event.Trigger)
	assert.Equal(t, "newsletter", event.UTMSource)
	assert.Equal(t, "spring", event.UTMCampaign)
	assert.Equal(t, IdentityHash("salt", v.IP, v.UserAgent), event.IdentityHash)

	points := f.sink.Points()
	require.Len(t, points, 1)
	assert.Equal(t, "lnk_promo", points[0].Index)
	assert.Equal(t, "https://apps.apple.com/x", points[0].Blobs[analytics.BlobDestination])

	recent, found, err := f.recorder.RecentClick(context.Background(), "go2.gg", "promo")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, event.ID, recent)
}

func TestRecord_SecondClickIsNotUnique(t *testing.T) {
	f := newRecorderFixture(nil)
	link := promoLink("go2.gg")
	v := humanVisitor()

	var uniques []bool
	f.clicks.On("Create", mock.Anything, mock.Anything).Return(nil)
	f.links.On("IncrementClicks", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { uniques = append(uniques, args.Get(1).(domain.CounterUpdate).Unique) }).
		Return(nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.recorder.Record(context.Background(), Click{Link: link, Visitor: v, At: testNow}))
	}
	assert.Equal(t, []bool{true, false, false}, uniques)
	assert.Len(t, f.sink.Points(), 3, "every human click is an analytics point")
}

func TestRecord_StepFailuresAreJoined(t *testing.T) {
	f := newRecorderFixture(failingSink{})
	errDB := errors.New("db down")

	f.clicks.On("Create", mock.Anything, mock.Anything).Return(errDB).Once()
	f.links.On("IncrementClicks", mock.Anything, mock.Anything).Return(nil).Once()

	err := f.recorder.Record(context.Background(), Click{Link: promoLink("go2.gg"), Visitor: humanVisitor(), At: testNow})
	require.Error(t, err)
	assert.ErrorIs(t, err, errDB)
	assert.Contains(t, err.Error(), "analytics")
	assert.Contains(t, err.Error(), "event")

	// Later steps still ran.
	f.links.AssertExpectations(t)
	_, found, _ := f.store.Get(context.Background(), kv.RecentClickKey("go2.gg", "promo"))
	assert.True(t, found)
}

func TestRecord_CounterFailureOnBotPath(t *testing.T) {
	f := newRecorderFixture(nil)
	v := humanVisitor()
	v.IsBot = true
	errDB := errors.New("db down")
	f.links.On("IncrementClicks", mock.Anything, mock.Anything).Return(errDB).Once()

	err := f.recorder.Record(context.Background(), Click{Link: promoLink("go2.gg"), Visitor: v, At: testNow})
	assert.ErrorIs(t, err, errDB)
}
