package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"go2-edge/internal/analytics"
	"go2-edge/internal/domain"
	"go2-edge/internal/kv"
	"go2-edge/internal/metrics"
	"go2-edge/internal/repository"
	"go2-edge/internal/visitor"
)

// DefaultRecentClickTTL bounds how long the recent-click pointer lives.
const DefaultRecentClickTTL = 24 * time.Hour

// Click is everything the recorder needs about one served request.
type Click struct {
	Link        *domain.CachedLink
	Visitor     visitor.Visitor
	Destination string
	Variant     string
	// IdentityHash may be computed upstream; it is derived from the
	// visitor when empty.
	IdentityHash string
	At           time.Time
}

// Outcome labels what Record did with a click.
type Outcome string

const (
	OutcomeRecorded    Outcome = "recorded"
	OutcomeCountedOnly Outcome = "counted_only"
	OutcomeBot         Outcome = "bot"
)

// ClickRecorder writes counters, click events, analytics points and the
// recent-click pointer for a served click. It runs detached from the
// request; every step runs even when an earlier one fails.
type ClickRecorder struct {
	links     repository.LinkRepository
	clicks    repository.ClickRepository
	sink      analytics.Sink
	store     kv.Store
	dedup     *ClickDeduplicator
	salt      string
	recentTTL time.Duration
	log       zerolog.Logger
}

// RecorderConfig holds the recorder's dependencies.
type RecorderConfig struct {
	Links          repository.LinkRepository
	Clicks         repository.ClickRepository
	Sink           analytics.Sink
	Store          kv.Store
	Dedup          *ClickDeduplicator
	IdentitySalt   string
	RecentClickTTL time.Duration
	Logger         zerolog.Logger
}

// NewClickRecorder creates a ClickRecorder.
func NewClickRecorder(cfg RecorderConfig) *ClickRecorder {
	if cfg.RecentClickTTL <= 0 {
		cfg.RecentClickTTL = DefaultRecentClickTTL
	}
	if cfg.Sink == nil {
		cfg.Sink = analytics.Nop{}
	}
	return &ClickRecorder{
		links:     cfg.Links,
		clicks:    cfg.Clicks,
		sink:      cfg.Sink,
		store:     cfg.Store,
		dedup:     cfg.Dedup,
		salt:      cfg.IdentitySalt,
		recentTTL: cfg.RecentClickTTL,
		log:       cfg.Logger.With().Str("component", "click_recorder").Logger(),
	}
}

// Classify returns what Record will do with c without side effects.
func (r *ClickRecorder) Classify(c Click) Outcome {
	switch {
	case c.Visitor.NoTrack || !c.Link.TrackAnalytics:
		return OutcomeCountedOnly
	case c.Visitor.IsBot:
		return OutcomeBot
	default:
		return OutcomeRecorded
	}
}

// Record processes one click. Opted-out and bot clicks only bump the
// aggregate counter. The returned error joins every failed step.
func (r *ClickRecorder) Record(ctx context.Context, c Click) error {
	if c.At.IsZero() {
		c.At = time.Now()
	}
	link := c.Link

	outcome := r.Classify(c)
	metrics.RecordClick(string(outcome))
	if outcome != OutcomeRecorded {
		err := r.links.IncrementClicks(ctx, domain.CounterUpdate{LinkID: link.ID, ClickedAt: c.At})
		if err != nil {
			metrics.ClickStepFailuresTotal.WithLabelValues("counter").Inc()
			return fmt.Errorf("count %s click: %w", outcome, err)
		}
		return nil
	}

	v := c.Visitor
	hash := c.IdentityHash
	if hash == "" {
		hash = IdentityHash(r.salt, v.IP, v.UserAgent)
	}
	clickID := uuid.NewString()
	unique := r.dedup.Check(ctx, link.Domain, link.Slug, hash, clickID, link.SkipDeduplication)
	qr := v.Trigger == domain.TriggerQR

	var errs []error
	step := func(name string, err error) {
		if err == nil {
			return
		}
		metrics.ClickStepFailuresTotal.WithLabelValues(name).Inc()
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}

	step("analytics", r.sink.Write(ctx, analytics.Click{
		LinkID:        link.ID,
		Slug:          link.Slug,
		Domain:        link.Domain,
		Destination:   c.Destination,
		Country:       v.Country,
		City:          v.City,
		Region:        v.Region,
		Device:        v.Device,
		Browser:       v.Browser,
		OS:            v.OSName,
		RefererDomain: v.RefererDomain,
		Variant:       c.Variant,
		Timestamp:     c.At,
		Longitude:     v.Longitude,
		Latitude:      v.Latitude,
		Bot:           v.IsBot,
	}.Point()))

	step("event", r.clicks.Create(ctx, &domain.ClickEvent{
		ID:             clickID,
		LinkID:         link.ID,
		IdentityHash:   hash,
		Country:        v.Country,
		City:           v.City,
		Region:         v.Region,
		Latitude:       v.Latitude,
		Longitude:      v.Longitude,
		Device:         v.Device,
		Browser:        v.Browser,
		BrowserVersion: v.BrowserVersion,
		Engine:         v.Engine,
		OS:             v.OSName,
		OSVersion:      v.OSVersion,
		Referrer:       v.Referrer,
		RefererDomain:  v.RefererDomain,
		Trigger:        v.Trigger,
		IsBot:          v.IsBot,
		IsUnique:       unique,
		UTMSource:      v.UTM.Source,
		UTMMedium:      v.UTM.Medium,
		UTMCampaign:    v.UTM.Campaign,
		UTMTerm:        v.UTM.Term,
		UTMContent:     v.UTM.Content,
		Timestamp:      c.At,
	}))

	step("counter", r.links.IncrementClicks(ctx, domain.CounterUpdate{
		LinkID:    link.ID,
		Unique:    unique,
		QR:        qr,
		ClickedAt: c.At,
	}))

	step("pointer", r.store.Put(ctx, kv.RecentClickKey(link.Domain, link.Slug), clickID, r.recentTTL))

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	r.log.Debug().Str("link_id", link.ID).Str("click_id", clickID).Bool("unique", unique).Msg("click recorded")
	return nil
}

// RecentClick returns the id of the latest recorded click on domain/slug.
func (r *ClickRecorder) RecentClick(ctx context.Context, host, slug string) (string, bool, error) {
	return r.store.Get(ctx, kv.RecentClickKey(host, slug))
}
