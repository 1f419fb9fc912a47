package service

import (
	"context"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"go2-edge/internal/domain"
	"go2-edge/internal/kv"
	"go2-edge/internal/metrics"
)

// FallbackPolicy decides whether a miss on a host is retried against the
// default domain. Disabled, unknown hosts never see default-domain links.
type FallbackPolicy struct {
	Enabled       bool
	DefaultDomain string
	// Hosts limits the fallback to these hosts; empty means any host.
	Hosts []string
}

// Allows reports whether host may fall back to the default domain.
func (p FallbackPolicy) Allows(host string) bool {
	if !p.Enabled || p.DefaultDomain == "" || host == p.DefaultDomain {
		return false
	}
	return len(p.Hosts) == 0 || slices.Contains(p.Hosts, host)
}

// EdgeResolver maps host+slug to a CachedLink and applies expiry and
// password policy.
type EdgeResolver struct {
	cache    *LinkCache
	fallback FallbackPolicy
	log      zerolog.Logger
}

// NewEdgeResolver creates an EdgeResolver.
func NewEdgeResolver(cache *LinkCache, fallback FallbackPolicy, log zerolog.Logger) *EdgeResolver {
	fallback.DefaultDomain = kv.NormalizeHost(fallback.DefaultDomain)
	hosts := make([]string, 0, len(fallback.Hosts))
	for _, h := range fallback.Hosts {
		hosts = append(hosts, kv.NormalizeHost(h))
	}
	fallback.Hosts = hosts
	return &EdgeResolver{
		cache:    cache,
		fallback: fallback,
		log:      log.With().Str("component", "edge_resolver").Logger(),
	}
}

// Resolve looks up slug on host. It returns domain.ErrLinkNotFound on a
// miss, and domain.ErrLinkExpired or domain.ErrPasswordRequired together
// with the link when policy blocks the redirect.
func (r *EdgeResolver) Resolve(ctx context.Context, host, slug string, now time.Time) (*domain.CachedLink, error) {
	host = kv.NormalizeHost(host)
	if slug == "" {
		return nil, domain.ErrLinkNotFound
	}

	link := r.lookup(ctx, host, slug)
	if link != nil {
		metrics.RecordLinkLookup("hit")
	} else if r.fallback.Allows(host) {
		link = r.lookup(ctx, r.fallback.DefaultDomain, slug)
		if link != nil {
			metrics.RecordLinkLookup("fallback_hit")
		}
	}
	if link == nil {
		metrics.RecordLinkLookup("miss")
		return nil, domain.ErrLinkNotFound
	}

	if link.Expired(now) {
		return link, domain.ErrLinkExpired
	}
	if link.Protected() {
		return link, domain.ErrPasswordRequired
	}
	return link, nil
}

// lookup treats store and decode failures as misses.
func (r *EdgeResolver) lookup(ctx context.Context, host, slug string) *domain.CachedLink {
	link, found, err := r.cache.Get(ctx, host, slug)
	if err != nil {
		metrics.RecordLinkLookup("error")
		r.log.Warn().Err(err).Str("domain", host).Str("slug", slug).Msg("link lookup failed")
		return nil
	}
	if !found {
		return nil
	}
	return link
}
