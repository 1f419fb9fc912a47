package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/rs/zerolog"

	"go2-edge/internal/kv"
	"go2-edge/internal/metrics"
)

// DefaultDedupTTL is how long a visitor's first click suppresses later ones.
const DefaultDedupTTL = time.Hour

// IdentityHash fingerprints a visitor without keeping the raw IP.
func IdentityHash(salt, ip, userAgent string) string {
	sum := sha256.Sum256([]byte(salt + "|" + ip + "|" + userAgent))
	return hex.EncodeToString(sum[:])[:32]
}

// ClickDeduplicator decides click uniqueness with markers in the kv store.
//
// The get-then-put is not atomic: two simultaneous first clicks from one
// identity can both count as unique. Links that need every click counted
// set skipDeduplication instead.
type ClickDeduplicator struct {
	store kv.Store
	ttl   time.Duration
	log   zerolog.Logger
}

// NewClickDeduplicator creates a deduplicator with marker lifetime ttl.
func NewClickDeduplicator(store kv.Store, ttl time.Duration, log zerolog.Logger) *ClickDeduplicator {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &ClickDeduplicator{
		store: store,
		ttl:   ttl,
		log:   log.With().Str("component", "dedup").Logger(),
	}
}

// Check reports whether this click is the identity's first within the
// window. An existing marker is never refreshed. Store failures count the
// click as unique.
func (d *ClickDeduplicator) Check(ctx context.Context, host, slug, identityHash, clickID string, skip bool) bool {
	if skip {
		metrics.RecordDedup(true)
		return true
	}

	key := kv.DedupKey(host, slug, identityHash)
	_, found, err := d.store.Get(ctx, key)
	if err != nil {
		d.log.Warn().Err(err).Str("key", key).Msg("dedup marker read failed")
		metrics.RecordDedup(true)
		return true
	}
	if found {
		metrics.RecordDedup(false)
		return false
	}

	if err := d.store.Put(ctx, key, clickID, d.ttl); err != nil {
		d.log.Warn().Err(err).Str("key", key).Msg("dedup marker write failed")
	}
	metrics.RecordDedup(true)
	return true
}
