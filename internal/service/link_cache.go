package service

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"go2-edge/internal/domain"
	"go2-edge/internal/kv"
)

// LinkCache reads and writes CachedLink JSON in the key-value store under
// domain:slug.
type LinkCache struct {
	store kv.Store
}

// NewLinkCache creates a LinkCache over store.
func NewLinkCache(store kv.Store) *LinkCache {
	return &LinkCache{store: store}
}

// Get returns the cached link for domain/slug. A missing key returns
// found=false; a store or decode failure returns an error.
func (c *LinkCache) Get(ctx context.Context, host, slug string) (*domain.CachedLink, bool, error) {
	raw, found, err := c.store.Get(ctx, kv.LinkKey(host, slug))
	if err != nil || !found {
		return nil, false, err
	}
	link, err := DecodeCachedLink([]byte(raw))
	if err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", kv.LinkKey(host, slug), err)
	}
	return link, true, nil
}

// Publish validates link and writes it with no expiry.
func (c *LinkCache) Publish(ctx context.Context, link *domain.CachedLink) error {
	if err := link.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(link)
	if err != nil {
		return fmt.Errorf("failed to marshal link: %w", err)
	}
	return c.store.Put(ctx, kv.LinkKey(link.Domain, link.Slug), string(data), 0)
}

// Evict removes the cached link for domain/slug.
func (c *LinkCache) Evict(ctx context.Context, host, slug string) error {
	return c.store.Delete(ctx, kv.LinkKey(host, slug))
}

// DecodeCachedLink parses the flat JSON form and compiles targeting.
// trackAnalytics defaults to true when the field is absent.
func DecodeCachedLink(data []byte) (*domain.CachedLink, error) {
	link := &domain.CachedLink{TrackAnalytics: true}
	if err := json.Unmarshal(data, link); err != nil {
		return nil, err
	}
	link.Compile()
	return link, nil
}
