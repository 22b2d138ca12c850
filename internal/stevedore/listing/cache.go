// Package listing implements the time-boxed host listing cache with
// destroyed-host inference, plus the fan-out across provider instances.
package listing

import (
	"context"
	"fmt"
	"time"

	"github.com/dmelnic/stevedore/internal/stevedore/host"
	"github.com/dmelnic/stevedore/internal/stevedore/provider"
	"github.com/dmelnic/stevedore/internal/stevedore/store"
)

// DefaultTTL bounds how long cache entries (including destroyed ghosts) are
// retained without being refreshed.
const DefaultTTL = 36 * time.Hour

// Cache wraps the store with the refresh/inference logic of one listing
// pipeline. It holds no listing data in memory; every query goes to sqlite
// so concurrent orchestrator processes share one view.
type Cache struct {
	store *store.Store
	ttl   time.Duration
	now   func() time.Time
}

// New creates a Cache over st. ttl <= 0 selects DefaultTTL.
func New(st *store.Store, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{store: st, ttl: ttl, now: time.Now}
}

// GetOrRefresh attempts a live listing from inst and falls back to cache on
// unreachable providers.
//
// On success the cache is updated: under an unchanged config fingerprint,
// previously-cached hosts absent from the fresh listing are reclassified as
// destroyed and still returned; under a changed fingerprint no destruction
// is inferred. On failure the last cached listing is returned with
// stale=true; mutating callers must treat stale data as a hard stop.
func (c *Cache) GetOrRefresh(ctx context.Context, inst provider.Instance, filter *provider.Filter) (hosts []provider.HostSummary, stale bool, err error) {
	now := c.now().UTC()

	fresh, listErr := inst.ListHosts(ctx, nil)
	if listErr != nil {
		if !provider.IsUnreachable(listErr) {
			return nil, false, listErr
		}
		cached, cacheErr := c.cachedSummaries(ctx, inst.Name(), filter)
		if cacheErr != nil {
			return nil, false, cacheErr
		}
		if cached == nil {
			// No cache to degrade to: surface the provider error.
			return nil, false, listErr
		}
		return cached, true, nil
	}

	rows := make([]store.CachedHost, 0, len(fresh))
	for _, s := range fresh {
		rows = append(rows, store.CachedHost{
			HostID:   s.ID,
			Name:     s.Name,
			State:    string(s.State),
			Image:    s.Image,
			Addr:     s.Addr,
			BootTime: s.BootTime,
			Tags:     s.Tags,
		})
	}
	if err := c.store.SaveListing(ctx, inst.Name(), inst.ConfigFingerprint(), now, rows); err != nil {
		return nil, false, fmt.Errorf("listing: persist refresh for %s: %w", inst.Name(), err)
	}
	if _, err := c.store.PruneListings(ctx, now.Add(-c.ttl)); err != nil {
		return nil, false, fmt.Errorf("listing: prune: %w", err)
	}

	// Serve from the cache we just wrote so destroyed ghosts within TTL are
	// included alongside the fresh listing.
	out, err := c.cachedSummaries(ctx, inst.Name(), filter)
	if err != nil {
		return nil, false, err
	}
	return out, false, nil
}

// Cached returns the cached listing without contacting the provider. Used
// by read paths that explicitly want the offline view.
func (c *Cache) Cached(ctx context.Context, providerName string, filter *provider.Filter) ([]provider.HostSummary, error) {
	return c.cachedSummaries(ctx, providerName, filter)
}

// LastRefresh exposes when providerName was last successfully listed.
func (c *Cache) LastRefresh(ctx context.Context, providerName string) (time.Time, bool, error) {
	r, ok, err := c.store.LastRefresh(ctx, providerName)
	if err != nil || !ok {
		return time.Time{}, ok, err
	}
	return r.RefreshedAt, true, nil
}

func (c *Cache) cachedSummaries(ctx context.Context, providerName string, filter *provider.Filter) ([]provider.HostSummary, error) {
	rows, err := c.store.CachedHosts(ctx, providerName)
	if err != nil {
		return nil, fmt.Errorf("listing: read cache for %s: %w", providerName, err)
	}
	if rows == nil {
		return nil, nil
	}
	out := make([]provider.HostSummary, 0, len(rows))
	for _, r := range rows {
		s := provider.HostSummary{
			ID:       r.HostID,
			Name:     r.Name,
			State:    host.State(r.State),
			Image:    r.Image,
			Addr:     r.Addr,
			BootTime: r.BootTime,
			Tags:     r.Tags,
		}
		if filter.Match(s) {
			out = append(out, s)
		}
	}
	return out, nil
}
