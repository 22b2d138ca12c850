package listing

import (
	"context"
	"sync"

	"github.com/dmelnic/stevedore/internal/stevedore/provider"
)

// ProviderListing is the per-provider result of a fan-out listing.
type ProviderListing struct {
	Provider string
	Hosts    []provider.HostSummary
	// Stale marks listings served from cache because the provider was
	// unreachable.
	Stale bool
	// Err is set when neither a live listing nor cached data was available.
	Err error
}

// FanOut queries every instance concurrently through the cache. Each
// provider is attempted independently and allowed to fail in isolation: one
// unreachable backend never stalls or aborts the others. Results come back
// in the order of instances.
func (c *Cache) FanOut(ctx context.Context, instances []provider.Instance, filter *provider.Filter) []ProviderListing {
	results := make([]ProviderListing, len(instances))
	var wg sync.WaitGroup
	for i, inst := range instances {
		wg.Add(1)
		go func(i int, inst provider.Instance) {
			defer wg.Done()
			hosts, stale, err := c.GetOrRefresh(ctx, inst, filter)
			results[i] = ProviderListing{
				Provider: inst.Name(),
				Hosts:    hosts,
				Stale:    stale,
				Err:      err,
			}
		}(i, inst)
	}
	wg.Wait()
	return results
}
