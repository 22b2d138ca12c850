// Package fleet exposes the lifecycle operations the CLI and the
// enforcement loop call. It composes provider instances, the listing cache,
// the cooperative lock, the creation-failure ledger, and audit
// notifications.
//
// A Manager is rebuilt from configuration on every invocation and keeps no
// fleet state in memory; multiple concurrent processes coordinate only
// through provider-native data, the sqlite cache, and lock files.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dmelnic/stevedore/common/trace"
	"github.com/dmelnic/stevedore/internal/stevedore/audit"
	"github.com/dmelnic/stevedore/internal/stevedore/host"
	"github.com/dmelnic/stevedore/internal/stevedore/hostdir"
	"github.com/dmelnic/stevedore/internal/stevedore/hostlock"
	"github.com/dmelnic/stevedore/internal/stevedore/listing"
	"github.com/dmelnic/stevedore/internal/stevedore/provider"
	"github.com/dmelnic/stevedore/internal/stevedore/store"
)

// ErrUnknownProvider is returned when an operation names an unconfigured
// provider instance.
var ErrUnknownProvider = errors.New("fleet: unknown provider")

// ErrStaleListing is returned when a mutation would have to rely on cached
// data because the provider is unreachable.
var ErrStaleListing = errors.New("fleet: provider unreachable, refusing to mutate from cached data")

// FailureRetention bounds how long creation failures stay visible.
const FailureRetention = 72 * time.Hour

// Manager coordinates lifecycle operations across provider instances.
type Manager struct {
	providers []provider.Instance
	byName    map[string]provider.Instance
	cache     *listing.Cache
	store     *store.Store
	notifier  audit.Notifier
	// ssh is the template (user, port, key path) that Record completes
	// with the provider-reported address.
	ssh host.SSHInfo
	// lockDir holds the per-host cooperative lock files on the controller.
	lockDir       string
	lockStaleness time.Duration
}

// Options configures a Manager.
type Options struct {
	Providers     []provider.Instance
	Cache         *listing.Cache
	Store         *store.Store
	Notifier      audit.Notifier
	SSH           host.SSHInfo
	LockDir       string
	LockStaleness time.Duration
}

// New creates a Manager.
func New(opts Options) (*Manager, error) {
	if len(opts.Providers) == 0 {
		return nil, fmt.Errorf("fleet: at least one provider is required")
	}
	if opts.Cache == nil || opts.Store == nil {
		return nil, fmt.Errorf("fleet: cache and store are required")
	}
	if opts.LockDir == "" {
		return nil, fmt.Errorf("fleet: lock dir is required")
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = audit.Noop{}
	}
	byName := make(map[string]provider.Instance, len(opts.Providers))
	for _, p := range opts.Providers {
		if _, dup := byName[p.Name()]; dup {
			return nil, fmt.Errorf("fleet: duplicate provider name %q", p.Name())
		}
		byName[p.Name()] = p
	}
	return &Manager{
		providers:     opts.Providers,
		byName:        byName,
		cache:         opts.Cache,
		store:         opts.Store,
		notifier:      notifier,
		ssh:           opts.SSH,
		lockDir:       opts.LockDir,
		lockStaleness: opts.LockStaleness,
	}, nil
}

// Provider resolves a configured instance by name.
func (m *Manager) Provider(name string) (provider.Instance, error) {
	p, ok := m.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}

// Providers returns all configured instances.
func (m *Manager) Providers() []provider.Instance { return m.providers }

// Cache returns the shared listing cache.
func (m *Manager) Cache() *listing.Cache { return m.cache }

// Store returns the shared local database.
func (m *Manager) Store() *store.Store { return m.store }

func (m *Manager) lockPath(providerName, hostID string) string {
	return filepath.Join(m.lockDir, providerName, hostID+".lock")
}

// withHostLock serializes a certified-state transition for one host across
// orchestrator processes on this controller. Advisory only.
func (m *Manager) withHostLock(providerName, hostID string, fn func() error) error {
	return hostlock.With(m.lockPath(providerName, hostID), m.lockStaleness, fn)
}

// List fans out across all providers, folds in retained creation failures,
// and returns per-provider results. Read-only: unreachable providers
// degrade to cached data flagged stale.
func (m *Manager) List(ctx context.Context, filter *provider.Filter) []listing.ProviderListing {
	results := m.cache.FanOut(ctx, m.providers, filter)
	for i := range results {
		if results[i].Err != nil {
			// Nothing renders hosts for a failed listing; folding ledger
			// entries into one would only hide them.
			continue
		}
		failures, err := m.store.CreationFailures(ctx, results[i].Provider)
		if err != nil {
			continue // the listing is still useful without the ledger
		}
		for _, f := range failures {
			s := provider.HostSummary{
				ID:    f.HostID,
				Name:  f.Name,
				State: host.StateFailed,
				Error: f.Error,
			}
			if filter.Match(s) {
				results[i].Hosts = append(results[i].Hosts, s)
			}
		}
	}
	_, _ = m.store.PruneCreationFailures(ctx, time.Now().UTC().Add(-FailureRetention))
	return results
}

// Create provisions a new host on the named provider. On failure the error
// is recorded in the bounded-retention ledger so listings can surface the
// failed host without a backend resource.
func (m *Manager) Create(ctx context.Context, providerName string, spec provider.HostSpec) (*provider.Host, error) {
	p, err := m.Provider(providerName)
	if err != nil {
		return nil, err
	}
	if spec.ID == "" {
		spec.ID = host.NewID()
	}

	h, err := p.CreateHost(ctx, spec)
	if err != nil {
		ferr := m.store.RecordCreationFailure(ctx, store.CreationFailure{
			HostID:   spec.ID,
			Provider: providerName,
			Name:     spec.Name,
			Error:    err.Error(),
		})
		if ferr != nil {
			err = errors.Join(err, ferr)
		}
		m.notifier.Notify(ctx, audit.Event{
			Kind:    audit.KindError,
			Target:  spec.Name,
			Message: fmt.Sprintf("host creation failed on %s: %v", providerName, err),
			TraceID: trace.FromContext(ctx),
		})
		return nil, fmt.Errorf("fleet: create host on %s: %w", providerName, err)
	}

	// A successful retry under the same ID supersedes any earlier failure.
	_ = m.store.DeleteCreationFailure(ctx, spec.ID)

	m.notifier.Notify(ctx, audit.Event{
		Kind:    audit.KindHostCreated,
		Target:  h.Name,
		Message: fmt.Sprintf("created on %s (id %s)", providerName, h.ID),
		TraceID: trace.FromContext(ctx),
	})
	return h, nil
}

// requireReachable verifies the provider answers a live listing before a
// mutation proceeds. Mutations never run against cached data.
func (m *Manager) requireReachable(ctx context.Context, p provider.Instance) error {
	if _, err := p.ListHosts(ctx, nil); err != nil {
		if provider.IsUnreachable(err) {
			return fmt.Errorf("%w: %s", ErrStaleListing, p.Name())
		}
		return err
	}
	return nil
}

// Start restores a stopped host to running, optionally from a snapshot.
func (m *Manager) Start(ctx context.Context, providerName, hostID, snapshotID string) (*provider.Host, error) {
	p, err := m.Provider(providerName)
	if err != nil {
		return nil, err
	}
	if err := m.requireReachable(ctx, p); err != nil {
		return nil, err
	}

	var h *provider.Host
	err = m.withHostLock(providerName, hostID, func() error {
		var startErr error
		h, startErr = p.StartHost(ctx, hostID, snapshotID)
		return startErr
	})
	if err != nil {
		return nil, err
	}

	m.notifier.Notify(ctx, audit.Event{
		Kind:    audit.KindHostStarted,
		Target:  h.Name,
		Message: fmt.Sprintf("started on %s", providerName),
		TraceID: trace.FromContext(ctx),
	})
	return h, nil
}

// Stop stops a host, optionally snapshotting first.
func (m *Manager) Stop(ctx context.Context, providerName, hostID string, createSnapshot bool) error {
	p, err := m.Provider(providerName)
	if err != nil {
		return err
	}
	if err := m.requireReachable(ctx, p); err != nil {
		return err
	}

	err = m.withHostLock(providerName, hostID, func() error {
		return p.StopHost(ctx, &provider.Host{ID: hostID, ProviderName: providerName}, createSnapshot)
	})
	if err != nil {
		return err
	}

	m.notifier.Notify(ctx, audit.Event{
		Kind:    audit.KindHostStopped,
		Target:  hostID,
		Message: fmt.Sprintf("stopped on %s (snapshot=%t)", providerName, createSnapshot),
		TraceID: trace.FromContext(ctx),
	})
	return nil
}

// Destroy irreversibly removes a host and optionally its snapshots.
func (m *Manager) Destroy(ctx context.Context, providerName, hostID string, deleteSnapshots bool) error {
	p, err := m.Provider(providerName)
	if err != nil {
		return err
	}

	// A host that only exists as a creation-failure record has no backend
	// resource; destroying it just clears the ledger entry.
	failures, _ := m.store.CreationFailures(ctx, providerName)
	for _, f := range failures {
		if f.HostID == hostID {
			return m.store.DeleteCreationFailure(ctx, hostID)
		}
	}

	if err := m.requireReachable(ctx, p); err != nil {
		return err
	}

	err = m.withHostLock(providerName, hostID, func() error {
		return p.DestroyHost(ctx, &provider.Host{ID: hostID, ProviderName: providerName}, deleteSnapshots)
	})
	if err != nil {
		return err
	}

	m.notifier.Notify(ctx, audit.Event{
		Kind:    audit.KindHostDestroyed,
		Target:  hostID,
		Message: fmt.Sprintf("destroyed on %s (snapshots deleted=%t)", providerName, deleteSnapshots),
		TraceID: trace.FromContext(ctx),
	})
	return nil
}

// hostDirer is implemented by backends whose host directory is reachable
// from the controller filesystem.
type hostDirer interface {
	HostDir(ctx context.Context, id string) (hostdir.Layout, error)
}

// Record assembles the full host record from certified provider data and
// reported host data, keeping the two tiers in their respective wrappers.
func (m *Manager) Record(ctx context.Context, providerName, hostID string) (*host.Record, error) {
	p, err := m.Provider(providerName)
	if err != nil {
		return nil, err
	}

	blob, err := p.HostState(hostID)
	if err != nil {
		return nil, err
	}

	rec := &host.Record{
		ID:           host.NewCertified(blob.ID),
		ProviderName: host.NewCertified(blob.ProviderName),
		Name:         host.NewCertified(blob.Name),
		Tags:         host.NewCertified(blob.Tags),
		Image:        host.NewCertified(blob.Image),
		Resources:    host.NewCertified(blob.Resources),
		IdlePolicy:   host.NewCertified(blob.IdlePolicy()),
	}

	summaries, stale, err := m.cache.GetOrRefresh(ctx, p, nil)
	if err != nil {
		return nil, err
	}
	rec.State = host.StateDestroyed
	for _, s := range summaries {
		if s.ID == hostID {
			rec.State = s.State
			rec.BootTime = host.NewCertified(s.BootTime)
			if s.Addr != "" {
				rec.SSH = m.ssh
				rec.SSH.Host = s.Addr
				if rec.SSH.Port == 0 {
					rec.SSH.Port = 22
				}
			}
			break
		}
	}

	// Agents live in the host directory; not every backend can reach it
	// from the controller, and a missing directory is just a host with no
	// agents. Permissions are the union of the agents' grants.
	if hd, ok := p.(hostDirer); ok {
		if layout, err := hd.HostDir(ctx, hostID); err == nil {
			if agents, err := host.LoadAgents(layout, hostID, blob.IdlePolicy()); err == nil {
				rec.Agents = agents
				rec.Permissions = host.MergedPermissions(agents)
			}
		}
	}

	if snaps, err := p.ListSnapshots(ctx); err == nil {
		var own []host.Snapshot
		for _, s := range snaps {
			if s.HostID == hostID {
				own = append(own, s)
			}
		}
		rec.Snapshots = host.NewCertified(own)
	}

	// Reported tier: only attempted against a live provider; stale cache
	// data has no reported counterpart.
	if !stale && rec.State == host.StateRunning {
		if act, err := p.ReportedActivity(ctx, hostID); err == nil {
			rec.Activity = act
		}
	}

	locked, since, err := hostlock.Inspect(m.lockPath(providerName, hostID))
	if err == nil {
		rec.Lock = host.NewReported(host.LockInfo{Locked: locked, Since: since})
	}

	return rec, nil
}
