// Package gc plans and executes reclamation of resources no longer
// referenced by any live host: machines (orphaned certified state),
// snapshots, volumes, controller-side work dirs and logs, and cache
// entries.
package gc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dmelnic/stevedore/internal/stevedore/host"
	"github.com/dmelnic/stevedore/internal/stevedore/listing"
	"github.com/dmelnic/stevedore/internal/stevedore/provider"
	"github.com/dmelnic/stevedore/internal/stevedore/store"
)

// Kind names a reclaimable resource category.
type Kind string

const (
	KindMachine  Kind = "machine"
	KindSnapshot Kind = "snapshot"
	KindVolume   Kind = "volume"
	KindWorkDir  Kind = "workdir"
	KindLogs     Kind = "logs"
	KindCache    Kind = "cache"
)

// AllKinds is the default scope.
var AllKinds = []Kind{KindMachine, KindSnapshot, KindVolume, KindWorkDir, KindLogs, KindCache}

// Candidate is one resource the planner considers safe to reclaim.
type Candidate struct {
	Kind     Kind
	Provider string
	HostID   string
	// ID identifies the resource within its kind (snapshot ref, volume
	// name, directory path, host ID).
	ID string
	// Reason explains why the resource is unreferenced.
	Reason string
}

// Filter narrows a plan.
type Filter struct {
	// Providers restricts the sweep; empty means all.
	Providers []string
	// KeepRecentSnapshots keeps the N most recent snapshots per dead host
	// instead of reclaiming all of them. Zero keeps none.
	KeepRecentSnapshots int
}

func (f *Filter) wantsProvider(name string) bool {
	if f == nil || len(f.Providers) == 0 {
		return true
	}
	for _, p := range f.Providers {
		if p == name {
			return true
		}
	}
	return false
}

// OnError selects the execution policy for per-item failures.
type OnError string

const (
	// Abort stops at the first failed reclaim.
	Abort OnError = "abort"
	// Continue collects per-item failures and proceeds.
	Continue OnError = "continue"
)

// Planner derives reclaim candidates from provider universes and the
// listing cache, and executes reclamation.
type Planner struct {
	providers []provider.Instance
	cache     *listing.Cache
	store     *store.Store
	// hostsDir is the controller-side scratch root: one directory per host
	// at <hostsDir>/<provider>/<host-id>.
	hostsDir string
}

// New creates a Planner.
func New(providers []provider.Instance, cache *listing.Cache, st *store.Store, hostsDir string) *Planner {
	return &Planner{providers: providers, cache: cache, store: st, hostsDir: hostsDir}
}

// Plan computes the candidate set for the given scope. Providers that are
// unreachable are skipped entirely: candidates are only ever derived from
// fresh, successful listings, never from stale cache data.
func (p *Planner) Plan(ctx context.Context, scope []Kind, filter *Filter) ([]Candidate, error) {
	if len(scope) == 0 {
		scope = AllKinds
	}
	inScope := make(map[Kind]bool, len(scope))
	for _, k := range scope {
		inScope[k] = true
	}

	var candidates []Candidate
	for _, inst := range p.providers {
		if !filter.wantsProvider(inst.Name()) {
			continue
		}

		summaries, stale, err := p.cache.GetOrRefresh(ctx, inst, nil)
		if err != nil {
			return nil, fmt.Errorf("gc: list %s: %w", inst.Name(), err)
		}
		if stale {
			continue // never plan destruction from stale data
		}

		live := make(map[string]bool)
		destroyed := make(map[string]bool)
		for _, s := range summaries {
			if s.State == host.StateDestroyed {
				destroyed[s.ID] = true
			} else {
				live[s.ID] = true
			}
		}

		if inScope[KindMachine] {
			ids, err := listStateIDs(inst)
			if err == nil {
				for _, id := range ids {
					if !live[id] {
						candidates = append(candidates, Candidate{
							Kind:     KindMachine,
							Provider: inst.Name(),
							HostID:   id,
							ID:       id,
							Reason:   "certified state with no live host",
						})
					}
				}
			}
		}

		if inScope[KindSnapshot] {
			snaps, err := inst.ListSnapshots(ctx)
			if err == nil {
				candidates = append(candidates, p.snapshotCandidates(inst.Name(), snaps, live, filter)...)
			}
		}

		if inScope[KindVolume] {
			vols, err := inst.ListVolumes(ctx)
			if err == nil {
				for _, v := range vols {
					if !live[v.HostID] {
						candidates = append(candidates, Candidate{
							Kind:     KindVolume,
							Provider: inst.Name(),
							HostID:   v.HostID,
							ID:       v.Name,
							Reason:   "volume of non-live host",
						})
					}
				}
			}
		}

		if inScope[KindWorkDir] || inScope[KindLogs] {
			candidates = append(candidates, p.scratchCandidates(inst.Name(), live, inScope)...)
		}

		if inScope[KindCache] {
			for id := range destroyed {
				candidates = append(candidates, Candidate{
					Kind:     KindCache,
					Provider: inst.Name(),
					HostID:   id,
					ID:       id,
					Reason:   "cache entry for destroyed host",
				})
			}
		}
	}
	return candidates, nil
}

// snapshotCandidates excludes every snapshot referenced by a live host, and
// keeps the most recent KeepRecentSnapshots per dead host.
func (p *Planner) snapshotCandidates(providerName string, snaps []host.Snapshot, live map[string]bool, filter *Filter) []Candidate {
	byHost := make(map[string][]host.Snapshot)
	for _, s := range snaps {
		if live[s.HostID] {
			continue // live-set exclusion, regardless of age
		}
		byHost[s.HostID] = append(byHost[s.HostID], s)
	}

	keep := 0
	if filter != nil {
		keep = filter.KeepRecentSnapshots
	}

	var out []Candidate
	for hostID, hostSnaps := range byHost {
		sort.Slice(hostSnaps, func(i, j int) bool {
			return hostSnaps[i].CreatedAt.After(hostSnaps[j].CreatedAt)
		})
		for i, s := range hostSnaps {
			if i < keep {
				continue
			}
			out = append(out, Candidate{
				Kind:     KindSnapshot,
				Provider: providerName,
				HostID:   hostID,
				ID:       s.ID,
				Reason:   "snapshot of non-live host",
			})
		}
	}
	return out
}

// scratchCandidates finds controller-side work and log directories for
// hosts that no longer exist.
func (p *Planner) scratchCandidates(providerName string, live map[string]bool, inScope map[Kind]bool) []Candidate {
	root := filepath.Join(p.hostsDir, providerName)
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	var out []Candidate
	for _, e := range entries {
		if !e.IsDir() || live[e.Name()] {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if inScope[KindWorkDir] {
			out = append(out, Candidate{
				Kind:     KindWorkDir,
				Provider: providerName,
				HostID:   e.Name(),
				ID:       dir,
				Reason:   "scratch dir of non-live host",
			})
		} else if inScope[KindLogs] {
			out = append(out, Candidate{
				Kind:     KindLogs,
				Provider: providerName,
				HostID:   e.Name(),
				ID:       filepath.Join(dir, "logs"),
				Reason:   "logs of non-live host",
			})
		}
	}
	return out
}

// Execute reclaims the candidates under the given error policy and persists
// a report.
func (p *Planner) Execute(ctx context.Context, candidates []Candidate, onError OnError) (store.GCReport, error) {
	report := store.GCReport{
		StartedAt: time.Now().UTC(),
		Scope:     scopeString(candidates),
	}

	byName := make(map[string]provider.Instance, len(p.providers))
	for _, inst := range p.providers {
		byName[inst.Name()] = inst
	}

	var firstErr error
	for _, c := range candidates {
		err := p.reclaim(ctx, byName[c.Provider], c)
		item := store.GCReportItem{Kind: string(c.Kind), ID: c.ID}
		if err != nil {
			item.Error = err.Error()
			report.Failed++
			report.Details = append(report.Details, item)
			if onError == Abort {
				firstErr = fmt.Errorf("gc: reclaim %s %s: %w", c.Kind, c.ID, err)
				break
			}
			continue
		}
		report.Reclaimed++
		report.Details = append(report.Details, item)
	}

	report.FinishedAt = time.Now().UTC()
	if _, err := p.store.SaveGCReport(ctx, report); err != nil && firstErr == nil {
		firstErr = err
	}
	return report, firstErr
}

func (p *Planner) reclaim(ctx context.Context, inst provider.Instance, c Candidate) error {
	switch c.Kind {
	case KindMachine:
		if inst == nil {
			return fmt.Errorf("unknown provider %s", c.Provider)
		}
		return inst.DestroyHost(ctx, &provider.Host{ID: c.HostID, ProviderName: c.Provider}, false)
	case KindSnapshot:
		if inst == nil {
			return fmt.Errorf("unknown provider %s", c.Provider)
		}
		return inst.DeleteSnapshot(ctx, c.ID)
	case KindVolume:
		if inst == nil {
			return fmt.Errorf("unknown provider %s", c.Provider)
		}
		return inst.DeleteVolume(ctx, provider.Volume{HostID: c.HostID, Name: c.ID, Path: c.ID})
	case KindWorkDir, KindLogs:
		return os.RemoveAll(c.ID)
	case KindCache:
		return p.store.DeleteCachedHost(ctx, c.Provider, c.HostID)
	default:
		return fmt.Errorf("unknown resource kind %q", c.Kind)
	}
}

func scopeString(candidates []Candidate) string {
	seen := make(map[Kind]bool)
	var kinds []string
	for _, c := range candidates {
		if !seen[c.Kind] {
			seen[c.Kind] = true
			kinds = append(kinds, string(c.Kind))
		}
	}
	sort.Strings(kinds)
	out := ""
	for i, k := range kinds {
		if i > 0 {
			out += ","
		}
		out += k
	}
	return out
}

// listStateIDs asks the provider's state directory which hosts have
// certified blobs. Providers expose blobs through HostState; the ID scan
// goes through the shared helper.
func listStateIDs(inst provider.Instance) ([]string, error) {
	type stateLister interface {
		StateIDs() ([]string, error)
	}
	if sl, ok := inst.(stateLister); ok {
		return sl.StateIDs()
	}
	return nil, fmt.Errorf("provider %s does not expose state IDs", inst.Name())
}
