package provider

import (
	"context"
	"time"

	"github.com/dmelnic/stevedore/internal/stevedore/host"
)

// Instance is a stateless facade over one infrastructure backend. No method
// retains cross-call in-memory state; every piece of durable information is
// re-derivable from the backend's native storage (labels, tags, files). That
// property is what lets multiple independent orchestrator processes observe
// and mutate the same fleet safely.
type Instance interface {
	// Name identifies this configured instance ("docker", "local", ...).
	Name() string

	// ConfigFingerprint identifies the exact backend configuration in use.
	// The listing cache uses it to avoid inferring destruction across
	// unrelated views (e.g. a changed docker context).
	ConfigFingerprint() string

	// Capabilities declares backend behavior the core must not assume.
	Capabilities() Capabilities

	// CreateHost allocates the underlying resource, persists certified
	// metadata through the backend's native mechanism, and returns a usable
	// handle. On failure no real host may exist; the caller records the
	// failure in the local ledger so listings can still surface it.
	CreateHost(ctx context.Context, spec HostSpec) (*Host, error)

	// StartHost restores a stopped host to running. A non-empty snapshotID
	// restores from that snapshot instead of the host's last state.
	StartHost(ctx context.Context, id string, snapshotID string) (*Host, error)

	// StopHost optionally snapshots, then stops compute while preserving
	// durable state.
	StopHost(ctx context.Context, h *Host, createSnapshot bool) error

	// DestroyHost is irreversible: it removes compute and, when requested,
	// snapshots and per-host scratch storage.
	DestroyHost(ctx context.Context, h *Host, deleteSnapshots bool) error

	// ListHosts queries provider-native truth. It must apply a short
	// connectivity timeout and fail fast when the backend is unreachable;
	// the error must be distinguishable (IsUnreachable) from a successful
	// empty listing so callers can decide whether to fall back to cache.
	ListHosts(ctx context.Context, filter *Filter) ([]HostSummary, error)

	// ListSnapshots returns every snapshot the backend holds for hosts of
	// this instance, live or not. GC derives its universe set from this.
	ListSnapshots(ctx context.Context) ([]host.Snapshot, error)

	// ListVolumes returns every per-host volume the backend holds.
	ListVolumes(ctx context.Context) ([]Volume, error)

	// VolumeForHost returns the host's durable storage handle, creating it
	// if the backend provisions volumes lazily.
	VolumeForHost(ctx context.Context, id string) (*Volume, error)

	// DeleteSnapshot and DeleteVolume reclaim individual resources; used by
	// GC execution.
	DeleteSnapshot(ctx context.Context, snapshotID string) error
	DeleteVolume(ctx context.Context, v Volume) error

	// ReportedActivity reads the host's activity marker mtimes. The result
	// is reported-tier data: host processes can forge it, so it feeds idle
	// heuristics only, never security or billing decisions.
	ReportedActivity(ctx context.Context, id string) (host.Reported[host.ReportedActivity], error)

	// HostState loads the certified state blob for a host of this instance.
	HostState(id string) (*host.StateBlob, error)
}

// DefaultCallTimeout bounds a single backend call so one unreachable
// provider cannot stall operations against the others.
const DefaultCallTimeout = 10 * time.Second

// CallContext derives a per-call context with the given timeout, defaulting
// to DefaultCallTimeout.
func CallContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return context.WithTimeout(ctx, timeout)
}
