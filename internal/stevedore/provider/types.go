// Package provider defines the ProviderInstance abstraction shared by all
// infrastructure backends.
package provider

import (
	"path/filepath"
	"time"

	"github.com/dmelnic/stevedore/internal/stevedore/host"
	"github.com/dmelnic/stevedore/internal/stevedore/idle"
)

// HostSpec describes how a host should be created.
type HostSpec struct {
	// ID is assigned by the caller (host.NewID) so a creation failure can
	// still be recorded against a stable identifier.
	ID string
	// Name is the human-readable host name.
	Name string
	// Image is the backend image reference (Docker image, local command).
	Image string
	// Resources is the requested compute shape. Backends may ignore fields
	// they cannot honor.
	Resources host.Resources
	// Tags are free-form certified labels attached at create time. The
	// Docker backend stores them as container labels, which are immutable
	// after creation; see Capabilities.MutableTags.
	Tags map[string]string
	// IdlePolicy is persisted into the certified state blob.
	IdlePolicy idle.Policy
	// MaxHostAge, when positive, hard-stops the host that long after boot
	// regardless of activity.
	MaxHostAge time.Duration
	// Env holds extra environment variables for the host's main process.
	Env map[string]string
}

// Host is a usable handle for one provisioned host.
type Host struct {
	ID           string
	ProviderName string
	Name         string
	// BackendID is the provider-native identifier (container ID, PID dir).
	BackendID string
	// Addr is the reachable address for SSH/exec, when the backend has one.
	Addr string
}

// HostSummary is one row of a listing. Everything here is certified: it
// comes from the provider query (or, for destroyed ghosts, from the cache of
// a previous provider query).
type HostSummary struct {
	ID       string
	Name     string
	State    host.State
	Image    string
	BootTime time.Time
	// Addr is the reachable address for SSH/exec; empty when the host is
	// not running or the backend has none.
	Addr string
	Tags map[string]string
	// Stale marks entries served from cache while the provider was
	// unreachable.
	Stale bool
	// Error carries the failure message for StateFailed entries that come
	// from the creation-failure ledger.
	Error string
}

// Filter narrows a listing.
type Filter struct {
	States   []host.State
	NameGlob string
	// Tags must all be present with equal values.
	Tags map[string]string
}

// Match reports whether s passes the filter. A nil filter matches all.
func (f *Filter) Match(s HostSummary) bool {
	if f == nil {
		return true
	}
	if len(f.States) > 0 {
		found := false
		for _, st := range f.States {
			if s.State == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.NameGlob != "" {
		ok, err := filepath.Match(f.NameGlob, s.Name)
		if err != nil || !ok {
			return false
		}
	}
	for k, v := range f.Tags {
		if s.Tags[k] != v {
			return false
		}
	}
	return true
}

// Volume is a handle to a host's durable storage area. It survives
// stop/start and stays accessible while the host is offline.
type Volume struct {
	HostID string
	// Name is the provider-native volume identifier.
	Name string
	// Path is a controller-accessible mount path, when the backend has one.
	Path string
}

// Capabilities declares backend-specific behavior differences callers must
// not assume parity on.
type Capabilities struct {
	// SnapshotsIncludeVolumes is false for backends (like Docker, whose
	// snapshot is an image commit) where volume-mounted data is not part of
	// a snapshot.
	SnapshotsIncludeVolumes bool
	// MutableTags is false for backends whose tags are write-once at host
	// creation (Docker labels).
	MutableTags bool
}
