// Package host defines the host and agent data model and its trust split.
//
// Every field is either certified (provider-native truth, see Certified) or
// reported (written by processes on the host itself, see Reported). The two
// tiers are never merged: certified data comes from provider queries and the
// validated state blob, reported data from plain files on the host.
package host

import (
	"time"

	"github.com/google/uuid"

	"github.com/dmelnic/stevedore/internal/stevedore/idle"
)

// State is the derived lifecycle state of a host. It is computed from
// provider truth plus the listing cache, never stored directly.
type State string

const (
	StateBuilding  State = "building"
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateStopping  State = "stopping"
	StateStopped   State = "stopped"
	StateFailed    State = "failed"
	StateDestroyed State = "destroyed"
)

// Transitory reports whether s is a state a host should only pass through.
// The enforcement loop times out hosts stuck in one of these.
func (s State) Transitory() bool {
	return s == StateBuilding || s == StateStarting || s == StateStopping
}

// NewID returns a fresh host or agent identifier.
func NewID() string {
	return uuid.NewString()
}

// Resources describes the compute shape of a host. Certified.
type Resources struct {
	CPUs     int    `json:"cpus,omitempty"`
	MemoryMB int    `json:"memory_mb,omitempty"`
	DiskGB   int    `json:"disk_gb,omitempty"`
	GPU      string `json:"gpu,omitempty"`
}

// Snapshot is a point-in-time capture of a host usable to restore it.
type Snapshot struct {
	ID        string    `json:"id"`
	HostID    string    `json:"host_id"`
	CreatedAt time.Time `json:"created_at"`
	SizeBytes int64     `json:"size_bytes,omitempty"`
}

// SSHInfo carries derived connection parameters: provider truth (address)
// assembled with local key material.
type SSHInfo struct {
	Host    string `json:"host,omitempty"`
	Port    int    `json:"port,omitempty"`
	User    string `json:"user,omitempty"`
	KeyPath string `json:"key_path,omitempty"`
}

// ReportedActivity bundles the host-reported activity timestamps. A zero
// time means the corresponding marker has never been written.
type ReportedActivity struct {
	Agent time.Time
	User  time.Time
	SSH   time.Time
}

// LockInfo is the host-reported view of the cooperative lock.
type LockInfo struct {
	Locked bool
	Since  time.Time
}

// Record is the full description of one host, reconstructed fresh on every
// invocation. Nothing here is cached across calls.
type Record struct {
	// Certified, owned by the provider backend.
	ID           Certified[string]
	ProviderName Certified[string]
	Name         Certified[string]
	Tags         Certified[map[string]string]
	Image        Certified[string]
	Resources    Certified[Resources]
	Snapshots    Certified[[]Snapshot]
	BootTime     Certified[time.Time]
	IdlePolicy   Certified[idle.Policy]

	// Derived.
	State       State
	SSH         SSHInfo
	Permissions []string

	// Reported, read from the host filesystem. Idle heuristics only.
	Activity Reported[ReportedActivity]
	Lock     Reported[LockInfo]

	Agents []AgentRecord
}

// AgentRecord describes one managed coding-assistant session on a host. It
// mirrors the host's certified/reported split at a finer grain.
type AgentRecord struct {
	ID         Certified[string]
	HostID     Certified[string]
	Kind       Certified[string]
	IdlePolicy Certified[idle.Policy]

	Permissions []string

	// Agent-scoped reported activity: create, start, process, agent output.
	CreateActivity  Reported[time.Time]
	StartActivity   Reported[time.Time]
	ProcessActivity Reported[time.Time]
	AgentActivity   Reported[time.Time]
}

// MergedPermissions derives a host's permission set as the union of all
// co-resident agents' granted permissions.
func MergedPermissions(agents []AgentRecord) []string {
	seen := make(map[string]bool)
	var out []string
	for _, a := range agents {
		for _, p := range a.Permissions {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}
