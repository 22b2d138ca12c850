// Package hostdir defines the on-disk layout of a host directory.
//
// The same layout is used in two places: on the host itself (where the
// activity watcher and the agent processes write reported data) and on the
// controller side (where per-host scratch state and the cooperative lock
// live). Only the root differs.
package hostdir

import "path/filepath"

// Well-known file names inside a host directory.
const (
	activityDir          = "activity"
	agentsDir            = "agents"
	agentKindFile        = "kind"
	agentPermissionsFile = "permissions"
	lockFile             = "host_lock"
	idleTimeoutFile      = "idle_timeout"
	activityFilesFile    = "activity_files"
	maxHostAgeFile       = "max_host_age"
	logsDir              = "logs"
	workDir              = "work"
)

// Layout resolves conventioned paths inside a single host directory.
type Layout struct {
	Root string
}

// New returns a Layout rooted at dir.
func New(dir string) Layout {
	return Layout{Root: dir}
}

// ActivityFile returns the path of the host-scoped activity marker for typ.
func (l Layout) ActivityFile(typ string) string {
	return filepath.Join(l.Root, activityDir, typ)
}

// ActivityGlob matches every host-scoped activity marker.
func (l Layout) ActivityGlob() string {
	return filepath.Join(l.Root, activityDir, "*")
}

// AgentsDir returns the directory holding all agent registrations.
func (l Layout) AgentsDir() string {
	return filepath.Join(l.Root, agentsDir)
}

// AgentDir returns the directory holding one agent's files.
func (l Layout) AgentDir(agentID string) string {
	return filepath.Join(l.Root, agentsDir, agentID)
}

// AgentKindFile returns the file naming an agent's type. Written by the
// provisioning step, not by processes on the host.
func (l Layout) AgentKindFile(agentID string) string {
	return filepath.Join(l.Root, agentsDir, agentID, agentKindFile)
}

// AgentPermissionsFile returns the newline-delimited list of permissions
// granted to one agent. Written by the provisioning step.
func (l Layout) AgentPermissionsFile(agentID string) string {
	return filepath.Join(l.Root, agentsDir, agentID, agentPermissionsFile)
}

// AgentActivityFile returns the path of an agent-scoped activity marker.
func (l Layout) AgentActivityFile(agentID, typ string) string {
	return filepath.Join(l.Root, agentsDir, agentID, activityDir, typ)
}

// AgentActivityGlob matches a given activity type across all agents.
func (l Layout) AgentActivityGlob(typ string) string {
	return filepath.Join(l.Root, agentsDir, "*", activityDir, typ)
}

// LockPath returns the cooperative lock file for this host.
func (l Layout) LockPath() string {
	return filepath.Join(l.Root, lockFile)
}

// IdleTimeoutPath returns the file holding the idle timeout in seconds.
func (l Layout) IdleTimeoutPath() string {
	return filepath.Join(l.Root, idleTimeoutFile)
}

// ActivityFilesPath returns the file listing watched activity glob patterns.
func (l Layout) ActivityFilesPath() string {
	return filepath.Join(l.Root, activityFilesFile)
}

// MaxHostAgePath returns the optional hard max-age file.
func (l Layout) MaxHostAgePath() string {
	return filepath.Join(l.Root, maxHostAgeFile)
}

// LogsDir returns the per-host log directory.
func (l Layout) LogsDir() string {
	return filepath.Join(l.Root, logsDir)
}

// WorkDir returns the per-host work directory.
func (l Layout) WorkDir() string {
	return filepath.Join(l.Root, workDir)
}
