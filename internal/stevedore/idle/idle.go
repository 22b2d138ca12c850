// Package idle computes idle verdicts for hosts and agents from activity
// marker files.
package idle

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/dmelnic/stevedore/internal/stevedore/activity"
	"github.com/dmelnic/stevedore/internal/stevedore/hostdir"
)

// Mode selects which activity sources count toward the idle clock.
type Mode string

const (
	// ModeIO considers the union of all configured activity sources.
	ModeIO Mode = "io"
	// ModeDisabled never reports idle; only a manual stop applies.
	ModeDisabled Mode = "disabled"

	ModeUser   Mode = "user"
	ModeAgent  Mode = "agent"
	ModeSSH    Mode = "ssh"
	ModeCreate Mode = "create"
	ModeBoot   Mode = "boot"
	ModeStart  Mode = "start"
	ModeRun    Mode = "run"
)

// Modes lists every known idle mode.
var Modes = []Mode{
	ModeIO, ModeUser, ModeAgent, ModeSSH, ModeCreate,
	ModeBoot, ModeStart, ModeRun, ModeDisabled,
}

// Valid reports whether m names a known idle mode.
func (m Mode) Valid() bool {
	for _, known := range Modes {
		if m == known {
			return true
		}
	}
	return false
}

// singleSource maps each single-source mode to its activity source. ModeRun
// tracks the host's managed process activity.
var singleSource = map[Mode]activity.Source{
	ModeUser:   activity.SourceUser,
	ModeAgent:  activity.SourceAgent,
	ModeSSH:    activity.SourceSSH,
	ModeCreate: activity.SourceCreate,
	ModeBoot:   activity.SourceBoot,
	ModeStart:  activity.SourceStart,
	ModeRun:    activity.SourceProcess,
}

// Policy is the certified idle configuration of one host or agent.
type Policy struct {
	Mode    Mode
	Timeout time.Duration
	// Sources is the configured activity-source set, consulted by ModeIO.
	Sources []activity.Source
	// IncludeAgentActivity folds agent-scoped activity markers into the
	// host-level computation. Off by default; both behaviors are supported
	// because neither is obviously right for every deployment.
	IncludeAgentActivity bool
}

// ActiveSources returns the activity sources relevant to the policy's mode:
// the configured set for ModeIO, the single mapped source otherwise.
// ModeDisabled has no sources.
func (p Policy) ActiveSources() ([]activity.Source, error) {
	if p.Mode == ModeDisabled {
		return nil, nil
	}
	if p.Mode == ModeIO {
		return p.Sources, nil
	}
	src, ok := singleSource[p.Mode]
	if !ok {
		return nil, fmt.Errorf("idle: mode %q has no activity source", p.Mode)
	}
	return []activity.Source{src}, nil
}

// Verdict is the result of one idle computation.
type Verdict struct {
	// Idle is true when the elapsed time since the last relevant activity
	// meets or exceeds the policy timeout.
	Idle bool
	// Eligible is false when no relevant activity file exists yet. A host
	// that has never recorded activity is not idle-eligible, so a shutdown
	// is never triggered mid-boot before the first activity write.
	Eligible bool
	// LastActivity is the freshest relevant mtime; zero when !Eligible.
	LastActivity time.Time
	// IdleFor is now minus LastActivity; zero when !Eligible.
	IdleFor time.Duration
}

// Check recomputes the idle verdict for the host rooted at layout as of now.
// The computation is always live: removing a source from the configured set
// never resurrects an already-idle host, because nothing from previous checks
// is carried over.
func Check(layout hostdir.Layout, p Policy, now time.Time) (Verdict, error) {
	if p.Mode == ModeDisabled {
		return Verdict{Idle: false, Eligible: false}, nil
	}

	sources, err := p.ActiveSources()
	if err != nil {
		return Verdict{}, err
	}

	var paths []string
	for _, src := range sources {
		paths = append(paths, layout.ActivityFile(string(src)))
		if p.IncludeAgentActivity {
			matches, err := filepath.Glob(layout.AgentActivityGlob(string(src)))
			if err != nil {
				return Verdict{}, fmt.Errorf("idle: agent activity glob: %w", err)
			}
			paths = append(paths, matches...)
		}
	}

	last, ok, err := activity.LatestTime(paths)
	if err != nil {
		return Verdict{}, err
	}
	if !ok {
		return Verdict{Idle: false, Eligible: false}, nil
	}

	idleFor := now.Sub(last)
	return Verdict{
		Idle:         p.Timeout > 0 && idleFor >= p.Timeout,
		Eligible:     true,
		LastActivity: last,
		IdleFor:      idleFor,
	}, nil
}

// CheckAgent recomputes the idle verdict for a single agent on the host.
// Agent policies reuse the same modes; the source files are agent-scoped.
func CheckAgent(layout hostdir.Layout, agentID string, p Policy, now time.Time) (Verdict, error) {
	if p.Mode == ModeDisabled {
		return Verdict{Idle: false, Eligible: false}, nil
	}

	sources, err := p.ActiveSources()
	if err != nil {
		return Verdict{}, err
	}

	var paths []string
	for _, src := range sources {
		paths = append(paths, layout.AgentActivityFile(agentID, string(src)))
	}

	last, ok, err := activity.LatestTime(paths)
	if err != nil {
		return Verdict{}, err
	}
	if !ok {
		return Verdict{Idle: false, Eligible: false}, nil
	}

	idleFor := now.Sub(last)
	return Verdict{
		Idle:         p.Timeout > 0 && idleFor >= p.Timeout,
		Eligible:     true,
		LastActivity: last,
		IdleFor:      idleFor,
	}, nil
}
