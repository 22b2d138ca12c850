package host

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dmelnic/stevedore/internal/stevedore/hostdir"
	"github.com/dmelnic/stevedore/internal/stevedore/idle"
)

// LoadAgents discovers the agents registered under a host directory and
// assembles their records. Registration files (the directory itself, kind,
// permissions) are written by the agent provisioning step through the
// orchestrator and carry the certified tier; the activity markers next to
// them are written by processes on the host and stay reported.
//
// Agents inherit the host's idle policy; per-agent overrides are a
// provisioning concern and arrive through the same registration files.
//
// A host with no agents directory has no agents; that is not an error.
func LoadAgents(layout hostdir.Layout, hostID string, policy idle.Policy) ([]AgentRecord, error) {
	entries, err := os.ReadDir(layout.AgentsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("host: read agents dir: %w", err)
	}

	var agents []AgentRecord
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		agentID := e.Name()

		perms, err := readGrants(layout.AgentPermissionsFile(agentID))
		if err != nil {
			return nil, fmt.Errorf("host: agent %s: %w", agentID, err)
		}

		rec := AgentRecord{
			ID:          NewCertified(agentID),
			HostID:      NewCertified(hostID),
			Kind:        NewCertified(readLine(layout.AgentKindFile(agentID))),
			IdlePolicy:  NewCertified(policy),
			Permissions: perms,

			CreateActivity:  NewReported(markerTime(layout, agentID, "create")),
			StartActivity:   NewReported(markerTime(layout, agentID, "start")),
			ProcessActivity: NewReported(markerTime(layout, agentID, "process")),
			AgentActivity:   NewReported(markerTime(layout, agentID, "agent")),
		}
		agents = append(agents, rec)
	}

	sort.Slice(agents, func(i, j int) bool {
		return agents[i].ID.Value() < agents[j].ID.Value()
	})
	return agents, nil
}

func markerTime(layout hostdir.Layout, agentID, typ string) time.Time {
	info, err := os.Stat(layout.AgentActivityFile(agentID, typ))
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// readLine returns the first non-blank line of path, or "" when the file is
// absent or empty.
func readLine(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

// readGrants reads a newline-delimited permission list, skipping blanks and
// #-comments. A missing file means no grants.
func readGrants(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var grants []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		grants = append(grants, line)
	}
	return grants, scanner.Err()
}
