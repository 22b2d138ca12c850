package provider

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dmelnic/stevedore/internal/stevedore/idle"
)

// Well-known file names inside a host directory, as hostdir lays them out.
// Kept as relative paths here because each backend materializes them
// differently: the local adapter writes straight to disk, the Docker adapter
// streams them into the container volume.
const (
	idleTimeoutFile   = "idle_timeout"
	activityFilesFile = "activity_files"
	maxHostAgeFile    = "max_host_age"
)

// WatcherFiles renders a certified idle policy into the plain files the
// on-host watchdog reads, keyed by path relative to the host directory root.
// A disabled policy (or a zero timeout) yields no idle_timeout file, so the
// watchdog never shuts the host down on idleness; a zero maxAge yields no
// max_host_age file.
func WatcherFiles(policy idle.Policy, maxAge time.Duration) (map[string]string, error) {
	files := make(map[string]string)

	if policy.Mode != idle.ModeDisabled && policy.Timeout > 0 {
		sources, err := policy.ActiveSources()
		if err != nil {
			return nil, fmt.Errorf("provider: render watcher files: %w", err)
		}
		var patterns []string
		for _, src := range sources {
			patterns = append(patterns, "activity/"+string(src))
			if policy.IncludeAgentActivity {
				patterns = append(patterns, "agents/*/activity/"+string(src))
			}
		}
		files[idleTimeoutFile] = strconv.Itoa(int(policy.Timeout/time.Second)) + "\n"
		files[activityFilesFile] = strings.Join(patterns, "\n") + "\n"
	}

	if maxAge > 0 {
		files[maxHostAgeFile] = strconv.Itoa(int(maxAge/time.Second)) + "\n"
	}
	return files, nil
}
