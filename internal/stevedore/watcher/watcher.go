// Package watcher implements the on-host idle watchdog.
//
// The watchdog reads only plain files inside the host directory: an
// idle-timeout integer, a newline-delimited list of activity glob patterns,
// and an optional hard max-age. It deliberately knows nothing about
// providers or certified state, so the same binary runs unchanged inside a
// container, a VM, or a local scratch directory.
package watcher

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dmelnic/stevedore/internal/stevedore/hostdir"
)

// DefaultInterval is the poll interval used when none is configured.
const DefaultInterval = time.Minute

// Decision is the outcome of a single watchdog check.
type Decision int

const (
	// KeepAlive means no shutdown condition holds.
	KeepAlive Decision = iota
	// ShutdownIdle means the idle timeout has been exceeded.
	ShutdownIdle
	// ShutdownMaxAge means the hard max-age deadline has passed. Checked
	// before the idle verdict so a clean self-shutdown beats an external
	// provider-level force-kill.
	ShutdownMaxAge
)

func (d Decision) String() string {
	switch d {
	case ShutdownIdle:
		return "idle"
	case ShutdownMaxAge:
		return "max-age"
	default:
		return "keep-alive"
	}
}

// Config configures a Watcher.
type Config struct {
	// Dir is the host directory root.
	Dir string
	// ShutdownCmd is the executable invoked when a shutdown condition
	// holds. It may not exist yet when the watcher starts; the loop keeps
	// polling until it does.
	ShutdownCmd string
	// Interval is the poll interval. Defaults to DefaultInterval.
	Interval time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Watcher polls a host directory and invokes the shutdown command when the
// host has been idle past its timeout or alive past its max age.
type Watcher struct {
	cfg    Config
	layout hostdir.Layout
}

// New validates cfg and returns a Watcher.
func New(cfg Config) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("watcher: Dir is required")
	}
	if cfg.ShutdownCmd == "" {
		return nil, fmt.Errorf("watcher: ShutdownCmd is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Watcher{cfg: cfg, layout: hostdir.New(cfg.Dir)}, nil
}

// Run polls until a shutdown command succeeds or ctx is cancelled. Internal
// errors are logged and the loop continues: on uncertainty the watcher keeps
// the host alive rather than killing it over a file it cannot read.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		decision, err := w.CheckOnce(w.cfg.Now())
		if err != nil {
			log.Printf("[watcher] check failed, keeping host alive: %v", err)
		} else if decision != KeepAlive {
			if err := w.invokeShutdown(ctx, decision); err != nil {
				log.Printf("[watcher] shutdown (%s) failed, will retry: %v", decision, err)
			} else {
				log.Printf("[watcher] shutdown (%s) invoked, exiting", decision)
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// CheckOnce evaluates the shutdown conditions as of now without acting on
// them. Max age is checked before the idle verdict.
func (w *Watcher) CheckOnce(now time.Time) (Decision, error) {
	aged, err := w.pastMaxAge(now)
	if err != nil {
		return KeepAlive, err
	}
	if aged {
		return ShutdownMaxAge, nil
	}

	idle, err := w.pastIdleTimeout(now)
	if err != nil {
		return KeepAlive, err
	}
	if idle {
		return ShutdownIdle, nil
	}
	return KeepAlive, nil
}

// pastMaxAge reports whether the hard max-age deadline has passed. The boot
// activity marker's mtime is the age reference; without it the host's age is
// unknown and the check is skipped.
func (w *Watcher) pastMaxAge(now time.Time) (bool, error) {
	maxAge, ok, err := readSeconds(w.layout.MaxHostAgePath())
	if err != nil {
		return false, fmt.Errorf("max age: %w", err)
	}
	if !ok || maxAge <= 0 {
		return false, nil
	}

	boot, err := os.Stat(w.layout.ActivityFile("boot"))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("boot marker: %w", err)
	}
	return now.Sub(boot.ModTime()) >= maxAge, nil
}

// pastIdleTimeout reports whether the freshest watched activity file is older
// than the idle timeout. A host with no activity file yet is not
// idle-eligible and is never shut down.
func (w *Watcher) pastIdleTimeout(now time.Time) (bool, error) {
	timeout, ok, err := readSeconds(w.layout.IdleTimeoutPath())
	if err != nil {
		return false, fmt.Errorf("idle timeout: %w", err)
	}
	if !ok || timeout <= 0 {
		return false, nil
	}

	patterns, err := readPatterns(w.layout.ActivityFilesPath())
	if err != nil {
		return false, fmt.Errorf("activity files: %w", err)
	}

	var last time.Time
	var any bool
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return false, fmt.Errorf("glob %q: %w", pattern, err)
		}
		for _, match := range matches {
			info, err := os.Stat(match)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return false, fmt.Errorf("stat %s: %w", match, err)
			}
			if !any || info.ModTime().After(last) {
				last = info.ModTime()
				any = true
			}
		}
	}
	if !any {
		return false, nil
	}
	return now.Sub(last) >= timeout, nil
}

// invokeShutdown runs the shutdown command once. A missing or non-executable
// command is an error so the loop keeps polling until it is installed.
func (w *Watcher) invokeShutdown(ctx context.Context, reason Decision) error {
	info, err := os.Stat(w.cfg.ShutdownCmd)
	if err != nil {
		return fmt.Errorf("shutdown command unavailable: %w", err)
	}
	if info.Mode()&0o111 == 0 {
		return fmt.Errorf("shutdown command %s is not executable", w.cfg.ShutdownCmd)
	}

	cmd := exec.CommandContext(ctx, w.cfg.ShutdownCmd, reason.String())
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("shutdown command: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// readSeconds reads a single non-negative integer (seconds) from path. The
// boolean is false when the file does not exist or is empty.
func readSeconds(path string) (time.Duration, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return 0, false, nil
	}
	secs, err := strconv.Atoi(text)
	if err != nil {
		return 0, false, fmt.Errorf("parse %s: %w", path, err)
	}
	return time.Duration(secs) * time.Second, true, nil
}

// readPatterns reads newline-delimited glob patterns from path, skipping
// blanks and #-comments. Relative patterns are resolved against the file's
// directory so the list stays portable across mount points.
func readPatterns(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	base := filepath.Dir(path)
	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !filepath.IsAbs(line) {
			line = filepath.Join(base, line)
		}
		patterns = append(patterns, line)
	}
	return patterns, scanner.Err()
}
