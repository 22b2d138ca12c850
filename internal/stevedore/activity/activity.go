// Package activity records and reads activity marker files.
//
// A marker file's modification time is the sole source of truth for "when did
// X last happen". Content is optional debugging metadata: a one-line shell
// `touch` and a full JSON write are equally valid recorders, so readers must
// never require parseable content.
package activity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Source is a category of observable activity.
type Source string

const (
	SourceBoot    Source = "boot"
	SourceCreate  Source = "create"
	SourceStart   Source = "start"
	SourceSSH     Source = "ssh"
	SourceProcess Source = "process"
	SourceAgent   Source = "agent"
	SourceUser    Source = "user"
)

// Sources lists every known activity source.
var Sources = []Source{
	SourceBoot, SourceCreate, SourceStart, SourceSSH,
	SourceProcess, SourceAgent, SourceUser,
}

// Valid reports whether s names a known activity source.
func (s Source) Valid() bool {
	for _, known := range Sources {
		if s == known {
			return true
		}
	}
	return false
}

// Record writes a marker at path, creating parent directories as needed.
// meta, when non-nil, is serialized as JSON into the file for debugging; the
// operation's only required effect is updating the file's mtime.
func Record(path string, meta any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("activity: mkdir for %s: %w", path, err)
	}
	var payload []byte
	if meta != nil {
		b, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("activity: marshal metadata for %s: %w", path, err)
		}
		payload = append(b, '\n')
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("activity: write %s: %w", path, err)
	}
	return nil
}

// ReadTime returns the marker's modification time. ok is false when the file
// does not exist. No in-memory caching happens here: other processes write
// these files concurrently, so every call stats the filesystem fresh.
func ReadTime(path string) (t time.Time, ok bool, err error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("activity: stat %s: %w", path, err)
	}
	return info.ModTime(), true, nil
}

// LatestTime returns the freshest modification time among paths. ok is false
// when none of the paths exist. Missing files are skipped; other stat errors
// abort the scan.
func LatestTime(paths []string) (latest time.Time, ok bool, err error) {
	for _, p := range paths {
		t, exists, err := ReadTime(p)
		if err != nil {
			return time.Time{}, false, err
		}
		if exists && t.After(latest) {
			latest = t
			ok = true
		}
	}
	return latest, ok, nil
}
