package activity_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dmelnic/stevedore/internal/stevedore/activity"
)

// TestRecordCreatesParents verifies that Record builds the activity directory
// on first use.
func TestRecordCreatesParents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activity", "user")
	if err := activity.Record(path, nil); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("marker missing after Record: %v", err)
	}
}

// TestReadTimeMissing verifies the not-exists case is not an error.
func TestReadTimeMissing(t *testing.T) {
	_, ok, err := activity.ReadTime(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("ReadTime: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for a missing marker")
	}
}

// TestContentIrrelevant verifies that an empty touch-style marker and a full
// JSON marker read identically: only the mtime matters.
func TestContentIrrelevant(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty")
	full := filepath.Join(dir, "full")

	if err := activity.Record(empty, nil); err != nil {
		t.Fatalf("Record empty: %v", err)
	}
	if err := activity.Record(full, map[string]string{"source": "user", "by": "ssh-wrapper"}); err != nil {
		t.Fatalf("Record full: %v", err)
	}

	when := time.Now().Add(-42 * time.Minute)
	for _, p := range []string{empty, full} {
		if err := os.Chtimes(p, when, when); err != nil {
			t.Fatalf("Chtimes: %v", err)
		}
	}

	t1, ok1, err1 := activity.ReadTime(empty)
	t2, ok2, err2 := activity.ReadTime(full)
	if err1 != nil || err2 != nil {
		t.Fatalf("ReadTime: %v / %v", err1, err2)
	}
	if !ok1 || !ok2 {
		t.Fatal("both markers should exist")
	}
	if !t1.Equal(t2) {
		t.Errorf("mtimes diverge: %v vs %v", t1, t2)
	}
}

// TestLatestTime verifies the freshest marker wins and missing paths are
// skipped.
func TestLatestTime(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old")
	fresh := filepath.Join(dir, "fresh")

	for _, p := range []string{old, fresh} {
		if err := activity.Record(p, nil); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	latest, ok, err := activity.LatestTime([]string{
		old, fresh, filepath.Join(dir, "never-written"),
	})
	if err != nil {
		t.Fatalf("LatestTime: %v", err)
	}
	if !ok {
		t.Fatal("expected ok=true")
	}
	freshInfo, _ := os.Stat(fresh)
	if !latest.Equal(freshInfo.ModTime()) {
		t.Errorf("latest = %v, want %v", latest, freshInfo.ModTime())
	}
}

// TestLatestTimeAllMissing verifies ok=false when nothing exists yet.
func TestLatestTimeAllMissing(t *testing.T) {
	dir := t.TempDir()
	_, ok, err := activity.LatestTime([]string{filepath.Join(dir, "a"), filepath.Join(dir, "b")})
	if err != nil {
		t.Fatalf("LatestTime: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false when no marker exists")
	}
}
