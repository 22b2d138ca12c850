package docker

import (
	"testing"
	"time"
)

// TestBootTimeFor verifies the boot time tracks the last container start,
// not the creation instant, and falls back to creation when the engine has
// no usable start time.
func TestBootTimeFor(t *testing.T) {
	created := int64(1700000000)
	createdAt := time.Unix(created, 0).UTC()

	started := createdAt.Add(48 * time.Hour)
	got := bootTimeFor(created, started.Format(time.RFC3339Nano))
	if !got.Equal(started) {
		t.Errorf("bootTimeFor = %s, want %s", got, started)
	}

	// A never-started container reports the zero RFC3339 instant.
	if got := bootTimeFor(created, "0001-01-01T00:00:00Z"); !got.Equal(createdAt) {
		t.Errorf("never-started: bootTimeFor = %s, want %s", got, createdAt)
	}

	if got := bootTimeFor(created, "not-a-time"); !got.Equal(createdAt) {
		t.Errorf("garbage: bootTimeFor = %s, want %s", got, createdAt)
	}
}
