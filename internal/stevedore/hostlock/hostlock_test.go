package hostlock_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dmelnic/stevedore/internal/stevedore/hostlock"
)

func lockPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "host_lock")
}

// TestMutualExclusion verifies the second acquirer fails while a fresh lock
// is held, and succeeds after release.
func TestMutualExclusion(t *testing.T) {
	path := lockPath(t)

	h1, err := hostlock.TryAcquire(path, time.Minute)
	if err != nil {
		t.Fatalf("first TryAcquire: %v", err)
	}

	if _, err := hostlock.TryAcquire(path, time.Minute); !errors.Is(err, hostlock.ErrAlreadyLocked) {
		t.Fatalf("second TryAcquire: got %v, want ErrAlreadyLocked", err)
	}

	if err := h1.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	h2, err := hostlock.TryAcquire(path, time.Minute)
	if err != nil {
		t.Fatalf("TryAcquire after release: %v", err)
	}
	h2.Release()
}

// TestStaleForceAcquire verifies an abandoned lock older than the staleness
// window is taken over.
func TestStaleForceAcquire(t *testing.T) {
	path := lockPath(t)

	h1, err := hostlock.TryAcquire(path, time.Minute)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	// Simulate a crashed holder: never released, mtime in the past.
	_ = h1 // intentionally not released
	old := time.Now().Add(-2 * time.Minute)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	h2, err := hostlock.TryAcquire(path, time.Minute)
	if err != nil {
		t.Fatalf("force-acquire of stale lock: %v", err)
	}
	h2.Release()
}

// TestReleaseIdempotent verifies double release is not an error.
func TestReleaseIdempotent(t *testing.T) {
	path := lockPath(t)
	h, err := hostlock.TryAcquire(path, time.Minute)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if err := h.Release(); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if err := h.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
}

// TestInspect verifies the advisory lock view.
func TestInspect(t *testing.T) {
	path := lockPath(t)

	locked, _, err := hostlock.Inspect(path)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if locked {
		t.Fatal("unheld lock reported locked")
	}

	h, err := hostlock.TryAcquire(path, time.Minute)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	defer h.Release()

	locked, since, err := hostlock.Inspect(path)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if !locked {
		t.Fatal("held lock reported unlocked")
	}
	if since.IsZero() {
		t.Fatal("held lock has zero since time")
	}
}

// TestWithReleasesOnError verifies With releases the lock even when fn fails.
func TestWithReleasesOnError(t *testing.T) {
	path := lockPath(t)

	wantErr := errors.New("boom")
	err := hostlock.With(path, time.Minute, func() error { return wantErr })
	if !errors.Is(err, wantErr) {
		t.Fatalf("With: got %v, want fn error", err)
	}

	locked, _, err := hostlock.Inspect(path)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if locked {
		t.Fatal("lock still held after With returned")
	}
}

// TestWithSerializes verifies a second With fails while fn is running.
func TestWithSerializes(t *testing.T) {
	path := lockPath(t)

	err := hostlock.With(path, time.Minute, func() error {
		return hostlock.With(path, time.Minute, func() error { return nil })
	})
	if !errors.Is(err, hostlock.ErrAlreadyLocked) {
		t.Fatalf("nested With: got %v, want ErrAlreadyLocked", err)
	}
}
