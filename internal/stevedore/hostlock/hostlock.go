// Package hostlock provides the advisory cooperative lock used to serialize
// sensitive host state transitions across independent processes.
//
// The lock is a plain file: existence plus mtime encode "locked since T".
// Ownership is purely conventional, so this reduces the probability of races
// between concurrent orchestrator processes but is NOT a consensus protocol
// and gives no guarantees against adversarial holders. A future hardened mode
// would need OS-level resource confinement; do not assume more than advisory
// semantics here.
package hostlock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrAlreadyLocked is returned by TryAcquire when a fresh lock is held.
var ErrAlreadyLocked = errors.New("hostlock: already locked")

// DefaultStaleness is how old an unreleased lock must be before another
// caller may force-acquire it. Recovers from crashed holders.
const DefaultStaleness = 10 * time.Minute

// Handle represents a held lock. Release must be called on every exit path;
// the intended usage is
//
//	h, err := hostlock.TryAcquire(path, staleness)
//	if err != nil { ... }
//	defer h.Release()
type Handle struct {
	path     string
	released bool
}

// marker is the debugging payload written into the lock file. Readers must
// not depend on it; only existence and mtime matter.
type marker struct {
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// TryAcquire attempts to take the lock at path. It fails fast with
// ErrAlreadyLocked while a fresh lock is held by someone else. A lock whose
// mtime is older than staleness is treated as abandoned and force-acquired.
func TryAcquire(path string, staleness time.Duration) (*Handle, error) {
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("hostlock: mkdir: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			payload, _ := json.Marshal(marker{PID: os.Getpid(), AcquiredAt: time.Now().UTC()})
			_, werr := f.Write(append(payload, '\n'))
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("hostlock: write %s: %w", path, errors.Join(werr, cerr))
			}
			return &Handle{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("hostlock: create %s: %w", path, err)
		}

		info, statErr := os.Stat(path)
		if statErr != nil {
			if os.IsNotExist(statErr) {
				continue // holder released between create and stat; retry
			}
			return nil, fmt.Errorf("hostlock: stat %s: %w", path, statErr)
		}
		if time.Since(info.ModTime()) < staleness {
			return nil, fmt.Errorf("%w (held since %s)", ErrAlreadyLocked, info.ModTime().Format(time.RFC3339))
		}

		// Stale: the holder is presumed crashed. Remove and retry the
		// exclusive create. Two force-acquirers can still race on the
		// recreate; O_EXCL makes exactly one of them win.
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, fmt.Errorf("hostlock: remove stale %s: %w", path, rmErr)
		}
	}
	return nil, fmt.Errorf("%w (lost force-acquire race)", ErrAlreadyLocked)
}

// Release drops the lock. Safe to call more than once.
func (h *Handle) Release() error {
	if h == nil || h.released {
		return nil
	}
	h.released = true
	if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("hostlock: release %s: %w", h.path, err)
	}
	return nil
}

// Path returns the lock file path.
func (h *Handle) Path() string { return h.path }

// Inspect reports whether path is currently locked and since when. The answer
// is advisory, like the lock itself.
func Inspect(path string) (locked bool, since time.Time, err error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, time.Time{}, nil
		}
		return false, time.Time{}, fmt.Errorf("hostlock: stat %s: %w", path, err)
	}
	return true, info.ModTime(), nil
}

// With acquires the lock, runs fn, and guarantees release on every exit path
// including a panic inside fn.
func With(path string, staleness time.Duration, fn func() error) error {
	h, err := TryAcquire(path, staleness)
	if err != nil {
		return err
	}
	defer h.Release()
	return fn()
}
