package enforcer_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dmelnic/stevedore/internal/stevedore/audit"
	"github.com/dmelnic/stevedore/internal/stevedore/enforcer"
	"github.com/dmelnic/stevedore/internal/stevedore/fleet"
	"github.com/dmelnic/stevedore/internal/stevedore/host"
	"github.com/dmelnic/stevedore/internal/stevedore/listing"
	"github.com/dmelnic/stevedore/internal/stevedore/provider"
	"github.com/dmelnic/stevedore/internal/stevedore/store"
)

// fakeBackend is a scriptable provider.Instance.
type fakeBackend struct {
	name        string
	fingerprint string
	hosts       []provider.HostSummary
	listErr     error
	stopCalls   int

	blob     *host.StateBlob
	activity host.ReportedActivity
}

func (f *fakeBackend) Name() string                        { return f.name }
func (f *fakeBackend) ConfigFingerprint() string           { return f.fingerprint }
func (f *fakeBackend) Capabilities() provider.Capabilities { return provider.Capabilities{} }

func (f *fakeBackend) ListHosts(_ context.Context, filter *provider.Filter) ([]provider.HostSummary, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []provider.HostSummary
	for _, h := range f.hosts {
		if filter.Match(h) {
			out = append(out, h)
		}
	}
	return out, nil
}

func (f *fakeBackend) CreateHost(_ context.Context, spec provider.HostSpec) (*provider.Host, error) {
	return &provider.Host{ID: spec.ID, ProviderName: f.name, Name: spec.Name}, nil
}

func (f *fakeBackend) StartHost(_ context.Context, id, _ string) (*provider.Host, error) {
	return &provider.Host{ID: id, ProviderName: f.name}, nil
}

func (f *fakeBackend) StopHost(_ context.Context, _ *provider.Host, _ bool) error {
	f.stopCalls++
	return nil
}

func (f *fakeBackend) DestroyHost(context.Context, *provider.Host, bool) error { return nil }

func (f *fakeBackend) ListSnapshots(context.Context) ([]host.Snapshot, error) { return nil, nil }
func (f *fakeBackend) ListVolumes(context.Context) ([]provider.Volume, error) { return nil, nil }
func (f *fakeBackend) VolumeForHost(context.Context, string) (*provider.Volume, error) {
	return nil, nil
}
func (f *fakeBackend) DeleteSnapshot(context.Context, string) error        { return nil }
func (f *fakeBackend) DeleteVolume(context.Context, provider.Volume) error { return nil }

func (f *fakeBackend) ReportedActivity(context.Context, string) (host.Reported[host.ReportedActivity], error) {
	return host.NewReported(f.activity), nil
}

func (f *fakeBackend) HostState(id string) (*host.StateBlob, error) {
	if f.blob != nil && f.blob.ID == id {
		return f.blob, nil
	}
	return nil, host.ErrStateNotFound
}

// recordingNotifier captures audit events for assertions.
type recordingNotifier struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingNotifier) Notify(_ context.Context, evt audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingNotifier) kinds() []audit.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]audit.Kind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

type testRig struct {
	loop     *enforcer.Loop
	mgr      *fleet.Manager
	backend  *fakeBackend
	notifier *recordingNotifier
	now      *time.Time
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	dir := t.TempDir()
	s, err := store.New(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	backend := &fakeBackend{name: "fake", fingerprint: "fp-1"}
	mgr, err := fleet.New(fleet.Options{
		Providers: []provider.Instance{backend},
		Cache:     listing.New(s, time.Hour),
		Store:     s,
		LockDir:   filepath.Join(dir, "locks"),
	})
	if err != nil {
		t.Fatalf("fleet.New: %v", err)
	}

	now := time.Now()
	notifier := &recordingNotifier{}
	loop, err := enforcer.New(enforcer.Options{
		Fleet:      mgr,
		Grace:      5 * time.Minute,
		StuckAfter: 30 * time.Minute,
		Notifier:   notifier,
		Now:        func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("enforcer.New: %v", err)
	}
	return &testRig{loop: loop, mgr: mgr, backend: backend, notifier: notifier, now: &now}
}

func userBlob(id string, timeoutSecs int) *host.StateBlob {
	return &host.StateBlob{
		ID:                 id,
		ProviderName:       "fake",
		Name:               "h",
		Image:              "img",
		IdleMode:           "user",
		IdleTimeoutSeconds: timeoutSecs,
	}
}

// TestIdleHostForceStopped verifies a host idle past timeout plus grace is
// stopped and the enforcement is audited.
func TestIdleHostForceStopped(t *testing.T) {
	r := newTestRig(t)
	r.backend.hosts = []provider.HostSummary{{ID: "h1", State: host.StateRunning}}
	r.backend.blob = userBlob("h1", 300)
	r.backend.activity = host.ReportedActivity{User: r.now.Add(-20 * time.Minute)}

	r.loop.SweepOnce(context.Background())

	if r.backend.stopCalls != 1 {
		t.Fatalf("stopCalls = %d, want 1", r.backend.stopCalls)
	}
	kinds := r.notifier.kinds()
	if len(kinds) != 1 || kinds[0] != audit.KindHostEnforced {
		t.Fatalf("audit kinds = %v, want [host.enforced]", kinds)
	}
}

// TestGraceDelaysEnforcement verifies the loop holds off while the on-host
// watchdog still has its grace window.
func TestGraceDelaysEnforcement(t *testing.T) {
	r := newTestRig(t)
	r.backend.hosts = []provider.HostSummary{{ID: "h1", State: host.StateRunning}}
	r.backend.blob = userBlob("h1", 300)
	// Past the timeout but inside timeout+grace.
	r.backend.activity = host.ReportedActivity{User: r.now.Add(-7 * time.Minute)}

	r.loop.SweepOnce(context.Background())

	if r.backend.stopCalls != 0 {
		t.Fatalf("stopCalls = %d, want 0", r.backend.stopCalls)
	}
}

// TestStaleListingNeverEnforced verifies no enforcement happens from cached
// data when the provider is unreachable.
func TestStaleListingNeverEnforced(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	r.backend.hosts = []provider.HostSummary{{ID: "h1", State: host.StateRunning}}
	r.backend.blob = userBlob("h1", 300)
	r.backend.activity = host.ReportedActivity{User: r.now.Add(-20 * time.Minute)}

	// Prime the cache, then lose the provider.
	for _, lst := range r.mgr.List(ctx, nil) {
		if lst.Err != nil {
			t.Fatalf("prime cache: %v", lst.Err)
		}
	}
	r.backend.listErr = provider.Unreachable("fake", errors.New("down"))

	r.loop.SweepOnce(ctx)

	if r.backend.stopCalls != 0 {
		t.Fatalf("stopCalls = %d, want 0 (listing was stale)", r.backend.stopCalls)
	}
}

// TestNoPolicyNoEnforcement verifies hosts without certified state are left
// alone.
func TestNoPolicyNoEnforcement(t *testing.T) {
	r := newTestRig(t)
	r.backend.hosts = []provider.HostSummary{{ID: "h1", State: host.StateRunning, BootTime: r.now.Add(-48 * time.Hour)}}

	r.loop.SweepOnce(context.Background())

	if r.backend.stopCalls != 0 {
		t.Fatalf("stopCalls = %d, want 0", r.backend.stopCalls)
	}
}

// TestLifecycleSourceFallsBackToBootTime verifies boot-mode policies are
// enforceable from the provider-visible boot time alone.
func TestLifecycleSourceFallsBackToBootTime(t *testing.T) {
	r := newTestRig(t)
	blob := userBlob("h1", 3600)
	blob.IdleMode = "boot"
	r.backend.blob = blob
	r.backend.hosts = []provider.HostSummary{{
		ID:       "h1",
		State:    host.StateRunning,
		BootTime: r.now.Add(-2 * time.Hour),
	}}

	r.loop.SweepOnce(context.Background())

	if r.backend.stopCalls != 1 {
		t.Fatalf("stopCalls = %d, want 1", r.backend.stopCalls)
	}
}

// TestUnobservableActivityKeepsAlive verifies a policy with no observable
// source is never enforced on a guess.
func TestUnobservableActivityKeepsAlive(t *testing.T) {
	r := newTestRig(t)
	r.backend.hosts = []provider.HostSummary{{ID: "h1", State: host.StateRunning}}
	r.backend.blob = userBlob("h1", 300)
	// No reported activity and no boot time: nothing to measure from.

	r.loop.SweepOnce(context.Background())

	if r.backend.stopCalls != 0 {
		t.Fatalf("stopCalls = %d, want 0", r.backend.stopCalls)
	}
}

// TestStuckTransitoryHostReported verifies a host parked in a transitory
// state past StuckAfter raises one stuck event, and recovery clears the
// tracking.
func TestStuckTransitoryHostReported(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	r.backend.hosts = []provider.HostSummary{{ID: "h1", State: host.StateStopping}}

	r.loop.SweepOnce(ctx) // first observation arms the timer
	if got := r.notifier.kinds(); len(got) != 0 {
		t.Fatalf("events after first sweep = %v, want none", got)
	}

	*r.now = r.now.Add(31 * time.Minute)
	r.loop.SweepOnce(ctx)
	kinds := r.notifier.kinds()
	if len(kinds) != 1 || kinds[0] != audit.KindHostStuck {
		t.Fatalf("audit kinds = %v, want [host.stuck]", kinds)
	}

	// Recovery: the host leaves the transitory state and gets stuck again
	// later; a fresh observation window applies.
	r.backend.hosts[0].State = host.StateRunning
	r.loop.SweepOnce(ctx)
	r.backend.hosts[0].State = host.StateStopping
	r.loop.SweepOnce(ctx)
	if got := r.notifier.kinds(); len(got) != 1 {
		t.Fatalf("events after recovery = %v, want still one", got)
	}
}
