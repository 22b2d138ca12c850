package fleet_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dmelnic/stevedore/internal/stevedore/audit"
	"github.com/dmelnic/stevedore/internal/stevedore/fleet"
	"github.com/dmelnic/stevedore/internal/stevedore/host"
	"github.com/dmelnic/stevedore/internal/stevedore/hostdir"
	"github.com/dmelnic/stevedore/internal/stevedore/hostlock"
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

	createErr    error
	stopCalls    int
	destroyCalls int
	onStop       func()

	blob     *host.StateBlob
	activity host.ReportedActivity
	// hostDir, when set, makes the backend expose a controller-reachable
	// host directory.
	hostDir string
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
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.hosts = append(f.hosts, provider.HostSummary{ID: spec.ID, Name: spec.Name, State: host.StateRunning})
	return &provider.Host{ID: spec.ID, ProviderName: f.name, Name: spec.Name}, nil
}

func (f *fakeBackend) StartHost(_ context.Context, id, _ string) (*provider.Host, error) {
	return &provider.Host{ID: id, ProviderName: f.name}, nil
}

func (f *fakeBackend) StopHost(_ context.Context, _ *provider.Host, _ bool) error {
	f.stopCalls++
	if f.onStop != nil {
		f.onStop()
	}
	return nil
}

func (f *fakeBackend) DestroyHost(_ context.Context, _ *provider.Host, _ bool) error {
	f.destroyCalls++
	return nil
}

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

func (f *fakeBackend) HostDir(_ context.Context, id string) (hostdir.Layout, error) {
	if f.hostDir == "" {
		return hostdir.Layout{}, errors.New("host dir not reachable")
	}
	return hostdir.New(f.hostDir), nil
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
	mgr      *fleet.Manager
	backend  *fakeBackend
	notifier *recordingNotifier
	lockDir  string
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
	notifier := &recordingNotifier{}
	lockDir := filepath.Join(dir, "locks")

	mgr, err := fleet.New(fleet.Options{
		Providers: []provider.Instance{backend},
		Cache:     listing.New(s, time.Hour),
		Store:     s,
		Notifier:  notifier,
		SSH:       host.SSHInfo{User: "dev", Port: 2222, KeyPath: "/keys/id_ed25519"},
		LockDir:   lockDir,
	})
	if err != nil {
		t.Fatalf("fleet.New: %v", err)
	}
	return &testRig{mgr: mgr, backend: backend, notifier: notifier, lockDir: lockDir}
}

// TestStopRefusedWhileUnreachable verifies mutations never proceed from
// cached data.
func TestStopRefusedWhileUnreachable(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.backend.hosts = []provider.HostSummary{{ID: "h1", State: host.StateRunning}}
	rig.mgr.List(ctx, nil) // prime the cache

	rig.backend.listErr = provider.Unreachable("fake", errors.New("down"))
	err := rig.mgr.Stop(ctx, "fake", "h1", true)
	if !errors.Is(err, fleet.ErrStaleListing) {
		t.Fatalf("Stop: got %v, want ErrStaleListing", err)
	}
	if rig.backend.stopCalls != 0 {
		t.Fatal("StopHost reached the backend despite unreachability")
	}
}

// TestCreateFailureSurfacesInListing verifies failed creations appear as
// failed hosts without a backend resource.
func TestCreateFailureSurfacesInListing(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.backend.createErr = errors.New("image pull failed")
	_, err := rig.mgr.Create(ctx, "fake", provider.HostSpec{ID: "h-fail", Name: "doomed", Image: "img"})
	if err == nil {
		t.Fatal("Create should fail")
	}

	listings := rig.mgr.List(ctx, nil)
	if len(listings) != 1 {
		t.Fatalf("listings = %d", len(listings))
	}
	var found bool
	for _, h := range listings[0].Hosts {
		if h.ID == "h-fail" {
			found = true
			if h.State != host.StateFailed || h.Error == "" {
				t.Errorf("failed host = %+v", h)
			}
		}
	}
	if !found {
		t.Fatal("creation failure missing from listing")
	}
}

// TestDestroyLedgerOnlyHost verifies destroying a host that only exists as a
// creation failure clears the ledger without touching the backend, even
// while the backend is unreachable.
func TestDestroyLedgerOnlyHost(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.backend.createErr = errors.New("boom")
	_, _ = rig.mgr.Create(ctx, "fake", provider.HostSpec{ID: "h-led", Name: "ghost"})

	rig.backend.listErr = provider.Unreachable("fake", errors.New("down"))
	if err := rig.mgr.Destroy(ctx, "fake", "h-led", true); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if rig.backend.destroyCalls != 0 {
		t.Fatal("DestroyHost reached the backend for a ledger-only host")
	}

	rig.backend.listErr = nil
	for _, h := range rig.mgr.List(ctx, nil)[0].Hosts {
		if h.ID == "h-led" {
			t.Fatalf("ledger entry survived destroy: %+v", h)
		}
	}
}

// TestStopHoldsHostLock verifies the cooperative lock is held for the
// duration of the backend mutation.
func TestStopHoldsHostLock(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.backend.hosts = []provider.HostSummary{{ID: "h1", State: host.StateRunning}}

	lockPath := filepath.Join(rig.lockDir, "fake", "h1.lock")
	var duringStop error
	rig.backend.onStop = func() {
		_, duringStop = hostlock.TryAcquire(lockPath, time.Minute)
	}

	if err := rig.mgr.Stop(ctx, "fake", "h1", false); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !errors.Is(duringStop, hostlock.ErrAlreadyLocked) {
		t.Fatalf("lock not held during StopHost: %v", duringStop)
	}

	locked, _, err := hostlock.Inspect(lockPath)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if locked {
		t.Fatal("lock still held after Stop returned")
	}
}

// TestAuditEvents verifies lifecycle operations emit their audit kinds.
func TestAuditEvents(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if _, err := rig.mgr.Create(ctx, "fake", provider.HostSpec{Name: "box", Image: "img"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	id := rig.backend.hosts[0].ID
	if err := rig.mgr.Stop(ctx, "fake", id, true); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := rig.mgr.Destroy(ctx, "fake", id, false); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	want := []audit.Kind{audit.KindHostCreated, audit.KindHostStopped, audit.KindHostDestroyed}
	got := rig.notifier.kinds()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

// TestRecordTrustTiers verifies the record keeps certified and reported data
// in their wrappers and derives state from the listing.
func TestRecordTrustTiers(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	lastUser := time.Now().Add(-10 * time.Minute).Truncate(time.Second)
	rig.backend.blob = &host.StateBlob{
		ID: "h1", ProviderName: "fake", Name: "box", Image: "img",
		IdleMode: "user", IdleTimeoutSeconds: 600,
	}
	rig.backend.hosts = []provider.HostSummary{{ID: "h1", Name: "box", State: host.StateRunning}}
	rig.backend.activity = host.ReportedActivity{User: lastUser}

	rec, err := rig.mgr.Record(ctx, "fake", "h1")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if rec.ID.Value() != "h1" || rec.Name.Value() != "box" {
		t.Errorf("certified tier = %s/%s", rec.ID.Value(), rec.Name.Value())
	}
	if rec.State != host.StateRunning {
		t.Errorf("state = %s, want running", rec.State)
	}
	if !rec.Activity.Untrusted().User.Equal(lastUser) {
		t.Errorf("reported user activity = %v, want %v", rec.Activity.Untrusted().User, lastUser)
	}
}

// TestRecordDerivedFields verifies the record assembles the derived tier:
// SSH parameters from the provider address plus the configured template,
// agents from the host directory, and permissions as the agents' union.
func TestRecordDerivedFields(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.backend.blob = &host.StateBlob{
		ID: "h1", ProviderName: "fake", Name: "box", Image: "img",
		IdleMode: "user", IdleTimeoutSeconds: 600,
	}
	rig.backend.hosts = []provider.HostSummary{
		{ID: "h1", Name: "box", State: host.StateRunning, Addr: "10.1.2.3"},
	}

	dir := t.TempDir()
	rig.backend.hostDir = dir
	layout := hostdir.New(dir)
	writeAgentFile(t, layout.AgentKindFile("a1"), "claude\n")
	writeAgentFile(t, layout.AgentPermissionsFile("a1"), "git\nnet\n")
	writeAgentFile(t, layout.AgentActivityFile("a1", "agent"), "")
	writeAgentFile(t, layout.AgentPermissionsFile("a2"), "# operator grants\nnet\nexec\n")

	rec, err := rig.mgr.Record(ctx, "fake", "h1")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	if rec.SSH.Host != "10.1.2.3" || rec.SSH.User != "dev" || rec.SSH.Port != 2222 {
		t.Errorf("ssh = %+v", rec.SSH)
	}

	if len(rec.Agents) != 2 {
		t.Fatalf("agents = %d, want 2", len(rec.Agents))
	}
	a1 := rec.Agents[0]
	if a1.ID.Value() != "a1" || a1.Kind.Value() != "claude" {
		t.Errorf("agent a1 = %s/%s", a1.ID.Value(), a1.Kind.Value())
	}
	if a1.HostID.Value() != "h1" {
		t.Errorf("agent host = %s", a1.HostID.Value())
	}
	if a1.AgentActivity.Untrusted().IsZero() {
		t.Error("a1 agent activity marker not read")
	}
	if rec.Agents[1].AgentActivity.Untrusted().IsZero() == false {
		t.Error("a2 has no activity marker, reported a time anyway")
	}

	want := []string{"git", "net", "exec"}
	if len(rec.Permissions) != len(want) {
		t.Fatalf("permissions = %v, want %v", rec.Permissions, want)
	}
	for i := range want {
		if rec.Permissions[i] != want[i] {
			t.Fatalf("permissions = %v, want %v", rec.Permissions, want)
		}
	}
}

// TestRecordWithoutHostDir verifies an unreachable host directory degrades
// to a record with no agents rather than an error.
func TestRecordWithoutHostDir(t *testing.T) {
	rig := newTestRig(t)

	rig.backend.blob = &host.StateBlob{
		ID: "h1", ProviderName: "fake", Name: "box", Image: "img",
		IdleMode: "user", IdleTimeoutSeconds: 600,
	}
	rig.backend.hosts = []provider.HostSummary{{ID: "h1", State: host.StateRunning}}

	rec, err := rig.mgr.Record(context.Background(), "fake", "h1")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if len(rec.Agents) != 0 || len(rec.Permissions) != 0 {
		t.Errorf("agents = %v, permissions = %v", rec.Agents, rec.Permissions)
	}
	if rec.SSH.Host != "" {
		t.Errorf("ssh assembled without an address: %+v", rec.SSH)
	}
}

// TestUnlistableProviderOmitsLedger verifies a listing that failed outright
// does not get ledger entries appended, since nothing renders hosts for it.
func TestUnlistableProviderOmitsLedger(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.backend.createErr = errors.New("boom")
	_, _ = rig.mgr.Create(ctx, "fake", provider.HostSpec{ID: "h-fail", Name: "doomed"})

	// No cache was ever primed, so unreachability fails the whole listing.
	rig.backend.listErr = provider.Unreachable("fake", errors.New("down"))
	listings := rig.mgr.List(ctx, nil)
	if len(listings) != 1 {
		t.Fatalf("listings = %d", len(listings))
	}
	if listings[0].Err == nil {
		t.Fatal("listing error lost")
	}
	if len(listings[0].Hosts) != 0 {
		t.Fatalf("failed listing still carries hosts: %+v", listings[0].Hosts)
	}
}

func writeAgentFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

// TestRecordDefaultsToDestroyed verifies a host with a blob but no listing
// presence reads as destroyed.
func TestRecordDefaultsToDestroyed(t *testing.T) {
	rig := newTestRig(t)
	rig.backend.blob = &host.StateBlob{
		ID: "gone", ProviderName: "fake", Name: "old", Image: "img",
		IdleMode: "disabled",
	}

	rec, err := rig.mgr.Record(context.Background(), "fake", "gone")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if rec.State != host.StateDestroyed {
		t.Errorf("state = %s, want destroyed", rec.State)
	}
}
