package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dmelnic/stevedore/internal/stevedore/store"
)

// newTestStore creates a temporary sqlite database with migrations applied.
func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "stevedore-test.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func hostsByID(t *testing.T, s *store.Store, provider string) map[string]store.CachedHost {
	t.Helper()
	rows, err := s.CachedHosts(context.Background(), provider)
	if err != nil {
		t.Fatalf("CachedHosts: %v", err)
	}
	out := make(map[string]store.CachedHost, len(rows))
	for _, r := range rows {
		out[r.HostID] = r
	}
	return out
}

// TestDestroyedInferenceSameFingerprint verifies that under an unchanged
// fingerprint, a cached host absent from the fresh listing is reclassified
// as destroyed and retained.
func TestDestroyedInferenceSameFingerprint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	t0 := time.Now().UTC()

	both := []store.CachedHost{
		{HostID: "a", Name: "alpha", State: "running"},
		{HostID: "b", Name: "beta", State: "running"},
	}
	if err := s.SaveListing(ctx, "docker", "fp-1", t0, both); err != nil {
		t.Fatalf("SaveListing: %v", err)
	}

	onlyA := both[:1]
	if err := s.SaveListing(ctx, "docker", "fp-1", t0.Add(time.Minute), onlyA); err != nil {
		t.Fatalf("SaveListing: %v", err)
	}

	got := hostsByID(t, s, "docker")
	if got["a"].State != "running" {
		t.Errorf("a: state %q, want running", got["a"].State)
	}
	b, ok := got["b"]
	if !ok {
		t.Fatal("b dropped from cache instead of being marked destroyed")
	}
	if b.State != "destroyed" || !b.DestroyedAt.Valid {
		t.Errorf("b: state %q destroyed_at valid=%t, want destroyed ghost", b.State, b.DestroyedAt.Valid)
	}
}

// TestNoInferenceAcrossFingerprints verifies a changed fingerprint means an
// unrelated view: old rows vanish, nothing is marked destroyed.
func TestNoInferenceAcrossFingerprints(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	t0 := time.Now().UTC()

	if err := s.SaveListing(ctx, "docker", "fp-1", t0, []store.CachedHost{
		{HostID: "a", State: "running"},
		{HostID: "b", State: "running"},
	}); err != nil {
		t.Fatalf("SaveListing: %v", err)
	}

	if err := s.SaveListing(ctx, "docker", "fp-2", t0.Add(time.Minute), []store.CachedHost{
		{HostID: "a", State: "running"},
	}); err != nil {
		t.Fatalf("SaveListing: %v", err)
	}

	got := hostsByID(t, s, "docker")
	if _, ok := got["b"]; ok {
		t.Errorf("b survived a fingerprint change: %+v", got["b"])
	}
	if got["a"].State != "running" {
		t.Errorf("a: state %q, want running", got["a"].State)
	}
}

// TestResurrection verifies a destroyed ghost reappearing in a fresh listing
// is un-destroyed.
func TestResurrection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	t0 := time.Now().UTC()

	if err := s.SaveListing(ctx, "docker", "fp-1", t0, []store.CachedHost{{HostID: "a", State: "running"}}); err != nil {
		t.Fatalf("SaveListing: %v", err)
	}
	if err := s.SaveListing(ctx, "docker", "fp-1", t0.Add(time.Minute), nil); err != nil {
		t.Fatalf("SaveListing: %v", err)
	}
	if got := hostsByID(t, s, "docker"); got["a"].State != "destroyed" {
		t.Fatalf("a should be destroyed, got %q", got["a"].State)
	}

	if err := s.SaveListing(ctx, "docker", "fp-1", t0.Add(2*time.Minute), []store.CachedHost{{HostID: "a", State: "running"}}); err != nil {
		t.Fatalf("SaveListing: %v", err)
	}
	got := hostsByID(t, s, "docker")
	if got["a"].State != "running" || got["a"].DestroyedAt.Valid {
		t.Errorf("a not resurrected: %+v", got["a"])
	}
}

// TestFirstSeenPreserved verifies re-listing a host keeps its original
// first_seen.
func TestFirstSeenPreserved(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	t0 := time.Now().UTC().Truncate(time.Second)

	row := []store.CachedHost{{HostID: "a", State: "running"}}
	if err := s.SaveListing(ctx, "docker", "fp-1", t0, row); err != nil {
		t.Fatalf("SaveListing: %v", err)
	}
	if err := s.SaveListing(ctx, "docker", "fp-1", t0.Add(time.Hour), row); err != nil {
		t.Fatalf("SaveListing: %v", err)
	}

	got := hostsByID(t, s, "docker")["a"]
	if !got.FirstSeen.Equal(t0) {
		t.Errorf("first_seen = %v, want %v", got.FirstSeen, t0)
	}
	if !got.LastSeen.After(t0) {
		t.Errorf("last_seen = %v, want after %v", got.LastSeen, t0)
	}
}

// TestPruneListings verifies TTL expiry drops stale rows, destroyed ghosts
// included.
func TestPruneListings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	t0 := time.Now().UTC()

	if err := s.SaveListing(ctx, "docker", "fp-1", t0, []store.CachedHost{
		{HostID: "old", State: "running"},
	}); err != nil {
		t.Fatalf("SaveListing: %v", err)
	}
	// old vanishes; it becomes a destroyed ghost whose last_seen stays t0.
	if err := s.SaveListing(ctx, "docker", "fp-1", t0.Add(time.Minute), []store.CachedHost{
		{HostID: "new", State: "running"},
	}); err != nil {
		t.Fatalf("SaveListing: %v", err)
	}

	n, err := s.PruneListings(ctx, t0.Add(30*time.Second))
	if err != nil {
		t.Fatalf("PruneListings: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d rows, want 1", n)
	}
	got := hostsByID(t, s, "docker")
	if _, ok := got["old"]; ok {
		t.Error("old ghost survived the TTL prune")
	}
	if _, ok := got["new"]; !ok {
		t.Error("fresh row pruned")
	}
}

// TestLastRefresh verifies the refresh bookkeeping row.
func TestLastRefresh(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.LastRefresh(ctx, "docker")
	if err != nil {
		t.Fatalf("LastRefresh: %v", err)
	}
	if ok {
		t.Fatal("refresh row before any listing")
	}

	t0 := time.Now().UTC().Truncate(time.Second)
	if err := s.SaveListing(ctx, "docker", "fp-1", t0, nil); err != nil {
		t.Fatalf("SaveListing: %v", err)
	}
	r, ok, err := s.LastRefresh(ctx, "docker")
	if err != nil {
		t.Fatalf("LastRefresh: %v", err)
	}
	if !ok || r.Fingerprint != "fp-1" || !r.RefreshedAt.Equal(t0) {
		t.Errorf("refresh = %+v ok=%t", r, ok)
	}
}

// TestCreationFailures verifies the bounded failure ledger.
func TestCreationFailures(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	t0 := time.Now().UTC()

	f := store.CreationFailure{
		HostID: "h-1", Provider: "docker", Name: "broken",
		Error: "image pull failed", CreatedAt: t0,
	}
	if err := s.RecordCreationFailure(ctx, f); err != nil {
		t.Fatalf("RecordCreationFailure: %v", err)
	}

	got, err := s.CreationFailures(ctx, "docker")
	if err != nil {
		t.Fatalf("CreationFailures: %v", err)
	}
	if len(got) != 1 || got[0].HostID != "h-1" || got[0].Error != "image pull failed" {
		t.Fatalf("failures = %+v", got)
	}

	n, err := s.PruneCreationFailures(ctx, t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("PruneCreationFailures: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	got, err = s.CreationFailures(ctx, "docker")
	if err != nil {
		t.Fatalf("CreationFailures: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("ledger not empty after prune: %+v", got)
	}
}

// TestGCReportRoundTrip verifies a saved sweep report loads back.
func TestGCReportRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	id, err := s.SaveGCReport(ctx, store.GCReport{
		StartedAt:  now,
		FinishedAt: now.Add(time.Second),
		Scope:      "snapshot,volume",
		Reclaimed:  3,
		Failed:     1,
		Details: []store.GCReportItem{
			{Kind: "snapshot", ID: "s-1"},
			{Kind: "volume", ID: "v-1", Error: "busy"},
		},
	})
	if err != nil {
		t.Fatalf("SaveGCReport: %v", err)
	}
	if id == 0 {
		t.Fatal("report id not assigned")
	}

	r, ok, err := s.LatestGCReport(ctx)
	if err != nil {
		t.Fatalf("LatestGCReport: %v", err)
	}
	if !ok {
		t.Fatal("no latest report")
	}
	if r.Reclaimed != 3 || r.Failed != 1 || len(r.Details) != 2 {
		t.Errorf("report = %+v", r)
	}
	if r.Details[1].Error != "busy" {
		t.Errorf("details = %+v", r.Details)
	}
}
