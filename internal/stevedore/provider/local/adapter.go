// Package local implements the provider.Instance contract with hosts as
// supervised local processes. The provider-native storage is a state
// directory owned by the orchestrator user: certified data lives under
// certified/ and host_state/, while each host's own directory (activity
// markers, work tree) is the reported tier that host processes may write.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/dmelnic/stevedore/internal/stevedore/activity"
	"github.com/dmelnic/stevedore/internal/stevedore/host"
	"github.com/dmelnic/stevedore/internal/stevedore/hostdir"
	"github.com/dmelnic/stevedore/internal/stevedore/idle"
	"github.com/dmelnic/stevedore/internal/stevedore/provider"
)

// Config is the backend configuration for the local instance.
type Config struct {
	InstanceName string `json:"instance_name"`
	// StateDir is the root of all local-provider storage.
	StateDir string `json:"state_dir"`
	// StopGrace is how long to wait after SIGTERM before SIGKILL.
	StopGrace time.Duration `json:"stop_grace"`
}

// Adapter implements provider.Instance for local processes.
type Adapter struct {
	cfg         Config
	fingerprint string
}

var _ provider.Instance = (*Adapter)(nil)

// New creates a local adapter rooted at cfg.StateDir.
func New(cfg Config) (*Adapter, error) {
	if cfg.StateDir == "" {
		return nil, fmt.Errorf("local: StateDir is required")
	}
	if cfg.InstanceName == "" {
		cfg.InstanceName = "local"
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}
	return &Adapter{cfg: cfg, fingerprint: provider.Fingerprint(cfg)}, nil
}

// Name implements provider.Instance.
func (a *Adapter) Name() string { return a.cfg.InstanceName }

// ConfigFingerprint implements provider.Instance.
func (a *Adapter) ConfigFingerprint() string { return a.fingerprint }

// Capabilities implements provider.Instance. Snapshots tar the work tree
// only; the volume directory is deliberately excluded so behavior matches
// the Docker backend's commit semantics. Tags live in the adapter-owned
// state blob, so unlike Docker labels they could be rewritten.
func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		SnapshotsIncludeVolumes: false,
		MutableTags:             true,
	}
}

// Directory layout under StateDir.

func (a *Adapter) hostDir(id string) hostdir.Layout {
	return hostdir.New(filepath.Join(a.cfg.StateDir, "hosts", id))
}

func (a *Adapter) runtimePath(id string) string {
	return filepath.Join(a.cfg.StateDir, "certified", id, "runtime.json")
}

func (a *Adapter) snapshotDir(id string) string {
	return filepath.Join(a.cfg.StateDir, "snapshots", id)
}

func (a *Adapter) volumeDir(id string) string {
	return filepath.Join(a.cfg.StateDir, "volumes", id)
}

// runtimeRecord is the certified per-host runtime state. Only the adapter
// writes it.
type runtimeRecord struct {
	PID       int       `json:"pid"`
	Command   string    `json:"command"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
}

func (a *Adapter) readRuntime(id string) (*runtimeRecord, error) {
	data, err := os.ReadFile(a.runtimePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", provider.ErrHostNotFound, id)
		}
		return nil, fmt.Errorf("local: read runtime for %s: %w", id, err)
	}
	var rec runtimeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("local: decode runtime for %s: %w", id, err)
	}
	return &rec, nil
}

func (a *Adapter) writeRuntime(id string, rec *runtimeRecord) error {
	path := a.runtimePath(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("local: mkdir certified dir: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("local: marshal runtime for %s: %w", id, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("local: write runtime for %s: %w", id, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("local: rename runtime for %s: %w", id, err)
	}
	return nil
}

// pidAlive reports whether pid names a live process we may signal.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// launch starts the host's main process. spec.Image is interpreted as a
// shell command line; its output goes to the host's log directory.
func (a *Adapter) launch(id, command string, env map[string]string) (*runtimeRecord, error) {
	layout := a.hostDir(id)
	for _, dir := range []string{layout.WorkDir(), layout.LogsDir(), a.volumeDir(id)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("local: mkdir %s: %w", dir, err)
		}
	}

	logFile, err := os.OpenFile(filepath.Join(layout.LogsDir(), "host.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("local: open host log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Dir = layout.WorkDir()
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(),
		"STEVEDORE_HOST_ID="+id,
		"STEVEDORE_HOST_DIR="+layout.Root,
		"STEVEDORE_VOLUME="+a.volumeDir(id),
	)
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	// Detach into its own process group so the host outlives this CLI
	// invocation and a later stop can signal the whole group.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("local: start host process: %w", err)
	}
	// The orchestrator is stateless: nobody waits on the child. Reap it in
	// the background so a host that exits while this process is still
	// around does not linger as a zombie.
	go func() { _ = cmd.Wait() }()

	rec := &runtimeRecord{
		PID:       cmd.Process.Pid,
		Command:   command,
		StartedAt: time.Now().UTC(),
	}
	return rec, a.writeRuntime(id, rec)
}

// writeWatcherFiles materializes the certified idle policy as the plain
// files the on-host watchdog reads, under the host directory root.
func (a *Adapter) writeWatcherFiles(id string, policy idle.Policy, maxAge time.Duration) error {
	layout := a.hostDir(id)
	files, err := provider.WatcherFiles(policy, maxAge)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(layout.Root, 0o755); err != nil {
		return fmt.Errorf("local: mkdir host dir for %s: %w", id, err)
	}
	for name, content := range files {
		path := filepath.Join(layout.Root, name)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("local: write %s for %s: %w", name, id, err)
		}
	}
	return nil
}

// CreateHost implements provider.Instance.
func (a *Adapter) CreateHost(ctx context.Context, spec provider.HostSpec) (*provider.Host, error) {
	if spec.ID == "" {
		return nil, fmt.Errorf("local: spec.ID is required")
	}
	if spec.Image == "" {
		return nil, fmt.Errorf("local: spec.Image (command line) is required")
	}

	if err := host.SaveState(a.cfg.StateDir, provider.StateBlobFromSpec(a.Name(), spec)); err != nil {
		return nil, err
	}
	if err := a.writeWatcherFiles(spec.ID, spec.IdlePolicy, spec.MaxHostAge); err != nil {
		_ = host.RemoveState(a.cfg.StateDir, spec.ID)
		return nil, err
	}

	rec, err := a.launch(spec.ID, spec.Image, spec.Env)
	if err != nil {
		_ = host.RemoveState(a.cfg.StateDir, spec.ID)
		return nil, err
	}

	// The adapter doubles as the host bootstrap here, so the initial
	// reported markers are written by it.
	layout := a.hostDir(spec.ID)
	_ = activity.Record(layout.ActivityFile(string(activity.SourceCreate)), nil)
	_ = activity.Record(layout.ActivityFile(string(activity.SourceBoot)), nil)

	return &provider.Host{
		ID:           spec.ID,
		ProviderName: a.Name(),
		Name:         spec.Name,
		BackendID:    fmt.Sprintf("pid:%d", rec.PID),
		Addr:         "127.0.0.1",
	}, nil
}

// StartHost implements provider.Instance.
func (a *Adapter) StartHost(ctx context.Context, id string, snapshotID string) (*provider.Host, error) {
	blob, err := a.HostState(id)
	if err != nil {
		return nil, err
	}
	if rec, err := a.readRuntime(id); err == nil && pidAlive(rec.PID) {
		return nil, fmt.Errorf("local: host %s already running (pid %d)", id, rec.PID)
	}

	layout := a.hostDir(id)
	if snapshotID != "" {
		archive := filepath.Join(a.snapshotDir(id), snapshotID+".tar.gz")
		if err := extractArchive(archive, layout.WorkDir()); err != nil {
			return nil, err
		}
	}

	// The watchdog files follow the blob, so a policy changed while the
	// host was stopped takes effect on restart.
	if err := a.writeWatcherFiles(id, blob.IdlePolicy(), blob.MaxHostAge()); err != nil {
		return nil, err
	}

	rec, err := a.launch(id, blob.Image, nil)
	if err != nil {
		return nil, err
	}
	_ = activity.Record(layout.ActivityFile(string(activity.SourceStart)), nil)
	_ = activity.Record(layout.ActivityFile(string(activity.SourceBoot)), nil)

	return &provider.Host{
		ID:           id,
		ProviderName: a.Name(),
		Name:         blob.Name,
		BackendID:    fmt.Sprintf("pid:%d", rec.PID),
		Addr:         "127.0.0.1",
	}, nil
}

// StopHost implements provider.Instance.
func (a *Adapter) StopHost(ctx context.Context, h *provider.Host, createSnapshot bool) error {
	rec, err := a.readRuntime(h.ID)
	if err != nil {
		return err
	}

	if createSnapshot {
		snapID := fmt.Sprintf("%d", time.Now().UTC().Unix())
		archive := filepath.Join(a.snapshotDir(h.ID), snapID+".tar.gz")
		if err := createArchive(a.hostDir(h.ID).WorkDir(), archive); err != nil {
			return err
		}
	}

	if pidAlive(rec.PID) {
		// Negative pid signals the whole process group.
		_ = syscall.Kill(-rec.PID, syscall.SIGTERM)
		deadline := time.Now().Add(a.cfg.StopGrace)
		for pidAlive(rec.PID) && time.Now().Before(deadline) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
		}
		if pidAlive(rec.PID) {
			_ = syscall.Kill(-rec.PID, syscall.SIGKILL)
		}
	}

	rec.StoppedAt = time.Now().UTC()
	return a.writeRuntime(h.ID, rec)
}

// DestroyHost implements provider.Instance.
func (a *Adapter) DestroyHost(ctx context.Context, h *provider.Host, deleteSnapshots bool) error {
	if rec, err := a.readRuntime(h.ID); err == nil && pidAlive(rec.PID) {
		if err := a.StopHost(ctx, h, false); err != nil {
			return err
		}
	}

	if err := os.RemoveAll(a.hostDir(h.ID).Root); err != nil {
		return fmt.Errorf("local: remove host dir for %s: %w", h.ID, err)
	}
	if err := os.RemoveAll(filepath.Dir(a.runtimePath(h.ID))); err != nil {
		return fmt.Errorf("local: remove certified dir for %s: %w", h.ID, err)
	}
	if deleteSnapshots {
		if err := os.RemoveAll(a.snapshotDir(h.ID)); err != nil {
			return fmt.Errorf("local: remove snapshots for %s: %w", h.ID, err)
		}
		if err := os.RemoveAll(a.volumeDir(h.ID)); err != nil {
			return fmt.Errorf("local: remove volume for %s: %w", h.ID, err)
		}
	}
	return host.RemoveState(a.cfg.StateDir, h.ID)
}

// ListHosts implements provider.Instance. The local backend is always
// reachable: the listing is a directory scan.
func (a *Adapter) ListHosts(ctx context.Context, filter *provider.Filter) ([]provider.HostSummary, error) {
	ids, err := host.ListStateIDs(a.cfg.StateDir)
	if err != nil {
		return nil, err
	}

	summaries := make([]provider.HostSummary, 0, len(ids))
	for _, id := range ids {
		blob, err := host.LoadState(a.cfg.StateDir, id)
		if err != nil {
			continue // unreadable blob: skip rather than fail the listing
		}
		state := host.StateStopped
		bootTime := blob.CreatedAt
		if rec, err := a.readRuntime(id); err == nil {
			bootTime = rec.StartedAt
			if pidAlive(rec.PID) {
				state = host.StateRunning
			} else if rec.StoppedAt.IsZero() {
				// Process died without a recorded stop.
				state = host.StateFailed
			}
		}
		s := provider.HostSummary{
			ID:       id,
			Name:     blob.Name,
			State:    state,
			Image:    blob.Image,
			BootTime: bootTime,
			Tags:     blob.Tags,
		}
		if state == host.StateRunning {
			s.Addr = "127.0.0.1"
		}
		if filter.Match(s) {
			summaries = append(summaries, s)
		}
	}
	return summaries, nil
}

// ListSnapshots implements provider.Instance.
func (a *Adapter) ListSnapshots(ctx context.Context) ([]host.Snapshot, error) {
	root := filepath.Join(a.cfg.StateDir, "snapshots")
	hostDirs, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("local: read snapshots dir: %w", err)
	}

	var snaps []host.Snapshot
	for _, hd := range hostDirs {
		if !hd.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(root, hd.Name()))
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".tar.gz") {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			snaps = append(snaps, host.Snapshot{
				ID:        hd.Name() + "/" + strings.TrimSuffix(e.Name(), ".tar.gz"),
				HostID:    hd.Name(),
				CreatedAt: info.ModTime().UTC(),
				SizeBytes: info.Size(),
			})
		}
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].CreatedAt.Before(snaps[j].CreatedAt) })
	return snaps, nil
}

// ListVolumes implements provider.Instance.
func (a *Adapter) ListVolumes(ctx context.Context) ([]provider.Volume, error) {
	root := filepath.Join(a.cfg.StateDir, "volumes")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("local: read volumes dir: %w", err)
	}
	var vols []provider.Volume
	for _, e := range entries {
		if e.IsDir() {
			vols = append(vols, provider.Volume{
				HostID: e.Name(),
				Name:   e.Name(),
				Path:   filepath.Join(root, e.Name()),
			})
		}
	}
	return vols, nil
}

// VolumeForHost implements provider.Instance.
func (a *Adapter) VolumeForHost(ctx context.Context, id string) (*provider.Volume, error) {
	dir := a.volumeDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("local: mkdir volume for %s: %w", id, err)
	}
	return &provider.Volume{HostID: id, Name: id, Path: dir}, nil
}

// DeleteSnapshot implements provider.Instance. snapshotID is
// "<host-id>/<snap-id>" as returned by ListSnapshots.
func (a *Adapter) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	hostID, snapID, ok := strings.Cut(snapshotID, "/")
	if !ok {
		return fmt.Errorf("local: malformed snapshot id %q", snapshotID)
	}
	err := os.Remove(filepath.Join(a.snapshotDir(hostID), snapID+".tar.gz"))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("local: remove snapshot %s: %w", snapshotID, err)
	}
	return nil
}

// DeleteVolume implements provider.Instance.
func (a *Adapter) DeleteVolume(ctx context.Context, v provider.Volume) error {
	if err := os.RemoveAll(v.Path); err != nil {
		return fmt.Errorf("local: remove volume %s: %w", v.Name, err)
	}
	return nil
}

// ReportedActivity implements provider.Instance by statting the host dir.
func (a *Adapter) ReportedActivity(ctx context.Context, id string) (host.Reported[host.ReportedActivity], error) {
	layout := a.hostDir(id)
	statTime := func(src activity.Source) time.Time {
		t, _, _ := activity.ReadTime(layout.ActivityFile(string(src)))
		return t
	}
	return host.NewReported(host.ReportedActivity{
		Agent: statTime(activity.SourceAgent),
		User:  statTime(activity.SourceUser),
		SSH:   statTime(activity.SourceSSH),
	}), nil
}

// HostState implements provider.Instance.
func (a *Adapter) HostState(id string) (*host.StateBlob, error) {
	return host.LoadState(a.cfg.StateDir, id)
}

// HostDir exposes the host directory layout for a local host. The fleet
// manager reads agent registrations and activity through it.
func (a *Adapter) HostDir(ctx context.Context, id string) (hostdir.Layout, error) {
	return a.hostDir(id), nil
}

// StateIDs returns every host ID that has a certified state blob under this
// instance's state directory.
func (a *Adapter) StateIDs() ([]string, error) {
	return host.ListStateIDs(a.cfg.StateDir)
}
