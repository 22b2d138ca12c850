// Package docker implements the provider.Instance contract on the Docker
// Engine API. Containers are hosts, labels are the certified metadata store,
// image commits are snapshots, and named volumes are per-host durable
// storage.
package docker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	dockerclient "github.com/docker/docker/client"

	"github.com/dmelnic/stevedore/internal/stevedore/host"
	"github.com/dmelnic/stevedore/internal/stevedore/provider"
)

const (
	labelManagedBy  = "stevedore.managed-by"
	labelHostID     = "stevedore.host-id"
	labelHostName   = "stevedore.host-name"
	labelSnapshotOf = "stevedore.snapshot-of"
	labelTagPrefix  = "stevedore.tag."
	managedByValue  = "stevedore"

	// hostDirMount is where the per-host volume (activity files, agent
	// dirs, work tree) is mounted inside the container.
	hostDirMount = "/var/lib/stevedore"

	// stopTimeout is how long to wait for graceful container stop before
	// SIGKILL.
	stopTimeout = 10 * time.Second

	snapshotRepo = "stevedore-snapshot"
)

// Config is the backend configuration for one Docker instance. The client
// itself comes from DOCKER_HOST / the default socket; everything that
// changes which fleet is visible belongs here so the fingerprint catches it.
type Config struct {
	// InstanceName distinguishes multiple configured Docker instances.
	InstanceName string `json:"instance_name"`
	// DockerHost is the engine endpoint ("" means environment default).
	DockerHost string `json:"docker_host"`
	// Network is the bridge network hosts attach to.
	Network string `json:"network"`
	// StateDir is the controller-side directory for certified state blobs.
	StateDir string `json:"state_dir"`
	// CallTimeout bounds individual engine calls.
	CallTimeout time.Duration `json:"call_timeout"`
}

// Adapter implements provider.Instance using the Docker Engine API. It is
// stateless by contract: everything durable lives in labels, images,
// volumes, and the state blob directory.
type Adapter struct {
	client      *dockerclient.Client
	cfg         Config
	fingerprint string
}

var _ provider.Instance = (*Adapter)(nil)

// New creates a Docker adapter from cfg.
func New(cfg Config) (*Adapter, error) {
	opts := []dockerclient.Opt{
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	}
	if cfg.DockerHost != "" {
		opts = append(opts, dockerclient.WithHost(cfg.DockerHost))
	}
	cli, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if cfg.InstanceName == "" {
		cfg.InstanceName = "docker"
	}
	if cfg.Network == "" {
		cfg.Network = "stevedore"
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = provider.DefaultCallTimeout
	}
	return &Adapter{client: cli, cfg: cfg, fingerprint: provider.Fingerprint(cfg)}, nil
}

// Name implements provider.Instance.
func (a *Adapter) Name() string { return a.cfg.InstanceName }

// ConfigFingerprint implements provider.Instance.
func (a *Adapter) ConfigFingerprint() string { return a.fingerprint }

// Capabilities implements provider.Instance. Labels are immutable after
// container creation, and `docker commit` does not capture volume-mounted
// data, so snapshots exclude the host volume.
func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		SnapshotsIncludeVolumes: false,
		MutableTags:             false,
	}
}

func (a *Adapter) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return provider.CallContext(ctx, a.cfg.CallTimeout)
}

// EnsureNetwork creates the stevedore bridge network if it doesn't exist.
func (a *Adapter) EnsureNetwork(ctx context.Context) error {
	ctx, cancel := a.callCtx(ctx)
	defer cancel()

	nets, err := a.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", a.cfg.Network)),
	})
	if err != nil {
		return provider.Unreachable(a.Name(), err)
	}
	for _, n := range nets {
		if n.Name == a.cfg.Network {
			return nil // already exists
		}
	}
	_, err = a.client.NetworkCreate(ctx, a.cfg.Network, network.CreateOptions{
		Driver:     "bridge",
		Attachable: true,
		Labels:     map[string]string{labelManagedBy: managedByValue},
	})
	if err != nil {
		return fmt.Errorf("create network %q: %w", a.cfg.Network, err)
	}
	return nil
}

// CreateHost implements provider.Instance. Certified metadata goes into
// container labels at create time (immutable afterwards); the idle policy is
// persisted in the state blob under StateDir.
func (a *Adapter) CreateHost(ctx context.Context, spec provider.HostSpec) (*provider.Host, error) {
	if spec.Image == "" {
		return nil, fmt.Errorf("docker: spec.Image is required")
	}
	if spec.ID == "" {
		return nil, fmt.Errorf("docker: spec.ID is required")
	}

	if err := a.EnsureNetwork(ctx); err != nil {
		return nil, err
	}

	vol, err := a.VolumeForHost(ctx, spec.ID)
	if err != nil {
		return nil, err
	}

	env := []string{
		fmt.Sprintf("STEVEDORE_HOST_ID=%s", spec.ID),
		fmt.Sprintf("STEVEDORE_HOST_DIR=%s", hostDirMount),
	}
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	labels := map[string]string{
		labelManagedBy: managedByValue,
		labelHostID:    spec.ID,
		labelHostName:  spec.Name,
	}
	for k, v := range spec.Tags {
		labels[labelTagPrefix+k] = v
	}

	containerCfg := &container.Config{
		Image:  spec.Image,
		Env:    env,
		Labels: labels,
	}
	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: "unless-stopped"},
		Mounts: []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: vol.Name,
			Target: hostDirMount,
		}},
	}
	if spec.Resources.MemoryMB > 0 {
		hostCfg.Memory = int64(spec.Resources.MemoryMB) * 1024 * 1024
	}
	if spec.Resources.CPUs > 0 {
		hostCfg.NanoCPUs = int64(spec.Resources.CPUs) * 1e9
	}
	networkCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			a.cfg.Network: {},
		},
	}

	ctx, cancel := a.callCtx(ctx)
	defer cancel()

	resp, err := a.client.ContainerCreate(ctx, containerCfg, hostCfg, networkCfg, nil, containerNameFor(spec.ID))
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}

	if err := a.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup so a failed create leaves no half-made host.
		_ = a.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("start container: %w", err)
	}

	// The watchdog contract is part of the host: a container whose volume
	// never got the policy files would run with self-shutdown disabled.
	if err := a.provisionHostDir(ctx, resp.ID, spec.IdlePolicy, spec.MaxHostAge, "create", "boot"); err != nil {
		_ = a.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, err
	}

	blob := provider.StateBlobFromSpec(a.Name(), spec)
	if err := host.SaveState(a.cfg.StateDir, blob); err != nil {
		return nil, err
	}

	addr := ""
	if inspect, err := a.client.ContainerInspect(ctx, resp.ID); err == nil {
		if inspect.NetworkSettings != nil {
			addr = addrFromNetworks(inspect.NetworkSettings.Networks, a.cfg.Network)
		}
	}

	return &provider.Host{
		ID:           spec.ID,
		ProviderName: a.Name(),
		Name:         spec.Name,
		BackendID:    resp.ID,
		Addr:         addr,
	}, nil
}

// StartHost implements provider.Instance. With an empty snapshotID the
// existing container is started in place. With a snapshot, the old container
// is replaced by one created from the snapshot image; the host volume is
// reattached, since commits never captured it.
func (a *Adapter) StartHost(ctx context.Context, id string, snapshotID string) (*provider.Host, error) {
	contID, err := a.findContainer(ctx, id)
	if err != nil {
		return nil, err
	}
	blob, err := host.LoadState(a.cfg.StateDir, id)
	if err != nil {
		return nil, err
	}

	ctx, cancel := a.callCtx(ctx)
	defer cancel()

	if snapshotID == "" {
		if err := a.client.ContainerStart(ctx, contID, container.StartOptions{}); err != nil {
			return nil, fmt.Errorf("start container %s: %w", contID, err)
		}
		if err := a.provisionHostDir(ctx, contID, blob.IdlePolicy(), blob.MaxHostAge(), "start", "boot"); err != nil {
			return nil, err
		}
		return a.handleFor(ctx, id, contID)
	}

	// Restore from snapshot: recreate the container from the snapshot
	// image, carrying over labels and the volume mount.
	inspect, err := a.client.ContainerInspect(ctx, contID)
	if err != nil {
		return nil, fmt.Errorf("inspect container %s: %w", contID, err)
	}
	if err := a.client.ContainerRemove(ctx, contID, container.RemoveOptions{Force: true}); err != nil {
		return nil, fmt.Errorf("remove container %s: %w", contID, err)
	}

	vol, err := a.VolumeForHost(ctx, id)
	if err != nil {
		return nil, err
	}

	containerCfg := &container.Config{
		Image:  snapshotRef(id, snapshotID),
		Env:    inspect.Config.Env,
		Labels: inspect.Config.Labels,
	}
	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: "unless-stopped"},
		Mounts: []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: vol.Name,
			Target: hostDirMount,
		}},
	}
	networkCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			a.cfg.Network: {},
		},
	}

	resp, err := a.client.ContainerCreate(ctx, containerCfg, hostCfg, networkCfg, nil, containerNameFor(id))
	if err != nil {
		return nil, fmt.Errorf("recreate container from snapshot: %w", err)
	}
	if err := a.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start restored container: %w", err)
	}
	if err := a.provisionHostDir(ctx, resp.ID, blob.IdlePolicy(), blob.MaxHostAge(), "start", "boot"); err != nil {
		return nil, err
	}
	return a.handleFor(ctx, id, resp.ID)
}

// StopHost implements provider.Instance.
func (a *Adapter) StopHost(ctx context.Context, h *provider.Host, createSnapshot bool) error {
	ctx, cancel := a.callCtx(ctx)
	defer cancel()

	backendID := h.BackendID
	if backendID == "" {
		contID, err := a.findContainer(ctx, h.ID)
		if err != nil {
			return err
		}
		backendID = contID
	}

	if createSnapshot {
		snapID := fmt.Sprintf("%d", time.Now().UTC().Unix())
		_, err := a.client.ContainerCommit(ctx, backendID, container.CommitOptions{
			Reference: snapshotRef(h.ID, snapID),
			Changes:   []string{fmt.Sprintf("LABEL %s=%s", labelSnapshotOf, h.ID)},
			Pause:     true,
		})
		if err != nil {
			return fmt.Errorf("snapshot container %s: %w", backendID, err)
		}
	}

	timeout := int(stopTimeout.Seconds())
	if err := a.client.ContainerStop(ctx, backendID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("stop container %s: %w", backendID, err)
	}
	return nil
}

// DestroyHost implements provider.Instance.
func (a *Adapter) DestroyHost(ctx context.Context, h *provider.Host, deleteSnapshots bool) error {
	ctx, cancel := a.callCtx(ctx)
	defer cancel()

	backendID := h.BackendID
	if backendID == "" {
		if contID, err := a.findContainer(ctx, h.ID); err == nil {
			backendID = contID
		}
	}
	if backendID != "" {
		if err := a.client.ContainerRemove(ctx, backendID, container.RemoveOptions{
			Force:         true,
			RemoveVolumes: false,
		}); err != nil && !dockerclient.IsErrNotFound(err) {
			return fmt.Errorf("remove container: %w", err)
		}
	}

	if deleteSnapshots {
		snaps, err := a.snapshotsForHost(ctx, h.ID)
		if err != nil {
			return err
		}
		for _, s := range snaps {
			if err := a.DeleteSnapshot(ctx, s.ID); err != nil {
				return err
			}
		}
		if err := a.client.VolumeRemove(ctx, volumeNameFor(h.ID), true); err != nil && !dockerclient.IsErrNotFound(err) {
			return fmt.Errorf("remove volume: %w", err)
		}
	}

	return host.RemoveState(a.cfg.StateDir, h.ID)
}

// ListHosts implements provider.Instance.
func (a *Adapter) ListHosts(ctx context.Context, filter *provider.Filter) ([]provider.HostSummary, error) {
	ctx, cancel := a.callCtx(ctx)
	defer cancel()

	containers, err := a.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelManagedBy+"="+managedByValue),
		),
	})
	if err != nil {
		return nil, provider.Unreachable(a.Name(), err)
	}

	summaries := make([]provider.HostSummary, 0, len(containers))
	for _, c := range containers {
		state := parseContainerState(c.State)
		s := provider.HostSummary{
			ID:       c.Labels[labelHostID],
			Name:     c.Labels[labelHostName],
			State:    state,
			Image:    c.Image,
			BootTime: time.Unix(c.Created, 0).UTC(),
			Tags:     tagsFromLabels(c.Labels),
		}
		if c.NetworkSettings != nil {
			s.Addr = addrFromNetworks(c.NetworkSettings.Networks, a.cfg.Network)
		}
		// The listing only carries the creation time, which never advances
		// across stop/start. For running containers the real boot time is
		// the last process start, so inspect for it.
		if state == host.StateRunning {
			if inspect, err := a.client.ContainerInspect(ctx, c.ID); err == nil && inspect.State != nil {
				s.BootTime = bootTimeFor(c.Created, inspect.State.StartedAt)
			}
		}
		if filter.Match(s) {
			summaries = append(summaries, s)
		}
	}
	return summaries, nil
}

// bootTimeFor picks the boot time for a container: the engine-reported last
// start when it parses to a real instant, the creation time otherwise. A
// never-started container reports StartedAt as the zero RFC3339 instant.
func bootTimeFor(created int64, startedAt string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, startedAt); err == nil && t.Unix() > 0 {
		return t.UTC()
	}
	return time.Unix(created, 0).UTC()
}

// ListSnapshots implements provider.Instance.
func (a *Adapter) ListSnapshots(ctx context.Context) ([]host.Snapshot, error) {
	ctx, cancel := a.callCtx(ctx)
	defer cancel()

	images, err := a.client.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", labelSnapshotOf)),
	})
	if err != nil {
		return nil, provider.Unreachable(a.Name(), err)
	}

	snaps := make([]host.Snapshot, 0, len(images))
	for _, img := range images {
		hostID := img.Labels[labelSnapshotOf]
		ref := ""
		if len(img.RepoTags) > 0 {
			ref = img.RepoTags[0]
		}
		snaps = append(snaps, host.Snapshot{
			ID:        ref,
			HostID:    hostID,
			CreatedAt: time.Unix(img.Created, 0).UTC(),
			SizeBytes: img.Size,
		})
	}
	return snaps, nil
}

// ListVolumes implements provider.Instance.
func (a *Adapter) ListVolumes(ctx context.Context) ([]provider.Volume, error) {
	ctx, cancel := a.callCtx(ctx)
	defer cancel()

	resp, err := a.client.VolumeList(ctx, volume.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", labelManagedBy+"="+managedByValue)),
	})
	if err != nil {
		return nil, provider.Unreachable(a.Name(), err)
	}

	vols := make([]provider.Volume, 0, len(resp.Volumes))
	for _, v := range resp.Volumes {
		vols = append(vols, provider.Volume{
			HostID: v.Labels[labelHostID],
			Name:   v.Name,
		})
	}
	return vols, nil
}

// VolumeForHost implements provider.Instance. The named volume is created
// lazily and labeled so GC can find orphans.
func (a *Adapter) VolumeForHost(ctx context.Context, id string) (*provider.Volume, error) {
	ctx, cancel := a.callCtx(ctx)
	defer cancel()

	name := volumeNameFor(id)
	v, err := a.client.VolumeCreate(ctx, volume.CreateOptions{
		Name: name,
		Labels: map[string]string{
			labelManagedBy: managedByValue,
			labelHostID:    id,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create volume %s: %w", name, err)
	}
	return &provider.Volume{HostID: id, Name: v.Name, Path: v.Mountpoint}, nil
}

// DeleteSnapshot implements provider.Instance. snapshotID is the image ref
// returned by ListSnapshots.
func (a *Adapter) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	ctx, cancel := a.callCtx(ctx)
	defer cancel()

	_, err := a.client.ImageRemove(ctx, snapshotID, image.RemoveOptions{Force: true})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("remove snapshot image %s: %w", snapshotID, err)
	}
	return nil
}

// DeleteVolume implements provider.Instance.
func (a *Adapter) DeleteVolume(ctx context.Context, v provider.Volume) error {
	ctx, cancel := a.callCtx(ctx)
	defer cancel()

	if err := a.client.VolumeRemove(ctx, v.Name, true); err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("remove volume %s: %w", v.Name, err)
	}
	return nil
}

// ReportedActivity implements provider.Instance by statting activity marker
// files inside the container. Mtimes come from the container filesystem;
// anything running in the container can forge them.
func (a *Adapter) ReportedActivity(ctx context.Context, id string) (host.Reported[host.ReportedActivity], error) {
	contID, err := a.findContainer(ctx, id)
	if err != nil {
		return host.Reported[host.ReportedActivity]{}, err
	}

	ctx, cancel := a.callCtx(ctx)
	defer cancel()

	statTime := func(name string) time.Time {
		stat, err := a.client.ContainerStatPath(ctx, contID, hostDirMount+"/activity/"+name)
		if err != nil {
			return time.Time{} // absent marker, or unreadable: no activity
		}
		return stat.Mtime
	}

	return host.NewReported(host.ReportedActivity{
		Agent: statTime("agent"),
		User:  statTime("user"),
		SSH:   statTime("ssh"),
	}), nil
}

// HostState implements provider.Instance.
func (a *Adapter) HostState(id string) (*host.StateBlob, error) {
	return host.LoadState(a.cfg.StateDir, id)
}

// --- helpers ---

// findContainer resolves a host ID to its container ID via the host-id
// label.
func (a *Adapter) findContainer(ctx context.Context, hostID string) (string, error) {
	ctx, cancel := a.callCtx(ctx)
	defer cancel()

	containers, err := a.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelHostID+"="+hostID),
		),
	})
	if err != nil {
		return "", provider.Unreachable(a.Name(), err)
	}
	if len(containers) == 0 {
		return "", fmt.Errorf("%w: %s", provider.ErrHostNotFound, hostID)
	}
	return containers[0].ID, nil
}

func (a *Adapter) snapshotsForHost(ctx context.Context, hostID string) ([]host.Snapshot, error) {
	all, err := a.ListSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	var out []host.Snapshot
	for _, s := range all {
		if s.HostID == hostID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (a *Adapter) handleFor(ctx context.Context, hostID, containerID string) (*provider.Host, error) {
	inspect, err := a.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("inspect container %s: %w", containerID, err)
	}
	addr := ""
	if inspect.NetworkSettings != nil {
		addr = addrFromNetworks(inspect.NetworkSettings.Networks, a.cfg.Network)
	}
	return &provider.Host{
		ID:           hostID,
		ProviderName: a.Name(),
		Name:         inspect.Config.Labels[labelHostName],
		BackendID:    containerID,
		Addr:         addr,
	}, nil
}

func containerNameFor(hostID string) string {
	return "stevedore-host-" + hostID
}

func volumeNameFor(hostID string) string {
	return "stevedore-home-" + hostID
}

func snapshotRef(hostID, snapID string) string {
	return fmt.Sprintf("%s/%s:%s", snapshotRepo, hostID, snapID)
}

func parseContainerState(s string) host.State {
	switch strings.ToLower(s) {
	case "running":
		return host.StateRunning
	case "created", "restarting":
		return host.StateStarting
	case "removing":
		return host.StateStopping
	case "paused", "exited", "stopped":
		return host.StateStopped
	case "dead":
		return host.StateFailed
	default:
		return host.StateStopped
	}
}

func tagsFromLabels(labels map[string]string) map[string]string {
	tags := make(map[string]string)
	for k, v := range labels {
		if strings.HasPrefix(k, labelTagPrefix) {
			tags[strings.TrimPrefix(k, labelTagPrefix)] = v
		}
	}
	return tags
}

func addrFromNetworks(nets map[string]*network.EndpointSettings, networkName string) string {
	if ep, ok := nets[networkName]; ok && ep.IPAddress != "" {
		return ep.IPAddress
	}
	return ""
}

// StateIDs returns every host ID that has a certified state blob under this
// instance's state directory.
func (a *Adapter) StateIDs() ([]string, error) {
	return host.ListStateIDs(a.cfg.StateDir)
}
