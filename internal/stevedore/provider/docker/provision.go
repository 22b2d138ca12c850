package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"

	"github.com/dmelnic/stevedore/internal/stevedore/hostdir"
	"github.com/dmelnic/stevedore/internal/stevedore/idle"
	"github.com/dmelnic/stevedore/internal/stevedore/provider"
)

// provisionHostDir streams the watchdog policy files and the given lifecycle
// activity markers into the container's host volume. The markers' tar mtimes
// become the on-disk mtimes, so they are valid activity signals.
func (a *Adapter) provisionHostDir(ctx context.Context, containerID string, policy idle.Policy, maxAge time.Duration, markers ...string) error {
	files, err := provider.WatcherFiles(policy, maxAge)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	writeFile := func(name, content string) error {
		hdr := &tar.Header{
			Name:    name,
			Mode:    0o644,
			Size:    int64(len(content)),
			ModTime: now,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		_, err := tw.Write([]byte(content))
		return err
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := writeFile(name, files[name]); err != nil {
			return fmt.Errorf("docker: render %s: %w", name, err)
		}
	}

	if len(markers) > 0 {
		if err := tw.WriteHeader(&tar.Header{
			Name:     "activity/",
			Typeflag: tar.TypeDir,
			Mode:     0o755,
			ModTime:  now,
		}); err != nil {
			return fmt.Errorf("docker: render activity dir: %w", err)
		}
		for _, marker := range markers {
			if err := writeFile("activity/"+marker, ""); err != nil {
				return fmt.Errorf("docker: render marker %s: %w", marker, err)
			}
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("docker: close provisioning archive: %w", err)
	}

	if err := a.client.CopyToContainer(ctx, containerID, hostDirMount, &buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("docker: provision host dir in %s: %w", containerID, err)
	}
	return nil
}

// HostDir exposes the host directory of a Docker host through the named
// volume's mountpoint. This works when the controller shares a filesystem
// with the engine, which the default local-socket deployment does.
func (a *Adapter) HostDir(ctx context.Context, id string) (hostdir.Layout, error) {
	ctx, cancel := a.callCtx(ctx)
	defer cancel()

	v, err := a.client.VolumeInspect(ctx, volumeNameFor(id))
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return hostdir.Layout{}, fmt.Errorf("%w: %s", provider.ErrHostNotFound, id)
		}
		return hostdir.Layout{}, provider.Unreachable(a.Name(), err)
	}
	return hostdir.New(v.Mountpoint), nil
}
