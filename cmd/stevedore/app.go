package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/dmelnic/stevedore/common/trace"
	"github.com/dmelnic/stevedore/internal/stevedore/audit"
	"github.com/dmelnic/stevedore/internal/stevedore/config"
	"github.com/dmelnic/stevedore/internal/stevedore/fleet"
	"github.com/dmelnic/stevedore/internal/stevedore/gc"
	"github.com/dmelnic/stevedore/internal/stevedore/listing"
	"github.com/dmelnic/stevedore/internal/stevedore/provider"
	"github.com/dmelnic/stevedore/internal/stevedore/provider/docker"
	"github.com/dmelnic/stevedore/internal/stevedore/provider/local"
	"github.com/dmelnic/stevedore/internal/stevedore/store"
)

// app bundles everything a command needs: configuration, the fleet manager,
// and the shared store. Rebuilt from scratch on every invocation; no state
// survives between CLI runs except what lives on disk.
type app struct {
	cfg     *config.Config
	fleet   *fleet.Manager
	store   *store.Store
	cache   *listing.Cache
	planner *gc.Planner
}

// loadApp builds the application from the --config flag (or its default).
func loadApp(cmd *cobra.Command) (*app, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil || path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	st, err := store.New(cfg.DBPath())
	if err != nil {
		return nil, err
	}

	providers, err := buildProviders(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	cache := listing.New(st, cfg.CacheTTL())

	notifier, err := audit.NewMatrix(audit.MatrixConfig{
		Homeserver:  cfg.Matrix.HomeserverURL,
		UserID:      cfg.Matrix.UserID,
		AccessToken: cfg.Matrix.AccessToken,
		RoomID:      cfg.Matrix.RoomID,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("audit notifier: %w", err)
	}

	mgr, err := fleet.New(fleet.Options{
		Providers: providers,
		Cache:     cache,
		Store:     st,
		Notifier:  notifier,
		SSH:       cfg.SSHInfo(),
		LockDir:   cfg.LockDir(),
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	return &app{
		cfg:     cfg,
		fleet:   mgr,
		store:   st,
		cache:   cache,
		planner: gc.New(providers, cache, st, filepath.Join(cfg.DataDir, "hosts")),
	}, nil
}

func (a *app) close() {
	a.store.Close()
}

// ctx returns a context with a fresh trace ID so audit events emitted by one
// CLI invocation correlate.
func (a *app) ctx() context.Context {
	return trace.WithTraceID(context.Background(), trace.GenerateID())
}

func buildProviders(cfg *config.Config) ([]provider.Instance, error) {
	providers := make([]provider.Instance, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		inst, err := buildProvider(pc)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", pc.Name, err)
		}
		providers = append(providers, inst)
	}
	return providers, nil
}

func buildProvider(pc config.Provider) (provider.Instance, error) {
	switch pc.Type {
	case config.TypeDocker:
		return docker.New(docker.Config{
			InstanceName: pc.Name,
			DockerHost:   pc.DockerHost,
			Network:      pc.Network,
			StateDir:     pc.StateDir,
			CallTimeout:  time.Duration(pc.CallTimeoutSeconds) * time.Second,
		})
	case config.TypeLocal:
		return local.New(local.Config{
			InstanceName: pc.Name,
			StateDir:     pc.StateDir,
			StopGrace:    time.Duration(pc.StopGraceSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("unknown type %q", pc.Type)
	}
}
