package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dmelnic/stevedore/internal/stevedore/activity"
	"github.com/dmelnic/stevedore/internal/stevedore/host"
	"github.com/dmelnic/stevedore/internal/stevedore/idle"
	"github.com/dmelnic/stevedore/internal/stevedore/provider"
)

// hostFile is the YAML document accepted by `stevedore create -f`. Fields
// left empty fall back to the configured defaults.
type hostFile struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider,omitempty"`
	Image    string `yaml:"image,omitempty"`

	Resources struct {
		CPUs     int    `yaml:"cpus,omitempty"`
		MemoryMB int    `yaml:"memory_mb,omitempty"`
		DiskGB   int    `yaml:"disk_gb,omitempty"`
		GPU      string `yaml:"gpu,omitempty"`
	} `yaml:"resources,omitempty"`

	Tags map[string]string `yaml:"tags,omitempty"`
	Env  map[string]string `yaml:"env,omitempty"`

	IdleMode             string   `yaml:"idle_mode,omitempty"`
	IdleTimeoutSeconds   int      `yaml:"idle_timeout_seconds,omitempty"`
	ActivitySources      []string `yaml:"activity_sources,omitempty"`
	IncludeAgentActivity *bool    `yaml:"include_agent_activity,omitempty"`
	MaxHostAgeSeconds    int      `yaml:"max_host_age_seconds,omitempty"`
}

func newCreateCmd() *cobra.Command {
	var (
		file         string
		providerName string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a host from a YAML spec file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreate(cmd, file, providerName)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "path to the host spec file (required)")
	cmd.Flags().StringVarP(&providerName, "provider", "p", "", "provider instance to create on (overrides the host file)")
	cmd.MarkFlagRequired("file")
	return cmd
}

func runCreate(cmd *cobra.Command, file, providerName string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	var hf hostFile
	if err := yaml.Unmarshal(data, &hf); err != nil {
		return fmt.Errorf("parse %s: %w", file, err)
	}
	if hf.Name == "" {
		return fmt.Errorf("%s: name is required", file)
	}

	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	if providerName == "" {
		providerName = hf.Provider
	}
	if providerName == "" && len(a.cfg.Providers) == 1 {
		providerName = a.cfg.Providers[0].Name
	}
	if providerName == "" {
		return fmt.Errorf("multiple providers configured, pick one with --provider")
	}

	spec := specFromFile(hf, a)
	h, err := a.fleet.Create(a.ctx(), providerName, spec)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s) on %s\n", h.Name, h.ID, h.ProviderName)
	return nil
}

// specFromFile merges the file with the configured defaults.
func specFromFile(hf hostFile, a *app) provider.HostSpec {
	policy := a.cfg.IdlePolicy()
	if hf.IdleMode != "" {
		policy.Mode = idle.Mode(hf.IdleMode)
	}
	if hf.IdleTimeoutSeconds > 0 {
		policy.Timeout = time.Duration(hf.IdleTimeoutSeconds) * time.Second
	}
	if len(hf.ActivitySources) > 0 {
		policy.Sources = nil
		for _, s := range hf.ActivitySources {
			policy.Sources = append(policy.Sources, activity.Source(s))
		}
	}
	if hf.IncludeAgentActivity != nil {
		policy.IncludeAgentActivity = *hf.IncludeAgentActivity
	}

	image := hf.Image
	if image == "" {
		image = a.cfg.Defaults.Image
	}
	maxAge := hf.MaxHostAgeSeconds
	if maxAge == 0 {
		maxAge = a.cfg.Defaults.MaxHostAgeSeconds
	}

	return provider.HostSpec{
		ID:    host.NewID(),
		Name:  hf.Name,
		Image: image,
		Resources: host.Resources{
			CPUs:     hf.Resources.CPUs,
			MemoryMB: hf.Resources.MemoryMB,
			DiskGB:   hf.Resources.DiskGB,
			GPU:      hf.Resources.GPU,
		},
		Tags:       hf.Tags,
		Env:        hf.Env,
		IdlePolicy: policy,
		MaxHostAge: time.Duration(maxAge) * time.Second,
	}
}
