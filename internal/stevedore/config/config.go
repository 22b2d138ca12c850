// Package config loads and validates the controller configuration file.
//
// Everything operator-tunable lives in one YAML document; a handful of
// values (data dir, Matrix access token) can be overridden through the
// environment so the token never has to be written to disk.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dmelnic/stevedore/common/environment"
	"github.com/dmelnic/stevedore/internal/stevedore/activity"
	"github.com/dmelnic/stevedore/internal/stevedore/host"
	"github.com/dmelnic/stevedore/internal/stevedore/idle"
)

// Provider backend types.
const (
	TypeDocker = "docker"
	TypeLocal  = "local"
)

// Provider configures one backend instance.
type Provider struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
	// StateDir overrides the default <data_dir>/providers/<name>.
	StateDir string `yaml:"state_dir,omitempty"`

	// Docker backend.
	DockerHost         string `yaml:"docker_host,omitempty"`
	Network            string `yaml:"network,omitempty"`
	CallTimeoutSeconds int    `yaml:"call_timeout_seconds,omitempty"`

	// Local backend.
	StopGraceSeconds int `yaml:"stop_grace_seconds,omitempty"`
}

// Defaults apply to hosts whose spec leaves the field empty.
type Defaults struct {
	Image                string   `yaml:"image,omitempty"`
	IdleMode             string   `yaml:"idle_mode,omitempty"`
	IdleTimeoutSeconds   int      `yaml:"idle_timeout_seconds,omitempty"`
	ActivitySources      []string `yaml:"activity_sources,omitempty"`
	IncludeAgentActivity bool     `yaml:"include_agent_activity,omitempty"`
	MaxHostAgeSeconds    int      `yaml:"max_host_age_seconds,omitempty"`
}

// SSH holds the local half of derived connection parameters; the host
// address comes from the provider at record-assembly time.
type SSH struct {
	User    string `yaml:"user,omitempty"`
	Port    int    `yaml:"port,omitempty"`
	KeyPath string `yaml:"key_path,omitempty"`
}

// Cache tunes the listing cache.
type Cache struct {
	// TTLHours bounds how long unseen cache entries are retained.
	TTLHours int `yaml:"ttl_hours,omitempty"`
}

// Enforcement tunes the enforcement loop.
type Enforcement struct {
	IntervalSeconds   int    `yaml:"interval_seconds,omitempty"`
	Schedule          string `yaml:"schedule,omitempty"`
	GraceSeconds      int    `yaml:"grace_seconds,omitempty"`
	StuckAfterSeconds int    `yaml:"stuck_after_seconds,omitempty"`
}

// Matrix configures audit notifications. All four fields are required for
// notifications to be sent; a partially filled block degrades to no-op.
type Matrix struct {
	HomeserverURL string `yaml:"homeserver_url,omitempty"`
	UserID        string `yaml:"user_id,omitempty"`
	AccessToken   string `yaml:"access_token,omitempty"`
	RoomID        string `yaml:"room_id,omitempty"`
}

// Config is the root document.
type Config struct {
	// DataDir holds the local database, lock files, and per-provider state.
	DataDir     string      `yaml:"data_dir"`
	Providers   []Provider  `yaml:"providers"`
	Defaults    Defaults    `yaml:"defaults,omitempty"`
	SSH         SSH         `yaml:"ssh,omitempty"`
	Cache       Cache       `yaml:"cache,omitempty"`
	Enforcement Enforcement `yaml:"enforcement,omitempty"`
	Matrix      Matrix      `yaml:"matrix,omitempty"`
}

// DefaultPath is used when no --config flag is given; overridable through
// STEVEDORE_CONFIG.
func DefaultPath() string {
	return environment.StringOr("STEVEDORE_CONFIG", "/etc/stevedore/config.yaml")
}

// Load reads, parses, validates, and defaults the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse is Load without the file read. Unknown YAML keys are rejected so a
// typoed knob fails loudly instead of silently using a default.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yamlStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func yamlStrict(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("empty document")
		}
		return err
	}
	return nil
}

// applyEnv folds environment overrides into the parsed document. The Matrix
// token is the one secret in the file; prefer injecting it here.
func (c *Config) applyEnv() {
	c.DataDir = environment.StringOr("STEVEDORE_DATA_DIR", c.DataDir)
	c.Matrix.AccessToken = environment.StringOr("STEVEDORE_MATRIX_TOKEN", c.Matrix.AccessToken)
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "/var/lib/stevedore"
	}
	if c.Defaults.IdleMode == "" {
		c.Defaults.IdleMode = string(idle.ModeIO)
	}
	if c.Defaults.IdleTimeoutSeconds == 0 {
		c.Defaults.IdleTimeoutSeconds = 1800
	}
	if len(c.Defaults.ActivitySources) == 0 {
		c.Defaults.ActivitySources = []string{
			string(activity.SourceBoot),
			string(activity.SourceUser),
			string(activity.SourceAgent),
			string(activity.SourceSSH),
		}
	}
	if c.SSH.User == "" {
		c.SSH.User = "stevedore"
	}
	if c.SSH.Port == 0 {
		c.SSH.Port = 22
	}
	if c.SSH.KeyPath == "" {
		c.SSH.KeyPath = filepath.Join(c.DataDir, "ssh", "id_ed25519")
	}
	if c.Cache.TTLHours == 0 {
		c.Cache.TTLHours = 36
	}
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.StateDir == "" {
			p.StateDir = filepath.Join(c.DataDir, "providers", p.Name)
		}
	}
}

// Validate rejects documents the rest of the system cannot act on.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("config: at least one provider is required")
	}
	names := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("config: provider with empty name")
		}
		if names[p.Name] {
			return fmt.Errorf("config: duplicate provider name %q", p.Name)
		}
		names[p.Name] = true
		switch p.Type {
		case TypeDocker, TypeLocal:
		default:
			return fmt.Errorf("config: provider %q: unknown type %q", p.Name, p.Type)
		}
	}
	if !idle.Mode(c.Defaults.IdleMode).Valid() {
		return fmt.Errorf("config: unknown idle mode %q", c.Defaults.IdleMode)
	}
	for _, s := range c.Defaults.ActivitySources {
		if !activity.Source(s).Valid() {
			return fmt.Errorf("config: unknown activity source %q", s)
		}
	}
	if c.Defaults.IdleTimeoutSeconds < 0 || c.Defaults.MaxHostAgeSeconds < 0 {
		return fmt.Errorf("config: negative duration")
	}
	return nil
}

// DBPath returns the sqlite database location.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "stevedore.db")
}

// LockDir returns the controller-side lock directory.
func (c *Config) LockDir() string {
	return filepath.Join(c.DataDir, "locks")
}

// CacheTTL returns the listing-cache retention as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLHours) * time.Hour
}

// SSHInfo returns the configured SSH template; the Host field stays empty
// until assembled with a live address.
func (c *Config) SSHInfo() host.SSHInfo {
	return host.SSHInfo{
		User:    c.SSH.User,
		Port:    c.SSH.Port,
		KeyPath: c.SSH.KeyPath,
	}
}

// IdlePolicy returns the default idle policy applied to new hosts.
func (c *Config) IdlePolicy() idle.Policy {
	sources := make([]activity.Source, 0, len(c.Defaults.ActivitySources))
	for _, s := range c.Defaults.ActivitySources {
		sources = append(sources, activity.Source(s))
	}
	return idle.Policy{
		Mode:                 idle.Mode(c.Defaults.IdleMode),
		Timeout:              time.Duration(c.Defaults.IdleTimeoutSeconds) * time.Second,
		Sources:              sources,
		IncludeAgentActivity: c.Defaults.IncludeAgentActivity,
	}
}
