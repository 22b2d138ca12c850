package host

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/dmelnic/stevedore/internal/stevedore/activity"
	"github.com/dmelnic/stevedore/internal/stevedore/idle"
)

// ErrStateNotFound is returned when a host has no state blob.
var ErrStateNotFound = errors.New("host: state file not found")

// StateBlob is the serialized certified configuration of one host, stored at
// <provider-state>/host_state/<id>.json. Backend-specific signing is a
// provider concern; this loader treats the blob as tamper-evident by
// schema-validating it before use and never mixes it with reported data.
type StateBlob struct {
	ID           string            `json:"id"`
	ProviderName string            `json:"provider_name"`
	Name         string            `json:"name"`
	Tags         map[string]string `json:"tags,omitempty"`
	Image        string            `json:"image"`
	Resources    Resources         `json:"resources,omitempty"`

	IdleMode             string   `json:"idle_mode"`
	IdleTimeoutSeconds   int      `json:"idle_timeout_seconds"`
	ActivitySources      []string `json:"activity_sources,omitempty"`
	IncludeAgentActivity bool     `json:"include_agent_activity,omitempty"`
	MaxHostAgeSeconds    int      `json:"max_host_age_seconds,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// stateSchema rejects malformed or truncated blobs before any field is
// trusted. Kept strict on the fields that feed lifecycle decisions.
const stateSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "provider_name", "name", "image", "idle_mode", "idle_timeout_seconds"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "provider_name": {"type": "string", "minLength": 1},
    "name": {"type": "string", "minLength": 1},
    "tags": {"type": "object", "additionalProperties": {"type": "string"}},
    "image": {"type": "string", "minLength": 1},
    "resources": {
      "type": "object",
      "properties": {
        "cpus": {"type": "integer", "minimum": 0},
        "memory_mb": {"type": "integer", "minimum": 0},
        "disk_gb": {"type": "integer", "minimum": 0},
        "gpu": {"type": "string"}
      }
    },
    "idle_mode": {"enum": ["io", "user", "agent", "ssh", "create", "boot", "start", "run", "disabled"]},
    "idle_timeout_seconds": {"type": "integer", "minimum": 0},
    "activity_sources": {
      "type": "array",
      "items": {"enum": ["boot", "create", "start", "ssh", "process", "agent", "user"]}
    },
    "include_agent_activity": {"type": "boolean"},
    "max_host_age_seconds": {"type": "integer", "minimum": 0},
    "created_at": {"type": "string"}
  }
}`

var compiledStateSchema = jsonschema.MustCompileString("host_state.json", stateSchema)

// IdlePolicy converts the blob's idle configuration into a Policy.
func (b *StateBlob) IdlePolicy() idle.Policy {
	sources := make([]activity.Source, 0, len(b.ActivitySources))
	for _, s := range b.ActivitySources {
		sources = append(sources, activity.Source(s))
	}
	return idle.Policy{
		Mode:                 idle.Mode(b.IdleMode),
		Timeout:              time.Duration(b.IdleTimeoutSeconds) * time.Second,
		Sources:              sources,
		IncludeAgentActivity: b.IncludeAgentActivity,
	}
}

// MaxHostAge returns the hard max-age as a duration; zero means unlimited.
func (b *StateBlob) MaxHostAge() time.Duration {
	return time.Duration(b.MaxHostAgeSeconds) * time.Second
}

// StatePath returns the blob path for a host under the provider state dir.
func StatePath(providerStateDir, hostID string) string {
	return filepath.Join(providerStateDir, "host_state", hostID+".json")
}

// SaveState writes the blob for blob.ID under providerStateDir. The write
// goes through a temp file and rename so concurrent readers never observe a
// half-written blob.
func SaveState(providerStateDir string, blob *StateBlob) error {
	path := StatePath(providerStateDir, blob.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("host: mkdir state dir: %w", err)
	}
	data, err := json.MarshalIndent(blob, "", "  ")
	if err != nil {
		return fmt.Errorf("host: marshal state for %s: %w", blob.ID, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("host: write state for %s: %w", blob.ID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("host: rename state for %s: %w", blob.ID, err)
	}
	return nil
}

// LoadState reads and validates the blob for hostID. Validation failures are
// hard errors: a blob that does not match the schema must not be trusted.
func LoadState(providerStateDir, hostID string) (*StateBlob, error) {
	path := StatePath(providerStateDir, hostID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrStateNotFound, hostID)
		}
		return nil, fmt.Errorf("host: read state for %s: %w", hostID, err)
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("host: state for %s is not JSON: %w", hostID, err)
	}
	if err := compiledStateSchema.Validate(raw); err != nil {
		return nil, fmt.Errorf("host: state for %s failed validation: %w", hostID, err)
	}

	var blob StateBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("host: decode state for %s: %w", hostID, err)
	}
	return &blob, nil
}

// RemoveState deletes the blob for hostID. Missing blobs are not an error.
func RemoveState(providerStateDir, hostID string) error {
	err := os.Remove(StatePath(providerStateDir, hostID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("host: remove state for %s: %w", hostID, err)
	}
	return nil
}

// ListStateIDs returns the IDs of every host with a state blob.
func ListStateIDs(providerStateDir string) ([]string, error) {
	dir := filepath.Join(providerStateDir, "host_state")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("host: read state dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		ids = append(ids, name[:len(name)-len(".json")])
	}
	return ids, nil
}
