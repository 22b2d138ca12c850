package provider

import (
	"time"

	"github.com/dmelnic/stevedore/internal/stevedore/host"
)

// StateBlobFromSpec builds the certified state blob persisted at host
// creation. Adapters call this after the backend resource exists.
func StateBlobFromSpec(providerName string, spec HostSpec) *host.StateBlob {
	sources := make([]string, 0, len(spec.IdlePolicy.Sources))
	for _, s := range spec.IdlePolicy.Sources {
		sources = append(sources, string(s))
	}
	return &host.StateBlob{
		ID:                   spec.ID,
		ProviderName:         providerName,
		Name:                 spec.Name,
		Tags:                 spec.Tags,
		Image:                spec.Image,
		Resources:            spec.Resources,
		IdleMode:             string(spec.IdlePolicy.Mode),
		IdleTimeoutSeconds:   int(spec.IdlePolicy.Timeout / time.Second),
		ActivitySources:      sources,
		IncludeAgentActivity: spec.IdlePolicy.IncludeAgentActivity,
		MaxHostAgeSeconds:    int(spec.MaxHostAge / time.Second),
		CreatedAt:            time.Now().UTC(),
	}
}
