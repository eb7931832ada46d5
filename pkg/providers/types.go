// Package providers implements the provider registry and request router
// (spec §4.14-4.15): a relational catalog of mesh service providers, each
// advertising a capability multi-set, and a router that selects the best
// candidate for a set of required capabilities and preferences.
package providers

import (
	"errors"
	"time"
)

// Provider is one registered service provider.
type Provider struct {
	ID           string
	Name         string
	Capabilities []string
	Endpoint     string
	Status       string
	Metadata     map[string]string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (p Provider) hasCapabilities(required []string) bool {
	have := make(map[string]struct{}, len(p.Capabilities))
	for _, c := range p.Capabilities {
		have[c] = struct{}{}
	}
	for _, r := range required {
		if _, ok := have[r]; !ok {
			return false
		}
	}
	return true
}

var (
	// ErrAlreadyExists is returned by Register when provider_id is taken.
	ErrAlreadyExists = errors.New("providers: provider already exists")
	// ErrNotFound is returned by Update/UpdateStatus for an unknown id.
	ErrNotFound = errors.New("providers: provider not found")
	// ErrNoProviderAvailable is returned by the router when no candidate
	// satisfies the required capabilities (and status, if selecting).
	ErrNoProviderAvailable = errors.New("providers: no provider available")
)

// ListResult is the page + total returned by List.
type ListResult struct {
	Providers []Provider
	Total     int
}
