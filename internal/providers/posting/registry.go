package posting

import (
	"context"
	"strings"
)

// Registry is an ordered list of providers; earlier entries win.
type Registry struct {
	providers []Provider
}

func NewRegistry(providers ...Provider) *Registry {
	registry := &Registry{}
	for _, provider := range providers {
		if provider == nil || strings.TrimSpace(provider.Name()) == "" {
			continue
		}
		registry.providers = append(registry.providers, provider)
	}
	return registry
}

// FirstAvailable returns the first provider that reports itself available.
func (r *Registry) FirstAvailable(ctx context.Context) (Provider, error) {
	if r == nil {
		return nil, ErrNoProvider
	}
	for _, provider := range r.providers {
		if provider.Available(ctx) {
			return provider, nil
		}
	}
	return nil, ErrNoProvider
}

// ByName finds the provider that posted a comment so tracking asks the same one.
func (r *Registry) ByName(name string) (Provider, error) {
	if r == nil {
		return nil, ErrUnknownProvider
	}
	name = strings.ToLower(strings.TrimSpace(name))
	for _, provider := range r.providers {
		if strings.ToLower(provider.Name()) == name {
			return provider, nil
		}
	}
	return nil, ErrUnknownProvider
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.providers))
	for _, provider := range r.providers {
		names = append(names, provider.Name())
	}
	return names
}
