package config

import (
	"errors"
	"fmt"
	"sync"

	providerlive "github.com/MrWong99/glyphstudio/pkg/provider/live"
	"github.com/MrWong99/glyphstudio/pkg/provider/studio"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	live   map[string]func(ProviderEntry) (providerlive.Provider, error)
	studio map[string]func(ProviderEntry) (studio.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		live:   make(map[string]func(ProviderEntry) (providerlive.Provider, error)),
		studio: make(map[string]func(ProviderEntry) (studio.Provider, error)),
	}
}

// RegisterLive registers a live session provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLive(name string, factory func(ProviderEntry) (providerlive.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[name] = factory
}

// RegisterStudio registers a studio provider factory under name.
func (r *Registry) RegisterStudio(name string, factory func(ProviderEntry) (studio.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.studio[name] = factory
}

// CreateLive instantiates a live provider using the factory registered under
// entry.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateLive(entry ProviderEntry) (providerlive.Provider, error) {
	r.mu.RLock()
	factory, ok := r.live[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: live/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateStudio instantiates a studio provider using the factory registered
// under entry.Name.
func (r *Registry) CreateStudio(entry ProviderEntry) (studio.Provider, error) {
	r.mu.RLock()
	factory, ok := r.studio[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: studio/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
