package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/parlancehq/parlance/pkg/avatar"
	"github.com/parlancehq/parlance/pkg/realtime"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
//
// Realtime clients are long-lived: one client serves every console. Avatar
// peers are per-connection: the factory runs once for each accepted console,
// so registered constructors must be cheap and must not share connection
// state between calls.
type Registry struct {
	mu       sync.RWMutex
	realtime map[string]func(RealtimeConfig) (realtime.Client, error)
	avatar   map[string]func(AvatarConfig) (avatar.Peer, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		realtime: make(map[string]func(RealtimeConfig) (realtime.Client, error)),
		avatar:   make(map[string]func(AvatarConfig) (avatar.Peer, error)),
	}
}

// RegisterRealtime registers a realtime client factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterRealtime(name string, factory func(RealtimeConfig) (realtime.Client, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.realtime[name] = factory
}

// RegisterAvatar registers an avatar peer factory under name.
func (r *Registry) RegisterAvatar(name string, factory func(AvatarConfig) (avatar.Peer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.avatar[name] = factory
}

// CreateRealtime instantiates a realtime client using the factory registered
// under cfg.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateRealtime(cfg RealtimeConfig) (realtime.Client, error) {
	r.mu.RLock()
	factory, ok := r.realtime[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: realtime/%q", ErrProviderNotRegistered, cfg.Name)
	}
	return factory(cfg)
}

// CreateAvatar instantiates one avatar peer using the factory registered
// under cfg.Name. Call it once per console connection.
func (r *Registry) CreateAvatar(cfg AvatarConfig) (avatar.Peer, error) {
	r.mu.RLock()
	factory, ok := r.avatar[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: avatar/%q", ErrProviderNotRegistered, cfg.Name)
	}
	return factory(cfg)
}

// HasAvatar reports whether a factory is registered under name, letting
// startup fail fast before the first console arrives.
func (r *Registry) HasAvatar(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.avatar[name]
	return ok
}
