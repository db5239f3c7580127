// Package adapter holds the pre-registered external I/O clients handlers
// reach through the Context, including the identity-forwarding database
// handle.
package adapter

import (
	"sync"

	"github.com/sddion/chainbox/pkg/fault"
)

// Registry maps adapter names to clients. Registration happens at process
// wiring time; lookups happen on the handler path.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]any
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]any)}
}

// Register installs a named adapter, replacing any previous one.
func (r *Registry) Register(name string, client any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = client
}

// Adapter retrieves a registered client. Fails with ADAPTER_NOT_FOUND.
func (r *Registry) Adapter(name string) (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if client, ok := r.adapters[name]; ok {
		return client, nil
	}
	return nil, fault.Newf(fault.CodeAdapterNotFound, "adapter %q not registered", name)
}
