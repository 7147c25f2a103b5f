package app

import (
	"fmt"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// serviceEntry is one registered service and the plugin that owns it.
type serviceEntry struct {
	owner   string
	service any
}

// Registry is the shared service registry. Plugins register named
// capabilities through their capability handle; other components and
// external collaborators resolve them by name.
type Registry struct {
	services cmap.ConcurrentMap[string, serviceEntry]
}

// NewRegistry creates an empty service registry.
func NewRegistry() *Registry {
	return &Registry{services: cmap.New[serviceEntry]()}
}

// Register stores a service under a unique name. Names are first come
// first served; a collision is an error for the later registrant.
func (r *Registry) Register(name, owner string, service any) error {
	if !r.services.SetIfAbsent(name, serviceEntry{owner: owner, service: service}) {
		return fmt.Errorf("app: service %q already registered", name)
	}
	return nil
}

// Unregister removes a service by name.
func (r *Registry) Unregister(name string) bool {
	_, removed := r.services.Pop(name)
	return removed
}

// UnregisterOwner removes every service registered by the given owner
// and returns how many were removed.
func (r *Registry) UnregisterOwner(owner string) int {
	removed := 0
	for _, name := range r.services.Keys() {
		ok := r.services.RemoveCb(name, func(_ string, e serviceEntry, exists bool) bool {
			return exists && e.owner == owner
		})
		if ok {
			removed++
		}
	}
	return removed
}

// Resolve looks up a service by name.
func (r *Registry) Resolve(name string) (any, bool) {
	e, ok := r.services.Get(name)
	if !ok {
		return nil, false
	}
	return e.service, true
}

// Owner returns which plugin registered the named service.
func (r *Registry) Owner(name string) (string, bool) {
	e, ok := r.services.Get(name)
	if !ok {
		return "", false
	}
	return e.owner, true
}

// Names returns the names of all registered services.
func (r *Registry) Names() []string {
	return r.services.Keys()
}

// Len returns the number of registered services.
func (r *Registry) Len() int {
	return r.services.Count()
}
