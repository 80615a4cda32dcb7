// Package stats aggregates component metrics into one snapshot for
// diagnostics and the health endpoint.
package stats

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Provider returns a component's current metrics. Implementations must
// be safe for concurrent calls.
type Provider func() any

// Registry collects named metric providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	started   time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		started:   time.Now(),
	}
}

// Register adds a provider under name, replacing any previous one.
func (r *Registry) Register(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

// Names returns the registered component names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns the current metrics of every component.
func (r *Registry) Snapshot() map[string]any {
	r.mu.RLock()
	providers := make(map[string]Provider, len(r.providers))
	for name, p := range r.providers {
		providers[name] = p
	}
	started := r.started
	r.mu.RUnlock()

	snap := make(map[string]any, len(providers)+1)
	for name, p := range providers {
		snap[name] = p()
	}
	snap["uptime_seconds"] = time.Since(started).Seconds()
	return snap
}

// MarshalJSON renders the snapshot.
func (r *Registry) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Snapshot())
}

// Handler serves the snapshot as JSON.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(r.Snapshot()); err != nil {
			http.Error(w, "failed to encode metrics", http.StatusInternalServerError)
		}
	})
}
