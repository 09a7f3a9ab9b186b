package worker

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps worker types to implementations.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]Worker
}

func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]Worker)}
}

// Register adds a worker implementation. Duplicate types are a wiring bug.
func (r *Registry) Register(w Worker) error {
	if w == nil || w.Type() == "" {
		return fmt.Errorf("worker has no type")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workers[w.Type()]; exists {
		return fmt.Errorf("worker %q already registered", w.Type())
	}
	r.workers[w.Type()] = w
	return nil
}

// Get returns the worker for a type.
func (r *Registry) Get(workerType string) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[workerType]
	return w, ok
}

// Types returns the registered worker types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.workers))
	for t := range r.workers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
