package scheduler

import (
	"fmt"
	"sync"
)

// Registry maps stage names to the processor that implements them. It is
// safe for concurrent registration and lookup (spec §6.1).
type Registry struct {
	mu         sync.RWMutex
	processors map[string]StageProcessor
}

func NewRegistry() *Registry {
	return &Registry{processors: make(map[string]StageProcessor)}
}

// Register adds a processor under its own Name(). It is an error to
// register the same name twice.
func (r *Registry) Register(p StageProcessor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := p.Name()
	if _, exists := r.processors[name]; exists {
		return fmt.Errorf("scheduler: processor %q already registered", name)
	}
	r.processors[name] = p
	return nil
}

// MustRegister is Register, panicking on error. Intended for package-level
// wiring at startup, never for request-path code.
func (r *Registry) MustRegister(p StageProcessor) {
	if err := r.Register(p); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(name string) (StageProcessor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processors[name]
	return p, ok
}
