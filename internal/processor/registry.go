package processor

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/akylbek/payment-system/terminal-orchestrator/internal/interfaces"
)

var ErrUnknownProcessor = errors.New("unknown processor")

// Registry maps processor names to initialized clients. It is built once at
// startup and handed to the components that call out to processors.
type Registry struct {
	mu         sync.RWMutex
	processors map[string]interfaces.Processor
	def        string
}

func NewRegistry(processors ...interfaces.Processor) *Registry {
	r := &Registry{processors: make(map[string]interfaces.Processor)}
	for _, p := range processors {
		r.Register(p)
	}
	return r
}

// Register adds p; the first registered processor is the default.
func (r *Registry) Register(p interfaces.Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processors[p.Name()] = p
	if r.def == "" {
		r.def = p.Name()
	}
}

func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.processors[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProcessor, name)
	}
	r.def = name
	return nil
}

func (r *Registry) Get(name string) (interfaces.Processor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProcessor, name)
	}
	return p, nil
}

func (r *Registry) Default() (interfaces.Processor, error) {
	r.mu.RLock()
	name := r.def
	r.mu.RUnlock()
	if name == "" {
		return nil, fmt.Errorf("%w: none registered", ErrUnknownProcessor)
	}
	return r.Get(name)
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.processors))
	for name := range r.processors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
