package plugin

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownPlugin is returned when no factory is registered under a name.
var ErrUnknownPlugin = errors.New("plugin: unknown plugin")

// Registry maps plugin names to factories. It is built once at program
// start and handed to the processor; nothing registers itself globally.
type Registry struct {
	mu         sync.RWMutex
	inputs     map[string]InputFactory
	processors map[string]ProcessorFactory
	outputs    map[string]OutputFactory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		inputs:     make(map[string]InputFactory),
		processors: make(map[string]ProcessorFactory),
		outputs:    make(map[string]OutputFactory),
	}
}

// RegisterInput registers an input plugin. A later registration under the
// same name replaces the previous one.
func (r *Registry) RegisterInput(name string, f InputFactory) {
	r.mu.Lock()
	r.inputs[name] = f
	r.mu.Unlock()
}

// RegisterProcessor registers a packet processor plugin.
func (r *Registry) RegisterProcessor(name string, f ProcessorFactory) {
	r.mu.Lock()
	r.processors[name] = f
	r.mu.Unlock()
}

// RegisterOutput registers an output plugin.
func (r *Registry) RegisterOutput(name string, f OutputFactory) {
	r.mu.Lock()
	r.outputs[name] = f
	r.mu.Unlock()
}

// NewInput instantiates the input plugin name.
func (r *Registry) NewInput(name string, tsp TSP) (Input, error) {
	r.mu.RLock()
	f, ok := r.inputs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: input %q", ErrUnknownPlugin, name)
	}
	return f(tsp), nil
}

// NewProcessor instantiates the packet processor plugin name.
func (r *Registry) NewProcessor(name string, tsp TSP) (Processor, error) {
	r.mu.RLock()
	f, ok := r.processors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: processor %q", ErrUnknownPlugin, name)
	}
	return f(tsp), nil
}

// NewOutput instantiates the output plugin name.
func (r *Registry) NewOutput(name string, tsp TSP) (Output, error) {
	r.mu.RLock()
	f, ok := r.outputs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: output %q", ErrUnknownPlugin, name)
	}
	return f(tsp), nil
}

// Names returns the sorted names of the plugins of one kind.
func (r *Registry) Names(kind Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	switch kind {
	case KindInput:
		for n := range r.inputs {
			names = append(names, n)
		}
	case KindProcessor:
		for n := range r.processors {
			names = append(names, n)
		}
	case KindOutput:
		for n := range r.outputs {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}
