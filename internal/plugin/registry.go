// Package plugin holds the compiled-in plugin catalog. The registry
// answers the dispatcher factory's resolve/instantiate calls; the
// loader overlays descriptor files from the plugins directory onto the
// catalog.
package plugin

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/multibot-io/multibot/internal/dispatch"
	"github.com/multibot-io/multibot/internal/errs"
)

// Constructor builds a fresh plugin instance. Every dispatcher build
// gets its own instances, so constructors must not share mutable
// state.
type Constructor func() dispatch.Plugin

// Info is the static metadata captured from a probe instance at
// registration time.
type Info struct {
	Name              string
	Version           string
	Dependencies      []string
	SupportsHotReload bool
}

// Registry maps plugin names to constructors plus the descriptor
// defaults loaded for them.
type Registry struct {
	mu       sync.RWMutex
	ctors    map[string]Constructor
	info     map[string]Info
	defaults map[string]map[string]any
}

func NewRegistry() *Registry {
	return &Registry{
		ctors:    make(map[string]Constructor),
		info:     make(map[string]Info),
		defaults: make(map[string]map[string]any),
	}
}

// Register adds a constructor under the name its probe instance
// reports. Registering an existing name replaces it with a warning.
func (r *Registry) Register(ctor Constructor) error {
	probe := ctor()
	name := probe.Name()
	if name == "" {
		return fmt.Errorf("plugin constructor %T reports an empty name", probe)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.ctors[name]; dup {
		slog.Warn("replacing existing plugin", "plugin", name)
	}
	r.ctors[name] = ctor
	r.info[name] = Info{
		Name:              name,
		Version:           probe.Version(),
		Dependencies:      probe.Dependencies(),
		SupportsHotReload: probe.SupportsHotReload(),
	}
	slog.Debug("registered plugin", "plugin", name, "version", probe.Version())
	return nil
}

// MustRegister panics on registration failure. The compiled-in catalog
// uses it; a bad builtin is a programming error.
func (r *Registry) MustRegister(ctor Constructor) {
	if err := r.Register(ctor); err != nil {
		panic(err)
	}
}

// Unregister removes a plugin and its descriptor defaults.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ctors, name)
	delete(r.info, name)
	delete(r.defaults, name)
}

// Has reports whether the name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ctors[name]
	return ok
}

// List returns the registered plugin names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ctors))
	for name := range r.ctors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Info returns the registration metadata for one plugin.
func (r *Registry) Info(name string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.info[name]
	return info, ok
}

// Instantiate builds a fresh instance for the dispatcher factory.
func (r *Registry) Instantiate(name string) (dispatch.Plugin, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", errs.ErrPluginNotFound, name)
	}
	return ctor(), nil
}

// SetDefaults stores descriptor config overrides for a plugin.
func (r *Registry) SetDefaults(name string, cfg map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(cfg) == 0 {
		delete(r.defaults, name)
		return
	}
	r.defaults[name] = cfg
}

// Defaults returns the descriptor overrides for a plugin, nil when
// there are none.
func (r *Registry) Defaults(name string) map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults[name]
}

// Dependency resolution colors.
const (
	colorUnseen = iota
	colorVisiting
	colorDone
)

// Resolve returns the requested plugins plus their transitive
// dependencies, each dependency before its dependents. Unknown names
// fail with ErrPluginNotFound, cycles with a PluginCycleError naming
// one plugin on the cycle.
func (r *Registry) Resolve(requested []string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	color := make(map[string]int, len(requested))
	order := make([]string, 0, len(requested))

	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case colorDone:
			return nil
		case colorVisiting:
			return &errs.PluginCycleError{Name: name}
		}
		info, ok := r.info[name]
		if !ok {
			return fmt.Errorf("%w: %s", errs.ErrPluginNotFound, name)
		}
		color[name] = colorVisiting
		for _, dep := range info.Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[name] = colorDone
		order = append(order, name)
		return nil
	}

	for _, name := range requested {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}
