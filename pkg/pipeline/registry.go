package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Registry errors.
var (
	ErrDuplicatePlugin = errors.New("plugin already registered")
	ErrInvalidPlugin   = errors.New("invalid plugin")
)

// Registry holds phase plugins and serves them ordered per phase. The
// phase view is built lazily on first use and dropped on every registry
// change; readers observe either the old or the new view, never a mix.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
	byPhase map[Phase][]Plugin

	logger *slog.Logger
}

// NewPluginRegistry creates an empty registry.
func NewPluginRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		plugins: make(map[string]Plugin),
		logger:  logger.With("component", "plugin_registry"),
	}
}

// Register adds a plugin. The plugin must carry a unique non-empty id, bind
// to a known phase and implement one of the typed plugin kinds.
func (r *Registry) Register(p Plugin) error {
	if p == nil || p.ID() == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidPlugin)
	}
	if !p.Phase().IsValid() {
		return fmt.Errorf("%w: %s binds to unknown phase %d", ErrInvalidPlugin, p.ID(), p.Phase())
	}
	if !isExecutable(p) {
		return fmt.Errorf("%w: %s implements no executable kind", ErrInvalidPlugin, p.ID())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plugins[p.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePlugin, p.ID())
	}
	r.plugins[p.ID()] = p
	r.byPhase = nil

	r.logger.Debug("plugin registered", "plugin", p.ID(), "phase", p.Phase().String(), "order", p.Order())
	return nil
}

// Unregister removes a plugin by id and reports whether it was present.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plugins[id]; !ok {
		return false
	}
	delete(r.plugins, id)
	r.byPhase = nil
	return true
}

// ForPhase returns the phase's plugins in execution order: ascending Order,
// ties broken by id.
func (r *Registry) ForPhase(phase Phase) []Plugin {
	r.mu.RLock()
	cached := r.byPhase
	r.mu.RUnlock()
	if cached != nil {
		return cached[phase]
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byPhase == nil {
		r.byPhase = r.buildPhaseView()
	}
	return r.byPhase[phase]
}

// buildPhaseView groups and sorts plugins. Caller holds the write lock.
func (r *Registry) buildPhaseView() map[Phase][]Plugin {
	view := make(map[Phase][]Plugin, len(Phases()))
	for _, p := range r.plugins {
		view[p.Phase()] = append(view[p.Phase()], p)
	}
	for _, list := range view {
		sort.Slice(list, func(i, j int) bool {
			if list[i].Order() != list[j].Order() {
				return list[i].Order() < list[j].Order()
			}
			return list[i].ID() < list[j].ID()
		})
	}
	return view
}

// Len reports the number of registered plugins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}
