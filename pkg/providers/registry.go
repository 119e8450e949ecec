package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Registry lookup errors.
var (
	ErrProviderNotFound = errors.New("provider not found")
	ErrVersionNotFound  = errors.New("provider version not found")
	ErrDuplicateVersion = errors.New("provider version already registered")
)

// registration pairs a provider with its provenance.
type registration struct {
	provider Provider
	pluginID string
	seq      uint64
}

// Registry is the thread-safe catalog of registered providers. Providers are
// keyed by id; multiple versions of one id coexist and Get resolves to the
// highest version, so registering a newer version shadows the old one
// without unregistering it.
type Registry struct {
	mu      sync.RWMutex
	byID    map[string][]*registration // sorted by version, ascending
	nextSeq uint64
	logger  *slog.Logger
}

// NewRegistry creates an empty provider registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byID:   make(map[string][]*registration),
		logger: logger.With("component", "provider_registry"),
	}
}

// Register adds an initialized provider under its id and version. pluginID
// records which plugin contributed the provider; builtin providers pass "".
// Registering an (id, version) pair twice is an error.
func (r *Registry) Register(p Provider, pluginID string) error {
	id, version := p.ID(), p.Version()
	if id == "" {
		return fmt.Errorf("provider id must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	regs := r.byID[id]
	for _, reg := range regs {
		if reg.provider.Version() == version {
			return fmt.Errorf("%w: %s@%s", ErrDuplicateVersion, id, version)
		}
	}
	r.nextSeq++
	regs = append(regs, &registration{provider: p, pluginID: pluginID, seq: r.nextSeq})
	sort.SliceStable(regs, func(i, j int) bool {
		return compareVersions(regs[i].provider.Version(), regs[j].provider.Version()) < 0
	})
	r.byID[id] = regs

	r.logger.Info("provider registered",
		"provider_id", id,
		"version", version,
		"plugin_id", pluginID,
		"versions", len(regs))
	return nil
}

// Get returns the highest registered version of id.
func (r *Registry) Get(id string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regs, ok := r.byID[id]
	if !ok || len(regs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, id)
	}
	return regs[len(regs)-1].provider, nil
}

// GetVersion returns the exact (id, version) registration.
func (r *Registry) GetVersion(id, version string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regs, ok := r.byID[id]
	if !ok || len(regs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, id)
	}
	for _, reg := range regs {
		if reg.provider.Version() == version {
			return reg.provider, nil
		}
	}
	return nil, fmt.Errorf("%w: %s@%s", ErrVersionNotFound, id, version)
}

// All returns the effective provider set: the highest version of every id,
// sorted by id for deterministic iteration.
func (r *Registry) All() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Provider, 0, len(r.byID))
	for _, regs := range r.byID {
		if len(regs) > 0 {
			out = append(out, regs[len(regs)-1].provider)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// PluginOf reports which plugin registered the effective version of id.
func (r *Registry) PluginOf(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regs, ok := r.byID[id]
	if !ok || len(regs) == 0 {
		return "", false
	}
	return regs[len(regs)-1].pluginID, true
}

// Unregister removes every version of id and shuts each one down. The first
// shutdown error is returned after all versions were attempted.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	r.mu.Lock()
	regs, ok := r.byID[id]
	delete(r.byID, id)
	r.mu.Unlock()

	if !ok || len(regs) == 0 {
		return fmt.Errorf("%w: %s", ErrProviderNotFound, id)
	}

	var firstErr error
	for _, reg := range regs {
		if err := reg.provider.Shutdown(ctx); err != nil {
			r.logger.Warn("provider shutdown failed",
				"provider_id", id,
				"version", reg.provider.Version(),
				"error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	r.logger.Info("provider unregistered", "provider_id", id, "versions", len(regs))
	return firstErr
}

// UnregisterPlugin removes every provider version contributed by pluginID
// and returns the ids that lost their effective version.
func (r *Registry) UnregisterPlugin(ctx context.Context, pluginID string) []string {
	r.mu.Lock()
	var doomed []*registration
	var affected []string
	for id, regs := range r.byID {
		kept := regs[:0]
		removed := false
		for _, reg := range regs {
			if reg.pluginID == pluginID {
				doomed = append(doomed, reg)
				removed = true
			} else {
				kept = append(kept, reg)
			}
		}
		if !removed {
			continue
		}
		if len(kept) == 0 {
			delete(r.byID, id)
		} else {
			r.byID[id] = kept
		}
		affected = append(affected, id)
	}
	r.mu.Unlock()

	for _, reg := range doomed {
		if err := reg.provider.Shutdown(ctx); err != nil {
			r.logger.Warn("provider shutdown failed",
				"provider_id", reg.provider.ID(),
				"version", reg.provider.Version(),
				"error", err)
		}
	}
	sort.Strings(affected)
	return affected
}

// Shutdown tears down all registered providers in reverse registration
// order and empties the registry.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	var all []*registration
	for _, regs := range r.byID {
		all = append(all, regs...)
	}
	r.byID = make(map[string][]*registration)
	r.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].seq > all[j].seq })

	var firstErr error
	for _, reg := range all {
		if err := reg.provider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Snapshot probes every effective provider and returns operational info,
// sorted by id.
func (r *Registry) Snapshot(ctx context.Context) []Info {
	all := r.All()
	out := make([]Info, 0, len(all))
	for _, p := range all {
		pluginID, _ := r.PluginOf(p.ID())
		out = append(out, Info{
			ID:           p.ID(),
			Version:      p.Version(),
			PluginID:     pluginID,
			Capabilities: p.Capabilities(),
			Health:       p.Health(ctx),
		})
	}
	return out
}

// compareVersions orders version strings by their numeric dot-separated
// parts ("1.10.0" > "1.9.2"). Non-numeric parts fall back to lexicographic
// comparison, so plain tags still order deterministically.
func compareVersions(a, b string) int {
	as := strings.Split(strings.TrimPrefix(a, "v"), ".")
	bs := strings.Split(strings.TrimPrefix(b, "v"), ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var ap, bp string
		if i < len(as) {
			ap = as[i]
		}
		if i < len(bs) {
			bp = bs[i]
		}
		an, aerr := strconv.Atoi(ap)
		bn, berr := strconv.Atoi(bp)
		switch {
		case aerr == nil && berr == nil:
			if an != bn {
				if an < bn {
					return -1
				}
				return 1
			}
		default:
			if ap != bp {
				if ap < bp {
					return -1
				}
				return 1
			}
		}
	}
	return 0
}
