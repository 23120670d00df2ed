// Package readiness tracks per-dependency availability and gates work that
// depends on it, following the same register-by-name shape the rest of
// the orchestrator's pluggable subsystems use.
package readiness

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/signalforge/orchestrator/pkg/models"
)

// State is one dependency's readiness as of the last update.
type State struct {
	Ready  bool
	Code   models.Code
	Detail string
}

// Registry is a mutex-guarded map keyed by dependency name. Thread-safe.
type Registry struct {
	mu    sync.RWMutex
	deps  map[string]State
	// allKeys lists every dep key ever Set, in first-Set order; it backs
	// Keys and FallbackDeps. Empty until the first Set call.
	allKeys []string
}

// NewRegistry creates an empty readiness registry.
func NewRegistry() *Registry {
	return &Registry{deps: make(map[string]State)}
}

// Set records the current state of a dependency.
func (r *Registry) Set(name string, ready bool, code models.Code, detail string) {
	r.mu.Lock()
	r.deps[name] = State{Ready: ready, Code: code, Detail: detail}
	if !contains(r.allKeys, name) {
		r.allKeys = append(r.allKeys, name)
	}
	r.mu.Unlock()
	log.Debug().Str("dep", name).Bool("ready", ready).Str("code", string(code)).Msg("readiness updated")
}

// Get returns a copy of the current state for name.
func (r *Registry) Get(name string) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.deps[name]
	return s, ok
}

// Snapshot returns a copy of all known dependency states as a map; use
// Keys for a sorted order.
func (r *Registry) Snapshot() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]State, len(r.deps))
	for k, v := range r.deps {
		out[k] = v
	}
	return out
}

// Keys returns every dependency name known to the registry, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := append([]string(nil), r.allKeys...)
	sort.Strings(keys)
	return keys
}

// RequireDeps fails with MCP_REQUIRED_UNAVAILABLE listing every missing
// required key. depKeys is always a caller-supplied parameter, never
// hard-coded per route.
func (r *Registry) RequireDeps(depKeys []string) *models.OrchestratorError {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var missing []string
	for _, k := range depKeys {
		s, ok := r.deps[k]
		if !ok || !s.Ready {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return models.NewError(models.CodeMCPRequiredUnavailable, "required dependencies unavailable").
		WithContext("missing_required", missing)
}

// FallbackDeps returns the conservative union of every required dep key
// known to the registry. Used when a tool name cannot be resolved to a
// specific dependency list. Must never return empty once something has
// been registered.
func (r *Registry) FallbackDeps() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := append([]string(nil), r.allKeys...)
	sort.Strings(out)
	return out
}

// Snapshot prefix emitted before a strict-init exit, kept stable so
// operators can grep for it across releases.
const strictInitSnapshotPrefix = "readiness_snapshot:"

// EnforceStrictInit exits the process when strictInit is set and any of
// requiredKeys is not ready, after emitting a single-line snapshot with a
// stable prefix.
func (r *Registry) EnforceStrictInit(strictInit bool, requiredKeys []string) {
	if !strictInit {
		return
	}
	if err := r.RequireDeps(requiredKeys); err != nil {
		snap := r.Snapshot()
		log.Error().Str("event", strictInitSnapshotPrefix).Interface("snapshot", snap).Msg("strict_mcp_init readiness check failed")
		fmt.Fprintf(os.Stderr, "%s %v\n", strictInitSnapshotPrefix, snap)
		os.Exit(1)
	}
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
