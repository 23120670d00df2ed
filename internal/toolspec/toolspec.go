// Package toolspec holds the fixed server-name -> dependency-keys mapping
// and the allowlist of accepted argument keys per server, plus a small
// resolver that satisfies runner.DepResolver structurally (no import of
// runner is needed; Go interfaces are satisfied by shape). Every tool_step
// carries both a server (e.g. "memory") and a tool method on that server
// (e.g. "search_nodes"); gating runs at server granularity since that is
// what the readiness registry and the allowlist both track.
package toolspec

import (
	"sort"

	"github.com/signalforge/orchestrator/internal/readiness"
)

// DepMap is the fallback-aware server-name -> required-dep-keys table.
var DepMap = map[string][]string{
	"memory":     {"memory"},
	"web_search": {"web_search"},
	"filesystem": {"filesystem"},
	"notebooklm": {"notebooklm"},
}

// Allowlist mirrors the per-server accepted argument keys RunnerCore checks
// step args against.
var Allowlist = map[string][]string{
	"memory":     {"query", "action"},
	"web_search": {"query", "max_results"},
	"filesystem": {"path", "action"},
	"notebooklm": {"query"},
}

// Resolver bridges a readiness.Registry to the shape RunnerCore's
// DepResolver expects.
type Resolver struct {
	Registry *readiness.Registry
}

func NewResolver(reg *readiness.Registry) *Resolver {
	return &Resolver{Registry: reg}
}

// DepsFor returns the fixed deps for a known server, or the registry's
// conservative union of all required deps for an unknown one. When the
// registry has no deps registered, it returns the sorted union of every
// DepMap entry instead. Never returns empty.
func (r *Resolver) DepsFor(server string) []string {
	if deps, ok := DepMap[server]; ok {
		return deps
	}
	if fb := r.Registry.FallbackDeps(); len(fb) > 0 {
		return fb
	}
	seen := map[string]bool{}
	var all []string
	for _, deps := range DepMap {
		for _, d := range deps {
			if !seen[d] {
				seen[d] = true
				all = append(all, d)
			}
		}
	}
	sort.Strings(all)
	return all
}

func (r *Resolver) Ready(depKeys []string) (bool, []string) {
	err := r.Registry.RequireDeps(depKeys)
	if err == nil {
		return true, nil
	}
	missing, _ := err.Context["missing_required"].([]string)
	return false, missing
}
