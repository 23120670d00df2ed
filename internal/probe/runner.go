// Package probe runs startup checks against a pluggable Provider
// abstraction: selecting a concrete driver behind a small interface,
// applied here to NoMcp vs Real instead of embedding backends.
package probe

import (
	"context"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/signalforge/orchestrator/pkg/models"
)

// ProviderResponse is what a Provider returns for one probe call.
type ProviderResponse struct {
	OK    bool
	Code  string // "" | "PROVIDER_UNAVAILABLE_NO_MCP" | "PROVIDER_NOT_IMPLEMENTED" | other
	Error error
}

// Provider answers probe calls. NoMcpProvider and a real MCP-backed
// provider both satisfy this; the runner never depends on transport.
type Provider interface {
	Probe(ctx context.Context, name string) ProviderResponse
}

// NoMcpProvider answers every probe as gracefully unavailable, for
// degraded-mode operation when NO_MCP=true.
type NoMcpProvider struct{}

func (NoMcpProvider) Probe(ctx context.Context, name string) ProviderResponse {
	return ProviderResponse{OK: false, Code: string(models.CodeProviderUnavailableNoMCP)}
}

// orderedProbes is the fixed ordered set of startup checks.
var orderedProbes = []string{"security", "access", "search", "memory"}

// EvidenceMaxItemsPerReport bounds the evidence array with a keep-first-N
// policy; excess items are dropped and the overflow is recorded.
const EvidenceMaxItemsPerReport = 20

// Result is one probe's outcome.
type Result struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Code    string `json:"code,omitempty"`
	Forced  bool   `json:"forced,omitempty"`
	Message string `json:"message,omitempty"`
}

// Report is the full startup probe run.
type Report struct {
	Results           []Result `json:"results"`
	ExitCode          int      `json:"exit_code"`
	Evidence          []string `json:"evidence"`
	EvidenceTruncated bool     `json:"evidence_truncated"`
	EvidenceDropped   int      `json:"evidence_dropped_count"`
}

// Runner executes the fixed probe set against a Provider.
type Runner struct {
	Provider  Provider
	ForceFail string // PROBE_FORCE_FAIL env value, "" disables
}

func NewRunner(provider Provider) *Runner {
	return &Runner{Provider: provider, ForceFail: os.Getenv("PROBE_FORCE_FAIL")}
}

// Run executes every probe in order and aggregates the report.
func (r *Runner) Run(ctx context.Context) Report {
	var results []Result
	var evidence []string
	exitCode := 0

	for _, name := range orderedProbes {
		res := r.runOne(ctx, name)
		results = append(results, res)
		evidence = append(evidence, name+":"+res.Code)
		if !res.OK && res.Code != string(models.CodeProviderUnavailableNoMCP) && res.Code != string(models.CodeProviderNotImplemented) {
			exitCode = 1
		}
		if res.Forced {
			exitCode = 1
		}
	}

	report := Report{Results: results, ExitCode: exitCode}
	if len(evidence) > EvidenceMaxItemsPerReport {
		report.EvidenceDropped = len(evidence) - EvidenceMaxItemsPerReport
		report.Evidence = evidence[:EvidenceMaxItemsPerReport]
		report.EvidenceTruncated = true
	} else {
		report.Evidence = evidence
	}

	log.Info().Int("exit_code", exitCode).Int("probes", len(results)).Msg("startup probes complete")
	return report
}

func (r *Runner) runOne(ctx context.Context, name string) Result {
	if r.ForceFail == name {
		return Result{Name: name, OK: false, Code: string(models.CodeProbeForcedFail), Forced: true}
	}

	resp := r.Provider.Probe(ctx, name)

	// security is inverted: access MUST be denied, so a successful probe
	// call is itself the failure.
	if name == "security" {
		if resp.OK {
			return Result{Name: name, OK: false, Code: string(models.CodeProbeAccessDenied), Message: "security probe succeeded when access should have been denied"}
		}
		if resp.Code == string(models.CodeProviderUnavailableNoMCP) || resp.Code == string(models.CodeProviderNotImplemented) {
			return Result{Name: name, OK: true, Code: resp.Code}
		}
		return Result{Name: name, OK: true}
	}

	if resp.Code == string(models.CodeProviderUnavailableNoMCP) || resp.Code == string(models.CodeProviderNotImplemented) {
		return Result{Name: name, OK: true, Code: resp.Code}
	}
	if !resp.OK {
		msg := ""
		if resp.Error != nil {
			msg = resp.Error.Error()
		}
		return Result{Name: name, OK: false, Code: string(models.CodeProviderCallFailed), Message: msg}
	}
	return Result{Name: name, OK: true}
}
