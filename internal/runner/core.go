// Package runner implements RunnerCore, the tool-run engine that executes
// a ticket's validated tool_steps against a pluggable Gateway and produces
// a versioned RunReport plus attempt-event stream. It runs a flat, ordered
// list of tool_steps with no retries.
package runner

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/signalforge/orchestrator/pkg/models"
)

// GatewayResult is what an injected Gateway returns for one tool call.
type GatewayResult struct {
	OK                bool
	Result            map[string]any
	EvidenceCandidates []map[string]any
	ErrorCode         string // "timeout" | "unavailable" | anything else
	ErrorMessage      string
}

// Gateway is the only interface RunnerCore depends on for tool execution;
// concrete MCP transport is entirely out of scope for this engine.
type Gateway interface {
	Execute(ctx context.Context, toolName string, args map[string]any) GatewayResult
}

// Budget bounds a single run.
type Budget struct {
	MaxSteps  int
	MaxWallMs int64
}

// sideEffectTable is the SSOT for tool side-effect classification.
// RunnerCore never overrides it; unknown tools classify as "unknown".
// filesystem classifies as write even for read-only calls, since the
// runner has no per-call introspection into what a filesystem call
// actually does. See DESIGN.md.
var sideEffectTable = map[string]string{
	"memory":     "write",
	"web_search": "read",
	"filesystem": "write",
}

func sideEffectOf(server string) string {
	if se, ok := sideEffectTable[server]; ok {
		return se
	}
	return "unknown"
}

// ToolAllowlist maps a server name to its accepted argument keys. Keyed by
// server (e.g. "memory"), not by the specific tool method a step invokes
// on it (e.g. "search_nodes"): the allowlist and the readiness registry
// both operate at server granularity, matching sideEffectTable.
type ToolAllowlist map[string][]string

func (a ToolAllowlist) allowed(server string) ([]string, bool) {
	keys, ok := a[server]
	return keys, ok
}

// DepResolver returns the required readiness dep keys for a server name,
// falling back to the conservative union for unrecognized servers.
type DepResolver interface {
	DepsFor(server string) []string
	Ready(depKeys []string) (ready bool, missing []string)
}

// retryableCodes is declared but unused: v1 runs every step once with no
// retry policy. Kept so a v2 retry policy has somewhere to read from.
var retryableCodes = map[string]bool{
	string(models.CodeToolTimeout):     true,
	string(models.CodeToolUnavailable): true,
}

const (
	statusOK      = "ok"
	statusFailed  = "failed"
	statusBlocked = "blocked"
)

// statusRank implements the worst-of ordering ok < failed < blocked.
var statusRank = map[string]int{statusOK: 0, statusFailed: 1, statusBlocked: 2}

// Core is the RunnerCore engine. Its fields are set once at construction
// and never modified; all per-run state lives in the Run call, keeping it
// safe for concurrent use across ticket runs.
type Core struct {
	Allowlist ToolAllowlist
	Deps      DepResolver
}

func NewCore(allowlist ToolAllowlist, deps DepResolver) *Core {
	return &Core{Allowlist: allowlist, Deps: deps}
}

// Run executes steps in order against gateway, honoring budget, and
// returns a fully populated RunReportV1.
func (c *Core) Run(ctx context.Context, ticketID string, steps []models.ToolStep, gateway Gateway, budget Budget) *models.RunReportV1 {
	runID := uuid.New().String()
	started := time.Now().UTC()

	report := &models.RunReportV1{
		Version:       "v1",
		RunID:         runID,
		AsOf:          started.Format(time.RFC3339Nano),
		TicketID:      ticketID,
		RetryPolicyID: "v1_default",
		MaxAttempts:   1,
		StartedAt:     started.Format(time.RFC3339Nano),
	}
	report.AttemptEvents = append(report.AttemptEvents, models.RunAttemptEvent{
		Type: models.AttemptRunStart, Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})

	maxSteps := budget.MaxSteps
	if maxSteps <= 0 {
		maxSteps = len(steps)
	}

	worstStatus := statusOK
	var terminalCode string
	timedOut := false

	for i, step := range steps {
		idx := i
		stepStarted := time.Now().UTC()
		sr := models.StepReport{
			StepIndex:  idx,
			ToolName:   step.Tool,
			SideEffect: sideEffectOf(step.Server),
			StartedAt:  stepStarted.Format(time.RFC3339Nano),
		}

		status, code, resultSummary, evidence := c.runStep(ctx, step, i, maxSteps, budget, started, gateway, &timedOut)

		sr.Status = status
		sr.Code = code
		sr.ResultSummary = resultSummary
		sr.EvidenceItems = evidence
		ended := time.Now().UTC()
		sr.EndedAt = ended.Format(time.RFC3339Nano)
		sr.DurationMs = ended.Sub(stepStarted).Milliseconds()

		report.AttemptEvents = append(report.AttemptEvents, models.RunAttemptEvent{
			Type: models.AttemptStepStart, Timestamp: stepStarted.Format(time.RFC3339Nano), StepIndex: &idx,
		})
		report.AttemptEvents = append(report.AttemptEvents, models.RunAttemptEvent{
			Type: models.AttemptStepEnd, Timestamp: ended.Format(time.RFC3339Nano), StepIndex: &idx, Status: status, Code: code,
		})
		report.StepReports = append(report.StepReports, sr)

		if statusRank[status] > statusRank[worstStatus] {
			worstStatus = status
			terminalCode = code
		} else if terminalCode == "" && code != "" {
			terminalCode = code
		}
	}

	if len(steps) == 0 {
		worstStatus = statusOK
	}

	ended := time.Now().UTC()
	report.AttemptEvents = append(report.AttemptEvents, models.RunAttemptEvent{
		Type: models.AttemptRunEnd, Timestamp: ended.Format(time.RFC3339Nano), Status: worstStatus,
	})
	report.EndedAt = ended.Format(time.RFC3339Nano)
	report.DurationMs = ended.Sub(started).Milliseconds()
	report.TerminalStatus = worstStatus
	if terminalCode != "" {
		report.PrimaryFailureCode = &terminalCode
	}

	log.Info().Str("ticket_id", ticketID).Str("run_id", runID).Str("terminal_status", worstStatus).Msg("runner core run complete")
	return report
}

// runStep validates, gates, and (if clear) invokes gateway for one step,
// returning its terminal status/code/summary/evidence.
func (c *Core) runStep(ctx context.Context, step models.ToolStep, index, maxSteps int, budget Budget, runStarted time.Time, gateway Gateway, timedOut *bool) (status, code, summary string, evidence []models.EvidenceItem) {
	if *timedOut {
		return statusFailed, string(models.CodeRunTimeout), "run wall-clock budget exceeded before this step", nil
	}

	if budget.MaxWallMs > 0 && time.Since(runStarted).Milliseconds() > budget.MaxWallMs {
		*timedOut = true
		return statusFailed, string(models.CodeRunTimeout), "run wall-clock budget exceeded", nil
	}

	if index >= maxSteps {
		return statusBlocked, string(models.CodeBudgetExceeded), "max_steps budget exceeded", nil
	}

	if step.Server == "" {
		return statusBlocked, string(models.CodeUnknownToolUpper), "empty tool name", nil
	}

	allowedKeys, known := c.Allowlist.allowed(step.Server)
	if !known {
		return statusBlocked, string(models.CodeUnknownToolUpper), "tool not in allowlist", nil
	}
	for k := range step.Args {
		if !containsStr(allowedKeys, k) {
			return statusBlocked, string(models.CodeInvalidToolArgs), "arg key outside allowlist: " + k, nil
		}
	}
	for k, v := range step.Args {
		if !isScalar(v) {
			return statusBlocked, string(models.CodeInvalidToolArgs), "arg value not scalar: " + k, nil
		}
	}

	if budgetKey, ok := step.Args["budget"]; ok {
		if _, ok := budgetKey.(map[string]any); ok {
			return statusBlocked, string(models.CodeInvalidBudget), "budget must not be an object with unknown keys", nil
		}
	}

	if c.Deps != nil {
		depKeys := c.Deps.DepsFor(step.Server)
		ready, missing := c.Deps.Ready(depKeys)
		if !ready {
			return statusBlocked, string(models.CodeMCPRequiredUnavailable), "missing deps: " + joinStrs(missing), nil
		}
	}

	result := gateway.Execute(ctx, step.Tool, step.Args)
	if !result.OK {
		switch result.ErrorCode {
		case "timeout":
			return statusFailed, string(models.CodeToolTimeout), result.ErrorMessage, nil
		case "unavailable":
			return statusFailed, string(models.CodeToolUnavailable), result.ErrorMessage, nil
		default:
			return statusFailed, string(models.CodeToolExecFailed), result.ErrorMessage, nil
		}
	}

	for _, candidate := range result.EvidenceCandidates {
		if hasBlobField(candidate) {
			return statusBlocked, string(models.CodeInvalidEvidenceCandidate), "evidence candidate carries a blob-ish field", nil
		}
	}

	for _, candidate := range result.EvidenceCandidates {
		evidence = append(evidence, models.EvidenceItem{Kind: "gateway_result", Data: candidate})
	}

	return statusOK, "", "ok", evidence
}

func containsStr(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, bool, float64, int, int64:
		return true
	default:
		return false
	}
}

var blobFields = []string{"bytes", "body", "content"}

func hasBlobField(m map[string]any) bool {
	for _, f := range blobFields {
		if _, ok := m[f]; ok {
			return true
		}
	}
	return false
}

func joinStrs(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}
