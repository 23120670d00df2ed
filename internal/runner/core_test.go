package runner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalforge/orchestrator/pkg/models"
)

type fakeGateway struct {
	results map[string]GatewayResult
}

func (g fakeGateway) Execute(ctx context.Context, toolName string, args map[string]any) GatewayResult {
	if r, ok := g.results[toolName]; ok {
		return r
	}
	return GatewayResult{OK: true, Result: map[string]any{}}
}

type fakeResolver struct {
	unready map[string]bool
}

func (r fakeResolver) DepsFor(server string) []string { return []string{server} }
func (r fakeResolver) Ready(deps []string) (bool, []string) {
	var missing []string
	for _, d := range deps {
		if r.unready[d] {
			missing = append(missing, d)
		}
	}
	return len(missing) == 0, missing
}

func testAllowlist() ToolAllowlist {
	return ToolAllowlist{
		"memory":     {"query", "action"},
		"web_search": {"query", "max_results"},
	}
}

func TestRunAllStepsOK(t *testing.T) {
	core := NewCore(testAllowlist(), fakeResolver{})
	gw := fakeGateway{results: map[string]GatewayResult{}}

	steps := []models.ToolStep{
		{Server: "memory", Tool: "search_nodes", Args: map[string]any{"query": "hi"}},
		{Server: "web_search", Tool: "web.search", Args: map[string]any{"query": "hi", "max_results": 5}},
	}
	report := core.Run(context.Background(), "t1", steps, gw, Budget{})

	assert.Equal(t, "ok", report.TerminalStatus)
	assert.Nil(t, report.PrimaryFailureCode)
	require.Len(t, report.StepReports, 2)
}

func TestUnknownToolBlocks(t *testing.T) {
	core := NewCore(testAllowlist(), fakeResolver{})
	gw := fakeGateway{}

	steps := []models.ToolStep{{Server: "not_a_real_server", Tool: "not_a_real_tool"}}
	report := core.Run(context.Background(), "t1", steps, gw, Budget{})

	assert.Equal(t, "blocked", report.TerminalStatus)
	require.NotNil(t, report.PrimaryFailureCode)
	assert.Equal(t, string(models.CodeUnknownToolUpper), *report.PrimaryFailureCode)
}

func TestArgKeyOutsideAllowlistBlocks(t *testing.T) {
	core := NewCore(testAllowlist(), fakeResolver{})
	gw := fakeGateway{}

	steps := []models.ToolStep{{Server: "memory", Tool: "search_nodes", Args: map[string]any{"unexpected_key": "x"}}}
	report := core.Run(context.Background(), "t1", steps, gw, Budget{})

	assert.Equal(t, "blocked", report.TerminalStatus)
	assert.Equal(t, string(models.CodeInvalidToolArgs), *report.PrimaryFailureCode)
}

func TestNonScalarArgValueBlocks(t *testing.T) {
	core := NewCore(testAllowlist(), fakeResolver{})
	gw := fakeGateway{}

	steps := []models.ToolStep{{Server: "memory", Tool: "search_nodes", Args: map[string]any{"query": map[string]any{"nested": true}}}}
	report := core.Run(context.Background(), "t1", steps, gw, Budget{})

	assert.Equal(t, "blocked", report.TerminalStatus)
	assert.Equal(t, string(models.CodeInvalidToolArgs), *report.PrimaryFailureCode)
}

func TestBudgetObjectRejected(t *testing.T) {
	core := NewCore(testAllowlist(), fakeResolver{})
	gw := fakeGateway{}

	// "budget" is not an allowlisted arg key for memory, so the arg-key
	// check rejects it before the scalar and dedicated budget checks run.
	steps := []models.ToolStep{{Server: "memory", Tool: "search_nodes", Args: map[string]any{"budget": map[string]any{"max": 1}}}}
	report := core.Run(context.Background(), "t1", steps, gw, Budget{})

	assert.Equal(t, "blocked", report.TerminalStatus)
	assert.Equal(t, string(models.CodeInvalidToolArgs), *report.PrimaryFailureCode)
}

func TestMaxStepsBudgetExceeded(t *testing.T) {
	core := NewCore(testAllowlist(), fakeResolver{})
	gw := fakeGateway{}

	steps := []models.ToolStep{
		{Server: "memory", Tool: "search_nodes", Args: map[string]any{"query": "a"}},
		{Server: "memory", Tool: "search_nodes", Args: map[string]any{"query": "b"}},
	}
	report := core.Run(context.Background(), "t1", steps, gw, Budget{MaxSteps: 1})

	assert.Equal(t, "blocked", report.TerminalStatus)
	assert.Equal(t, string(models.CodeBudgetExceeded), *report.PrimaryFailureCode)
}

func TestDependencyGateBlocksStep(t *testing.T) {
	core := NewCore(testAllowlist(), fakeResolver{unready: map[string]bool{"memory": true}})
	gw := fakeGateway{}

	steps := []models.ToolStep{{Server: "memory", Tool: "search_nodes", Args: map[string]any{"query": "a"}}}
	report := core.Run(context.Background(), "t1", steps, gw, Budget{})

	assert.Equal(t, "blocked", report.TerminalStatus)
	assert.Equal(t, string(models.CodeMCPRequiredUnavailable), *report.PrimaryFailureCode)
}

func TestWorstOfAggregationBlockedBeatsFailed(t *testing.T) {
	core := NewCore(testAllowlist(), fakeResolver{})
	gw := fakeGateway{results: map[string]GatewayResult{
		"search_nodes": {OK: false, ErrorCode: "timeout"},
	}}

	steps := []models.ToolStep{
		{Server: "memory", Tool: "search_nodes", Args: map[string]any{"query": "a"}}, // failed
		{Server: "not_a_real_server", Tool: "not_a_real_tool"},                        // blocked
	}
	report := core.Run(context.Background(), "t1", steps, gw, Budget{})

	assert.Equal(t, "blocked", report.TerminalStatus, "blocked must outrank failed regardless of step order")
}

func TestGatewayFailureMapsToolTimeoutAndUnavailable(t *testing.T) {
	core := NewCore(testAllowlist(), fakeResolver{})

	gw := fakeGateway{results: map[string]GatewayResult{"search_nodes": {OK: false, ErrorCode: "timeout"}}}
	report := core.Run(context.Background(), "t1", []models.ToolStep{{Server: "memory", Tool: "search_nodes", Args: map[string]any{"query": "a"}}}, gw, Budget{})
	assert.Equal(t, string(models.CodeToolTimeout), *report.PrimaryFailureCode)

	gw2 := fakeGateway{results: map[string]GatewayResult{"search_nodes": {OK: false, ErrorCode: "unavailable"}}}
	report2 := core.Run(context.Background(), "t1", []models.ToolStep{{Server: "memory", Tool: "search_nodes", Args: map[string]any{"query": "a"}}}, gw2, Budget{})
	assert.Equal(t, string(models.CodeToolUnavailable), *report2.PrimaryFailureCode)
}

func TestEvidenceCandidateWithBlobFieldRejected(t *testing.T) {
	core := NewCore(testAllowlist(), fakeResolver{})
	gw := fakeGateway{results: map[string]GatewayResult{
		"search_nodes": {OK: true, EvidenceCandidates: []map[string]any{{"content": "big blob"}}},
	}}

	report := core.Run(context.Background(), "t1", []models.ToolStep{{Server: "memory", Tool: "search_nodes", Args: map[string]any{"query": "a"}}}, gw, Budget{})
	assert.Equal(t, "blocked", report.TerminalStatus)
	assert.Equal(t, string(models.CodeInvalidEvidenceCandidate), *report.PrimaryFailureCode)
}

func TestEmptyStepsIsOK(t *testing.T) {
	core := NewCore(testAllowlist(), fakeResolver{})
	report := core.Run(context.Background(), "t1", nil, fakeGateway{}, Budget{})
	assert.Equal(t, "ok", report.TerminalStatus)
}
