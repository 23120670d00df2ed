package evidence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalforge/orchestrator/pkg/models"
)

func TestWriteReportCreatesAllThreeArtifacts(t *testing.T) {
	w := NewWriter(t.TempDir(), false)
	report := &models.RunReportV1{RunID: "run-1", TicketID: "tk-1", TerminalStatus: "ok"}

	dir, err := w.WriteReport(report)
	require.NoError(t, err)

	for _, name := range []string{"run_report_v1.json", "evidence_manifest_v1.json", "manifest_self_hash_v1.json"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, "%s must exist", name)
	}
}

func TestWriteReportRefusesOverwriteByDefault(t *testing.T) {
	w := NewWriter(t.TempDir(), false)
	report := &models.RunReportV1{RunID: "run-1", TicketID: "tk-1", TerminalStatus: "ok"}

	_, err := w.WriteReport(report)
	require.NoError(t, err)

	_, err = w.WriteReport(report)
	assert.Error(t, err, "re-writing the same run_id must be rejected by default")
}

func TestWriteReportAllowsOverwriteWhenConfigured(t *testing.T) {
	w := NewWriter(t.TempDir(), true)
	report := &models.RunReportV1{RunID: "run-1", TicketID: "tk-1", TerminalStatus: "ok"}

	_, err := w.WriteReport(report)
	require.NoError(t, err)
	_, err = w.WriteReport(report)
	assert.NoError(t, err, "AllowRunIDOverwrite must permit a second write for the same run_id")
}

func TestWriteReportSelfHashMatchesManifestBytes(t *testing.T) {
	w := NewWriter(t.TempDir(), false)
	report := &models.RunReportV1{RunID: "run-1", TicketID: "tk-1", TerminalStatus: "ok"}

	dir, err := w.WriteReport(report)
	require.NoError(t, err)

	manifestBytes, err := os.ReadFile(filepath.Join(dir, "evidence_manifest_v1.json"))
	require.NoError(t, err)
	hashBytes, err := os.ReadFile(filepath.Join(dir, "manifest_self_hash_v1.json"))
	require.NoError(t, err)

	assert.Equal(t, sha256Hex(manifestBytes), mustExtractHash(t, hashBytes))
}

func TestWriteReportRollsBackReportOnManifestFailure(t *testing.T) {
	base := t.TempDir()
	w := NewWriter(base, false)
	report := &models.RunReportV1{RunID: "run-1", TicketID: "tk-1", TerminalStatus: "ok"}

	dir := w.runDir(report.RunID)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	// Pre-create the manifest file so the manifest write step fails, forcing rollback.
	manifestPath := filepath.Join(dir, "evidence_manifest_v1.json")
	require.NoError(t, os.WriteFile(manifestPath, []byte("{}"), 0o644))

	_, err := w.WriteReport(report)
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(dir, "run_report_v1.json"))
	assert.True(t, os.IsNotExist(statErr), "report must be rolled back when the manifest write fails")
}

func TestWriteRejectionIncludesReasonCodeAndDebugArtifact(t *testing.T) {
	w := NewWriter(t.TempDir(), false)

	dir, err := w.WriteRejection("run-2", "tk-2", models.CodeUnknownTool, map[string]any{"tool": "not_a_real_tool"})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "tool_debug_v1.json"))
	assert.NoError(t, err)

	reportBytes, err := os.ReadFile(filepath.Join(dir, "run_report_v1.json"))
	require.NoError(t, err)
	assert.Contains(t, string(reportBytes), string(models.CodeUnknownTool))
	assert.Contains(t, string(reportBytes), `"blocked"`)
}

func mustExtractHash(t *testing.T, hashBytes []byte) string {
	t.Helper()
	var h models.ManifestSelfHashV1
	require.NoError(t, json.Unmarshal(hashBytes, &h))
	return h.Value
}
