package guard

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestScanFlagsAssignmentOutsideTicketstore(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "internal/statemachine/fill.go", `package statemachine

func bad(o *Outputs) {
	o.ToolVerdict = "proceed"
}
`)

	violations, err := ScanToolVerdictWrites(root)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, 4, violations[0].Line)
}

func TestScanAllowsAssignmentInsideTicketstore(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "internal/ticketstore/memory.go", `package ticketstore

func finalize(o *Outputs) {
	o.ToolVerdict = "proceed"
}
`)

	violations, err := ScanToolVerdictWrites(root)
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestScanSkipsTestFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "internal/statemachine/fill_test.go", `package statemachine

func bad(o *Outputs) {
	o.ToolVerdict = "proceed"
}
`)

	violations, err := ScanToolVerdictWrites(root)
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestScanSkipsExamplesDir(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "_examples/other/file.go", `package other

func bad(o *Outputs) {
	o.ToolVerdict = "proceed"
}
`)

	violations, err := ScanToolVerdictWrites(root)
	require.NoError(t, err)
	assert.Empty(t, violations)
}

// TestScanRealTreeHasNoViolations runs the actual scan against the module's
// own source tree (two directories up from this package), so the invariant
// is enforced by `go test ./...` rather than only by the synthetic-tempdir
// cases above.
func TestScanRealTreeHasNoViolations(t *testing.T) {
	_, thisFile, _, ok := runtime.Caller(0)
	require.True(t, ok)
	root := filepath.Join(filepath.Dir(thisFile), "..", "..")

	violations, err := ScanToolVerdictWrites(root)
	require.NoError(t, err)
	assert.Empty(t, violations, "outputs.tool_verdict must be assigned only inside ticketstore")
}

func TestScanIgnoresUnrelatedAssignments(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "internal/statemachine/fill.go", `package statemachine

func ok(o *Outputs) {
	o.Decision = "APPROVE"
}
`)

	violations, err := ScanToolVerdictWrites(root)
	require.NoError(t, err)
	assert.Empty(t, violations)
}
