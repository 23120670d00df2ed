// Package evidence atomically writes the artifacts a RunnerCore run (or a
// fill-time validation rejection) produces: run_report_v1.json,
// evidence_manifest_v1.json, and manifest_self_hash_v1.json. Each file
// is written with the write-tmp-then-rename idiom.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/signalforge/orchestrator/pkg/models"
)

// Writer writes evidence into a base logs directory, one subdirectory per
// run id.
type Writer struct {
	BaseDir            string
	AllowRunIDOverwrite bool
}

func NewWriter(baseDir string, allowOverwrite bool) *Writer {
	return &Writer{BaseDir: baseDir, AllowRunIDOverwrite: allowOverwrite}
}

func (w *Writer) runDir(runID string) string {
	return filepath.Join(w.BaseDir, runID)
}

// WriteReport writes the three canonical evidence files for a completed
// RunnerCore run.
func (w *Writer) WriteReport(report *models.RunReportV1) (string, error) {
	dir := w.runDir(report.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return dir, fmt.Errorf("evidence: mkdir: %w", err)
	}

	reportPath := filepath.Join(dir, "run_report_v1.json")
	reportBytes, err := marshalIndented(report)
	if err != nil {
		return dir, err
	}
	if err := w.writeAtomic(reportPath, reportBytes); err != nil {
		return dir, err
	}

	artifact := manifestArtifactFor(reportPath, reportBytes)
	manifest := &models.EvidenceManifestV1{
		RunID:     report.RunID,
		Artifacts: []models.ManifestArtifact{artifact},
		Checks:    []models.ManifestCheck{{Name: "run_report_present", OK: true}},
	}

	if err := w.writeManifestAndHash(dir, manifest); err != nil {
		// Rollback: delete run_report_v1.json only if its on-disk bytes
		// still hash to what we wrote. Never clobber another writer.
		w.rollbackReport(reportPath, reportBytes)
		return dir, err
	}

	return dir, nil
}

// WriteRejection writes evidence for a fill-time validation gate
// rejection (unknown_tool, readiness_blocked): a run report whose
// terminal_status reflects the rejection, a debug artifact, and a
// manifest whose checks[] includes system_rejection_evidence_ok.
func (w *Writer) WriteRejection(runID, ticketID string, reasonCode models.Code, debug map[string]any) (string, error) {
	dir := w.runDir(runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return dir, fmt.Errorf("evidence: mkdir: %w", err)
	}

	code := string(reasonCode)
	report := &models.RunReportV1{
		Version:            "v1",
		RunID:              runID,
		TicketID:           ticketID,
		RetryPolicyID:       "v1_default",
		MaxAttempts:        1,
		TerminalStatus:     "blocked",
		PrimaryFailureCode: &code,
	}

	reportPath := filepath.Join(dir, "run_report_v1.json")
	reportBytes, err := marshalIndented(report)
	if err != nil {
		return dir, err
	}
	if err := w.writeAtomic(reportPath, reportBytes); err != nil {
		return dir, err
	}

	debugPath := filepath.Join(dir, "tool_debug_v1.json")
	debugBytes, err := marshalIndented(debug)
	if err != nil {
		return dir, err
	}
	if err := w.writeAtomic(debugPath, debugBytes); err != nil {
		return dir, err
	}

	manifest := &models.EvidenceManifestV1{
		RunID: runID,
		Artifacts: []models.ManifestArtifact{
			manifestArtifactFor(reportPath, reportBytes),
			manifestArtifactFor(debugPath, debugBytes),
		},
		Checks: []models.ManifestCheck{{
			Name:        "system_rejection_evidence_ok",
			OK:          true,
			ReasonCodes: []string{code},
			DetailsRef:  "tool_debug_v1.json",
		}},
	}

	if err := w.writeManifestAndHash(dir, manifest); err != nil {
		w.rollbackReport(reportPath, reportBytes)
		return dir, err
	}
	return dir, nil
}

func (w *Writer) writeManifestAndHash(dir string, manifest *models.EvidenceManifestV1) error {
	manifestPath := filepath.Join(dir, "evidence_manifest_v1.json")
	manifestBytes, err := marshalIndented(manifest)
	if err != nil {
		return err
	}
	if err := w.writeAtomic(manifestPath, manifestBytes); err != nil {
		return err
	}

	selfHash := &models.ManifestSelfHashV1{Value: sha256Hex(manifestBytes)}
	hashPath := filepath.Join(dir, "manifest_self_hash_v1.json")
	hashBytes, err := marshalIndented(selfHash)
	if err != nil {
		return err
	}
	return w.writeAtomic(hashPath, hashBytes)
}

// rollbackReport deletes reportPath only if its on-disk bytes still hash
// to what this writer wrote, so a concurrent successful writer is never
// clobbered.
func (w *Writer) rollbackReport(reportPath string, expected []byte) {
	onDisk, err := os.ReadFile(reportPath)
	if err != nil {
		return
	}
	if sha256Hex(onDisk) != sha256Hex(expected) {
		return
	}
	if err := os.Remove(reportPath); err != nil {
		log.Warn().Err(err).Str("path", reportPath).Msg("evidence: rollback remove failed")
	}
}

// writeAtomic writes data to a temp file in the same directory as path
// then renames over the target. Default policy rejects overwrite of an
// existing target unless AllowRunIDOverwrite is set.
func (w *Writer) writeAtomic(path string, data []byte) error {
	if !w.AllowRunIDOverwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("evidence: refusing to overwrite existing %s (set ALLOW_RUN_ID_OVERWRITE to override)", path)
		}
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("evidence: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("evidence: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("evidence: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("evidence: rename: %w", err)
	}
	return nil
}

func marshalIndented(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("evidence: marshal: %w", err)
	}
	return append(data, '\n'), nil
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func manifestArtifactFor(path string, data []byte) models.ManifestArtifact {
	return models.ManifestArtifact{
		Path:   filepath.Base(path),
		SHA256: sha256Hex(data),
		Bytes:  int64(len(data)),
	}
}
