package models

// RunReportV1 is the versioned artifact emitted per TOOL run. It is not
// ticket state: it is written to the evidence directory by the Evidence
// Writer and never round-tripped back into the ticket store.
type RunReportV1 struct {
	Version           string          `json:"version"`
	RunID             string          `json:"run_id"`
	AsOf              string          `json:"as_of"`
	TicketID          string          `json:"ticket_id"`
	RetryPolicyID     string          `json:"retry_policy_id"`
	MaxAttempts       int             `json:"max_attempts"`
	TerminalStatus    string          `json:"terminal_status"`
	PrimaryFailureCode *string        `json:"primary_failure_code"`
	StartedAt         string          `json:"started_at"`
	EndedAt           string          `json:"ended_at"`
	DurationMs        int64           `json:"duration_ms"`
	StepReports       []StepReport    `json:"step_reports"`
	AttemptEvents     []RunAttemptEvent `json:"attempt_events"`
	ModeSnapshot      map[string]any  `json:"mode_snapshot,omitempty"`
}

type StepReport struct {
	StepIndex     int             `json:"step_index"`
	ToolName      string          `json:"tool_name"`
	SideEffect    string          `json:"side_effect"`
	Status        string          `json:"status"`
	Code          string          `json:"code,omitempty"`
	StartedAt     string          `json:"started_at"`
	EndedAt       string          `json:"ended_at"`
	DurationMs    int64           `json:"duration_ms"`
	ResultSummary string          `json:"result_summary,omitempty"`
	EvidenceItems []EvidenceItem  `json:"evidence_items"`
}

// RunAttemptEvent is a RunReport-scoped event, distinct from the
// ticket-scoped AttemptEvent used for lease-expiry trace entries.
type RunAttemptEvent struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	StepIndex *int   `json:"step_index,omitempty"`
	Status    string `json:"status,omitempty"`
	Code      string `json:"code,omitempty"`
}

const (
	AttemptRunStart  = "RUN_START"
	AttemptRunEnd    = "RUN_END"
	AttemptStepStart = "STEP_START"
	AttemptStepEnd   = "STEP_END"
)

// EvidenceItem is a single artifact candidate attached to a step report.
type EvidenceItem struct {
	Kind    string         `json:"kind"`
	Summary string         `json:"summary,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// EvidenceManifestV1 lists artifacts written alongside a run report.
type EvidenceManifestV1 struct {
	RunID     string              `json:"run_id"`
	Artifacts []ManifestArtifact  `json:"artifacts"`
	Checks    []ManifestCheck     `json:"checks"`
}

type ManifestArtifact struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Bytes  int64  `json:"bytes"`
}

type ManifestCheck struct {
	Name        string   `json:"name"`
	OK          bool     `json:"ok"`
	ReasonCodes []string `json:"reason_codes,omitempty"`
	DetailsRef  string   `json:"details_ref,omitempty"`
}

type ManifestSelfHashV1 struct {
	Value string `json:"value"`
}
