// Package schemagate validates payloads at named ticket boundaries with a
// small hand-rolled walker over plain Go structs.
package schemagate

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/signalforge/orchestrator/pkg/models"
)

// Boundary names a write boundary a payload is validated at.
type Boundary string

const (
	BoundaryTicketCreate   Boundary = "TICKET_CREATE"
	BoundaryTicketComplete Boundary = "TICKET_COMPLETE"
	BoundaryTicketDerive   Boundary = "TICKET_DERIVE"
)

// Direction distinguishes externally-triggered validation from internal
// component-to-component validation.
type Direction string

const (
	DirectionIngress Direction = "ingress"
	DirectionInternal Direction = "internal"
)

// Mode controls how violations are handled.
type Mode string

const (
	ModeOff    Mode = "off"
	ModeWarn   Mode = "warn"
	ModeStrict Mode = "strict"
)

// ErrorClass classifies one validation failure.
type ErrorClass string

const (
	ClassMissing       ErrorClass = "missing"
	ClassTypeMismatch  ErrorClass = "type_mismatch"
	ClassUnknownField  ErrorClass = "unknown_field"
	ClassSchemaInvalid ErrorClass = "schema_invalid"
)

// ValidationError is one field-level failure.
type ValidationError struct {
	Field string
	Class ErrorClass
	Msg   string
}

// Result is the outcome of a Validate call.
type Result struct {
	OK       bool
	Errors   []ValidationError
	WarnOnly bool
}

// Gate validates payloads at a named boundary+direction. Its mode is read
// once at startup from config.Schema.Mode and held for the process
// lifetime, matching the re-architecture note against ambient mutable
// module state (it is a typed, explicitly-passed service, not a global).
type Gate struct {
	mode Mode

	mu      sync.Mutex
	metrics map[string]int64 // keyed by boundary:class
}

func NewGate(mode string) *Gate {
	m := Mode(mode)
	switch m {
	case ModeOff, ModeWarn, ModeStrict:
	default:
		m = ModeWarn
	}
	return &Gate{mode: m, metrics: make(map[string]int64)}
}

func (g *Gate) Mode() Mode { return g.mode }

func (g *Gate) incr(boundary Boundary, class ErrorClass) {
	g.mu.Lock()
	g.metrics[string(boundary)+":"+string(class)]++
	g.mu.Unlock()
}

// MetricCount returns the counter for a (boundary, class) pair. Exposed
// for the /metrics aggregation handler.
func (g *Gate) MetricCount(boundary Boundary, class ErrorClass) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.metrics[string(boundary)+":"+string(class)]
}

// Validate checks payload against the schema registered for boundary and
// applies mode semantics:
//   - off: no-op, always ok.
//   - warn: always allow; emits per-error audit + per-dimension counter.
//   - strict.ingress: caller maps !ok to an HTTP 400 rejection.
//   - strict.internal: never throws, never mutates the parent; returns
//     {ok:false, code:SCHEMA_VALIDATION_FAILED} so the caller can skip the
//     child-create.
func (g *Gate) Validate(boundary Boundary, direction Direction, payload map[string]any) Result {
	if g.mode == ModeOff {
		return Result{OK: true}
	}

	errs := validateSchema(boundary, payload)
	if len(errs) == 0 {
		return Result{OK: true}
	}

	for _, e := range errs {
		g.incr(boundary, e.Class)
	}

	if g.mode == ModeWarn {
		warnCodes := make([]string, 0, len(errs))
		for _, e := range errs {
			warnCodes = append(warnCodes, string(e.Class))
		}
		log.Warn().
			Str("boundary", string(boundary)).
			Str("direction", string(direction)).
			Int("warn_count", len(errs)).
			Strs("warn_codes", warnCodes).
			Msg("schema gate warning")
		return Result{OK: true, Errors: errs, WarnOnly: true}
	}

	// strict: log the same audit fields regardless of direction, then let
	// the caller decide how to surface the rejection.
	warnCodes := make([]string, 0, len(errs))
	for _, e := range errs {
		warnCodes = append(warnCodes, string(e.Class))
	}
	log.Error().
		Str("boundary", string(boundary)).
		Str("direction", string(direction)).
		Int("warn_count", len(errs)).
		Strs("warn_codes", warnCodes).
		Msg("schema gate strict rejection")
	return Result{OK: false, Errors: errs}
}

// AsOrchestratorError converts a failed Result into a stable
// SCHEMA_VALIDATION_FAILED error. The fill path returns it for ingress
// rejections; the Derivation Engine does not use it and reports a skip
// reason instead.
func (r Result) AsOrchestratorError() *models.OrchestratorError {
	if r.OK {
		return nil
	}
	codes := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		codes = append(codes, string(e.Class))
	}
	return models.NewError(models.CodeSchemaValidationFailed, "schema validation failed").
		WithContext("warn_codes", codes)
}
