package cutover

import "sync"

// EventType is the low-cardinality dimension of a cutover metric counter.
type EventType string

const (
	EventLegacyRead       EventType = "legacy_read"
	EventCutoverViolation EventType = "cutover_violation"
	EventCanonicalMissing EventType = "canonical_missing"
)

// counterKey is the (event_type, field, source?) tuple the counter table
// is keyed by.
type counterKey struct {
	EventType EventType
	Field     string
	Source    string
}

// Row is one stable-ordered snapshot row.
type Row struct {
	EventType EventType `json:"event_type"`
	Field     string    `json:"field"`
	Source    string    `json:"source,omitempty"`
	Count     int64     `json:"count"`
}

// Metrics is a low-cardinality counter table for compatibility
// observability, updated under a small lock.
type Metrics struct {
	mu       sync.Mutex
	counters map[counterKey]int64
}

func NewMetrics() *Metrics {
	return &Metrics{counters: make(map[counterKey]int64)}
}

// Incr bumps the counter identified by (eventType, field, source).
func (m *Metrics) Incr(eventType EventType, field, source string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[counterKey{eventType, field, source}]++
}

// Count returns the current value for (eventType, field, source).
func (m *Metrics) Count(eventType EventType, field, source string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[counterKey{eventType, field, source}]
}

// Total sums every counter whose event type matches eventType.
func (m *Metrics) Total(eventType EventType) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for k, v := range m.counters {
		if k.EventType == eventType {
			total += v
		}
	}
	return total
}

// Snapshot builds a point-in-time sorted copy, unique per key, ordered by
// (event_type, field, source).
func (m *Metrics) Snapshot() []Row {
	m.mu.Lock()
	rows := make([]Row, 0, len(m.counters))
	for k, v := range m.counters {
		rows = append(rows, Row{EventType: k.EventType, Field: k.Field, Source: k.Source, Count: v})
	}
	m.mu.Unlock()

	sortRows(rows)
	return rows
}

func sortRows(rows []Row) {
	// Simple insertion sort is fine: the counter table is low-cardinality
	// by construction (a handful of event types and fields).
	for i := 1; i < len(rows); i++ {
		for j := i; j > 0 && rowLess(rows[j], rows[j-1]); j-- {
			rows[j], rows[j-1] = rows[j-1], rows[j]
		}
	}
}

func rowLess(a, b Row) bool {
	if a.EventType != b.EventType {
		return a.EventType < b.EventType
	}
	if a.Field != b.Field {
		return a.Field < b.Field
	}
	return a.Source < b.Source
}

// Decision is the low-cardinality, deterministic decision surface
// canEnableStrict returns.
type Decision struct {
	OK      bool     `json:"ok"`
	Reasons []string `json:"reasons"`
}

// CanEnableStrict decides whether strict cutover mode is safe to enable:
// ok iff canonical_missing==0 && cutover_violation==0 &&
// (mode==pre_cutover || legacy_read==0).
func (m *Metrics) CanEnableStrict(mode Mode) Decision {
	canonicalMissing := m.Total(EventCanonicalMissing)
	cutoverViolation := m.Total(EventCutoverViolation)
	legacyRead := m.Total(EventLegacyRead)

	var reasons []string
	if canonicalMissing != 0 {
		reasons = append(reasons, "canonical_missing_nonzero")
	}
	if cutoverViolation != 0 {
		reasons = append(reasons, "cutover_violation_nonzero")
	}
	if mode == ModePostCutover && legacyRead != 0 {
		reasons = append(reasons, "legacy_read_post_cutover_nonzero")
	}

	return Decision{OK: len(reasons) == 0, Reasons: reasons}
}
