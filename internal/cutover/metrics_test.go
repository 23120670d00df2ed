package cutover

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotIsSortedAndUniquePerKey(t *testing.T) {
	m := NewMetrics()
	m.Incr(EventLegacyRead, "reply_text", "legacy")
	m.Incr(EventCanonicalMissing, "tool_verdict", "")
	m.Incr(EventLegacyRead, "decision", "legacy")
	m.Incr(EventLegacyRead, "reply_text", "legacy") // same key again

	rows := m.Snapshot()
	require.Len(t, rows, 3)

	for i := 1; i < len(rows); i++ {
		a, b := rows[i-1], rows[i]
		less := a.EventType < b.EventType ||
			(a.EventType == b.EventType && a.Field < b.Field) ||
			(a.EventType == b.EventType && a.Field == b.Field && a.Source <= b.Source)
		assert.True(t, less, "rows must be sorted by (event_type, field, source): %+v then %+v", a, b)
	}

	for _, r := range rows {
		if r.EventType == EventLegacyRead && r.Field == "reply_text" {
			assert.Equal(t, int64(2), r.Count)
		}
	}
}

func TestCanEnableStrictScenarioS6(t *testing.T) {
	m := NewMetrics()

	// Clean slate: ok in either mode.
	assert.True(t, m.CanEnableStrict(ModePreCutover).OK)
	assert.True(t, m.CanEnableStrict(ModePostCutover).OK)

	// A legacy read during pre-cutover does not block strict mode...
	m.Incr(EventLegacyRead, "reply_text", "legacy")
	assert.True(t, m.CanEnableStrict(ModePreCutover).OK)
	// ...but the same count blocks it once post-cutover.
	decision := m.CanEnableStrict(ModePostCutover)
	assert.False(t, decision.OK)
	assert.Contains(t, decision.Reasons, "legacy_read_post_cutover_nonzero")

	m.Incr(EventCanonicalMissing, "tool_verdict", "")
	decision = m.CanEnableStrict(ModePreCutover)
	assert.False(t, decision.OK)
	assert.Contains(t, decision.Reasons, "canonical_missing_nonzero")
}
