package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrchestratorErrorFormatting(t *testing.T) {
	err := NewError(CodeLeaseConflict, "ticket already leased")
	assert.Equal(t, "lease_conflict: ticket already leased", err.Error())

	bare := NewError(CodeNotFound, "")
	assert.Equal(t, "not_found", bare.Error())
}

func TestWithContextAccumulates(t *testing.T) {
	err := NewError(CodeReadinessBlocked, "blocked").
		WithContext("missing_required", []string{"memory"}).
		WithContext("tool_name", "memory")

	assert.Equal(t, []string{"memory"}, err.Context["missing_required"])
	assert.Equal(t, "memory", err.Context["tool_name"])
}
