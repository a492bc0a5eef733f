package kerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_FillsRemediation(t *testing.T) {
	err := New(SessionRequired, "no session for %s", "agent-1")
	assert.Equal(t, SessionRequired, err.Code)
	assert.Equal(t, "no session for agent-1", err.Message)
	assert.Equal(t, "Run `decapod session acquire`", err.Remediation)
	assert.Equal(t, "SESSION_REQUIRED: no session for agent-1", err.Error())
}

func TestWrap_PreservesCause(t *testing.T) {
	cause := errors.New("database is locked")
	err := Wrap(DBLocked, cause, "write failed")
	assert.Equal(t, cause, err.Unwrap())
	assert.ErrorIs(t, err, cause)
}

func TestWithBlockers(t *testing.T) {
	err := New(MandateViolation, "denied").WithBlockers([]string{"SESSION_REQUIRED", "WORKSPACE_REQUIRED"})
	assert.Equal(t, []string{"SESSION_REQUIRED", "WORKSPACE_REQUIRED"}, err.Blockers)
}

func TestAs_FindsWrappedError(t *testing.T) {
	inner := New(NotFound, "task missing")
	wrapped := fmt.Errorf("outer: %w", inner)

	found, ok := As(wrapped)
	assert.True(t, ok)
	assert.Equal(t, NotFound, found.Code)
}

func TestAs_ReturnsFalseForPlainError(t *testing.T) {
	_, ok := As(errors.New("plain"))
	assert.False(t, ok)
}
