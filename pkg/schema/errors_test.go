package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlowError_Format(t *testing.T) {
	err := NewError(ErrCodePrecondition, "runtime is not draft")
	assert.Equal(t, "[PRECONDITION_ERROR] runtime is not draft", err.Error())

	withStep := NewError(ErrCodeExecution, "boom").WithStep("step-1")
	assert.Equal(t, "[EXECUTION_ERROR] step step-1: boom", withStep.Error())
}

func TestFlowError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := NewErrorf(ErrCodeStore, "persist step: %s", cause.Error()).WithCause(cause)

	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, cause, err.Unwrap())
}

func TestFlowError_Details(t *testing.T) {
	err := NewError(ErrCodeValidation, "bad payload").
		WithDetails(map[string]any{"violations": []string{"/amount: minimum"}})
	require.NotNil(t, err.Details)
	assert.Contains(t, err.Details, "violations")
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrCodeNoReadyStep, CodeOf(NewError(ErrCodeNoReadyStep, "nothing ready")))
	assert.Equal(t, "", CodeOf(fmt.Errorf("plain")))
	assert.Equal(t, "", CodeOf(nil))
}

func TestTerminalStates(t *testing.T) {
	assert.True(t, TerminalStep(StepStateDone))
	assert.True(t, TerminalStep(StepStateError))
	assert.True(t, TerminalStep(StepStateCancel))
	assert.False(t, TerminalStep(StepStateWaiting))
	assert.False(t, TerminalStep(StepStateReady))

	assert.True(t, TerminalRuntime(RuntimeStateDone))
	assert.True(t, TerminalRuntime(RuntimeStateCancel))
	assert.False(t, TerminalRuntime(RuntimeStateDraft))
	assert.False(t, TerminalRuntime(RuntimeStateInProgress))
}
