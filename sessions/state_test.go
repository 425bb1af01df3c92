package sessions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		from    State
		trigger Trigger
		want    State
	}{
		{StateIdle, TriggerStart, StateAwaitingCompletion},
		{StateTerminatedSuccess, TriggerStart, StateAwaitingCompletion},
		{StateTerminatedError, TriggerStart, StateAwaitingCompletion},
		{StateAwaitingCompletion, TriggerNarrative, StateStreamingNarrative},
		{StateAwaitingCompletion, TriggerFunctionCall, StateStreamingFunctionCall},
		{StateStreamingNarrative, TriggerFunctionCall, StateStreamingFunctionCall},
		{StateStreamingFunctionCall, TriggerCodeReady, StateAwaitingExecution},
		{StateAwaitingCompletion, TriggerNoCode, StateTerminatedSuccess},
		{StateStreamingNarrative, TriggerNoCode, StateTerminatedSuccess},
		{StateStreamingFunctionCall, TriggerNoCode, StateTerminatedSuccess},
		{StateAwaitingExecution, TriggerKernelIdle, StateAwaitingCompletion},
		{StateAwaitingExecution, TriggerStop, StateTerminatedSuccess},
		{StateStreamingNarrative, TriggerStop, StateTerminatedSuccess},
		{StateIdle, TriggerFail, StateTerminatedError},
		{StateAwaitingExecution, TriggerFail, StateTerminatedError},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+tt.trigger.String(), func(t *testing.T) {
			got, err := Transition(tt.from, tt.trigger)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIllegalTransitions(t *testing.T) {
	illegal := []struct {
		from    State
		trigger Trigger
	}{
		{StateAwaitingCompletion, TriggerStart},
		{StateAwaitingExecution, TriggerStart},
		{StateIdle, TriggerNarrative},
		{StateStreamingNarrative, TriggerNarrative},
		{StateAwaitingExecution, TriggerFunctionCall},
		{StateStreamingNarrative, TriggerCodeReady},
		{StateAwaitingExecution, TriggerNoCode},
		{StateAwaitingCompletion, TriggerKernelIdle},
		{StateTerminatedSuccess, TriggerKernelIdle},
		{StateIdle, TriggerStop},
		{StateTerminatedError, TriggerStop},
	}
	for _, tt := range illegal {
		got, err := Transition(tt.from, tt.trigger)
		assert.Error(t, err, "%s on %s", tt.from, tt.trigger)
		assert.Equal(t, tt.from, got)
	}
}

func TestStateActive(t *testing.T) {
	assert.False(t, StateIdle.Active())
	assert.False(t, StateTerminatedSuccess.Active())
	assert.False(t, StateTerminatedError.Active())
	assert.True(t, StateAwaitingCompletion.Active())
	assert.True(t, StateAwaitingExecution.Active())
	assert.Equal(t, "state(42)", State(42).String())
}

func TestSessionCredentials(t *testing.T) {
	s := NewSession("sk-1")
	s.backend = &scriptedBackend{}

	s.SetAPIKey("sk-1")
	assert.NotNil(t, s.backend)

	s.SetAPIKey("sk-2")
	assert.Nil(t, s.backend)
	assert.Equal(t, "sk-2", s.APIKey())

	s.backend = &scriptedBackend{}
	s.ClearCredentials()
	assert.Empty(t, s.APIKey())
	assert.Nil(t, s.backend)
}

func TestNewSessionIsDone(t *testing.T) {
	s := NewSession("")
	select {
	case <-s.Done():
	default:
		t.Fatal("idle session should report done")
	}
	assert.Equal(t, StateIdle, s.State())
	assert.True(t, s.Controls().GenerateVisible)
	assert.False(t, s.Controls().StopVisible)
	assert.False(t, s.ConsumeCancel())
}
