package sessions

import "fmt"

// State is a phase of the generation loop.
type State int

const (
	StateIdle State = iota
	StateAwaitingCompletion
	StateStreamingNarrative
	StateStreamingFunctionCall
	StateAwaitingExecution
	StateTerminatedSuccess
	StateTerminatedError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingCompletion:
		return "awaiting_completion"
	case StateStreamingNarrative:
		return "streaming_narrative"
	case StateStreamingFunctionCall:
		return "streaming_function_call"
	case StateAwaitingExecution:
		return "awaiting_execution"
	case StateTerminatedSuccess:
		return "terminated_success"
	case StateTerminatedError:
		return "terminated_error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Active reports whether a generation loop is in progress in state s.
func (s State) Active() bool {
	switch s {
	case StateIdle, StateTerminatedSuccess, StateTerminatedError:
		return false
	default:
		return true
	}
}

// Trigger is an event that moves the state machine.
type Trigger int

const (
	// TriggerStart begins a generation from a resting state.
	TriggerStart Trigger = iota
	// TriggerNarrative is the first narrative token of a response.
	TriggerNarrative
	// TriggerFunctionCall is the first function-call token of a response.
	TriggerFunctionCall
	// TriggerCodeReady means a code cell was filled and submitted.
	TriggerCodeReady
	// TriggerNoCode means the response ended without a function call.
	TriggerNoCode
	// TriggerKernelIdle means the submitted code finished executing.
	TriggerKernelIdle
	// TriggerStop is a user cancellation.
	TriggerStop
	// TriggerFail is any error.
	TriggerFail
)

func (t Trigger) String() string {
	switch t {
	case TriggerStart:
		return "start"
	case TriggerNarrative:
		return "narrative"
	case TriggerFunctionCall:
		return "function_call"
	case TriggerCodeReady:
		return "code_ready"
	case TriggerNoCode:
		return "no_code"
	case TriggerKernelIdle:
		return "kernel_idle"
	case TriggerStop:
		return "stop"
	case TriggerFail:
		return "fail"
	default:
		return fmt.Sprintf("trigger(%d)", int(t))
	}
}

// Transition returns the state reached from s on t, or an error if t is not
// legal in s.
func Transition(s State, t Trigger) (State, error) {
	switch t {
	case TriggerStart:
		if !s.Active() {
			return StateAwaitingCompletion, nil
		}
	case TriggerNarrative:
		if s == StateAwaitingCompletion {
			return StateStreamingNarrative, nil
		}
	case TriggerFunctionCall:
		if s == StateAwaitingCompletion || s == StateStreamingNarrative {
			return StateStreamingFunctionCall, nil
		}
	case TriggerCodeReady:
		if s == StateStreamingFunctionCall {
			return StateAwaitingExecution, nil
		}
	case TriggerNoCode:
		if s == StateAwaitingCompletion || s == StateStreamingNarrative || s == StateStreamingFunctionCall {
			return StateTerminatedSuccess, nil
		}
	case TriggerKernelIdle:
		if s == StateAwaitingExecution {
			return StateAwaitingCompletion, nil
		}
	case TriggerStop:
		if s.Active() {
			return StateTerminatedSuccess, nil
		}
	case TriggerFail:
		return StateTerminatedError, nil
	}
	return s, fmt.Errorf("illegal transition: %s on %s", s, t)
}
