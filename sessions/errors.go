package sessions

import (
	"errors"
	"strings"
)

var (
	// ErrMissingAPIKey is reported when no API key was entered.
	ErrMissingAPIKey = errors.New("an API key is required to generate code")
	// ErrMissingPrompt is reported when the active cell has no prompt.
	ErrMissingPrompt = errors.New("write a prompt in the active cell first")
	// ErrAlreadyRunning is returned when a generation is already in progress
	// for the notebook.
	ErrAlreadyRunning = errors.New("code generation is already running")
)

// BackendError wraps a failure reported by the completion backend.
type BackendError struct {
	Err error
}

func (e *BackendError) Error() string {
	return e.Err.Error()
}

func (e *BackendError) Unwrap() error { return e.Err }

// IsAuth reports whether the backend rejected the credentials.
func (e *BackendError) IsAuth() bool {
	return isAuthMessage(e.Err.Error())
}

// AgentError is a failure surfaced to the user. Fatal errors end the
// generation loop.
type AgentError struct {
	Message string
	Fatal   bool
}

func (e *AgentError) Error() string {
	return e.Message
}

// IsAuthError reports whether err carries an "API key" failure message.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	var be *BackendError
	if errors.As(err, &be) {
		return be.IsAuth()
	}
	return isAuthMessage(err.Error())
}

func isAuthMessage(msg string) bool {
	return strings.Contains(msg, "API key")
}
