package nbassist

import (
	"github.com/Desarso/nbassist/models"
	"github.com/Desarso/nbassist/notebook"
	"github.com/Desarso/nbassist/sessions"
)

// Re-export session types for callers that only import the root package
type Controller = sessions.Controller
type Session = sessions.Session
type Workspace = sessions.Workspace
type UI = sessions.UI
type AgentError = sessions.AgentError
type BackendError = sessions.BackendError

var (
	ErrMissingAPIKey  = sessions.ErrMissingAPIKey
	ErrMissingPrompt  = sessions.ErrMissingPrompt
	ErrAlreadyRunning = sessions.ErrAlreadyRunning
)

// NewController attaches an assistant to any notebook host.
func NewController(host notebook.Host, ui UI, factory models.BackendFactory, opts ...sessions.Option) *Controller {
	return sessions.NewController(host, ui, factory, opts...)
}
