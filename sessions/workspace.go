package sessions

import (
	"context"

	"github.com/Desarso/nbassist/kernel"
	"github.com/Desarso/nbassist/notebook"
)

// Workspace is one open notebook with its kernel, assistant and connected
// websocket clients.
type Workspace struct {
	Document   *notebook.Document
	Kernel     *kernel.Kernel
	Controller *Controller

	hub         *eventHub
	unsubscribe func()
}

// ID returns the notebook ID.
func (w *Workspace) ID() string { return w.Document.ID() }

// Close stops the assistant and the kernel and disconnects clients.
func (w *Workspace) Close() {
	w.Controller.Close()
	if w.unsubscribe != nil {
		w.unsubscribe()
	}
	w.Kernel.Close()
	w.hub.closeAll()
}

// workspaceUI reports controller feedback to websocket clients. It cannot
// prompt: keys arrive through the api-key endpoint or a websocket message.
type workspaceUI struct {
	hub      *eventHub
	controls func() any
}

func (u *workspaceUI) PromptAPIKey(context.Context) (string, error) {
	return "", nil
}

func (u *workspaceUI) ShowError(message string) {
	u.hub.broadcast(map[string]string{"type": "error", "error": message})
}

func (u *workspaceUI) SetGenerating(bool) {
	if u.controls != nil {
		u.hub.broadcast(u.controls())
	}
}
