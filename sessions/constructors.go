package sessions

import (
	"github.com/Desarso/nbassist/kernel"
	"github.com/Desarso/nbassist/models"
	"github.com/Desarso/nbassist/notebook"
	"github.com/Desarso/nbassist/stores"
	"go.uber.org/zap"
)

// WorkspaceConfig holds what every workspace of a server shares.
type WorkspaceConfig struct {
	Factory       models.BackendFactory
	APIKey        string // preset key; empty means the user must enter one
	Model         string
	Tracer        TraceRecorder
	KernelOptions []kernel.Option
	Logger        *zap.Logger
}

// NewWorkspace opens nb with a fresh kernel and assistant.
func NewWorkspace(nb models.Notebook, cfg WorkspaceConfig) *Workspace {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	k := kernel.New(logger, cfg.KernelOptions...)
	doc := notebook.FromNotebook(nb, k, logger)
	hub := newEventHub(logger.Named("ws").With(zap.String("notebook_id", doc.ID())))

	ui := &workspaceUI{hub: hub}
	opts := []Option{
		WithLogger(logger.Named("assistant")),
		WithSession(NewSession(cfg.APIKey)),
		WithNotebookID(doc.ID()),
	}
	if cfg.Model != "" {
		opts = append(opts, WithModel(cfg.Model))
	}
	if cfg.Tracer != nil {
		opts = append(opts, WithTracer(cfg.Tracer))
	}
	controller := NewController(doc, ui, cfg.Factory, opts...)
	ui.controls = func() any {
		return ControlsMessage{Type: "controls", Controls: controller.Controls()}
	}

	ws := &Workspace{
		Document:   doc,
		Kernel:     k,
		Controller: controller,
		hub:        hub,
	}
	ws.unsubscribe = doc.Subscribe(func(ev models.DocumentEvent) {
		hub.broadcast(ev)
	})
	return ws
}

// ServerConfig configures an HTTPServer.
type ServerConfig struct {
	WorkspaceConfig
	// Store persists notebooks. Optional.
	Store stores.NotebookStore
	// Autosaver flushes open notebooks to Store. Optional.
	Autosaver *stores.Autosaver
	// Traces serves recorded transitions and is cleared on delete. Optional.
	Traces stores.TraceStore
}

// NewHTTPServer creates the notebook HTTP API.
func NewHTTPServer(cfg ServerConfig) *HTTPServer {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &HTTPServer{
		cfg:        cfg,
		workspaces: make(map[string]*Workspace),
		logger:     cfg.Logger.Named("http"),
	}
}
