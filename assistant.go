// Package nbassist embeds a code-generating assistant in notebooks. The
// assistant turns the cells above the active one into a chat transcript,
// streams the model's narrative into markdown cells and its run_code calls
// into code cells, executes them and continues once the kernel is idle.
package nbassist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/Desarso/nbassist/kernel"
	"github.com/Desarso/nbassist/models"
	"github.com/Desarso/nbassist/notebook"
	"github.com/Desarso/nbassist/sessions"
	"github.com/Desarso/nbassist/stores"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Assistant wires a backend, persistence and the HTTP API together.
type Assistant struct {
	Config    *Config
	Store     stores.NotebookStore // nil without persistence
	Traces    *stores.GORMTraceStore
	Autosaver *stores.Autosaver
	Server    *sessions.HTTPServer

	logger *zap.Logger
}

// New builds an Assistant from cfg. With a store configured it connects,
// migrates and starts the autosave schedule.
func New(cfg *Config) (*Assistant, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	factory, err := cfg.BackendFactory()
	if err != nil {
		return nil, err
	}
	logger := cfg.logger()

	a := &Assistant{Config: cfg, logger: logger}
	server := sessions.ServerConfig{
		WorkspaceConfig: sessions.WorkspaceConfig{
			Factory:       factory,
			APIKey:        cfg.APIKey,
			Model:         cfg.ModelName,
			KernelOptions: []kernel.Option{kernel.WithInterpreters(cfg.PythonPath, cfg.ShellPath)},
			Logger:        logger,
		},
	}

	if cfg.StoreType != "" {
		storeCfg := stores.NewStoreConfig(cfg.StoreType, cfg.StoreDSN)
		for k, v := range cfg.StoreOptions {
			storeCfg.WithOption(k, v)
		}
		store, err := stores.NewStore(storeCfg)
		if err != nil {
			return nil, err
		}
		traces, err := stores.NewGORMTraceStore(store.DB())
		if err != nil {
			store.Close()
			return nil, err
		}
		a.Store = store
		a.Traces = traces
		a.Autosaver = stores.NewAutosaver(store, logger)
		if err := a.Autosaver.Start(cfg.AutosaveSpec); err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to start autosave: %w", err)
		}
		server.Store = store
		server.Autosaver = a.Autosaver
		server.Tracer = traces
		server.Traces = traces
	}

	a.Server = sessions.NewHTTPServer(server)
	return a, nil
}

// Router returns the gin engine serving the notebook API.
func (a *Assistant) Router() *gin.Engine {
	return a.Server.Router()
}

// Serve listens on addr until ctx is cancelled, then shuts the server down.
func (a *Assistant) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: a.Router()}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server starting", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// OpenFile loads an .ipynb file into a new workspace.
func (a *Assistant) OpenFile(path string) (*sessions.Workspace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	nb, err := notebook.ReadIPYNB(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return a.Server.Create(nb), nil
}

// SaveFile writes the workspace's notebook to path as .ipynb.
func SaveFile(ws *sessions.Workspace, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := notebook.WriteIPYNB(f, ws.Document.Snapshot()); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Export writes the stored or open notebook id to w as .ipynb.
func (a *Assistant) Export(ctx context.Context, id string, w io.Writer) error {
	ws, err := a.Server.Open(ctx, id)
	if err != nil {
		return err
	}
	return notebook.WriteIPYNB(w, ws.Document.Snapshot())
}

// Ask appends prompt as a new cell of ws, generates until the loop ends and
// returns the final controls.
func (a *Assistant) Ask(ctx context.Context, ws *sessions.Workspace, prompt string) (models.Controls, error) {
	ws.Document.AppendCell(models.CellMarkdown, prompt)
	if err := ws.Controller.StartGeneratingCode(ctx); err != nil {
		return ws.Controller.Controls(), err
	}
	if err := ws.Controller.Wait(ctx); err != nil {
		ws.Controller.StopGeneratingCode()
		return ws.Controller.Controls(), err
	}
	return ws.Controller.Controls(), ws.Controller.Session().Err()
}

// Close stops open notebooks, flushes pending edits and closes the store.
func (a *Assistant) Close() error {
	a.Server.Close()
	var errs []error
	if a.Autosaver != nil {
		errs = append(errs, a.Autosaver.Stop(context.Background()))
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}
