package sessions

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/Desarso/nbassist/models"
	"github.com/Desarso/nbassist/notebook"
	"github.com/Desarso/nbassist/stores"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// HTTPServer serves the notebook API and keeps the open workspaces.
type HTTPServer struct {
	cfg    ServerConfig
	logger *zap.Logger

	mu         sync.Mutex
	workspaces map[string]*Workspace
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Router returns a gin engine with the API mounted under /api/v1.
func (s *HTTPServer) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	s.Register(router.Group("/api/v1"))
	return router
}

// Register mounts the notebook routes on r.
func (s *HTTPServer) Register(r gin.IRouter) {
	r.POST("/notebooks", s.createNotebook)
	r.GET("/notebooks", s.listNotebooks)
	r.POST("/notebooks/import", s.importNotebook)
	r.GET("/notebooks/:id", s.getNotebook)
	r.DELETE("/notebooks/:id", s.deleteNotebook)
	r.POST("/notebooks/:id/cells", s.appendCell)
	r.PUT("/notebooks/:id/api-key", s.setAPIKey)
	r.POST("/notebooks/:id/generate", s.generate)
	r.POST("/notebooks/:id/stop", s.stop)
	r.GET("/notebooks/:id/controls", s.controls)
	r.GET("/notebooks/:id/ipynb", s.exportNotebook)
	r.GET("/notebooks/:id/traces", s.listTraces)
	r.GET("/notebooks/:id/ws", s.serveWebSocket)
}

// Open returns the workspace for id, loading it from the store if needed.
func (s *HTTPServer) Open(ctx context.Context, id string) (*Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ws, ok := s.workspaces[id]; ok {
		return ws, nil
	}
	if s.cfg.Store == nil {
		return nil, stores.ErrNotFound
	}
	nb, err := s.cfg.Store.LoadNotebook(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.addLocked(nb), nil
}

// Create opens a new workspace for nb. A missing or taken ID is replaced.
func (s *HTTPServer) Create(nb models.Notebook) *Workspace {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.workspaces[nb.ID]; nb.ID == "" || taken {
		nb.ID = uuid.New().String()
	}
	return s.addLocked(nb)
}

func (s *HTTPServer) addLocked(nb models.Notebook) *Workspace {
	ws := NewWorkspace(nb, s.cfg.WorkspaceConfig)
	s.workspaces[ws.ID()] = ws
	if s.cfg.Autosaver != nil {
		s.cfg.Autosaver.Track(ws.Document)
	}
	s.logger.Info("notebook opened", zap.String("notebook_id", ws.ID()))
	return ws
}

// Close shuts down every open workspace.
func (s *HTTPServer) Close() {
	s.mu.Lock()
	open := make([]*Workspace, 0, len(s.workspaces))
	for _, ws := range s.workspaces {
		open = append(open, ws)
	}
	s.mu.Unlock()

	for _, ws := range open {
		ws.Close()
	}
}

func (s *HTTPServer) workspace(c *gin.Context) (*Workspace, bool) {
	ws, err := s.Open(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "notebook not found"})
		} else {
			s.logger.Error("failed to open notebook", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return nil, false
	}
	return ws, true
}

func (s *HTTPServer) createNotebook(c *gin.Context) {
	var req models.CreateNotebookRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	ws := s.Create(models.Notebook{Name: req.Name})
	c.JSON(http.StatusCreated, ws.Document.Snapshot())
}

func (s *HTTPServer) listNotebooks(c *gin.Context) {
	byID := map[string]models.NotebookSummary{}
	if s.cfg.Store != nil {
		stored, err := s.cfg.Store.ListNotebooks(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		for _, nb := range stored {
			byID[nb.ID] = nb
		}
	}

	s.mu.Lock()
	for id, ws := range s.workspaces {
		summary := byID[id]
		summary.ID = id
		summary.Name = ws.Document.Name()
		summary.CellCount = ws.Document.CellCount()
		byID[id] = summary
	}
	s.mu.Unlock()

	list := make([]models.NotebookSummary, 0, len(byID))
	for _, nb := range byID {
		list = append(list, nb)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	c.JSON(http.StatusOK, gin.H{"notebooks": list})
}

func (s *HTTPServer) importNotebook(c *gin.Context) {
	nb, err := notebook.ReadIPYNB(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if name := c.Query("name"); name != "" {
		nb.Name = name
	}
	ws := s.Create(nb)
	c.JSON(http.StatusCreated, ws.Document.Snapshot())
}

func (s *HTTPServer) getNotebook(c *gin.Context) {
	ws, ok := s.workspace(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, ws.Document.Snapshot())
}

func (s *HTTPServer) deleteNotebook(c *gin.Context) {
	id := c.Param("id")
	s.mu.Lock()
	ws, open := s.workspaces[id]
	delete(s.workspaces, id)
	s.mu.Unlock()

	if open {
		if s.cfg.Autosaver != nil {
			s.cfg.Autosaver.Untrack(id)
		}
		ws.Close()
	}

	if s.cfg.Store != nil {
		err := s.cfg.Store.DeleteNotebook(c.Request.Context(), id)
		if err != nil && !(open && errors.Is(err, stores.ErrNotFound)) {
			if errors.Is(err, stores.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "notebook not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	} else if !open {
		c.JSON(http.StatusNotFound, gin.H{"error": "notebook not found"})
		return
	}
	if s.cfg.Traces != nil {
		if err := s.cfg.Traces.DeleteTracesByNotebook(id); err != nil {
			s.logger.Warn("failed to delete traces", zap.String("notebook_id", id), zap.Error(err))
		}
	}
	c.Status(http.StatusNoContent)
}

func (s *HTTPServer) appendCell(c *gin.Context) {
	ws, ok := s.workspace(c)
	if !ok {
		return
	}
	var req models.CreateCellRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Type != models.CellMarkdown && req.Type != models.CellCode {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid cell type %q", req.Type)})
		return
	}
	idx := ws.Document.AppendCell(req.Type, req.Source)
	cell, _ := ws.Document.Cell(idx)
	c.JSON(http.StatusCreated, gin.H{"index": idx, "cell": cell})
}

func (s *HTTPServer) setAPIKey(c *gin.Context) {
	ws, ok := s.workspace(c)
	if !ok {
		return
	}
	var req models.APIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ws.Controller.Session().SetAPIKey(req.APIKey)
	c.Status(http.StatusNoContent)
}

func (s *HTTPServer) generate(c *gin.Context) {
	ws, ok := s.workspace(c)
	if !ok {
		return
	}
	err := ws.Controller.StartGeneratingCode(c.Request.Context())
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "controls": ws.Controller.Controls()})
		return
	}
	c.JSON(http.StatusAccepted, ws.Controller.Controls())
}

func (s *HTTPServer) stop(c *gin.Context) {
	ws, ok := s.workspace(c)
	if !ok {
		return
	}
	ws.Controller.StopGeneratingCode()
	c.JSON(http.StatusOK, ws.Controller.Controls())
}

func (s *HTTPServer) controls(c *gin.Context) {
	ws, ok := s.workspace(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, ws.Controller.Controls())
}

func (s *HTTPServer) exportNotebook(c *gin.Context) {
	ws, ok := s.workspace(c)
	if !ok {
		return
	}
	nb := ws.Document.Snapshot()
	name := nb.Name
	if name == "" {
		name = nb.ID
	}
	c.Header("Content-Type", "application/x-ipynb+json")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+".ipynb"))
	if err := notebook.WriteIPYNB(c.Writer, nb); err != nil {
		s.logger.Error("failed to export notebook", zap.Error(err))
	}
}

// listTraces returns the recorded transitions of a notebook, or of a single
// turn when ?turn= is given.
func (s *HTTPServer) listTraces(c *gin.Context) {
	if s.cfg.Traces == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "tracing is disabled"})
		return
	}
	id := c.Param("id")
	var (
		traces []*stores.TurnTrace
		err    error
	)
	if turn := c.Query("turn"); turn != "" {
		traces, err = s.cfg.Traces.GetTracesByTurn(turn)
		filtered := traces[:0]
		for _, tr := range traces {
			if tr.NotebookID == id {
				filtered = append(filtered, tr)
			}
		}
		traces = filtered
	} else {
		traces, err = s.cfg.Traces.GetTracesByNotebook(id)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if traces == nil {
		traces = []*stores.TurnTrace{}
	}
	c.JSON(http.StatusOK, gin.H{"traces": traces})
}

func (s *HTTPServer) serveWebSocket(c *gin.Context) {
	ws, ok := s.workspace(c)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	ws.ServeWebSocket(conn, s.logger.With(zap.String("notebook_id", ws.ID())))
}

func statusFor(err error) int {
	var be *BackendError
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, ErrMissingAPIKey):
		return http.StatusUnauthorized
	case errors.Is(err, ErrMissingPrompt):
		return http.StatusBadRequest
	case errors.As(err, &be):
		if be.IsAuth() {
			return http.StatusUnauthorized
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
