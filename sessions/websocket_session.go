package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/Desarso/nbassist/models"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocketWriter handles all WebSocket communication
type WebSocketWriter struct {
	Conn      *websocket.Conn
	Logger    *zap.Logger
	StartTime time.Time
	mu        sync.Mutex
}

func (w *WebSocketWriter) WriteResponse(resp interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.Conn.WriteJSON(resp)
}

func (w *WebSocketWriter) WriteError(message string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.Conn.WriteJSON(map[string]string{"type": "error", "error": message})
}

func (w *WebSocketWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.Conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return w.Conn.Close()
}

// ControlsMessage is pushed whenever the Generate/Stop affordance changes.
type ControlsMessage struct {
	Type     string          `json:"type"` // "controls"
	Controls models.Controls `json:"controls"`
}

// SnapshotMessage is the first message on a new connection.
type SnapshotMessage struct {
	Type     string          `json:"type"` // "snapshot"
	Notebook models.Notebook `json:"notebook"`
	Controls models.Controls `json:"controls"`
}

// ClientMessage is a command sent by the browser.
type ClientMessage struct {
	Type     string          `json:"type"` // "generate", "stop", "api_key", "append_cell", "set_active"
	APIKey   string          `json:"api_key,omitempty"`
	CellType models.CellType `json:"cell_type,omitempty"`
	Source   string          `json:"source,omitempty"`
	Index    int             `json:"index,omitempty"`
}

// eventHub fans document events out to the workspace's connections.
type eventHub struct {
	mu      sync.Mutex
	writers map[*WebSocketWriter]struct{}
	logger  *zap.Logger
}

func newEventHub(logger *zap.Logger) *eventHub {
	return &eventHub{writers: make(map[*WebSocketWriter]struct{}), logger: logger}
}

func (h *eventHub) add(w *WebSocketWriter) {
	h.mu.Lock()
	h.writers[w] = struct{}{}
	h.mu.Unlock()
}

func (h *eventHub) remove(w *WebSocketWriter) {
	h.mu.Lock()
	delete(h.writers, w)
	h.mu.Unlock()
}

func (h *eventHub) broadcast(v any) {
	h.mu.Lock()
	writers := make([]*WebSocketWriter, 0, len(h.writers))
	for w := range h.writers {
		writers = append(writers, w)
	}
	h.mu.Unlock()

	for _, w := range writers {
		if err := w.WriteResponse(v); err != nil {
			h.logger.Debug("dropping websocket client", zap.Error(err))
			h.remove(w)
			w.Conn.Close()
		}
	}
}

func (h *eventHub) closeAll() {
	h.mu.Lock()
	writers := h.writers
	h.writers = make(map[*WebSocketWriter]struct{})
	h.mu.Unlock()
	for w := range writers {
		w.Close()
	}
}

// ServeWebSocket streams notebook changes to conn and executes the client's
// commands until the connection closes.
func (ws *Workspace) ServeWebSocket(conn *websocket.Conn, logger *zap.Logger) {
	writer := &WebSocketWriter{Conn: conn, Logger: logger, StartTime: time.Now()}
	if err := writer.WriteResponse(SnapshotMessage{
		Type:     "snapshot",
		Notebook: ws.Document.Snapshot(),
		Controls: ws.Controller.Controls(),
	}); err != nil {
		logger.Debug("failed to send snapshot", zap.Error(err))
		conn.Close()
		return
	}
	ws.hub.add(writer)
	defer func() {
		ws.hub.remove(writer)
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			writer.WriteError("invalid message: " + err.Error())
			continue
		}
		if err := ws.handleClientMessage(msg); err != nil {
			writer.WriteError(err.Error())
		}
	}
}

func (ws *Workspace) handleClientMessage(msg ClientMessage) error {
	switch msg.Type {
	case "generate":
		// Other failures are already reported to every client through the UI.
		if err := ws.Controller.StartGeneratingCode(context.Background()); errors.Is(err, ErrAlreadyRunning) {
			return err
		}
		return nil
	case "stop":
		ws.Controller.StopGeneratingCode()
		return nil
	case "api_key":
		ws.Controller.Session().SetAPIKey(msg.APIKey)
		return nil
	case "append_cell":
		t := msg.CellType
		if t == "" {
			t = models.CellMarkdown
		}
		if t != models.CellMarkdown && t != models.CellCode {
			return &AgentError{Message: "invalid cell type: " + string(t)}
		}
		ws.Document.AppendCell(t, msg.Source)
		return nil
	case "set_active":
		return ws.Document.SetActive(msg.Index)
	default:
		return &AgentError{Message: "unknown message type: " + msg.Type}
	}
}
