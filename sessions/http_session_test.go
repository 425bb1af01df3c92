package sessions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Desarso/nbassist/kernel"
	"github.com/Desarso/nbassist/models"
	"github.com/Desarso/nbassist/stores"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestServer(t *testing.T, cfg ServerConfig, turns ...turn) (*HTTPServer, *gin.Engine, *scriptedBackend) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	backend := &scriptedBackend{turns: turns}
	cfg.Factory = backend.factory()
	cfg.Logger = zaptest.NewLogger(t)
	cfg.KernelOptions = []kernel.Option{kernel.WithRunner(
		func(_ context.Context, _ kernel.Language, code string) (*kernel.Result, error) {
			return &kernel.Result{Stdout: "ran:" + code}, nil
		})}
	srv := NewHTTPServer(cfg)
	t.Cleanup(srv.Close)
	return srv, srv.Router(), backend
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHTTPGenerateFlow(t *testing.T) {
	_, router, backend := newTestServer(t, ServerConfig{})

	w := doJSON(t, router, http.MethodPost, "/api/v1/notebooks", models.CreateNotebookRequest{Name: "sales"})
	require.Equal(t, http.StatusCreated, w.Code)
	nb := decode[models.Notebook](t, w)
	require.NotEmpty(t, nb.ID)
	assert.Equal(t, "sales", nb.Name)
	base := "/api/v1/notebooks/" + nb.ID

	w = doJSON(t, router, http.MethodPost, base+"/cells", models.CreateCellRequest{Type: models.CellMarkdown, Source: "plot sales"})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, float64(1), decode[map[string]any](t, w)["index"])

	w = doJSON(t, router, http.MethodPost, base+"/cells", models.CreateCellRequest{Type: "raw"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, router, http.MethodGet, base+"/controls", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.Controls{GenerateVisible: true, State: "idle"}, decode[models.Controls](t, w))

	w = doJSON(t, router, http.MethodPost, base+"/generate", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, backend.Requests())

	w = doJSON(t, router, http.MethodPut, base+"/api-key", models.APIKeyRequest{APIKey: "sk-test"})
	require.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, router, http.MethodPost, base+"/generate", nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool {
		c := decode[models.Controls](t, doJSON(t, router, http.MethodGet, base+"/controls", nil))
		return c.GenerateVisible && c.State == "terminated_success"
	}, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, backend.Requests(), 1)

	w = doJSON(t, router, http.MethodGet, base+"/ipynb", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-ipynb+json", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), `sales.ipynb`)
	assert.Contains(t, w.Body.String(), "__Assistant:__")
	assert.Contains(t, w.Body.String(), "Done.")
}

func TestHTTPImportAndDelete(t *testing.T) {
	_, router, _ := newTestServer(t, ServerConfig{})

	ipynb := `{"nbformat":4,"nbformat_minor":5,"metadata":{},"cells":[
		{"cell_type":"markdown","metadata":{},"source":["hello ","world"]}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/notebooks/import?name=greeting", strings.NewReader(ipynb))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)
	nb := decode[models.Notebook](t, w)
	assert.Equal(t, "greeting", nb.Name)
	require.Len(t, nb.Cells, 1)
	assert.Equal(t, "hello world", nb.Cells[0].Source)

	w = doJSON(t, router, http.MethodGet, "/api/v1/notebooks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[map[string][]models.NotebookSummary](t, w)["notebooks"]
	require.Len(t, list, 1)
	assert.Equal(t, nb.ID, list[0].ID)

	w = doJSON(t, router, http.MethodDelete, "/api/v1/notebooks/"+nb.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/v1/notebooks/"+nb.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = doJSON(t, router, http.MethodDelete, "/api/v1/notebooks/"+nb.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/notebooks/import", strings.NewReader(`{"nbformat":3}`))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHTTPReopensStoredNotebooks(t *testing.T) {
	store, err := stores.NewSQLiteStoreSimple(filepath.Join(t.TempDir(), "nb.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	tracer, err := stores.NewGORMTraceStore(store.DB())
	require.NoError(t, err)

	autosaver := stores.NewAutosaver(store, zaptest.NewLogger(t))
	cfg := ServerConfig{Store: store, Autosaver: autosaver}
	cfg.Tracer = tracer
	cfg.APIKey = "sk-test"
	first, router, _ := newTestServer(t, cfg)

	w := doJSON(t, router, http.MethodPost, "/api/v1/notebooks", models.CreateNotebookRequest{Name: "kept"})
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[models.Notebook](t, w).ID
	base := "/api/v1/notebooks/" + id
	doJSON(t, router, http.MethodPost, base+"/cells", models.CreateCellRequest{Type: models.CellMarkdown, Source: "hi"})
	require.Equal(t, http.StatusAccepted, doJSON(t, router, http.MethodPost, base+"/generate", nil).Code)
	require.Eventually(t, func() bool {
		return decode[models.Controls](t, doJSON(t, router, http.MethodGet, base+"/controls", nil)).GenerateVisible
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, autosaver.FlushAll(context.Background()))
	first.Close()

	_, reopened, _ := newTestServer(t, ServerConfig{Store: store, Traces: tracer})
	w = doJSON(t, reopened, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, w.Code)
	nb := decode[models.Notebook](t, w)
	assert.Equal(t, "kept", nb.Name)
	require.GreaterOrEqual(t, len(nb.Cells), 3)
	assert.Equal(t, "__Assistant:__\nDone.", nb.Cells[2].Source)

	type traceList struct {
		Traces []*stores.TurnTrace `json:"traces"`
	}
	w = doJSON(t, reopened, http.MethodGet, base+"/traces", nil)
	require.Equal(t, http.StatusOK, w.Code)
	traces := decode[traceList](t, w).Traces
	require.NotEmpty(t, traces)
	assert.Equal(t, "start", traces[0].Trigger)
	assert.Equal(t, "terminated_success", traces[len(traces)-1].To)

	turn := traces[0].TurnID
	w = doJSON(t, reopened, http.MethodGet, base+"/traces?turn="+turn, nil)
	require.Equal(t, http.StatusOK, w.Code)
	for _, tr := range decode[traceList](t, w).Traces {
		assert.Equal(t, turn, tr.TurnID)
	}
	w = doJSON(t, reopened, http.MethodGet, "/api/v1/notebooks/other/traces?turn="+turn, nil)
	assert.Empty(t, decode[traceList](t, w).Traces)

	assert.Equal(t, http.StatusNotFound, doJSON(t, reopened, http.MethodGet, "/api/v1/notebooks/missing", nil).Code)

	require.Equal(t, http.StatusNoContent, doJSON(t, reopened, http.MethodDelete, base, nil).Code)
	w = doJSON(t, reopened, http.MethodGet, base+"/traces", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[traceList](t, w).Traces)
}

func TestHTTPTracesDisabled(t *testing.T) {
	_, router, _ := newTestServer(t, ServerConfig{})
	assert.Equal(t, http.StatusNotFound, doJSON(t, router, http.MethodGet, "/api/v1/notebooks/x/traces", nil).Code)
}

func TestWebSocketSession(t *testing.T) {
	srv, router, _ := newTestServer(t, ServerConfig{})
	ws := srv.Create(models.Notebook{Name: "live"})

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/notebooks/" + ws.ID() + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var snap SnapshotMessage
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, "snapshot", snap.Type)
	assert.Equal(t, ws.ID(), snap.Notebook.ID)
	assert.True(t, snap.Controls.GenerateVisible)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "append_cell", Source: "hello"}))
	var ev models.DocumentEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "cell_inserted", ev.Type)
	assert.Equal(t, 1, ev.Index)
	require.NotNil(t, ev.Cell)
	assert.Equal(t, "hello", ev.Cell.Source)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "bogus"}))
	var errMsg map[string]string
	require.NoError(t, conn.ReadJSON(&errMsg))
	assert.Equal(t, "error", errMsg["type"])
	assert.Contains(t, errMsg["error"], "unknown message type")
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(ErrAlreadyRunning))
	assert.Equal(t, http.StatusUnauthorized, statusFor(ErrMissingAPIKey))
	assert.Equal(t, http.StatusBadRequest, statusFor(ErrMissingPrompt))
	assert.Equal(t, http.StatusBadGateway, statusFor(&BackendError{Err: io.ErrUnexpectedEOF}))
	assert.Equal(t, http.StatusUnauthorized, statusFor(&BackendError{Err: errors.New("Incorrect API key provided")}))
	assert.Equal(t, http.StatusInternalServerError, statusFor(io.EOF))
}
