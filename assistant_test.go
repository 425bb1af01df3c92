package nbassist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Desarso/nbassist/models"
	"github.com/Desarso/nbassist/notebook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func chunk(delta string) string {
	return fmt.Sprintf(`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4","choices":[{"index":0,"delta":%s,"finish_reason":null}]}`, delta)
}

// chatServer answers the n-th completion request with the n-th script,
// repeating the last one.
type chatServer struct {
	mu       sync.Mutex
	scripts  [][]string
	requests []map[string]any
}

func (s *chatServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	s.mu.Lock()
	i := len(s.requests)
	s.requests = append(s.requests, body)
	if i >= len(s.scripts) {
		i = len(s.scripts) - 1
	}
	chunks := s.scripts[i]
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	for _, c := range chunks {
		fmt.Fprintf(w, "data: %s\n\n", c)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func (s *chatServer) Requests() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.requests...)
}

func writeNotebook(t *testing.T, nb models.Notebook) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, notebook.WriteIPYNB(&buf, nb))
	path := filepath.Join(t.TempDir(), "analysis.ipynb")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}

func TestAskRunsCodeAndSavesNotebook(t *testing.T) {
	chat := &chatServer{scripts: [][]string{
		{
			chunk(`{"role":"assistant","function_call":{"name":"run_code","arguments":""}}`),
			chunk(`{"function_call":{"arguments":"{\"language\":\"shell\","}}`),
			chunk(`{"function_call":{"arguments":"\"code\":\"echo hi\"}"}}`),
		},
		{chunk(`{"content":"It printed hi."}`)},
	}}
	srv := httptest.NewServer(chat)
	defer srv.Close()

	a, err := New(NewConfig().
		WithoutStore().
		WithBaseURL(srv.URL).
		WithAPIKey("sk-test").
		WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	defer a.Close()

	path := writeNotebook(t, models.Notebook{Cells: []models.Cell{{Type: models.CellMarkdown, Source: "Sales analysis"}}})
	ws, err := a.OpenFile(path)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	controls, err := a.Ask(ctx, ws, "say hi from the shell")
	require.NoError(t, err)
	assert.True(t, controls.GenerateVisible)
	assert.Equal(t, "terminated_success", controls.State)

	cells := ws.Document.Snapshot().Cells
	require.Len(t, cells, 6)
	assert.Equal(t, "__Assistant:__\n", cells[2].Source)
	assert.Equal(t, "%%sh\necho hi", cells[3].Source)
	assert.Equal(t, "hi\n", notebook.ExtractOutput(cells[3].Outputs))
	assert.Equal(t, "__Assistant:__\nIt printed hi.", cells[4].Source)

	reqs := chat.Requests()
	require.Len(t, reqs, 2)
	msgs := reqs[1]["messages"].([]any)
	last := msgs[len(msgs)-1].(map[string]any)
	assert.Equal(t, "function", last["role"])
	assert.Equal(t, "run_code", last["name"])
	assert.Equal(t, "hi\n", last["content"])

	require.NoError(t, SaveFile(ws, path))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	saved, err := notebook.ReadIPYNB(f)
	require.NoError(t, err)
	require.Len(t, saved.Cells, 6)
	assert.Equal(t, "__Assistant:__\nIt printed hi.", saved.Cells[4].Source)
}

func TestAskReportsBackendFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	a, err := New(NewConfig().WithoutStore().WithBaseURL(srv.URL).WithAPIKey("sk-bad"))
	require.NoError(t, err)
	defer a.Close()

	ws := a.Server.Create(models.Notebook{})
	_, err = a.Ask(context.Background(), ws, "plot")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key")
	assert.Empty(t, ws.Controller.Session().APIKey())
}

func TestStoredNotebookSurvivesRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nb.sqlite")
	cfg := NewConfig().WithSQLiteStore(dbPath).WithLogger(zaptest.NewLogger(t))

	a, err := New(cfg)
	require.NoError(t, err)
	require.NotNil(t, a.Store)
	require.NotNil(t, a.Traces)

	ws := a.Server.Create(models.Notebook{Name: "kept"})
	ws.Document.AppendCell(models.CellMarkdown, "remember me")
	id := ws.ID()
	require.NoError(t, a.Close())

	b, err := New(cfg)
	require.NoError(t, err)
	defer b.Close()

	var buf bytes.Buffer
	require.NoError(t, b.Export(context.Background(), id, &buf))
	nb, err := notebook.ReadIPYNB(&buf)
	require.NoError(t, err)
	require.Len(t, nb.Cells, 2)
	assert.Equal(t, "remember me", nb.Cells[1].Source)

	assert.Error(t, b.Export(context.Background(), "missing", &buf))
}
