package sessions

import (
	"context"
	"sync"
	"testing"

	"github.com/Desarso/nbassist/kernel"
	"github.com/Desarso/nbassist/models"
	"github.com/Desarso/nbassist/notebook"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// turn scripts one streamed response.
type turn struct {
	events []models.StreamEvent
	err    error
	// hang keeps the stream open until the request context ends.
	hang bool
}

type scriptedBackend struct {
	mu       sync.Mutex
	turns    []turn
	requests []models.CompletionRequest
}

func (b *scriptedBackend) StreamCompletion(ctx context.Context, req models.CompletionRequest) (<-chan models.StreamEvent, <-chan error) {
	b.mu.Lock()
	i := len(b.requests)
	b.requests = append(b.requests, req)
	t := turn{events: []models.StreamEvent{models.NarrativeToken("Done.")}}
	if i < len(b.turns) {
		t = b.turns[i]
	}
	b.mu.Unlock()

	events := make(chan models.StreamEvent)
	errs := make(chan error, 1)
	go func() {
		defer close(events)
		defer close(errs)
		if t.err != nil {
			errs <- t.err
			return
		}
		for _, ev := range t.events {
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
		if t.hang {
			<-ctx.Done()
		}
	}()
	return events, errs
}

func (b *scriptedBackend) Requests() []models.CompletionRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.CompletionRequest(nil), b.requests...)
}

func (b *scriptedBackend) factory() models.BackendFactory {
	return func(string) (models.Backend, error) { return b, nil }
}

type fakeUI struct {
	mu         sync.Mutex
	key        string
	prompts    int
	errors     []string
	generating []bool
}

func (u *fakeUI) PromptAPIKey(context.Context) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.prompts++
	return u.key, nil
}

func (u *fakeUI) ShowError(message string) {
	u.mu.Lock()
	u.errors = append(u.errors, message)
	u.mu.Unlock()
}

func (u *fakeUI) SetGenerating(generating bool) {
	u.mu.Lock()
	u.generating = append(u.generating, generating)
	u.mu.Unlock()
}

func (u *fakeUI) Errors() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.errors...)
}

func (u *fakeUI) Generating() []bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]bool(nil), u.generating...)
}

type fixture struct {
	doc        *notebook.Document
	kernel     *kernel.Kernel
	backend    *scriptedBackend
	ui         *fakeUI
	controller *Controller
}

// newFixture builds a notebook whose only cell holds prompt, backed by a
// kernel whose runner echoes the code it receives.
func newFixture(t *testing.T, prompt string, runner kernel.Runner, turns ...turn) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	if runner == nil {
		runner = func(_ context.Context, _ kernel.Language, code string) (*kernel.Result, error) {
			return &kernel.Result{Stdout: "ran:" + code}, nil
		}
	}
	k := kernel.New(logger, kernel.WithRunner(runner))
	doc := notebook.FromNotebook(models.Notebook{
		Cells: []models.Cell{{Type: models.CellCode, Source: prompt}},
	}, k, logger)

	f := &fixture{
		doc:     doc,
		kernel:  k,
		backend: &scriptedBackend{turns: turns},
		ui:      &fakeUI{key: "sk-test"},
	}
	f.controller = NewController(doc, f.ui, f.backend.factory(), WithLogger(logger))
	t.Cleanup(func() {
		f.controller.Close()
		k.Close()
	})
	return f
}

func (f *fixture) sources(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, c := range f.doc.Snapshot().Cells {
		out = append(out, string(c.Type)+":"+c.Source)
	}
	return out
}
