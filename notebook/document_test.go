package notebook

import (
	"context"
	"sync"
	"testing"

	"github.com/Desarso/nbassist/kernel"
	"github.com/Desarso/nbassist/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// syncExecutor runs jobs inline and fires idle callbacks afterwards.
type syncExecutor struct {
	mu   sync.Mutex
	idle []func()
	jobs []kernel.Job
}

func (e *syncExecutor) Submit(job kernel.Job) error {
	e.mu.Lock()
	e.jobs = append(e.jobs, job)
	idle := append([]func(){}, e.idle...)
	e.mu.Unlock()

	job.Done([]*models.Output{models.StreamOutput("stdout", "ran "+job.Source)}, len(e.jobs))
	for _, fn := range idle {
		fn()
	}
	return nil
}

func (e *syncExecutor) OnIdle(fn func()) func() {
	e.mu.Lock()
	e.idle = append(e.idle, fn)
	e.mu.Unlock()
	return func() {}
}

func TestDocumentPrimitives(t *testing.T) {
	ctx := context.Background()
	exec := &syncExecutor{}
	doc := NewDocument("scratch", exec, zaptest.NewLogger(t))

	require.Equal(t, 1, doc.CellCount())
	require.NoError(t, doc.SetActiveCellSource(ctx, "plot sales"))
	require.NoError(t, doc.ChangeActiveCellType(ctx, models.CellMarkdown))

	require.NoError(t, doc.InsertCellBelow(ctx))
	assert.Equal(t, 1, doc.ActiveCellIndex())
	require.NoError(t, doc.ReplaceSelection(ctx, "print("))
	require.NoError(t, doc.ReplaceSelection(ctx, "1)"))
	src, err := doc.ActiveCellSource(ctx)
	require.NoError(t, err)
	assert.Equal(t, "print(1)", src)

	idle := 0
	doc.SubscribeKernelIdle(func() { idle++ })
	require.NoError(t, doc.RunActiveCellAndInsertBelow(ctx))
	assert.Equal(t, 1, idle)
	assert.Equal(t, 3, doc.CellCount())
	assert.Equal(t, 2, doc.ActiveCellIndex())

	executed, err := doc.Cell(1)
	require.NoError(t, err)
	assert.Equal(t, "ran print(1)", ExtractOutput(executed.Outputs))
	require.NotNil(t, executed.ExecutionCount)
	assert.Equal(t, 1, *executed.ExecutionCount)

	first, err := doc.Cell(0)
	require.NoError(t, err)
	assert.Equal(t, models.CellMarkdown, first.Type)

	_, err = doc.Cell(7)
	assert.Error(t, err)
}

func TestDocumentMarkdownRunDoesNotTouchKernel(t *testing.T) {
	exec := &syncExecutor{}
	doc := NewDocument("", exec, nil)
	ctx := context.Background()
	require.NoError(t, doc.ChangeActiveCellType(ctx, models.CellMarkdown))
	require.NoError(t, doc.RunActiveCell(ctx))
	assert.Empty(t, exec.jobs)
}

func TestDocumentEventsAndDirtyTracking(t *testing.T) {
	doc := NewDocument("", nil, nil)
	var events []string
	unsubscribe := doc.Subscribe(func(ev models.DocumentEvent) { events = append(events, ev.Type) })

	assert.False(t, doc.Dirty())
	idx := doc.AppendCell(models.CellMarkdown, "hello")
	assert.Equal(t, 1, idx)
	assert.True(t, doc.Dirty())

	doc.MarkSaved(doc.Revision())
	assert.False(t, doc.Dirty())

	require.NoError(t, doc.SetActive(0))
	unsubscribe()
	require.NoError(t, doc.SetActive(1))
	assert.Equal(t, []string{"cell_inserted", "active_changed"}, events)
}

func TestDocumentWithoutKernelRejectsCode(t *testing.T) {
	doc := NewDocument("", nil, nil)
	err := doc.RunActiveCell(context.Background())
	assert.Error(t, err)
}

func TestDocumentHonorsCancelledContext(t *testing.T) {
	doc := NewDocument("", nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, doc.InsertCellBelow(ctx), context.Canceled)
	assert.Equal(t, 1, doc.CellCount())
}
