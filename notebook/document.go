package notebook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Desarso/nbassist/kernel"
	"github.com/Desarso/nbassist/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Executor runs code cells and reports when it has nothing left to do.
// *kernel.Kernel satisfies it.
type Executor interface {
	Submit(job kernel.Job) error
	OnIdle(fn func()) (unsubscribe func())
}

// Document is an in-process notebook implementing Host. It is safe for
// concurrent use; listeners are called outside the document lock.
type Document struct {
	mu       sync.RWMutex
	id       string
	name     string
	cells    []*models.Cell
	active   int
	revision uint64
	saved    uint64

	executor  Executor
	listeners map[int]func(models.DocumentEvent)
	nextID    int
	logger    *zap.Logger
}

// NewDocument creates a notebook with a single empty code cell.
func NewDocument(name string, executor Executor, logger *zap.Logger) *Document {
	return FromNotebook(models.Notebook{Name: name}, executor, logger)
}

// FromNotebook builds a Document from a snapshot. An empty snapshot gets one
// empty code cell so there is always an active cell.
func FromNotebook(nb models.Notebook, executor Executor, logger *zap.Logger) *Document {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := nb.ID
	if id == "" {
		id = uuid.New().String()
	}
	d := &Document{
		id:        id,
		name:      nb.Name,
		executor:  executor,
		listeners: make(map[int]func(models.DocumentEvent)),
		logger:    logger.Named("notebook").With(zap.String("notebook_id", id)),
	}
	for i := range nb.Cells {
		c := cloneCell(nb.Cells[i])
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		d.cells = append(d.cells, &c)
	}
	if len(d.cells) == 0 {
		d.cells = append(d.cells, newCell(models.CellCode, ""))
	}
	d.active = clamp(nb.Active, len(d.cells))
	return d
}

func (d *Document) ID() string { return d.id }

func (d *Document) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.name
}

// Snapshot returns a deep copy of the document.
func (d *Document) Snapshot() models.Notebook {
	d.mu.RLock()
	defer d.mu.RUnlock()
	nb := models.Notebook{ID: d.id, Name: d.name, Active: d.active}
	for _, c := range d.cells {
		nb.Cells = append(nb.Cells, cloneCell(*c))
	}
	return nb
}

// Revision increases on every mutation.
func (d *Document) Revision() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.revision
}

// Dirty reports whether the document changed since the last MarkSaved.
func (d *Document) Dirty() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.revision != d.saved
}

// MarkSaved records that revision rev has been persisted.
func (d *Document) MarkSaved(rev uint64) {
	d.mu.Lock()
	if rev > d.saved {
		d.saved = rev
	}
	d.mu.Unlock()
}

// Subscribe registers fn for document change events.
func (d *Document) Subscribe(fn func(models.DocumentEvent)) (unsubscribe func()) {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.listeners, id)
		d.mu.Unlock()
	}
}

// AppendCell adds a cell at the end and makes it active.
func (d *Document) AppendCell(t models.CellType, source string) int {
	d.mu.Lock()
	c := newCell(t, source)
	d.cells = append(d.cells, c)
	d.active = len(d.cells) - 1
	idx := d.active
	ev := d.eventLocked("cell_inserted", idx)
	d.mu.Unlock()

	d.emit(ev)
	return idx
}

// SetActive moves the active cell.
func (d *Document) SetActive(i int) error {
	d.mu.Lock()
	if i < 0 || i >= len(d.cells) {
		d.mu.Unlock()
		return fmt.Errorf("cell index %d out of range [0,%d)", i, len(d.cells))
	}
	d.active = i
	ev := d.eventLocked("active_changed", i)
	d.mu.Unlock()

	d.emit(ev)
	return nil
}

func (d *Document) InsertCellBelow(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.insertBelow()
	return nil
}

func (d *Document) ChangeActiveCellType(ctx context.Context, t models.CellType) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.mutateActive("cell_updated", func(c *models.Cell) {
		if c.Type == t {
			return
		}
		c.Type = t
		c.Outputs = nil
		c.ExecutionCount = nil
	})
}

func (d *Document) ReplaceSelection(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.mutateActive("cell_updated", func(c *models.Cell) {
		c.Source += text
	})
}

func (d *Document) SetActiveCellSource(ctx context.Context, source string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.mutateActive("cell_updated", func(c *models.Cell) {
		c.Source = source
	})
}

func (d *Document) RunActiveCell(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	c := d.cells[d.active]
	idx := d.active
	if c.Type != models.CellCode {
		d.revision++
		ev := d.eventLocked("cell_executed", idx)
		d.mu.Unlock()
		d.emit(ev)
		return nil
	}
	if d.executor == nil {
		d.mu.Unlock()
		return fmt.Errorf("notebook %s has no kernel", d.id)
	}
	c.Outputs = nil
	d.revision++
	cellID, source := c.ID, c.Source
	d.mu.Unlock()

	return d.executor.Submit(kernel.Job{
		CellID: cellID,
		Source: source,
		Done: func(outputs []*models.Output, count int) {
			d.finishExecution(cellID, outputs, count)
		},
	})
}

func (d *Document) RunActiveCellAndInsertBelow(ctx context.Context) error {
	if err := d.RunActiveCell(ctx); err != nil {
		return err
	}
	d.insertBelow()
	return nil
}

// AwaitCellReady returns once the active cell can accept edits. Cells of an
// in-process document are ready as soon as they exist.
func (d *Document) AwaitCellReady(ctx context.Context) error {
	return ctx.Err()
}

func (d *Document) ActiveCellSource(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cells[d.active].Source, nil
}

func (d *Document) ActiveCellIndex() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.active
}

func (d *Document) CellCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.cells)
}

func (d *Document) Cell(i int) (models.Cell, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if i < 0 || i >= len(d.cells) {
		return models.Cell{}, fmt.Errorf("cell index %d out of range [0,%d)", i, len(d.cells))
	}
	return cloneCell(*d.cells[i]), nil
}

func (d *Document) SubscribeKernelIdle(fn func()) (unsubscribe func()) {
	if d.executor == nil {
		return func() {}
	}
	return d.executor.OnIdle(fn)
}

func (d *Document) insertBelow() {
	d.mu.Lock()
	idx := d.active + 1
	d.cells = append(d.cells, nil)
	copy(d.cells[idx+1:], d.cells[idx:])
	d.cells[idx] = newCell(models.CellCode, "")
	d.active = idx
	ev := d.eventLocked("cell_inserted", idx)
	d.mu.Unlock()

	d.emit(ev)
}

func (d *Document) mutateActive(kind string, fn func(c *models.Cell)) error {
	d.mu.Lock()
	fn(d.cells[d.active])
	ev := d.eventLocked(kind, d.active)
	d.mu.Unlock()

	d.emit(ev)
	return nil
}

func (d *Document) finishExecution(cellID string, outputs []*models.Output, count int) {
	d.mu.Lock()
	idx := -1
	for i, c := range d.cells {
		if c.ID == cellID {
			idx = i
			break
		}
	}
	if idx == -1 {
		d.mu.Unlock()
		d.logger.Warn("executed cell no longer exists", zap.String("cell_id", cellID))
		return
	}
	c := d.cells[idx]
	c.Outputs = outputs
	n := count
	c.ExecutionCount = &n
	ev := d.eventLocked("cell_executed", idx)
	d.mu.Unlock()

	d.emit(ev)
}

// eventLocked bumps the revision and builds an event; d.mu must be held.
func (d *Document) eventLocked(kind string, idx int) models.DocumentEvent {
	d.revision++
	c := cloneCell(*d.cells[idx])
	return models.DocumentEvent{
		Type:       kind,
		NotebookID: d.id,
		Index:      idx,
		Cell:       &c,
		Timestamp:  time.Now(),
	}
}

func (d *Document) emit(ev models.DocumentEvent) {
	d.mu.RLock()
	listeners := make([]func(models.DocumentEvent), 0, len(d.listeners))
	for _, fn := range d.listeners {
		listeners = append(listeners, fn)
	}
	d.mu.RUnlock()

	for _, fn := range listeners {
		fn(ev)
	}
}

func newCell(t models.CellType, source string) *models.Cell {
	return &models.Cell{ID: uuid.New().String(), Type: t, Source: source}
}

func cloneCell(c models.Cell) models.Cell {
	out := c
	if c.Outputs != nil {
		out.Outputs = make([]*models.Output, len(c.Outputs))
		for i, o := range c.Outputs {
			if o == nil {
				continue
			}
			cp := *o
			out.Outputs[i] = &cp
		}
	}
	if c.ExecutionCount != nil {
		n := *c.ExecutionCount
		out.ExecutionCount = &n
	}
	return out
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
