package stores

import (
	"context"
	"errors"
	"sync"

	"github.com/Desarso/nbassist/models"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultAutosaveSpec flushes dirty notebooks every 30 seconds.
const DefaultAutosaveSpec = "*/30 * * * * *"

// Document is a notebook whose unsaved changes can be detected.
// *notebook.Document satisfies it.
type Document interface {
	ID() string
	Snapshot() models.Notebook
	Revision() uint64
	Dirty() bool
	MarkSaved(rev uint64)
}

// Autosaver periodically writes dirty notebooks to a NotebookStore.
type Autosaver struct {
	store  NotebookStore
	logger *zap.Logger

	mu      sync.Mutex
	docs    map[string]Document
	cron    *cron.Cron
	entryID cron.EntryID
}

func NewAutosaver(store NotebookStore, logger *zap.Logger) *Autosaver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Autosaver{
		store:  store,
		logger: logger.Named("autosave"),
		docs:   make(map[string]Document),
	}
}

// Track adds a document to the autosave set.
func (a *Autosaver) Track(doc Document) {
	a.mu.Lock()
	a.docs[doc.ID()] = doc
	a.mu.Unlock()
}

// Untrack removes a document from the autosave set.
func (a *Autosaver) Untrack(id string) {
	a.mu.Lock()
	delete(a.docs, id)
	a.mu.Unlock()
}

// Start schedules FlushAll on spec, a cron expression with a seconds field.
// An empty spec uses DefaultAutosaveSpec.
func (a *Autosaver) Start(spec string) error {
	if spec == "" {
		spec = DefaultAutosaveSpec
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cron != nil {
		return errors.New("autosave already started")
	}

	c := cron.New(cron.WithSeconds())
	id, err := c.AddFunc(spec, func() {
		if err := a.FlushAll(context.Background()); err != nil {
			a.logger.Warn("autosave failed", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}
	c.Start()
	a.cron = c
	a.entryID = id
	a.logger.Info("autosave scheduled", zap.String("spec", spec))
	return nil
}

// Stop cancels the schedule, waits for a running flush and then flushes
// once more so no edits are lost.
func (a *Autosaver) Stop(ctx context.Context) error {
	a.mu.Lock()
	c := a.cron
	a.cron = nil
	a.mu.Unlock()

	if c != nil {
		c.Remove(a.entryID)
		<-c.Stop().Done()
	}
	return a.FlushAll(ctx)
}

// FlushAll saves every dirty document.
func (a *Autosaver) FlushAll(ctx context.Context) error {
	a.mu.Lock()
	docs := make([]Document, 0, len(a.docs))
	for _, d := range a.docs {
		docs = append(docs, d)
	}
	a.mu.Unlock()

	var errs []error
	for _, d := range docs {
		if err := a.Flush(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Flush saves doc if it has unsaved changes.
func (a *Autosaver) Flush(ctx context.Context, doc Document) error {
	if !doc.Dirty() {
		return nil
	}
	rev := doc.Revision()
	if err := a.store.SaveNotebook(ctx, doc.Snapshot()); err != nil {
		return err
	}
	doc.MarkSaved(rev)
	a.logger.Debug("notebook saved", zap.String("notebook_id", doc.ID()), zap.Uint64("revision", rev))
	return nil
}
