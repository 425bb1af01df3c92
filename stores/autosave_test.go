package stores

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Desarso/nbassist/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeDocument struct {
	mu       sync.Mutex
	nb       models.Notebook
	revision uint64
	saved    uint64
}

func (d *fakeDocument) ID() string { return d.nb.ID }

func (d *fakeDocument) Snapshot() models.Notebook {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nb
}

func (d *fakeDocument) Revision() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.revision
}

func (d *fakeDocument) Dirty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.revision != d.saved
}

func (d *fakeDocument) MarkSaved(rev uint64) {
	d.mu.Lock()
	d.saved = rev
	d.mu.Unlock()
}

func TestAutosaverFlushesDirtyDocuments(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	saver := NewAutosaver(store, zaptest.NewLogger(t))

	doc := &fakeDocument{nb: sampleNotebook(), revision: 3}
	saver.Track(doc)
	require.NoError(t, saver.FlushAll(ctx))
	assert.False(t, doc.Dirty())

	got, err := store.LoadNotebook(ctx, "nb-1")
	require.NoError(t, err)
	assert.Len(t, got.Cells, 3)

	// Clean documents are not rewritten.
	require.NoError(t, store.DeleteNotebook(ctx, "nb-1"))
	require.NoError(t, saver.FlushAll(ctx))
	_, err = store.LoadNotebook(ctx, "nb-1")
	assert.ErrorIs(t, err, ErrNotFound)

	saver.Untrack("nb-1")
	doc.revision++
	require.NoError(t, saver.FlushAll(ctx))
	assert.True(t, doc.Dirty())
}

func TestAutosaverSchedule(t *testing.T) {
	store := newTestStore(t)
	saver := NewAutosaver(store, nil)
	doc := &fakeDocument{nb: sampleNotebook(), revision: 1}
	saver.Track(doc)

	require.NoError(t, saver.Start("* * * * * *"))
	assert.Error(t, saver.Start(""))

	require.Eventually(t, func() bool { return !doc.Dirty() }, 3*time.Second, 20*time.Millisecond)
	require.NoError(t, saver.Stop(context.Background()))

	assert.Error(t, NewAutosaver(store, nil).Start("not a spec"))
}
