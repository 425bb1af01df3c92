// Package notebook defines the host notebook capability set the assistant
// drives, and provides an in-process implementation of it.
package notebook

import (
	"context"

	"github.com/Desarso/nbassist/models"
)

// Host is the set of notebook primitives the generation loop calls into.
// Every mutating primitive acts on the active cell.
type Host interface {
	// InsertCellBelow inserts an empty code cell below the active cell and
	// makes it active.
	InsertCellBelow(ctx context.Context) error
	ChangeActiveCellType(ctx context.Context, t models.CellType) error
	// ReplaceSelection inserts text at the cursor of the active cell. The
	// cursor sits at the end of the source, so successive calls append.
	ReplaceSelection(ctx context.Context, text string) error
	SetActiveCellSource(ctx context.Context, source string) error
	// RunActiveCell renders a markdown cell or dispatches a code cell to the
	// kernel. It does not wait for execution to finish.
	RunActiveCell(ctx context.Context) error
	RunActiveCellAndInsertBelow(ctx context.Context) error
	AwaitCellReady(ctx context.Context) error
	ActiveCellSource(ctx context.Context) (string, error)
	ActiveCellIndex() int
	CellCount() int
	Cell(i int) (models.Cell, error)
	// SubscribeKernelIdle registers fn to be called whenever the kernel
	// returns to idle.
	SubscribeKernelIdle(fn func()) (unsubscribe func())
}
