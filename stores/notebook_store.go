package stores

import (
	"context"
	"errors"
	"fmt"

	"github.com/Desarso/nbassist/models"
	"gorm.io/gorm"
)

// gormNotebooks implements the notebook operations shared by the SQLite and
// PostgreSQL stores.
type gormNotebooks struct {
	db *gorm.DB
}

func migrate(db *gorm.DB) error {
	return db.AutoMigrate(&NotebookRecord{}, &CellRecord{})
}

func (s *gormNotebooks) DB() *gorm.DB { return s.db }

// SaveNotebook replaces the stored cells of nb.ID with nb's cells.
func (s *gormNotebooks) SaveNotebook(ctx context.Context, nb models.Notebook) error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	if nb.ID == "" {
		return &StoreError{Op: "save notebook", Err: errors.New("notebook id is empty")}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record NotebookRecord
		var count int64
		if err := tx.Model(&NotebookRecord{}).Where("notebook_id = ?", nb.ID).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check notebook: %w", err)
		}

		if count == 0 {
			record = NotebookRecord{NotebookID: nb.ID, Name: nb.Name, ActiveCell: nb.Active, CellCount: len(nb.Cells)}
			if err := tx.Create(&record).Error; err != nil {
				return fmt.Errorf("failed to create notebook record: %w", err)
			}
		} else {
			updates := map[string]any{"name": nb.Name, "active_cell": nb.Active, "cell_count": len(nb.Cells)}
			if err := tx.Model(&NotebookRecord{}).Where("notebook_id = ?", nb.ID).Updates(updates).Error; err != nil {
				return fmt.Errorf("failed to update notebook record: %w", err)
			}
		}

		if err := tx.Unscoped().Where("notebook_id = ?", nb.ID).Delete(&CellRecord{}).Error; err != nil {
			return fmt.Errorf("failed to clear cells: %w", err)
		}
		if len(nb.Cells) == 0 {
			return nil
		}

		cells := make([]CellRecord, 0, len(nb.Cells))
		for i, c := range nb.Cells {
			cells = append(cells, CellRecord{
				NotebookID:     nb.ID,
				Position:       i,
				CellID:         c.ID,
				Type:           string(c.Type),
				Source:         c.Source,
				ExecutionCount: c.ExecutionCount,
				Outputs:        c.Outputs,
			})
		}
		if err := tx.CreateInBatches(&cells, 100).Error; err != nil {
			return fmt.Errorf("failed to create cell records: %w", err)
		}
		return nil
	})
	if err != nil {
		return &StoreError{Op: "save notebook", Err: err}
	}
	return nil
}

// LoadNotebook returns the stored notebook with its cells in order.
func (s *gormNotebooks) LoadNotebook(ctx context.Context, notebookID string) (models.Notebook, error) {
	if s.db == nil {
		return models.Notebook{}, fmt.Errorf("database connection is nil")
	}

	db := s.db.WithContext(ctx)
	var record NotebookRecord
	if err := db.Where("notebook_id = ?", notebookID).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Notebook{}, &StoreError{Op: "load notebook " + notebookID, Err: ErrNotFound}
		}
		return models.Notebook{}, &StoreError{Op: "load notebook " + notebookID, Err: err}
	}

	var cells []CellRecord
	if err := db.Where("notebook_id = ?", notebookID).Order("position ASC").Find(&cells).Error; err != nil {
		return models.Notebook{}, &StoreError{Op: "load cells " + notebookID, Err: err}
	}

	nb := models.Notebook{ID: record.NotebookID, Name: record.Name, Active: record.ActiveCell}
	for _, c := range cells {
		nb.Cells = append(nb.Cells, models.Cell{
			ID:             c.CellID,
			Type:           models.CellType(c.Type),
			Source:         c.Source,
			Outputs:        c.Outputs,
			ExecutionCount: c.ExecutionCount,
		})
	}
	return nb, nil
}

// ListNotebooks returns notebook summaries, most recently updated first.
func (s *gormNotebooks) ListNotebooks(ctx context.Context) ([]models.NotebookSummary, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}

	var records []NotebookRecord
	if err := s.db.WithContext(ctx).Order("updated_at DESC").Find(&records).Error; err != nil {
		return nil, &StoreError{Op: "list notebooks", Err: err}
	}

	summaries := make([]models.NotebookSummary, 0, len(records))
	for _, r := range records {
		summaries = append(summaries, models.NotebookSummary{
			ID:        r.NotebookID,
			Name:      r.Name,
			CellCount: r.CellCount,
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.UpdatedAt,
		})
	}
	return summaries, nil
}

// DeleteNotebook removes a notebook and its cells.
func (s *gormNotebooks) DeleteNotebook(ctx context.Context, notebookID string) error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Unscoped().Where("notebook_id = ?", notebookID).Delete(&CellRecord{}).Error; err != nil {
			return err
		}
		res := tx.Unscoped().Where("notebook_id = ?", notebookID).Delete(&NotebookRecord{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return &StoreError{Op: "delete notebook " + notebookID, Err: err}
	}
	return nil
}
