package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Desarso/nbassist/models"
	"gorm.io/gorm"
)

// TurnTrace is one recorded state machine transition of a generation turn.
// Indexed by notebook_id and turn_id for efficient retrieval
type TurnTrace struct {
	ID          uint           `gorm:"primarykey" json:"-"`
	CreatedAt   time.Time      `json:"-"`
	NotebookID  string         `gorm:"index:idx_trace_notebook;not null" json:"notebook_id"`
	TurnID      string         `gorm:"index:idx_trace_notebook;index:idx_trace_turn;not null" json:"turn_id"`
	From        string         `gorm:"not null" json:"from"`
	To          string         `gorm:"not null" json:"to"`
	Trigger     string         `gorm:"not null" json:"trigger"`
	DetailsJSON string         `gorm:"type:text" json:"-"`         // Stored as JSON string
	Details     map[string]any `gorm:"-" json:"details,omitempty"` // Not stored, computed from DetailsJSON
	Timestamp   int64          `gorm:"not null" json:"timestamp"`  // unix millis
}

// BeforeSave marshals Details to DetailsJSON
func (t *TurnTrace) BeforeSave(tx *gorm.DB) error {
	if t.Details != nil {
		data, err := json.Marshal(t.Details)
		if err != nil {
			return err
		}
		t.DetailsJSON = string(data)
	}
	return nil
}

// AfterFind unmarshals DetailsJSON to Details
func (t *TurnTrace) AfterFind(tx *gorm.DB) error {
	if t.DetailsJSON != "" {
		return json.Unmarshal([]byte(t.DetailsJSON), &t.Details)
	}
	return nil
}

// TraceStore interface for trace persistence operations
type TraceStore interface {
	// RecordTransition saves a single transition
	RecordTransition(ctx context.Context, rec models.TransitionRecord) error

	// GetTracesByNotebook retrieves all traces for a notebook
	GetTracesByNotebook(notebookID string) ([]*TurnTrace, error)

	// GetTracesByTurn retrieves all traces for a single generation turn
	GetTracesByTurn(turnID string) ([]*TurnTrace, error)

	// DeleteTracesByNotebook removes all traces for a notebook
	DeleteTracesByNotebook(notebookID string) error
}

// GORMTraceStore implements TraceStore for SQLite/PostgreSQL via GORM
type GORMTraceStore struct {
	db *gorm.DB
}

// NewGORMTraceStore creates a trace store from an existing GORM database connection
func NewGORMTraceStore(db *gorm.DB) (*GORMTraceStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}

	// Auto-migrate the trace table
	if err := db.AutoMigrate(&TurnTrace{}); err != nil {
		return nil, fmt.Errorf("failed to migrate turn_traces table: %w", err)
	}

	return &GORMTraceStore{db: db}, nil
}

// RecordTransition saves a single transition
func (s *GORMTraceStore) RecordTransition(ctx context.Context, rec models.TransitionRecord) error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}
	trace := &TurnTrace{
		NotebookID: rec.NotebookID,
		TurnID:     rec.TurnID,
		From:       rec.From,
		To:         rec.To,
		Trigger:    rec.Trigger,
		Details:    rec.Details,
		Timestamp:  at.UnixMilli(),
	}
	return s.db.WithContext(ctx).Create(trace).Error
}

// GetTracesByNotebook retrieves all traces for a notebook, ordered by timestamp
func (s *GORMTraceStore) GetTracesByNotebook(notebookID string) ([]*TurnTrace, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}

	var traces []*TurnTrace
	err := s.db.Where("notebook_id = ?", notebookID).
		Order("timestamp ASC, id ASC").
		Find(&traces).Error

	return traces, err
}

// GetTracesByTurn retrieves all traces for a specific turn
func (s *GORMTraceStore) GetTracesByTurn(turnID string) ([]*TurnTrace, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}

	var traces []*TurnTrace
	err := s.db.Where("turn_id = ?", turnID).
		Order("timestamp ASC, id ASC").
		Find(&traces).Error

	return traces, err
}

// DeleteTracesByNotebook removes all traces for a notebook
func (s *GORMTraceStore) DeleteTracesByNotebook(notebookID string) error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	return s.db.Where("notebook_id = ?", notebookID).Delete(&TurnTrace{}).Error
}
