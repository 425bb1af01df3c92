package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Desarso/nbassist/models"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a notebook does not exist.
var ErrNotFound = errors.New("notebook not found")

// StoreError wraps a failed store operation.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// NotebookRecord holds notebook metadata. Cells are stored in document order.
type NotebookRecord struct {
	gorm.Model
	NotebookID string       `gorm:"uniqueIndex;not null"`
	Name       string       `gorm:"type:text"`
	ActiveCell int          `gorm:"default:0"`
	CellCount  int          `gorm:"default:0"`
	Cells      []CellRecord `gorm:"foreignKey:NotebookID;references:NotebookID"`
}

// CellRecord is one cell of a notebook. The assistant marker in markdown
// sources is stored verbatim.
type CellRecord struct {
	gorm.Model
	NotebookID     string           `gorm:"index;not null"`
	Position       int              `gorm:"not null"`
	CellID         string           `gorm:"not null"`
	Type           string           `gorm:"not null"` // "markdown", "code"
	Source         string           `gorm:"type:text"`
	ExecutionCount *int             `json:"execution_count,omitempty"`
	OutputsJSON    string           `gorm:"type:text" json:"-"`
	Outputs        []*models.Output `gorm:"-" json:"outputs,omitempty"`
}

// BeforeSave marshals Outputs to OutputsJSON
func (c *CellRecord) BeforeSave(tx *gorm.DB) error {
	if c.Outputs == nil {
		c.OutputsJSON = ""
		return nil
	}
	data, err := json.Marshal(c.Outputs)
	if err != nil {
		return err
	}
	c.OutputsJSON = string(data)
	return nil
}

// AfterFind unmarshals OutputsJSON to Outputs
func (c *CellRecord) AfterFind(tx *gorm.DB) error {
	if c.OutputsJSON != "" {
		return json.Unmarshal([]byte(c.OutputsJSON), &c.Outputs)
	}
	return nil
}

// NotebookStore persists notebook documents. It never stores a separate
// conversation log: the cells are the conversation.
type NotebookStore interface {
	// Notebook operations
	SaveNotebook(ctx context.Context, nb models.Notebook) error
	LoadNotebook(ctx context.Context, notebookID string) (models.Notebook, error)
	ListNotebooks(ctx context.Context) ([]models.NotebookSummary, error)
	DeleteNotebook(ctx context.Context, notebookID string) error

	// DB exposes the connection so the trace store can share it.
	DB() *gorm.DB

	// Connection management
	Connect() error
	Close() error

	// Health check
	Ping() error
}

// StoreConfig holds configuration for database stores
type StoreConfig struct {
	Type       string            `json:"type"`       // "sqlite", "postgres"
	Connection string            `json:"connection"` // connection string
	Options    map[string]string `json:"options"`    // additional options
}

// NewStoreConfig creates a new store configuration
func NewStoreConfig(storeType, connection string) *StoreConfig {
	return &StoreConfig{
		Type:       storeType,
		Connection: connection,
		Options:    make(map[string]string),
	}
}

// WithOption adds an option to the store configuration
func (c *StoreConfig) WithOption(key, value string) *StoreConfig {
	c.Options[key] = value
	return c
}
