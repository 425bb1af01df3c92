package models

import "time"

// NotebookSummary is returned by the notebook listing endpoint.
type NotebookSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CellCount int       `json:"cell_count"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Controls reports which user affordance is visible. Generate and Stop are
// never visible at the same time.
type Controls struct {
	GenerateVisible bool   `json:"generate_visible"`
	StopVisible     bool   `json:"stop_visible"`
	State           string `json:"state"`
}

// CreateCellRequest is the body of POST /notebooks/:id/cells.
type CreateCellRequest struct {
	Type   CellType `json:"cell_type" binding:"required"`
	Source string   `json:"source"`
}

// APIKeyRequest is the body of PUT /notebooks/:id/api-key.
type APIKeyRequest struct {
	APIKey string `json:"api_key" binding:"required"`
}

// DocumentEvent is pushed to websocket clients when the notebook changes.
type DocumentEvent struct {
	Type       string    `json:"type"` // "cell_inserted", "cell_updated", "cell_executed", "active_changed"
	NotebookID string    `json:"notebook_id"`
	Index      int       `json:"index"`
	Cell       *Cell     `json:"cell,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// CreateNotebookRequest is the body of POST /notebooks.
type CreateNotebookRequest struct {
	Name string `json:"name"`
}

// TransitionRecord describes one move of the generation state machine.
type TransitionRecord struct {
	NotebookID string         `json:"notebook_id"`
	TurnID     string         `json:"turn_id"`
	From       string         `json:"from"`
	To         string         `json:"to"`
	Trigger    string         `json:"trigger"`
	Details    map[string]any `json:"details,omitempty"`
	At         time.Time      `json:"at"`
}
