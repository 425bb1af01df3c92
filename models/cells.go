package models

import (
	"encoding/json"
	"strings"
)

// CellType is the kind of a notebook cell.
type CellType string

const (
	CellMarkdown CellType = "markdown"
	CellCode     CellType = "code"
)

// MultilineString decodes nbformat text fields, which may be a single string
// or a list of lines. It always encodes as a single string.
type MultilineString string

func (m *MultilineString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*m = MultilineString(s)
		return nil
	}
	var lines []string
	if err := json.Unmarshal(data, &lines); err != nil {
		return err
	}
	*m = MultilineString(strings.Join(lines, ""))
	return nil
}

// Output is one execution result of a code cell. The fields are independent
// signals rather than a tagged variant.
type Output struct {
	OutputType string                     `json:"output_type"`
	Name       string                     `json:"name,omitempty"` // stream name: stdout, stderr
	Text       MultilineString            `json:"text,omitempty"`
	Data       map[string]json.RawMessage `json:"data,omitempty"`
	EName      string                     `json:"ename,omitempty"`
	EValue     string                     `json:"evalue,omitempty"`
	Traceback  []string                   `json:"traceback,omitempty"`
	Metadata   map[string]any             `json:"metadata,omitempty"`
	// ExecutionCount is only meaningful for execute_result outputs.
	ExecutionCount *int `json:"execution_count,omitempty"`
}

// MarshalJSON writes the fields nbformat requires for the output type, even
// when they are empty.
func (o Output) MarshalJSON() ([]byte, error) {
	m := map[string]any{"output_type": o.OutputType}
	switch o.OutputType {
	case "stream":
		m["name"] = o.Name
		m["text"] = o.Text
	case "error":
		tb := o.Traceback
		if tb == nil {
			tb = []string{}
		}
		m["ename"] = o.EName
		m["evalue"] = o.EValue
		m["traceback"] = tb
	case "execute_result", "display_data":
		data := o.Data
		if data == nil {
			data = map[string]json.RawMessage{}
		}
		meta := o.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		m["data"] = data
		m["metadata"] = meta
		if o.OutputType == "execute_result" {
			m["execution_count"] = o.ExecutionCount
		}
	default:
		type plain Output
		return json.Marshal(plain(o))
	}
	return json.Marshal(m)
}

// StreamOutput builds a stream output record.
func StreamOutput(name, text string) *Output {
	return &Output{OutputType: "stream", Name: name, Text: MultilineString(text)}
}

// DisplayOutput builds an execute_result carrying only a text/plain representation.
func DisplayOutput(plain string) *Output {
	raw, _ := json.Marshal(plain)
	return &Output{
		OutputType: "execute_result",
		Data:       map[string]json.RawMessage{"text/plain": raw},
		Metadata:   map[string]any{},
	}
}

// DataText returns the rich-data representation for mime as text. Values that
// are not strings or line lists yield "".
func (o *Output) DataText(mime string) string {
	raw, ok := o.Data[mime]
	if !ok {
		return ""
	}
	var text MultilineString
	if err := json.Unmarshal(raw, &text); err != nil {
		return ""
	}
	return string(text)
}

// ErrorOutput builds an error output record.
func ErrorOutput(ename, evalue string) *Output {
	return &Output{OutputType: "error", EName: ename, EValue: evalue, Traceback: []string{}}
}

// Cell is a read-only view of one notebook cell.
type Cell struct {
	ID             string    `json:"id"`
	Type           CellType  `json:"cell_type"`
	Source         string    `json:"source"`
	Outputs        []*Output `json:"outputs,omitempty"`
	ExecutionCount *int      `json:"execution_count,omitempty"`
}

// Notebook is a full document snapshot.
type Notebook struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Cells  []Cell `json:"cells"`
	Active int    `json:"active"`
}
