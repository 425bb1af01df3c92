package notebook

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/Desarso/nbassist/models"
)

const metadataKey = "nbassist"

type ipynbFile struct {
	Cells         []ipynbCell    `json:"cells"`
	Metadata      map[string]any `json:"metadata"`
	NBFormat      int            `json:"nbformat"`
	NBFormatMinor int            `json:"nbformat_minor"`
}

type ipynbCell struct {
	ID             string                 `json:"id,omitempty"`
	CellType       string                 `json:"cell_type"`
	Metadata       map[string]any         `json:"metadata"`
	Source         models.MultilineString `json:"source"`
	Outputs        []*models.Output       `json:"outputs,omitempty"`
	ExecutionCount *int                   `json:"execution_count,omitempty"`
}

// ipynbCellOut mirrors ipynbCell for writing: code cells always carry
// "outputs" and "execution_count", markdown cells never do.
type ipynbCellOut struct {
	ID             string            `json:"id"`
	CellType       models.CellType   `json:"cell_type"`
	Metadata       map[string]any    `json:"metadata"`
	Source         []string          `json:"source"`
	Outputs        *[]*models.Output `json:"outputs,omitempty"`
	ExecutionCount json.RawMessage   `json:"execution_count,omitempty"`
}

// ReadIPYNB decodes an nbformat 4 document. Raw cells are read as markdown.
func ReadIPYNB(r io.Reader) (models.Notebook, error) {
	var f ipynbFile
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return models.Notebook{}, fmt.Errorf("decode notebook: %w", err)
	}
	if f.NBFormat != 0 && f.NBFormat < 4 {
		return models.Notebook{}, fmt.Errorf("unsupported nbformat %d", f.NBFormat)
	}

	nb := models.Notebook{}
	if meta, ok := f.Metadata[metadataKey].(map[string]any); ok {
		nb.ID, _ = meta["id"].(string)
		nb.Name, _ = meta["name"].(string)
	}
	for _, c := range f.Cells {
		cell := models.Cell{ID: c.ID, Source: string(c.Source)}
		switch c.CellType {
		case string(models.CellCode):
			cell.Type = models.CellCode
			cell.Outputs = c.Outputs
			cell.ExecutionCount = c.ExecutionCount
		default:
			cell.Type = models.CellMarkdown
		}
		nb.Cells = append(nb.Cells, cell)
	}
	nb.Active = len(nb.Cells) - 1
	return nb, nil
}

// WriteIPYNB encodes nb as an nbformat 4.5 document.
func WriteIPYNB(w io.Writer, nb models.Notebook) error {
	out := struct {
		Cells         []ipynbCellOut `json:"cells"`
		Metadata      map[string]any `json:"metadata"`
		NBFormat      int            `json:"nbformat"`
		NBFormatMinor int            `json:"nbformat_minor"`
	}{
		Cells: make([]ipynbCellOut, 0, len(nb.Cells)),
		Metadata: map[string]any{
			"kernelspec": map[string]any{
				"display_name": "Python 3",
				"language":     "python",
				"name":         "python3",
			},
			metadataKey: map[string]any{"id": nb.ID, "name": nb.Name},
		},
		NBFormat:      4,
		NBFormatMinor: 5,
	}

	for _, c := range nb.Cells {
		cell := ipynbCellOut{
			ID:       c.ID,
			CellType: c.Type,
			Metadata: map[string]any{},
			Source:   splitLines(c.Source),
		}
		if c.Type == models.CellCode {
			outputs := make([]*models.Output, 0, len(c.Outputs))
			for _, o := range c.Outputs {
				if o != nil {
					outputs = append(outputs, o)
				}
			}
			cell.Outputs = &outputs
			cell.ExecutionCount = json.RawMessage("null")
			if c.ExecutionCount != nil {
				cell.ExecutionCount = json.RawMessage(fmt.Sprint(*c.ExecutionCount))
			}
		}
		out.Cells = append(out.Cells, cell)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", " ")
	enc.SetEscapeHTML(false)
	return enc.Encode(out)
}

// splitLines splits source into nbformat lines, each keeping its newline.
func splitLines(s string) []string {
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
