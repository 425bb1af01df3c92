// Package transcript turns notebook cells into the chat message sequence sent
// to the completion backend.
package transcript

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Desarso/nbassist/models"
	"github.com/Desarso/nbassist/notebook"
)

// AssistantMarker prefixes markdown cells written by the assistant.
const AssistantMarker = "__Assistant:__"

// SystemPersona is the fixed first message of every transcript.
const SystemPersona = `You are a data scientist working inside a Jupyter notebook. ` +
	`You have full permission to run code on the user's machine: call the run_code function ` +
	`to execute Python (or shell) code and you will receive its output. ` +
	`Explain briefly what you are doing in markdown, run code step by step, ` +
	`inspect the results and continue until the user's request is done. ` +
	`When you are finished, reply with a short summary and do not call run_code.`

// CellSource is the read side of a notebook. notebook.Host satisfies it.
type CellSource interface {
	CellCount() int
	Cell(i int) (models.Cell, error)
}

// Cells adapts a plain slice to CellSource.
type Cells []models.Cell

func (c Cells) CellCount() int { return len(c) }

func (c Cells) Cell(i int) (models.Cell, error) {
	if i < 0 || i >= len(c) {
		return models.Cell{}, fmt.Errorf("cell index %d out of range [0,%d)", i, len(c))
	}
	return c[i], nil
}

// Build serializes cells 0..active into messages. An active index past the
// last cell is clamped; a negative one yields only the system message.
func Build(cells CellSource, active int) ([]models.Message, error) {
	msgs := []models.Message{{Role: models.RoleSystem, Content: SystemPersona}}
	if n := cells.CellCount(); active >= n {
		active = n - 1
	}

	for i := 0; i <= active; i++ {
		cell, err := cells.Cell(i)
		if err != nil {
			return nil, fmt.Errorf("read cell %d: %w", i, err)
		}

		switch cell.Type {
		case models.CellMarkdown:
			msgs = append(msgs, markdownMessage(cell.Source))
		case models.CellCode:
			msgs = appendCode(msgs, cell)
		}
	}
	return dropEmptyAssistant(msgs), nil
}

// dropEmptyAssistant removes marker-only assistant messages that did not
// pick up a function call.
func dropEmptyAssistant(msgs []models.Message) []models.Message {
	kept := msgs[:0]
	for _, m := range msgs {
		if m.Role == models.RoleAssistant && m.Content == "" && m.FunctionCall == nil {
			continue
		}
		kept = append(kept, m)
	}
	return kept
}

func markdownMessage(source string) models.Message {
	if strings.HasPrefix(source, AssistantMarker) {
		return models.Message{
			Role:    models.RoleAssistant,
			Content: strings.TrimSpace(strings.TrimPrefix(source, AssistantMarker)),
		}
	}
	return models.Message{Role: models.RoleUser, Content: source}
}

func appendCode(msgs []models.Message, cell models.Cell) []models.Message {
	output := notebook.ExtractOutput(cell.Outputs)
	last := &msgs[len(msgs)-1]

	if output != "" && last.Role == models.RoleAssistant {
		last.FunctionCall = &models.FunctionCall{
			Name:      models.RunCodeFunction,
			Arguments: encodeArgs(models.RunCodeArgs{Language: models.LanguagePython, Code: cell.Source}),
		}
		return append(msgs, models.Message{
			Role:    models.RoleFunction,
			Name:    models.RunCodeFunction,
			Content: output,
		})
	}

	return append(msgs, models.Message{
		Role:    models.RoleUser,
		Content: fmt.Sprintf("```python\n%s\n```\nOutput:\n%s", cell.Source, output),
	})
}

func encodeArgs(args models.RunCodeArgs) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encoding two string fields cannot fail.
	_ = enc.Encode(args)
	return strings.TrimRight(buf.String(), "\n")
}
