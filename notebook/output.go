package notebook

import (
	"strings"

	"github.com/Desarso/nbassist/models"
)

// ExtractOutput flattens a cell's output records into one string. For each
// record the plain text comes first, then the text/plain rich data, then the
// error as "name: value". Nil records contribute nothing.
func ExtractOutput(outputs []*models.Output) string {
	var sb strings.Builder
	for _, out := range outputs {
		if out == nil {
			continue
		}
		if out.Text != "" {
			sb.WriteString(string(out.Text))
		}
		if plain := out.DataText("text/plain"); plain != "" {
			sb.WriteString(plain)
		}
		if out.EName != "" {
			sb.WriteString(out.EName)
			sb.WriteString(": ")
			sb.WriteString(out.EValue)
		}
	}
	return sb.String()
}
