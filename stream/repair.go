package stream

import "strings"

// RepairJSON escapes raw newlines that appear inside JSON string literals,
// which models emit when streaming multi-line code as a function argument.
// Text outside strings is left untouched, as are escape sequences.
func RepairJSON(s string) string {
	var sb strings.Builder
	sb.Grow(len(s) + 8)

	inString := false
	escaped := false
	for _, ch := range s {
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case ch == '\n' && inString:
			sb.WriteString(`\n`)
			continue
		}
		sb.WriteRune(ch)
	}
	return sb.String()
}
