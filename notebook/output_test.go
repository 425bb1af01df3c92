package notebook

import (
	"encoding/json"
	"testing"

	"github.com/Desarso/nbassist/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractOutputFlattensInOrder(t *testing.T) {
	outputs := []*models.Output{
		{Text: "a"},
		models.DisplayOutput("b"),
		{EName: "E", EValue: "bad"},
	}
	assert.Equal(t, "abE: bad", ExtractOutput(outputs))
}

func TestExtractOutputAllFieldsOfOneRecord(t *testing.T) {
	out := models.DisplayOutput("plain")
	out.Text = "text"
	out.EName = "ValueError"
	out.EValue = "nope"
	assert.Equal(t, "textplainValueError: nope", ExtractOutput([]*models.Output{out}))
}

func TestExtractOutputSkipsNilAndEmpty(t *testing.T) {
	assert.Equal(t, "", ExtractOutput(nil))
	assert.Equal(t, "", ExtractOutput([]*models.Output{}))
	assert.Equal(t, "x", ExtractOutput([]*models.Output{nil, {Text: "x"}, nil}))
}

func TestExtractOutputFromNBFormatJSON(t *testing.T) {
	raw := `[
		{"output_type": "stream", "name": "stdout", "text": ["line 1\n", "line 2\n"]},
		{"output_type": "execute_result", "data": {"text/plain": ["42"], "application/json": {"a": 1}}},
		{"output_type": "display_data", "data": {"image/png": "iVBORw0KGgo="}}
	]`
	var outputs []*models.Output
	require.NoError(t, json.Unmarshal([]byte(raw), &outputs))
	assert.Equal(t, "line 1\nline 2\n42", ExtractOutput(outputs))
}
