package models

const (
	// RunCodeFunction is the only function advertised to the backend.
	RunCodeFunction = "run_code"

	LanguagePython = "python"
	LanguageShell  = "shell"
)

type FunctionDeclaration struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Parameters  Parameters `json:"parameters"`
}

// Parameters defines the JSON Schema for function parameters
type Parameters struct {
	Type       string                 `json:"type"`
	Properties map[string]interface{} `json:"properties"`
	Required   []string               `json:"required"`
}

// RunCodeArgs is the argument object of a run_code call. Field order matches
// the encoding used when code cells are replayed into a transcript.
type RunCodeArgs struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

// RunCodeDeclaration returns the schema for run_code(language, code).
func RunCodeDeclaration() FunctionDeclaration {
	return FunctionDeclaration{
		Name:        RunCodeFunction,
		Description: "Executes code on the user's machine and returns the output",
		Parameters: Parameters{
			Type: "object",
			Properties: map[string]interface{}{
				"language": map[string]interface{}{
					"type":        "string",
					"description": "The programming language",
					"enum":        []string{LanguagePython, LanguageShell},
				},
				"code": map[string]interface{}{
					"type":        "string",
					"description": "The code to execute",
				},
			},
			Required: []string{"language", "code"},
		},
	}
}
