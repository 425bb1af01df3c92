package transcript

import (
	"errors"
	"fmt"

	"github.com/Desarso/nbassist/models"
)

var (
	ErrEmpty         = errors.New("transcript is empty")
	ErrNoSystem      = errors.New("transcript must start with exactly one system message")
	ErrOrphanResult  = errors.New("function message without a matching assistant call")
	ErrUnnamedResult = errors.New("function message without a name")
	ErrEmptyMessage  = errors.New("assistant message with neither content nor function call")
)

// Validate checks the structural invariants of a transcript: a single leading
// system message, no empty assistant messages, and every function message
// directly following an assistant message that called the same function.
func Validate(msgs []models.Message) error {
	if len(msgs) == 0 {
		return ErrEmpty
	}
	if msgs[0].Role != models.RoleSystem {
		return ErrNoSystem
	}

	for i := 1; i < len(msgs); i++ {
		msg := msgs[i]
		switch msg.Role {
		case models.RoleSystem:
			return fmt.Errorf("message %d: %w", i, ErrNoSystem)
		case models.RoleAssistant:
			if msg.Content == "" && msg.FunctionCall == nil {
				return fmt.Errorf("message %d: %w", i, ErrEmptyMessage)
			}
		case models.RoleFunction:
			if msg.Name == "" {
				return fmt.Errorf("message %d: %w", i, ErrUnnamedResult)
			}
			prev := msgs[i-1]
			if prev.Role != models.RoleAssistant || prev.FunctionCall == nil || prev.FunctionCall.Name != msg.Name {
				return fmt.Errorf("message %d (%s): %w", i, msg.Name, ErrOrphanResult)
			}
		}
	}
	return nil
}
