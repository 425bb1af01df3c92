package models

import "context"

// Role identifies the author of a Message in a chat-completion transcript.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleFunction  Role = "function"
)

// FunctionCall is the assistant's request to invoke a declared function.
// Arguments holds the raw JSON argument string exactly as sent on the wire.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one turn of the conversation sent to the completion backend.
type Message struct {
	Role         Role          `json:"role"`
	Content      string        `json:"content"`
	FunctionCall *FunctionCall `json:"function_call,omitempty"`
	Name         string        `json:"name,omitempty"` // required when Role is RoleFunction
}

// CompletionRequest is a single streamed chat-completion call.
type CompletionRequest struct {
	Model        string                `json:"model"`
	Messages     []Message             `json:"messages"`
	Functions    []FunctionDeclaration `json:"functions,omitempty"`
	FunctionCall string                `json:"function_call,omitempty"` // "auto", "none"
}

// Backend is a streaming chat-completion service with function calling.
//
// The event channel is closed when the response is exhausted. At most one
// error is delivered on the error channel; both channels are closed when the
// producing goroutine exits.
type Backend interface {
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan StreamEvent, <-chan error)
}

// BackendFactory builds a Backend client for an API key.
type BackendFactory func(apiKey string) (Backend, error)
