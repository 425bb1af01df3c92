package models

// EventKind classifies one increment of a streamed completion.
type EventKind int

const (
	// EventNarrative carries assistant prose (delta.content).
	EventNarrative EventKind = iota
	// EventFunctionArgs carries a fragment of function-call arguments.
	EventFunctionArgs
	// EventEnd marks the end of the response.
	EventEnd
)

func (k EventKind) String() string {
	switch k {
	case EventNarrative:
		return "narrative"
	case EventFunctionArgs:
		return "function_args"
	case EventEnd:
		return "end"
	default:
		return "unknown"
	}
}

// StreamEvent is one increment of a streamed completion. An increment is
// either narrative or function-call text, never both. Name is only set on
// the first function-call increment when the backend reports it.
type StreamEvent struct {
	Kind EventKind `json:"kind"`
	Text string    `json:"text,omitempty"`
	Name string    `json:"name,omitempty"`
}

// NarrativeToken builds an EventNarrative increment.
func NarrativeToken(text string) StreamEvent {
	return StreamEvent{Kind: EventNarrative, Text: text}
}

// FunctionArgToken builds an EventFunctionArgs increment.
func FunctionArgToken(name, text string) StreamEvent {
	return StreamEvent{Kind: EventFunctionArgs, Name: name, Text: text}
}

// End builds the terminating increment.
func End() StreamEvent {
	return StreamEvent{Kind: EventEnd}
}
