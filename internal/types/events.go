package types

// EventType represents the type of event emitted by an agent session.
type EventType string

const (
	// EventThinking indicates the agent entered a thinking block
	EventThinking EventType = "thinking"
	// EventTextDelta carries a chunk of streamed response text
	EventTextDelta EventType = "text_delta"
	// EventToolStart indicates the agent invoked a tool
	EventToolStart EventType = "tool_start"
	// EventToolOutput carries output produced by a tool invocation
	EventToolOutput EventType = "tool_output"
	// EventToolEnd indicates a tool invocation finished
	EventToolEnd EventType = "tool_end"
	// EventComplete is the terminal success event, carrying the proposal
	EventComplete EventType = "complete"
	// EventError is the terminal failure event
	EventError EventType = "error"
	// EventBackfill wraps already-emitted events as the first message of an
	// event stream. It never appears inside a session buffer.
	EventBackfill EventType = "backfill"
)

// AllEventTypes returns every session-buffer event type (excludes the
// wire-only backfill wrapper). Used by exhaustiveness tests.
func AllEventTypes() []EventType {
	return []EventType{
		EventThinking, EventTextDelta, EventToolStart,
		EventToolOutput, EventToolEnd, EventComplete, EventError,
	}
}

// AnalysisEvent is a single event on a session's ordered event log. The
// Type tag determines which fields are populated, mirroring the SSE wire
// format the TUI consumes.
type AnalysisEvent struct {
	Type EventType `json:"type"`

	// Delta is the text chunk for text_delta events
	Delta string `json:"delta,omitempty"`
	// Tool is the tool name for tool_start and tool_end events
	Tool string `json:"tool,omitempty"`
	// Args are the tool arguments for tool_start events
	Args map[string]interface{} `json:"args,omitempty"`
	// Output is the tool output for tool_output events
	Output string `json:"output,omitempty"`
	// IsError reports whether the tool invocation failed (tool_end)
	IsError bool `json:"isError,omitempty"`
	// Proposal is the agent's recommendation (complete)
	Proposal string `json:"proposal,omitempty"`
	// Message is the failure description (error)
	Message string `json:"message,omitempty"`
	// Events holds the buffered log for the backfill wrapper only
	Events []AnalysisEvent `json:"events,omitempty"`
}

// IsTerminal reports whether the event ends its session's run.
func (e AnalysisEvent) IsTerminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

// NewThinkingEvent creates a thinking event.
func NewThinkingEvent() AnalysisEvent {
	return AnalysisEvent{Type: EventThinking}
}

// NewTextDeltaEvent creates a text_delta event.
func NewTextDeltaEvent(delta string) AnalysisEvent {
	return AnalysisEvent{Type: EventTextDelta, Delta: delta}
}

// NewToolStartEvent creates a tool_start event.
func NewToolStartEvent(tool string, args map[string]interface{}) AnalysisEvent {
	return AnalysisEvent{Type: EventToolStart, Tool: tool, Args: args}
}

// NewToolOutputEvent creates a tool_output event.
func NewToolOutputEvent(output string) AnalysisEvent {
	return AnalysisEvent{Type: EventToolOutput, Output: output}
}

// NewToolEndEvent creates a tool_end event.
func NewToolEndEvent(tool string, isError bool) AnalysisEvent {
	return AnalysisEvent{Type: EventToolEnd, Tool: tool, IsError: isError}
}

// NewCompleteEvent creates the terminal complete event.
func NewCompleteEvent(proposal string) AnalysisEvent {
	return AnalysisEvent{Type: EventComplete, Proposal: proposal}
}

// NewErrorEvent creates the terminal error event.
func NewErrorEvent(message string) AnalysisEvent {
	return AnalysisEvent{Type: EventError, Message: message}
}

// NewBackfillEvent wraps a snapshot of already-emitted events for delivery
// as the first message of an event stream.
func NewBackfillEvent(events []AnalysisEvent) AnalysisEvent {
	return AnalysisEvent{Type: EventBackfill, Events: events}
}
