package orchestrator

// EventType identifies a streamed turn event.
type EventType string

const (
	EventMetadata EventType = "metadata"
	EventContent  EventType = "content"
	EventDone     EventType = "done"
	EventError    EventType = "error"
)

// Error codes carried by error events.
const (
	CodeInferenceUnavailable = "inference_unavailable"
	CodeInferenceInterrupted = "inference_interrupted"
)

// Event is one item of a turn's event stream. Exactly one metadata event
// precedes the first content event, and the stream ends with done or error.
type Event struct {
	Type EventType `json:"type"`

	// metadata
	SessionID        string   `json:"session_id,omitempty"`
	TurnID           string   `json:"turn_id,omitempty"`
	Model            string   `json:"model_used,omitempty"`
	Tier             string   `json:"tier,omitempty"`
	TaskType         string   `json:"task_type,omitempty"`
	RoutingReason    string   `json:"routing_reason,omitempty"`
	ChunkIDs         []string `json:"chunk_ids,omitempty"`
	DocumentIDs      []string `json:"document_ids,omitempty"`
	DocumentsUsed    []string `json:"documents_used,omitempty"`
	MemoryIDs        []string `json:"memory_ids,omitempty"`
	Warnings         []string `json:"warnings,omitempty"`
	ContextTruncated bool     `json:"context_truncated,omitempty"`

	// content
	Content string `json:"content,omitempty"`

	// done
	MessageID    string `json:"message_id,omitempty"`
	FullResponse string `json:"full_response,omitempty"`

	// error
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// Sink receives a turn's events in order. A Send error means the consumer
// is gone and cancels the turn.
type Sink interface {
	Send(Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event) error

// Send calls f.
func (f SinkFunc) Send(e Event) error { return f(e) }
