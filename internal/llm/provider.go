// Package llm is the client side of the local inference engine. It streams
// chat completions from Ollama as a pull-based TokenStream and computes
// embeddings for retrieval.
package llm

import (
	"context"
	"errors"
	"io"
	"time"
)

// Security limits to prevent unbounded memory usage
const (
	// MaxErrorBodySize limits how much error response body we read (1MB).
	MaxErrorBodySize = 1 * 1024 * 1024

	// MaxStreamedResponseSize limits total streamed response size (50MB).
	// This stops runaway generation from consuming all memory.
	MaxStreamedResponseSize = 50 * 1024 * 1024
)

var (
	// ErrFirstTokenTimeout is returned when the model produced nothing within
	// the first-token window (usually a stuck model load).
	ErrFirstTokenTimeout = errors.New("timeout waiting for first token")

	// ErrStreamStalled is returned when the gap between two tokens exceeded
	// the idle window.
	ErrStreamStalled = errors.New("stream idle timeout")

	// ErrResponseTooLarge is returned when a stream exceeds MaxStreamedResponseSize.
	ErrResponseTooLarge = errors.New("response size exceeded limit")

	// ErrTruncatedStream is returned when the engine closed the stream
	// without sending its completion marker.
	ErrTruncatedStream = errors.New("stream ended without completion marker")

	// ErrEmptyInput is returned by embedders for blank text.
	ErrEmptyInput = errors.New("empty input")
)

// readLimitedBody reads up to maxBytes from r, returning the bytes read.
func readLimitedBody(r io.Reader, maxBytes int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxBytes))
}

// Provider is the inference engine as seen by the turn pipeline.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// Generate starts a streamed completion. An error here means no token
	// was produced; errors after the first token come from TokenStream.Next.
	Generate(ctx context.Context, req *ChatRequest) (TokenStream, error)

	// Available returns nil when the engine is reachable and has models.
	Available(ctx context.Context) error

	// ListModels returns the models installed in the engine.
	ListModels(ctx context.Context) ([]ModelInfo, error)
}

// TokenStream is a lazy, finite, non-restartable sequence of text tokens.
//
// Next blocks until the next token arrives and returns io.EOF after the
// engine's completion marker. Any other error ends the stream. Close releases
// the underlying connection and must be called exactly once the consumer is
// done, whether or not the stream was drained.
type TokenStream interface {
	Next() (string, error)
	Close() error
}

// ChatRequest represents a chat completion request.
type ChatRequest struct {
	// Model to use (provider-specific).
	Model string `json:"model"`

	// SystemPrompt sets the assistant's behavior.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Messages in the conversation, oldest first, ending with the user turn.
	Messages []Message `json:"messages"`

	// MaxTokens limits response length.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness.
	Temperature float64 `json:"temperature,omitempty"`

	// ContextWindow sets the engine's num_ctx when non-zero.
	ContextWindow int `json:"context_window,omitempty"`
}

// Message represents a conversation message.
type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// ModelInfo describes an installed model.
type ModelInfo struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Usage is the token accounting the engine reports with its final chunk.
type Usage struct {
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// UsageReporter is implemented by streams that expose engine-side usage
// after they reach io.EOF.
type UsageReporter interface {
	Usage() Usage
}

// ProviderConfig contains configuration for an LLM provider.
type ProviderConfig struct {
	// Endpoint is the API base URL.
	Endpoint string

	// Model is the fallback model when a request names none.
	Model string

	// MaxTokens default for responses.
	MaxTokens int

	// Temperature default.
	Temperature float64
}
