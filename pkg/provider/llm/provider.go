// Package llm defines the Provider interface for streaming chat-completion
// backends.
//
// A provider wraps a remote model API (e.g., OpenAI, Anthropic, or a local
// Ollama instance) and exposes a uniform streaming interface so the
// conversation engine never couples to a specific SDK.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends
// or when the supplied context is cancelled.
package llm

import "context"

// Message is a single role-tagged message in a conversation history.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// CompletionRequest carries everything the model needs to produce a reply.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []Message

	// SystemPrompt is a high-priority instruction injected before the history.
	// Providers without a dedicated system field prepend it as a "system"
	// message.
	SystemPrompt string

	// Temperature controls output randomness in [0.0, 2.0]. Zero means the
	// provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens the model may generate.
	// Zero means the provider default.
	MaxTokens int
}

// FinishError is the FinishReason carried by a chunk that reports a stream
// failure after the channel was opened. The chunk's Text holds the error text.
const FinishError = "error"

// Chunk is an incremental piece of a streaming completion.
type Chunk struct {
	// Text is the incremental text content. May be empty on a final chunk
	// that only carries a FinishReason.
	Text string

	// FinishReason is set on the final chunk and indicates why generation
	// stopped: "stop" (natural end), "length" (MaxTokens reached),
	// FinishError (stream failure), or "" for non-final chunks.
	FinishReason string
}

// Usage holds token accounting returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any chat-completion backend.
//
// Implementations must be safe for concurrent use and must propagate context
// cancellation promptly: when ctx is cancelled the underlying provider stream
// is aborted and the chunk channel closed.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only channel
	// emitting Chunk values as they arrive. The channel is closed by the
	// implementation when generation finishes or ctx is cancelled.
	//
	// Callers must drain the channel to avoid goroutine leaks. Errors that
	// occur after the channel is opened surface as a Chunk with FinishReason
	// FinishError; the error return is non-nil only for failures that prevent
	// the stream from starting (e.g., invalid credentials).
	//
	// The returned channel is never nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req and waits for the full response. Convenience for
	// callers that do not need incremental output (e.g., summarisation).
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
