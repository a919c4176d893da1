// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps an OpenAI-compatible chat-completions API (a hosted
// service or a local runtime such as llama.cpp or vLLM) and exposes a uniform
// streaming interface so the voxgate orchestrator can consume tokens without
// coupling to any specific SDK or wire dialect.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends
// or when the supplied context is cancelled.
package llm

import "context"

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input messages.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens. Some backends return
	// it directly rather than computing it from the parts.
	TotalTokens int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// Callers should treat a zero-value request as invalid; at minimum Messages
// must be non-empty.
type CompletionRequest struct {
	// Model overrides the provider's default model for this request.
	Model string

	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []Message

	// Temperature controls output randomness. Zero means use the backend
	// default.
	Temperature float64

	// MaxTokens caps the number of completion tokens the model may
	// generate. Zero means use the backend default.
	MaxTokens int

	// Overrides is merged into the request body verbatim, letting callers
	// reach runtime-specific knobs (llama.cpp's cache_prompt, samplers,
	// vLLM's guided decoding) without new struct fields. Overrides may
	// replace Temperature and MaxTokens; the model, messages, and stream
	// keys always win over an override.
	Overrides map[string]any

	// Thinking leaves the model's reasoning mode enabled. When false, a
	// /no_think marker is appended to the last user message so hybrid
	// reasoning models answer directly. Voice sessions run with thinking
	// off unless the client asks for it.
	Thinking bool
}

// Chunk is a single fragment emitted by a streaming completion. A chunk may
// carry text, a finish signal, tool calls, or any combination thereof.
type Chunk struct {
	// Text is the incremental text content of this chunk. May be empty if
	// the chunk carries only ToolCalls or a FinishReason.
	Text string

	// FinishReason is set on the final chunk and indicates why generation
	// stopped. Common values are "stop", "length", "tool_calls", and
	// "error" for mid-stream transport failures.
	FinishReason string

	// ToolCalls contains complete tool invocations, assembled from the
	// per-index deltas of the underlying stream. Only set on a chunk whose
	// FinishReason is "tool_calls" or on the final chunk of a stream that
	// ended with pending calls.
	ToolCalls []ToolCall
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply. Empty when the
	// model responds exclusively with tool calls.
	Content string

	// ToolCalls lists all tool invocations requested by the model.
	ToolCalls []ToolCall

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any chat-completion backend.
//
// Implementations must be safe for concurrent use from multiple goroutines
// and should propagate context cancellation promptly.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only
	// channel that emits Chunk values as they arrive. The channel is closed
	// by the implementation when generation finishes or ctx is cancelled.
	//
	// Callers must drain the channel to avoid goroutine leaks. Errors that
	// occur after the channel is opened are surfaced as a Chunk with
	// FinishReason "error"; the initial error return is non-nil only for
	// failures that prevent the stream from starting.
	//
	// The returned channel must never be nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req to the model and waits for the full response. It
	// is a convenience for callers that do not need incremental output,
	// such as the transcript corrector.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
