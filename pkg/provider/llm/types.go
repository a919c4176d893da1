package llm

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/MrWong99/voxgate/pkg/audio"
)

// MaxAudioBytes is the largest WAV payload accepted for a multimodal message.
// Larger audio is rejected before any network traffic happens.
const MaxAudioBytes = 10 << 20

// Message is a single entry in an LLM conversation history.
//
// Content and Parts are mutually exclusive: plain text messages set Content,
// multimodal messages set Parts. When both are set, Parts wins on the wire.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// Parts carries multimodal content (text plus input audio). Only user
	// messages may carry parts on OpenAI-compatible runtimes.
	Parts []ContentPart

	// ToolCalls contains tool invocations requested by the assistant,
	// echoed back when replaying history.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying which tool call
	// this message responds to.
	ToolCallID string
}

// ContentPart is one element of a multimodal message body.
type ContentPart struct {
	// Type is "text" or "input_audio".
	Type string `json:"type"`

	// Text is set when Type is "text".
	Text string `json:"text,omitempty"`

	// InputAudio is set when Type is "input_audio".
	InputAudio *InputAudio `json:"input_audio,omitempty"`
}

// InputAudio is a base64-encoded audio attachment.
type InputAudio struct {
	// Data is the base64-encoded container bytes.
	Data string `json:"data"`

	// Format names the container; OpenAI-compatible runtimes accept
	// "wav" and "mp3". Raw PCM is not accepted.
	Format string `json:"format"`
}

// ToolCall is a tool/function invocation requested by the model.
type ToolCall struct {
	// ID is the provider-assigned identifier for this call.
	ID string

	// Name is the tool/function name.
	Name string

	// Arguments is the JSON-encoded arguments string, accumulated across
	// stream deltas.
	Arguments string
}

// MarshalJSON renders the message in OpenAI chat-completions wire format:
// string content for plain messages, a content-part array for multimodal
// ones, and nested function objects for tool calls.
func (m Message) MarshalJSON() ([]byte, error) {
	type wireFunction struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	}
	type wireToolCall struct {
		ID       string       `json:"id"`
		Type     string       `json:"type"`
		Function wireFunction `json:"function"`
	}
	type wireMessage struct {
		Role       string         `json:"role"`
		Content    any            `json:"content"`
		ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
		ToolCallID string         `json:"tool_call_id,omitempty"`
	}

	w := wireMessage{
		Role:       m.Role,
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
	}
	if len(m.Parts) > 0 {
		w.Content = m.Parts
	}
	for _, tc := range m.ToolCalls {
		w.ToolCalls = append(w.ToolCalls, wireToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: wireFunction{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	return json.Marshal(w)
}

// AudioUserMessage builds a multimodal user message from raw 16-bit PCM.
// The PCM is wrapped in a RIFF/WAVE container (runtimes reject bare PCM)
// and base64-encoded. text, when non-empty, rides along as a text part.
//
// Returns an error if the resulting WAV exceeds MaxAudioBytes.
func AudioUserMessage(pcm []byte, sampleRate, channels int, text string) (Message, error) {
	wav := audio.EncodeWAV(pcm, sampleRate, channels)
	if len(wav) > MaxAudioBytes {
		return Message{}, fmt.Errorf("llm: audio payload %d bytes exceeds %d byte limit", len(wav), MaxAudioBytes)
	}

	parts := []ContentPart{
		{
			Type: "input_audio",
			InputAudio: &InputAudio{
				Data:   base64.StdEncoding.EncodeToString(wav),
				Format: "wav",
			},
		},
	}
	if text != "" {
		parts = append(parts, ContentPart{Type: "text", Text: text})
	}
	return Message{Role: "user", Parts: parts}, nil
}
