// Package openai provides an llm.Provider for OpenAI-compatible
// chat-completion APIs, including self-hosted runtimes (llama.cpp, vLLM,
// LM Studio) that speak the same wire format.
//
// The provider talks HTTP directly instead of going through an SDK: local
// runtimes accept request fields no SDK models (cache_prompt, samplers,
// guided decoding), and the orchestrator needs those passed through verbatim.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/MrWong99/voxgate/pkg/provider/llm"
)

const chatCompletionsPath = "/v1/chat/completions"

// Streaming completions can legitimately take minutes on a loaded local
// runtime; the client timeout must cover the whole stream, not one read.
const defaultTimeout = 300 * time.Second

var _ llm.Provider = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// WithModel sets the default model for requests that do not name one.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithAPIKey sets a bearer token. Most self-hosted runtimes need none.
func WithAPIKey(key string) Option {
	return func(p *Provider) {
		p.apiKey = key
	}
}

// WithHTTPClient replaces the default pooled HTTP client. Use this to share
// one client across providers pointed at the same runtime.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements llm.Provider against an OpenAI-compatible
// chat-completions endpoint. Requests may run concurrently; they share one
// keep-alive HTTP client so repeated turns skip connection setup.
type Provider struct {
	baseURL    string
	model      string
	apiKey     string
	httpClient *http.Client
}

// New creates a Provider for the runtime at baseURL (e.g.,
// "http://runtime:8000"). baseURL must be non-empty.
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("openai: baseURL must not be empty")
	}
	p := &Provider{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        16,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	body, err := p.buildBody(req, true)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+chatCompletionsPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("openai: chat completion returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	ch := make(chan llm.Chunk, 32)
	go p.streamResponse(ctx, resp.Body, ch)
	return ch, nil
}

// streamResponse reads the SSE body and forwards chunks until [DONE], a
// transport error, or context cancellation. It owns ch and the body.
func (p *Provider) streamResponse(ctx context.Context, body io.ReadCloser, ch chan<- llm.Chunk) {
	defer close(ch)
	defer body.Close()

	// Tool-call fragments arrive spread over many deltas, keyed by index.
	accum := map[int]*llm.ToolCall{}
	emitted := false

	scanner := newSSEScanner(body)
	for scanner.Scan() {
		data := scanner.Data()
		if data == "[DONE]" {
			break
		}

		var sc sseChunk
		if err := json.Unmarshal([]byte(data), &sc); err != nil {
			slog.Debug("openai: skipping malformed stream line", "error", err)
			continue
		}
		if len(sc.Choices) == 0 {
			continue
		}
		choice := sc.Choices[0]

		for _, tc := range choice.Delta.ToolCalls {
			existing, ok := accum[tc.Index]
			if !ok {
				existing = &llm.ToolCall{}
				accum[tc.Index] = existing
			}
			if tc.ID != "" {
				existing.ID = tc.ID
			}
			if tc.Function.Name != "" {
				existing.Name = tc.Function.Name
			}
			existing.Arguments += tc.Function.Arguments
		}

		out := llm.Chunk{
			Text:         choice.Delta.Content,
			FinishReason: choice.FinishReason,
		}
		if choice.FinishReason == "tool_calls" {
			out.ToolCalls = collectToolCalls(accum, false)
			emitted = true
		}
		if out.Text == "" && out.FinishReason == "" && len(out.ToolCalls) == 0 {
			continue
		}

		select {
		case ch <- out:
		case <-ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil {
		select {
		case ch <- llm.Chunk{FinishReason: "error", Text: err.Error()}:
		case <-ctx.Done():
		}
		return
	}

	// Some runtimes never send finish_reason "tool_calls"; whatever was
	// assembled by end-of-stream still counts, as long as it is complete
	// enough to act on.
	if !emitted {
		if pending := collectToolCalls(accum, true); len(pending) > 0 {
			select {
			case ch <- llm.Chunk{FinishReason: "tool_calls", ToolCalls: pending}:
			case <-ctx.Done():
			}
		}
	}
}

// collectToolCalls flattens the accumulator in index order. When
// requireIdentity is set, fragments missing an ID or name are dropped.
func collectToolCalls(accum map[int]*llm.ToolCall, requireIdentity bool) []llm.ToolCall {
	if len(accum) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(accum))
	for i := range accum {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	calls := make([]llm.ToolCall, 0, len(indexes))
	for _, i := range indexes {
		tc := accum[i]
		if requireIdentity && (tc.ID == "" || tc.Name == "") {
			continue
		}
		calls = append(calls, *tc)
	}
	return calls
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	body, err := p.buildBody(req, false)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+chatCompletionsPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openai: chat completion returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var parsed completionResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("openai: parse JSON response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("openai: API error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, errors.New("openai: empty choices in response")
	}

	choice := parsed.Choices[0]
	result := &llm.CompletionResponse{
		Content: choice.Message.Content,
		Usage: llm.Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return result, nil
}

// buildBody assembles the request JSON. Overrides go in first so runtime
// knobs can replace temperature and max_tokens; model, messages, and stream
// are authoritative and written last.
func (p *Provider) buildBody(req llm.CompletionRequest, stream bool) ([]byte, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: request must carry at least one message")
	}

	model := req.Model
	if model == "" {
		model = p.model
	}
	if model == "" {
		return nil, errors.New("openai: no model configured")
	}

	body := make(map[string]any, len(req.Overrides)+5)
	if req.Temperature != 0 {
		body["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	for k, v := range req.Overrides {
		body[k] = v
	}
	body["model"] = model
	body["messages"] = applyThinking(req.Messages, req.Thinking)
	body["stream"] = stream

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}
	return data, nil
}

// applyThinking appends the /no_think marker to the last user message when
// thinking is disabled. The input slice is never mutated; hybrid reasoning
// models treat the marker as "answer directly".
func applyThinking(messages []llm.Message, thinking bool) []llm.Message {
	if thinking {
		return messages
	}
	last := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			last = i
			break
		}
	}
	if last < 0 {
		return messages
	}

	out := make([]llm.Message, len(messages))
	copy(out, messages)
	m := out[last]
	if len(m.Parts) > 0 {
		parts := make([]llm.ContentPart, len(m.Parts), len(m.Parts)+1)
		copy(parts, m.Parts)
		m.Parts = append(parts, llm.ContentPart{Type: "text", Text: "/no_think"})
	} else {
		m.Content += " /no_think"
	}
	out[last] = m
	return out
}

// ---- wire types ----

// sseChunk is one streaming delta in OpenAI chat-completions format.
type sseChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// completionResponse is the non-streaming response shape.
type completionResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}
