// Package llmcorrect implements a language-model-based transcript correction
// stage that resolves vocabulary mishearings not caught by the phonetic
// matcher.
//
// The [Corrector] sends the transcript text to an [llm.Provider] along with
// the session's vocabulary. The model is instructed (via a conservative
// system prompt) to fix only words that look like misheard vocabulary terms
// and to return a structured JSON response containing the corrected text and
// an itemised list of substitutions. Every change the model made is then
// cross-checked against that list; undeclared edits are reverted, so a model
// that rewrites the sentence cannot corrupt the transcript.
//
// This stage costs an extra model round-trip, so the gateway runs it only on
// final transcripts and only when enabled for the project. When the LLM
// response cannot be parsed, the corrector returns the original text
// unchanged rather than surfacing an error.
package llmcorrect

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MrWong99/voxgate/pkg/provider/llm"
)

const defaultTemperature = 0.1

// systemPromptTemplate is the base system prompt. The vocabulary is appended
// at call time so each request carries the current session's terms.
const systemPromptTemplate = `You are a transcription correction assistant for a voice interface.

Your task: fix misheard vocabulary terms in the provided transcript text.

Rules:
- ONLY correct words that appear to be misheard versions of the known vocabulary terms listed below.
- Do NOT change ordinary words, grammar, punctuation, or sentence structure.
- Be conservative. If you are not confident a word is a misheard vocabulary term, leave it unchanged.
- Preserve the capitalisation style of the surrounding text where possible.
- Vocabulary terms in the corrected text must match the canonical spelling from the list exactly.

Known vocabulary:
%s

Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{
  "corrected_text": "<full corrected transcript>",
  "corrections": [
    {"original": "<original word>", "corrected": "<corrected word>", "confidence": <0.0-1.0>}
  ]
}

If no corrections are needed, return an empty corrections array and corrected_text equal to the input.`

// Correction captures a single substitution produced by the LLM corrector.
type Correction struct {
	// Original is the word as it appeared in the input transcript.
	Original string

	// Corrected is the replacement term suggested by the LLM.
	Corrected string

	// Confidence is the LLM's reported confidence for this substitution
	// (0.0-1.0).
	Confidence float64
}

// llmResponse is the expected JSON structure returned by the LLM.
type llmResponse struct {
	CorrectedText string `json:"corrected_text"`
	Corrections   []struct {
		Original   string  `json:"original"`
		Corrected  string  `json:"corrected"`
		Confidence float64 `json:"confidence"`
	} `json:"corrections"`
}

// Option is a functional option for configuring a [Corrector].
type Option func(*Corrector)

// WithTemperature sets the LLM sampling temperature. Lower values produce
// more deterministic corrections. Default: 0.1.
func WithTemperature(temp float64) Option {
	return func(c *Corrector) {
		c.temperature = temp
	}
}

// WithModel overrides the provider's default model for correction requests.
func WithModel(model string) Option {
	return func(c *Corrector) {
		c.model = model
	}
}

// Corrector uses an [llm.Provider] to fix misheard vocabulary terms in
// transcript text. It is safe for concurrent use.
type Corrector struct {
	llm         llm.Provider
	model       string
	temperature float64
}

// New returns a Corrector backed by the given provider.
func New(provider llm.Provider, opts ...Option) *Corrector {
	c := &Corrector{
		llm:         provider,
		temperature: defaultTemperature,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Correct sends text to the LLM with the vocabulary as context and asks it
// to fix misheard terms. Edits the model did not declare in its corrections
// list are reverted before the result is returned.
//
// When the LLM response is unparseable, Correct returns the original text
// unchanged with a nil corrections slice and a nil error; the pipeline must
// continue. Context cancellation and transport errors are returned as
// non-nil errors.
func (c *Corrector) Correct(ctx context.Context, text string, vocabulary []string) (string, []Correction, error) {
	if len(vocabulary) == 0 || strings.TrimSpace(text) == "" {
		return text, nil, nil
	}

	req := llm.CompletionRequest{
		Model:       c.model,
		Temperature: c.temperature,
		Messages: []llm.Message{
			{Role: "system", Content: buildSystemPrompt(vocabulary)},
			{Role: "user", Content: text},
		},
	}

	resp, err := c.llm.Complete(ctx, req)
	if err != nil {
		return text, nil, fmt.Errorf("llm corrector: complete: %w", err)
	}
	if resp == nil {
		return text, nil, nil
	}

	corrected, corrections, parseErr := parseResponse(resp.Content, text)
	if parseErr != nil {
		return text, nil, nil
	}

	verifiedText, verified := applyVerified(text, corrected, corrections)
	return verifiedText, verified, nil
}

// buildSystemPrompt formats the system prompt template with the vocabulary.
func buildSystemPrompt(vocabulary []string) string {
	var sb strings.Builder
	for _, term := range vocabulary {
		sb.WriteString("- ")
		sb.WriteString(term)
		sb.WriteByte('\n')
	}
	return fmt.Sprintf(systemPromptTemplate, sb.String())
}

// parseResponse attempts to unmarshal the LLM output into an [llmResponse].
// It strips markdown code fences before parsing.
func parseResponse(content, originalText string) (string, []Correction, error) {
	cleaned := stripMarkdown(content)

	var r llmResponse
	if err := json.Unmarshal([]byte(cleaned), &r); err != nil {
		return "", nil, fmt.Errorf("llm corrector: parse response: %w", err)
	}

	if r.CorrectedText == "" {
		return originalText, nil, nil
	}

	corrections := make([]Correction, 0, len(r.Corrections))
	for _, c := range r.Corrections {
		if c.Original == c.Corrected || c.Original == "" {
			continue
		}
		corrections = append(corrections, Correction{
			Original:   c.Original,
			Corrected:  c.Corrected,
			Confidence: c.Confidence,
		})
	}

	return r.CorrectedText, corrections, nil
}

// stripMarkdown removes optional markdown code fences (```json ... ```) that
// some models prepend and append to JSON output.
func stripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}
