package gateway

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/MrWong99/voxgate/internal/session"
)

// Query-parameter limits.
const (
	minSpeed = 0.5
	maxSpeed = 2.0

	// maxSystemPromptBytes caps the system_prompt query parameter.
	maxSystemPromptBytes = 10 * 1024

	// maxVocabularyTerms and maxVocabularyTermLen bound the merged
	// correction vocabulary.
	maxVocabularyTerms   = 100
	maxVocabularyTermLen = 64
)

// handshake carries the validated query parameters of a new connection. The
// llm model stays a logical name here; the server resolves it to a runtime
// target afterwards.
type handshake struct {
	sessionID string
	llmModel  string
	cfg       session.Config
}

// parseHandshake overlays the query parameters onto the gateway defaults.
// Returned errors are safe to send to the client.
func parseHandshake(q url.Values, defaults session.Config) (handshake, error) {
	hs := handshake{
		sessionID: q.Get("session_id"),
		llmModel:  q.Get("llm_model"),
		cfg:       defaults,
	}
	cfg := &hs.cfg

	if v := q.Get("stt_model"); v != "" {
		cfg.STTModel = v
	}
	if v := q.Get("tts_model"); v != "" {
		cfg.TTSModel = v
	}
	if v := q.Get("tts_voice"); v != "" {
		cfg.TTSVoice = v
	}
	if v := q.Get("language"); v != "" {
		cfg.Language = v
	}
	if v := q.Get("speed"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return handshake{}, fmt.Errorf("invalid speed %q", v)
		}
		cfg.Speed = clampSpeed(f)
	}
	if v := q.Get("sentence_boundary_only"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return handshake{}, fmt.Errorf("invalid sentence_boundary_only %q", v)
		}
		cfg.Phrase.SentenceBoundaryOnly = b
	}
	if v := q.Get("system_prompt"); v != "" {
		cfg.SystemPrompt = sanitizePrompt(v)
	}
	cfg.Vocabulary = mergeVocabulary(defaults.Vocabulary, q.Get("vocabulary"))
	return hs, nil
}

// clampSpeed forces a speed multiplier into the supported range. Out-of-range
// values are clamped rather than rejected.
func clampSpeed(v float64) float64 {
	return min(max(v, minSpeed), maxSpeed)
}

// seconds converts a float seconds value from the wire into a duration.
func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// sanitizePrompt strips control characters (newlines and tabs stay) and caps
// the prompt at maxSystemPromptBytes without splitting a rune.
func sanitizePrompt(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(truncateUTF8(s, maxSystemPromptBytes))
}

// truncateUTF8 cuts s to at most n bytes on a rune boundary.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// mergeVocabulary combines the default term list with the comma-separated
// query value. Blank and overlong terms are dropped, duplicates keep their
// first position, and the result is capped at maxVocabularyTerms.
func mergeVocabulary(defaults []string, query string) []string {
	if len(defaults) == 0 && query == "" {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	add := func(term string) {
		term = strings.TrimSpace(term)
		if term == "" || len(term) > maxVocabularyTermLen || seen[term] {
			return
		}
		if len(out) >= maxVocabularyTerms {
			return
		}
		seen[term] = true
		out = append(out, term)
	}
	for _, t := range defaults {
		add(t)
	}
	for _, t := range strings.Split(query, ",") {
		add(t)
	}
	return out
}
