package gateway

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxgate/internal/session"
)

func TestParseHandshake_EmptyQueryKeepsDefaults(t *testing.T) {
	t.Parallel()

	defaults := session.DefaultConfig()
	defaults.STTModel = "whisper-large-v3"
	defaults.TTSModel = "kokoro"
	defaults.TTSVoice = "af_heart"

	hs, err := parseHandshake(url.Values{}, defaults)
	if err != nil {
		t.Fatalf("parseHandshake: %v", err)
	}
	if hs.sessionID != "" || hs.llmModel != "" {
		t.Fatalf("expected empty ids, got session=%q llm=%q", hs.sessionID, hs.llmModel)
	}
	if hs.cfg.STTModel != "whisper-large-v3" || hs.cfg.TTSModel != "kokoro" || hs.cfg.TTSVoice != "af_heart" {
		t.Fatalf("defaults not preserved: %+v", hs.cfg)
	}
	if hs.cfg.Speed != session.DefaultSpeed {
		t.Fatalf("Speed = %v, want default %v", hs.cfg.Speed, session.DefaultSpeed)
	}
	if !hs.cfg.Phrase.SentenceBoundaryOnly {
		t.Fatal("expected default sentence-boundary phrasing")
	}
}

func TestParseHandshake_AppliesQueryParameters(t *testing.T) {
	t.Parallel()

	q := url.Values{
		"session_id":             {"sess-42"},
		"llm_model":              {"assistant"},
		"stt_model":              {"whisper-small"},
		"tts_model":              {"orpheus"},
		"tts_voice":              {"leo"},
		"language":               {"de"},
		"speed":                  {"1.5"},
		"sentence_boundary_only": {"false"},
		"system_prompt":          {"  Answer briefly.  "},
		"vocabulary":             {"Grafana, Kubernetes"},
	}
	hs, err := parseHandshake(q, session.DefaultConfig())
	if err != nil {
		t.Fatalf("parseHandshake: %v", err)
	}
	if hs.sessionID != "sess-42" {
		t.Fatalf("sessionID = %q", hs.sessionID)
	}
	if hs.llmModel != "assistant" {
		t.Fatalf("llmModel = %q", hs.llmModel)
	}
	cfg := hs.cfg
	if cfg.STTModel != "whisper-small" || cfg.TTSModel != "orpheus" || cfg.TTSVoice != "leo" {
		t.Fatalf("model selection not applied: %+v", cfg)
	}
	if cfg.Language != "de" {
		t.Fatalf("Language = %q", cfg.Language)
	}
	if cfg.Speed != 1.5 {
		t.Fatalf("Speed = %v", cfg.Speed)
	}
	if cfg.Phrase.SentenceBoundaryOnly {
		t.Fatal("sentence_boundary_only=false not applied")
	}
	if cfg.SystemPrompt != "Answer briefly." {
		t.Fatalf("SystemPrompt = %q", cfg.SystemPrompt)
	}
	if want := []string{"Grafana", "Kubernetes"}; !slices.Equal(cfg.Vocabulary, want) {
		t.Fatalf("Vocabulary = %v, want %v", cfg.Vocabulary, want)
	}
}

func TestParseHandshake_ClampsSpeed(t *testing.T) {
	t.Parallel()

	for query, want := range map[string]float64{
		"9.9":  maxSpeed,
		"0.01": minSpeed,
		"2.0":  2.0,
		"0.5":  0.5,
	} {
		hs, err := parseHandshake(url.Values{"speed": {query}}, session.DefaultConfig())
		if err != nil {
			t.Fatalf("speed %q: %v", query, err)
		}
		if hs.cfg.Speed != want {
			t.Errorf("speed %q clamped to %v, want %v", query, hs.cfg.Speed, want)
		}
	}
}

func TestParseHandshake_RejectsMalformedValues(t *testing.T) {
	t.Parallel()

	for name, q := range map[string]url.Values{
		"speed":    {"speed": {"fast"}},
		"boundary": {"sentence_boundary_only": {"maybe"}},
	} {
		if _, err := parseHandshake(q, session.DefaultConfig()); err == nil {
			t.Errorf("%s: expected error for %v", name, q)
		}
	}
}

func TestSanitizePrompt_StripsControlCharacters(t *testing.T) {
	t.Parallel()

	got := sanitizePrompt("be\x00 nice\nalways\ttabbed\x1b[31m")
	if got != "be nice\nalways\ttabbed[31m" {
		t.Fatalf("sanitizePrompt = %q", got)
	}
}

func TestSanitizePrompt_CapsAtRuneBoundary(t *testing.T) {
	t.Parallel()

	// A multibyte rune straddling the byte cap must be dropped whole.
	prompt := strings.Repeat("a", maxSystemPromptBytes-1) + "ü"
	got := sanitizePrompt(prompt)
	if len(got) != maxSystemPromptBytes-1 {
		t.Fatalf("len = %d, want %d", len(got), maxSystemPromptBytes-1)
	}
	if !strings.HasSuffix(got, "a") {
		t.Fatalf("unexpected suffix %q", got[len(got)-4:])
	}
}

func TestTruncateUTF8(t *testing.T) {
	t.Parallel()

	if got := truncateUTF8("héllo", 3); got != "h\xc3\xa9" {
		t.Fatalf("truncateUTF8(héllo, 3) = %q", got)
	}
	if got := truncateUTF8("héllo", 2); got != "h" {
		t.Fatalf("truncateUTF8(héllo, 2) = %q", got)
	}
	if got := truncateUTF8("short", 10); got != "short" {
		t.Fatalf("truncateUTF8(short, 10) = %q", got)
	}
}

func TestMergeVocabulary(t *testing.T) {
	t.Parallel()

	defaults := []string{"Grafana", "Prometheus"}
	got := mergeVocabulary(defaults, " Kubernetes ,Grafana,, "+strings.Repeat("x", 65)+",etcd")
	want := []string{"Grafana", "Prometheus", "Kubernetes", "etcd"}
	if !slices.Equal(got, want) {
		t.Fatalf("mergeVocabulary = %v, want %v", got, want)
	}
}

func TestMergeVocabulary_CapsTermCount(t *testing.T) {
	t.Parallel()

	terms := make([]string, 0, maxVocabularyTerms+20)
	for i := 0; i < maxVocabularyTerms+20; i++ {
		terms = append(terms, fmt.Sprintf("term-%03d", i))
	}
	got := mergeVocabulary(nil, strings.Join(terms, ","))
	if len(got) != maxVocabularyTerms {
		t.Fatalf("merged %d terms, cap is %d", len(got), maxVocabularyTerms)
	}
}

func TestMergeVocabulary_EmptyInputsStayNil(t *testing.T) {
	t.Parallel()

	if got := mergeVocabulary(nil, ""); got != nil {
		t.Fatalf("mergeVocabulary(nil, \"\") = %v", got)
	}
}

func TestSeconds(t *testing.T) {
	t.Parallel()

	if got := seconds(0.4); got != 400*time.Millisecond {
		t.Fatalf("seconds(0.4) = %v", got)
	}
	if got := seconds(2); got != 2*time.Second {
		t.Fatalf("seconds(2) = %v", got)
	}
}
