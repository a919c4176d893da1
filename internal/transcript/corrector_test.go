package transcript_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/voxgate/internal/transcript"
	"github.com/MrWong99/voxgate/internal/transcript/llmcorrect"
	"github.com/MrWong99/voxgate/pkg/provider/llm"
	"github.com/MrWong99/voxgate/pkg/provider/llm/mock"
)

func TestCorrector_PhoneticCorrection(t *testing.T) {
	t.Parallel()

	c := transcript.New([]string{"Grafana"})

	got, corrections := c.Correct("please restart grifana now")
	if got != "please restart Grafana now" {
		t.Errorf("Correct = %q", got)
	}
	if len(corrections) != 1 {
		t.Fatalf("corrections = %d, want 1", len(corrections))
	}
	if corrections[0].Original != "grifana" || corrections[0].Corrected != "Grafana" {
		t.Errorf("correction = %+v", corrections[0])
	}
	if corrections[0].Method != transcript.MethodPhonetic {
		t.Errorf("method = %q, want %q", corrections[0].Method, transcript.MethodPhonetic)
	}
}

func TestCorrector_MultiWordWindow(t *testing.T) {
	t.Parallel()

	c := transcript.New([]string{"Azure Key Vault"})

	got, corrections := c.Correct("open the azure key volt dashboard")
	if got != "open the Azure Key Vault dashboard" {
		t.Errorf("Correct = %q", got)
	}
	if len(corrections) != 1 {
		t.Fatalf("corrections = %d, want 1", len(corrections))
	}
	if corrections[0].Original != "azure key volt" {
		t.Errorf("original = %q, want the full window", corrections[0].Original)
	}
}

func TestCorrector_PreservesPunctuation(t *testing.T) {
	t.Parallel()

	c := transcript.New([]string{"Grafana"})

	got, _ := c.Correct("check grifana, then sleep.")
	if got != "check Grafana, then sleep." {
		t.Errorf("Correct = %q, want punctuation kept", got)
	}
}

func TestCorrector_ShortTokenGuard(t *testing.T) {
	t.Parallel()

	// "the" scores deceptively well against the name "Thea"; tokens under
	// four runes may only be rewritten by an exact match.
	c := transcript.New([]string{"Thea"})

	got, corrections := c.Correct("the report is ready")
	if got != "the report is ready" {
		t.Errorf("Correct = %q, want unchanged", got)
	}
	if len(corrections) != 0 {
		t.Errorf("corrections = %v, want none", corrections)
	}

	// The exact token still canonicalizes.
	got, _ = c.Correct("ask thea about it")
	if got != "ask Thea about it" {
		t.Errorf("Correct = %q, want exact short token canonicalized", got)
	}
}

func TestCorrector_ExactTermUntouched(t *testing.T) {
	t.Parallel()

	c := transcript.New([]string{"Grafana"})

	got, corrections := c.Correct("Grafana is up")
	if got != "Grafana is up" {
		t.Errorf("Correct = %q, want unchanged", got)
	}
	if len(corrections) != 0 {
		t.Errorf("corrections = %v, want none for an already-canonical term", corrections)
	}
}

func TestCorrector_CanonicalizesCasing(t *testing.T) {
	t.Parallel()

	c := transcript.New([]string{"Grafana"})

	got, corrections := c.Correct("grafana is up")
	if got != "Grafana is up" {
		t.Errorf("Correct = %q", got)
	}
	if len(corrections) != 1 || corrections[0].Confidence != 1 {
		t.Errorf("corrections = %+v, want one exact-match correction", corrections)
	}
}

func TestCorrector_DisabledWithoutVocabulary(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{}
	c := transcript.New(nil,
		transcript.WithLLMCorrector(llmcorrect.New(provider)))

	if c.Enabled() {
		t.Fatal("Enabled() = true with no vocabulary")
	}
	got, corrections := c.Correct("anything at all")
	if got != "anything at all" || corrections != nil {
		t.Errorf("Correct = (%q, %v), want passthrough", got, corrections)
	}

	got, _, err := c.CorrectFinal(context.Background(), "anything at all")
	if err != nil || got != "anything at all" {
		t.Errorf("CorrectFinal = (%q, %v), want passthrough", got, err)
	}
	if len(provider.CompleteCalls) != 0 {
		t.Error("LLM called although the corrector is disabled")
	}
}

func TestCorrectFinal_RunsLLMStage(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: `{"corrected_text": "the Prometheus exporter is flapping", "corrections": [{"original": "permit use", "corrected": "Prometheus", "confidence": 0.8}]}`,
		},
	}
	c := transcript.New([]string{"Prometheus"},
		transcript.WithLLMCorrector(llmcorrect.New(provider)))

	got, corrections, err := c.CorrectFinal(context.Background(),
		"the permit use exporter is flapping")
	if err != nil {
		t.Fatalf("CorrectFinal: %v", err)
	}
	if got != "the Prometheus exporter is flapping" {
		t.Errorf("CorrectFinal = %q", got)
	}

	var llmCount int
	for _, corr := range corrections {
		if corr.Method == transcript.MethodLLM {
			llmCount++
		}
	}
	if llmCount != 1 {
		t.Errorf("llm corrections = %d, want 1 (all: %+v)", llmCount, corrections)
	}
	if len(provider.CompleteCalls) != 1 {
		t.Fatalf("Complete calls = %d, want 1", len(provider.CompleteCalls))
	}
	if !strings.Contains(provider.CompleteCalls[0].Req.Messages[0].Content, "- Prometheus") {
		t.Error("system prompt missing the vocabulary")
	}
}

func TestCorrectFinal_LLMErrorKeepsPhoneticResult(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("upstream down")
	provider := &mock.Provider{CompleteErr: wantErr}
	c := transcript.New([]string{"Grafana"},
		transcript.WithLLMCorrector(llmcorrect.New(provider)))

	got, corrections, err := c.CorrectFinal(context.Background(), "check grifana")
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want wrapped provider error", err)
	}
	if got != "check Grafana" {
		t.Errorf("CorrectFinal = %q, want the phonetic result to survive", got)
	}
	if len(corrections) != 1 || corrections[0].Method != transcript.MethodPhonetic {
		t.Errorf("corrections = %+v, want the phonetic correction", corrections)
	}
}

func TestCorrectFinal_WithoutLLMEqualsCorrect(t *testing.T) {
	t.Parallel()

	c := transcript.New([]string{"Grafana"})

	want, _ := c.Correct("check grifana")
	got, _, err := c.CorrectFinal(context.Background(), "check grifana")
	if err != nil {
		t.Fatalf("CorrectFinal: %v", err)
	}
	if got != want {
		t.Errorf("CorrectFinal = %q, Correct = %q, want equal", got, want)
	}
}

func TestCorrector_EmptyText(t *testing.T) {
	t.Parallel()

	c := transcript.New([]string{"Grafana"})

	if got, corrections := c.Correct(""); got != "" || corrections != nil {
		t.Errorf("Correct(\"\") = (%q, %v)", got, corrections)
	}
	if got, _ := c.Correct("   "); got != "   " {
		t.Errorf("whitespace-only input = %q, want unchanged", got)
	}
}
