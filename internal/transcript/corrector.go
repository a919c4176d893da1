// Package transcript corrects speech-to-text output against a per-session
// vocabulary of domain terms.
//
// Raw STT output is rarely right for uncommon proper nouns: product names,
// service names, and project jargon are frequently misheard. The [Corrector]
// applies up to two stages:
//
//  1. Phonetic matching: dictionary-free alignment based on Double Metaphone
//     codes with Jaro-Winkler ranking ([phonetic.Matcher]). Pure CPU, fast
//     enough to run on every partial transcript.
//
//  2. LLM-assisted correction (optional): a language model reviews the final
//     transcript against the vocabulary ([llmcorrect.Corrector]). Costs one
//     extra model round-trip, so it runs on final transcripts only.
//
// Each [Correction] records which stage produced the substitution and its
// confidence. A Corrector is built once per session from the resolved
// vocabulary and is safe for concurrent use.
package transcript

import (
	"context"
	"log/slog"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/MrWong99/voxgate/internal/transcript/llmcorrect"
	"github.com/MrWong99/voxgate/internal/transcript/phonetic"
)

// Correction stage names recorded in [Correction.Method].
const (
	MethodPhonetic = "phonetic"
	MethodLLM      = "llm"
)

// minCorrectableRunes is the shortest single token eligible for a fuzzy
// correction. Function words ("the", "for") score deceptively well against
// short vocabulary terms; only an exact match may rewrite them.
const minCorrectableRunes = 4

// Correction captures a single substitution made by the corrector.
type Correction struct {
	// Original is the text as produced by the STT provider.
	Original string

	// Corrected is the canonical vocabulary term that replaced it.
	Corrected string

	// Confidence is the stage's confidence in this substitution (0.0-1.0).
	Confidence float64

	// Method is the stage that produced the substitution: [MethodPhonetic]
	// or [MethodLLM].
	Method string
}

// Option is a functional option for configuring a [Corrector].
type Option func(*Corrector)

// WithMatcher replaces the default phonetic matcher, e.g. to tune its
// thresholds.
func WithMatcher(m *phonetic.Matcher) Option {
	return func(c *Corrector) {
		c.matcher = m
	}
}

// WithLLMCorrector attaches an LLM review stage, applied by CorrectFinal
// after the phonetic pass. When nil (the default) CorrectFinal is equivalent
// to Correct.
func WithLLMCorrector(lc *llmcorrect.Corrector) Option {
	return func(c *Corrector) {
		c.llm = lc
	}
}

// Corrector rewrites misheard vocabulary terms in transcript text. It is
// read-only after construction and safe for concurrent use.
type Corrector struct {
	matcher    *phonetic.Matcher
	terms      phonetic.PreparedTerms
	vocabulary []string
	llm        *llmcorrect.Corrector
}

// New builds a Corrector for the given vocabulary. Term phonetic codes are
// computed here, once per session, not per transcript. An empty vocabulary
// yields a disabled Corrector whose methods return their input unchanged.
func New(vocabulary []string, opts ...Option) *Corrector {
	c := &Corrector{
		matcher:    phonetic.New(),
		terms:      phonetic.PrepareTerms(vocabulary),
		vocabulary: vocabulary,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Enabled reports whether the Corrector has any vocabulary to match against.
func (c *Corrector) Enabled() bool {
	return c.terms.Len() > 0
}

// Correct runs the phonetic stage over text and returns the corrected text
// with the substitutions applied. It makes no network calls and is safe on
// the real-time path, including partial transcripts.
//
// Tokens are tested in n-gram windows sized from the longest vocabulary term
// down to a single word, so multi-word terms win over partial single-word
// matches. Punctuation around a window survives the substitution.
func (c *Corrector) Correct(text string) (string, []Correction) {
	if !c.Enabled() {
		return text, nil
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, nil
	}

	var (
		out         []string
		corrections []Correction
	)

	i := 0
	for i < len(tokens) {
		maxN := c.terms.MaxWords()
		if i+maxN > len(tokens) {
			maxN = len(tokens) - i
		}

		matched := false
		for n := maxN; n >= 1; n-- {
			window := strings.Join(tokens[i:i+n], " ")
			prefix, core, suffix := splitAffixes(window)
			if core == "" {
				continue
			}

			term, conf, ok := c.matcher.MatchPrepared(core, c.terms)
			if !ok {
				continue
			}
			if n == 1 && conf < 1 && utf8.RuneCountInString(core) < minCorrectableRunes {
				continue
			}

			if core != term {
				corrections = append(corrections, Correction{
					Original:   core,
					Corrected:  term,
					Confidence: conf,
					Method:     MethodPhonetic,
				})
				slog.Debug("transcript: vocabulary correction",
					"term", term, "confidence", conf, "method", MethodPhonetic)
			}
			out = append(out, prefix+term+suffix)
			i += n
			matched = true
			break
		}

		if !matched {
			out = append(out, tokens[i])
			i++
		}
	}

	return strings.Join(out, " "), corrections
}

// CorrectFinal runs the phonetic stage and, when an LLM corrector is
// attached, the LLM review stage. Intended for the final transcript of a
// turn, where one extra round-trip is affordable.
//
// On an LLM stage failure the phonetic result is returned together with the
// error, so callers can log it and continue with the partial correction.
func (c *Corrector) CorrectFinal(ctx context.Context, text string) (string, []Correction, error) {
	out, corrections := c.Correct(text)
	if c.llm == nil || !c.Enabled() {
		return out, corrections, nil
	}

	reviewed, llmCorrs, err := c.llm.Correct(ctx, out, c.vocabulary)
	if err != nil {
		return out, corrections, err
	}
	for _, lc := range llmCorrs {
		corrections = append(corrections, Correction{
			Original:   lc.Original,
			Corrected:  lc.Corrected,
			Confidence: lc.Confidence,
			Method:     MethodLLM,
		})
		slog.Debug("transcript: vocabulary correction",
			"term", lc.Corrected, "confidence", lc.Confidence, "method", MethodLLM)
	}
	return reviewed, corrections, nil
}

// splitAffixes splits a window into leading punctuation, the matchable core,
// and trailing punctuation, so "Redis," can match the term and keep its
// comma.
func splitAffixes(window string) (prefix, core, suffix string) {
	start := 0
	for start < len(window) {
		r, size := utf8.DecodeRuneInString(window[start:])
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			break
		}
		start += size
	}
	end := len(window)
	for end > start {
		r, size := utf8.DecodeLastRuneInString(window[start:end])
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			break
		}
		end -= size
	}
	return window[:start], window[start:end], window[end:]
}
