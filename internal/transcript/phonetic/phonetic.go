// Package phonetic matches misheard words against a known vocabulary using
// Double Metaphone phonetic encoding combined with Jaro-Winkler string
// similarity for ranked candidate selection.
//
// The algorithm proceeds in two stages:
//
//  1. Phonetic candidate filtering: Double Metaphone codes are computed for
//     each word in the input and for each vocabulary term. If any code from
//     the input overlaps with any code from a term, the term becomes a
//     phonetic candidate.
//
//  2. Jaro-Winkler ranking: among phonetic candidates, the term with the
//     highest Jaro-Winkler similarity (computed on the original strings,
//     case-insensitive) is selected, provided its score exceeds the
//     configurable phonetic threshold.
//
//     When no phonetic candidate is found, a secondary pass tests pure
//     Jaro-Winkler similarity against all terms using a higher fuzzy
//     threshold (default 0.85).
//
// Multi-word terms (e.g., "Azure Key Vault") are supported: the matcher
// computes phonetic codes per word and, when input and term have the same
// word count, ranks by the aligned per-word mean score. Matches that change
// the word count must clear the fuzzy threshold regardless of phonetic
// overlap.
//
// A session's vocabulary is fixed when the session is configured, so term
// codes can be computed once: use [PrepareTerms] at configuration time and
// [Matcher.MatchPrepared] on the hot path.
package phonetic

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched term to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic match is found and the matcher falls back to pure string
// similarity. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher scores words against a vocabulary. All methods are safe for
// concurrent use; the Matcher is read-only after construction.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a Matcher configured with the supplied options. Default
// thresholds are 0.70 for phonetic matches and 0.85 for fuzzy fallback
// matches.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// preparedTerm is one vocabulary entry with its phonetic codes precomputed.
type preparedTerm struct {
	canonical string
	lower     string
	tokens    []string
	codes     map[string]struct{}
}

// PreparedTerms is a vocabulary with phonetic codes computed once, for reuse
// across every window of every transcript of a session.
type PreparedTerms struct {
	terms    []preparedTerm
	maxWords int
}

// PrepareTerms computes phonetic codes for each vocabulary term. Blank terms
// are dropped.
func PrepareTerms(vocabulary []string) PreparedTerms {
	p := PreparedTerms{terms: make([]preparedTerm, 0, len(vocabulary))}
	for _, term := range vocabulary {
		canonical := strings.TrimSpace(term)
		if canonical == "" {
			continue
		}
		lower := strings.ToLower(canonical)
		tokens := strings.Fields(lower)
		p.terms = append(p.terms, preparedTerm{
			canonical: canonical,
			lower:     lower,
			tokens:    tokens,
			codes:     codesForTokens(tokens),
		})
		if len(tokens) > p.maxWords {
			p.maxWords = len(tokens)
		}
	}
	return p
}

// MaxWords returns the number of words in the longest term, bounding the
// n-gram window size a caller needs to test. Zero when the vocabulary is
// empty.
func (p PreparedTerms) MaxWords() int {
	return p.maxWords
}

// Len returns the number of usable terms.
func (p PreparedTerms) Len() int {
	return len(p.terms)
}

// Match scores word against a raw vocabulary. It prepares the terms on every
// call; hot paths should use [PrepareTerms] once and [Matcher.MatchPrepared].
//
// word may be a single word or a space-separated phrase (n-gram window).
// When matched is false, corrected equals word unchanged and confidence is 0.
func (m *Matcher) Match(word string, vocabulary []string) (corrected string, confidence float64, matched bool) {
	return m.MatchPrepared(word, PrepareTerms(vocabulary))
}

// MatchPrepared scores word against a prepared vocabulary and returns the
// best-matching canonical term.
func (m *Matcher) MatchPrepared(word string, terms PreparedTerms) (corrected string, confidence float64, matched bool) {
	wordLower := strings.ToLower(strings.TrimSpace(word))
	if terms.Len() == 0 || wordLower == "" {
		return word, 0, false
	}
	wordTokens := strings.Fields(wordLower)
	inputCodes := codesForTokens(wordTokens)

	type candidate struct {
		term     string
		score    float64
		phonetic bool
	}
	var best candidate

	for _, t := range terms.terms {
		// An exact hit needs no scoring and always wins.
		if t.lower == wordLower {
			return t.canonical, 1, true
		}

		jwScore := scoreTerm(wordTokens, t.tokens, wordLower, t.lower)
		phoneticCand := codesOverlap(inputCodes, t.codes)

		// A match that adds or drops words (word counts differ) must clear
		// the stricter fuzzy bar even with phonetic overlap. One shared
		// code, e.g. an exact word inside a longer window, must not be
		// enough to swallow its neighbours.
		threshold := m.fuzzyThreshold
		if phoneticCand && len(wordTokens) == len(t.tokens) {
			threshold = m.phoneticThreshold
		}
		if jwScore < threshold {
			continue
		}

		if phoneticCand {
			if !best.phonetic || jwScore > best.score {
				best = candidate{term: t.canonical, score: jwScore, phonetic: true}
			}
		} else if !best.phonetic && jwScore > best.score {
			best = candidate{term: t.canonical, score: jwScore, phonetic: false}
		}
	}

	if best.term != "" {
		return best.term, best.score, true
	}
	return word, 0, false
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes (produced when the word is too short or contains
// no consonants) are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// scoreTerm computes the Jaro-Winkler similarity between the input and a
// term. Inputs with the same word count as the term score by the aligned
// per-word mean, so every spoken word must resemble its term counterpart; a
// window merely shifted across a multi-word term scores near zero. Inputs
// with a different word count score by the better of the full-string and the
// space-stripped comparison (e.g., "post gress" vs "postgres" for an STT
// that split one term into several words).
func scoreTerm(inputTokens, termTokens []string, inputFull, termFull string) float64 {
	if n := len(inputTokens); n == len(termTokens) {
		if n == 1 {
			return matchr.JaroWinkler(inputFull, termFull, false)
		}
		var sum float64
		for i := range inputTokens {
			sum += matchr.JaroWinkler(inputTokens[i], termTokens[i], false)
		}
		return sum / float64(n)
	}

	score := matchr.JaroWinkler(inputFull, termFull, false)
	concatIn := strings.Join(inputTokens, "")
	concatTerm := strings.Join(termTokens, "")
	if s := matchr.JaroWinkler(concatIn, concatTerm, false); s > score {
		score = s
	}
	return score
}
