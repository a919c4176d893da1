// Package phrase splits a stream of LLM tokens into phrases suitable for
// incremental TTS synthesis. Splitting early shortens time-to-first-audio;
// splitting mid-clause degrades prosody. The detector balances the two with
// strong (sentence) and optional weak (clause) boundaries plus a forced
// split for run-on output.
package phrase

import (
	"strings"
	"unicode"
)

// Default detector tuning.
const (
	DefaultMinLength            = 12
	DefaultFirstPhraseMinLength = 5
	DefaultMaxLength            = 200
	DefaultMaxWords             = 50
	DefaultConjunctionMinLength = 40
)

// Config tunes the phrase detector. Lengths are in runes.
type Config struct {
	// MinLength is the minimum phrase length once a first phrase has been
	// emitted; FirstPhraseMinLength applies before that, trading a shorter
	// first utterance for lower time-to-first-audio.
	MinLength            int
	FirstPhraseMinLength int

	// MaxLength and MaxWords force a split even without a natural boundary.
	MaxLength int
	MaxWords  int

	// ConjunctionMinLength gates splitting before and/or/but/so/yet.
	ConjunctionMinLength int

	// SentenceBoundaryOnly disables weak (clause) boundaries. Neural TTS
	// prosody degrades on mid-clause splits, so sessions default this on.
	SentenceBoundaryOnly bool
}

// DefaultConfig returns the documented defaults, including
// SentenceBoundaryOnly set to true.
func DefaultConfig() Config {
	return Config{
		MinLength:            DefaultMinLength,
		FirstPhraseMinLength: DefaultFirstPhraseMinLength,
		MaxLength:            DefaultMaxLength,
		MaxWords:             DefaultMaxWords,
		ConjunctionMinLength: DefaultConjunctionMinLength,
		SentenceBoundaryOnly: true,
	}
}

func (c Config) withDefaults() Config {
	if c.MinLength <= 0 {
		c.MinLength = DefaultMinLength
	}
	if c.FirstPhraseMinLength <= 0 {
		c.FirstPhraseMinLength = DefaultFirstPhraseMinLength
	}
	if c.MaxLength <= 0 {
		c.MaxLength = DefaultMaxLength
	}
	if c.MaxWords <= 0 {
		c.MaxWords = DefaultMaxWords
	}
	if c.ConjunctionMinLength <= 0 {
		c.ConjunctionMinLength = DefaultConjunctionMinLength
	}
	return c
}

// conjunctions that may start a new phrase when the buffer is long enough.
var conjunctions = []string{"and", "or", "but", "so", "yet"}

// Detector accumulates tokens and emits phrases at boundaries. One instance
// per response, single goroutine.
type Detector struct {
	cfg     Config
	buf     []rune
	emitted bool
}

// NewDetector returns a Detector with defaults applied to cfg.
func NewDetector(cfg Config) *Detector {
	return &Detector{cfg: cfg.withDefaults()}
}

// Feed appends token and returns every phrase completed by it, in order.
// Emitted phrases are whitespace-trimmed; empty phrases are dropped.
func (d *Detector) Feed(token string) []string {
	d.buf = append(d.buf, []rune(token)...)

	var phrases []string
	for {
		end, rest, ok := d.findBoundary(d.effectiveMin(), !d.cfg.SentenceBoundaryOnly, false)
		if !ok {
			if !d.overLimit() {
				break
			}
			end, rest, ok = d.forcedBoundary()
			if !ok {
				break
			}
		}
		if p := strings.TrimSpace(string(d.buf[:end])); p != "" {
			phrases = append(phrases, p)
			d.emitted = true
		}
		d.buf = d.buf[rest:]
	}
	return phrases
}

// Flush returns whatever remains, trimmed, and empties the buffer.
func (d *Detector) Flush() string {
	rest := strings.TrimSpace(string(d.buf))
	d.buf = d.buf[:0]
	if rest != "" {
		d.emitted = true
	}
	return rest
}

// Buffered returns the current buffer length in runes.
func (d *Detector) Buffered() int {
	return len(d.buf)
}

func (d *Detector) effectiveMin() int {
	if !d.emitted {
		return d.cfg.FirstPhraseMinLength
	}
	return d.cfg.MinLength
}

func (d *Detector) overLimit() bool {
	if len(d.buf) >= d.cfg.MaxLength {
		return true
	}
	return len(strings.Fields(string(d.buf))) >= d.cfg.MaxWords
}

// forcedBoundary splits an over-limit buffer: any boundary with the length
// gates relaxed, then the word boundary nearest the midpoint, then the whole
// buffer when it is a single unbreakable token.
func (d *Detector) forcedBoundary() (end, rest int, ok bool) {
	if end, rest, ok = d.findBoundary(1, true, true); ok {
		return end, rest, true
	}
	if s := nearestSpace(d.buf, len(d.buf)/2); s >= 0 {
		return s, s + 1, true
	}
	return len(d.buf), len(d.buf), true
}

// findBoundary scans for the earliest split point. end is the rune count of
// the phrase, rest the index the remaining buffer starts at. Strong
// boundaries (sentence punctuation before whitespace, newline) apply always;
// weak ones (clause punctuation, dashes, closing parenthesis, conjunctions)
// only when allowWeak is set. relaxed drops the conjunction length gate
// down to min.
func (d *Detector) findBoundary(min int, allowWeak, relaxed bool) (end, rest int, ok bool) {
	buf := d.buf
	conjMin := d.cfg.ConjunctionMinLength
	if relaxed {
		conjMin = min
	}

	for i := 0; i < len(buf); i++ {
		c := buf[i]

		// Sentence punctuation followed by whitespace. Trailing punctuation
		// with nothing after it stays buffered: the next token may continue
		// the number or abbreviation, and Flush covers end of stream.
		if (c == '.' || c == '!' || c == '?') && i+1 < len(buf) && unicode.IsSpace(buf[i+1]) && i+1 >= min {
			return i + 1, i + 1, true
		}
		if c == '\n' && i >= min {
			return i, i + 1, true
		}

		if !allowWeak {
			continue
		}

		// Clause punctuation and closing parenthesis split after the mark.
		if (c == ';' || c == ':' || c == ',' || c == ')') && i+1 < len(buf) && unicode.IsSpace(buf[i+1]) && i+1 >= min {
			return i + 1, i + 1, true
		}

		// Dashes split before the mark so it leads the next phrase.
		if (c == '-' || c == '–' || c == '—') && i > 0 && unicode.IsSpace(buf[i-1]) &&
			i+1 < len(buf) && unicode.IsSpace(buf[i+1]) && i >= min {
			return i, i, true
		}

		if i >= conjMin && i > 0 && unicode.IsSpace(buf[i-1]) {
			if n := conjunctionAt(buf, i); n > 0 {
				return i, i, true
			}
		}
	}
	return 0, 0, false
}

// conjunctionAt reports the length of a whitespace-delimited conjunction
// starting at i, or 0.
func conjunctionAt(buf []rune, i int) int {
	for _, w := range conjunctions {
		n := len(w) // conjunctions are ASCII, rune count == byte count
		if i+n >= len(buf) {
			continue
		}
		if !unicode.IsSpace(buf[i+n]) {
			continue
		}
		match := true
		for j := 0; j < n; j++ {
			if buf[i+j] != rune(w[j]) {
				match = false
				break
			}
		}
		if match {
			return n
		}
	}
	return 0
}

// nearestSpace returns the whitespace index closest to mid, or -1.
func nearestSpace(buf []rune, mid int) int {
	for off := 0; off < len(buf); off++ {
		if i := mid - off; i >= 0 && i < len(buf) && unicode.IsSpace(buf[i]) {
			return i
		}
		if i := mid + off; i < len(buf) && unicode.IsSpace(buf[i]) {
			return i
		}
	}
	return -1
}
