// Package textfilter contains the streaming filters applied to LLM output
// before it reaches the phrase detector and TTS: a generic tag filter for
// regions like <think>...</think>, a tool-call JSON extractor, and a text
// normalizer that rewrites prose into something a TTS model pronounces well.
//
// All filters are streaming: they accept token fragments of arbitrary size,
// emit whatever is safe to release, and buffer across fragment boundaries.
package textfilter

import "strings"

// TagFilter removes a <name>...</name> region from a token stream. Content
// inside the region is discarded, or captured for later retrieval when the
// filter is constructed with capture enabled. Tags may be split across
// arbitrarily small fragments.
//
// A TagFilter is single-use and not safe for concurrent use; the
// orchestrator creates fresh instances per response.
type TagFilter struct {
	openTag  string
	closeTag string
	capture  bool

	inTag    bool
	buf      string
	captured strings.Builder

	// tailLen is the number of trailing bytes held back while scanning so a
	// tag split across fragments is never emitted. The closing tag is the
	// longer of the two, hence its length anchors the hold-back.
	tailLen int
}

// NewTagFilter returns a filter for <name>...</name>. Tag matching is
// ASCII case-insensitive.
func NewTagFilter(name string, capture bool) *TagFilter {
	closeTag := "</" + name + ">"
	return &TagFilter{
		openTag:  "<" + name + ">",
		closeTag: closeTag,
		capture:  capture,
		tailLen:  len(closeTag) + 1,
	}
}

// NewThinkFilter strips <think>...</think> reasoning regions.
func NewThinkFilter() *TagFilter {
	return NewTagFilter("think", false)
}

// NewInputCapture captures <input>...</input> regions, used by native-audio
// models to echo what they heard. The captured text is logged, never spoken.
func NewInputCapture() *TagFilter {
	return NewTagFilter("input", true)
}

// Process appends token to the internal buffer and returns everything that
// is safe to emit: text known to be outside any tag region, minus a small
// tail retained in case a tag straddles the fragment boundary.
func (f *TagFilter) Process(token string) string {
	f.buf += token
	return f.scan(f.tailLen)
}

// Flush drains the buffer with no hold-back and returns the trailing
// non-tagged text. Content of an unterminated tag is consumed, not emitted;
// a partial tag at end of stream is treated as plain text.
func (f *TagFilter) Flush() string {
	return f.scan(0)
}

// Captured returns the accumulated tag-region content. Empty unless the
// filter was constructed with capture enabled.
func (f *TagFilter) Captured() string {
	return f.captured.String()
}

// scan consumes the buffer down to holdback retained bytes, emitting text
// outside tag regions and consuming text inside them.
func (f *TagFilter) scan(holdback int) string {
	var out strings.Builder
	for {
		if f.inTag {
			idx := indexFold(f.buf, f.closeTag)
			if idx < 0 {
				if keep := len(f.buf) - holdback; keep > 0 {
					f.consume(f.buf[:keep])
					f.buf = f.buf[keep:]
				}
				break
			}
			f.consume(f.buf[:idx])
			f.buf = f.buf[idx+len(f.closeTag):]
			f.inTag = false
			continue
		}

		idx := indexFold(f.buf, f.openTag)
		if idx < 0 {
			if keep := len(f.buf) - holdback; keep > 0 {
				out.WriteString(f.buf[:keep])
				f.buf = f.buf[keep:]
			}
			break
		}
		out.WriteString(f.buf[:idx])
		f.buf = f.buf[idx+len(f.openTag):]
		f.inTag = true
	}
	return out.String()
}

func (f *TagFilter) consume(s string) {
	if f.capture {
		f.captured.WriteString(s)
	}
}

// indexFold finds the first occurrence of pat in s, folding ASCII letter
// case. pat is an ASCII tag literal.
func indexFold(s, pat string) int {
	if len(pat) == 0 {
		return 0
	}
	for i := 0; i+len(pat) <= len(s); i++ {
		if equalFoldASCII(s[i:i+len(pat)], pat) {
			return i
		}
	}
	return -1
}

func equalFoldASCII(a, b string) bool {
	for i := 0; i < len(a); i++ {
		if lowerASCII(a[i]) != lowerASCII(b[i]) {
			return false
		}
	}
	return true
}

func lowerASCII(c byte) byte {
	if 'A' <= c && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}
