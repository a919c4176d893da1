package textfilter

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// maxTTSTextLen caps the text handed to a single synthesis request.
const maxTTSTextLen = 5000

// Markdown and URL patterns, compiled once at package init.
var (
	fencedCodeRe       = regexp.MustCompile("(?s)```.*?```")
	inlineCodeRe       = regexp.MustCompile("`([^`]*)`")
	headerRe           = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	boldRe             = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	boldUnderscoreRe   = regexp.MustCompile(`__([^_]+)__`)
	italicRe           = regexp.MustCompile(`\*([^*]+)\*`)
	italicUnderscoreRe = regexp.MustCompile(`\b_([^_]+)_\b`)
	linkRe             = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	bulletRe           = regexp.MustCompile(`(?m)^\s*[-*+]\s+`)
	numberedListRe     = regexp.MustCompile(`(?m)^\s*\d+[.)]\s+`)
	urlRe              = regexp.MustCompile(`https?://\S+|www\.\S+`)
	whitespaceRe       = regexp.MustCompile(`\s+`)
)

// Written abbreviations expanded to their spoken form. Order matters where
// one pattern prefixes another (w/o before w/).
var abbreviations = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`\bDr\.`), "Doctor"},
	{regexp.MustCompile(`\bMr\.`), "Mister"},
	{regexp.MustCompile(`\bMrs\.`), "Missus"},
	{regexp.MustCompile(`\bMs\.`), "Miss"},
	{regexp.MustCompile(`\bProf\.`), "Professor"},
	{regexp.MustCompile(`(?i)\betc\.`), "et cetera"},
	{regexp.MustCompile(`(?i)\be\.g\.`), "for example"},
	{regexp.MustCompile(`(?i)\bi\.e\.`), "that is"},
	{regexp.MustCompile(`(?i)\bvs\.`), "versus"},
	{regexp.MustCompile(`(?i)\bw/o\b`), "without"},
	{regexp.MustCompile(`(?i)\bw/`), "with "},
	{regexp.MustCompile(`&`), " and "},
}

// Acronyms rewritten to pronounceable forms. Matching is uppercase-only so
// the word "it" never becomes "I T".
var acronyms = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`\bAI\b`), "ayeye"},
	{regexp.MustCompile(`\bAPI\b`), "A P I"},
	{regexp.MustCompile(`\bURL\b`), "U R L"},
	{regexp.MustCompile(`\bSQL\b`), "sequel"},
	{regexp.MustCompile(`\bGUI\b`), "gooey"},
	{regexp.MustCompile(`\bCEO\b`), "C E O"},
	{regexp.MustCompile(`\bCTO\b`), "C T O"},
	{regexp.MustCompile(`\bVP\b`), "V P"},
	{regexp.MustCompile(`\bHR\b`), "H R"},
	{regexp.MustCompile(`\bIT\b`), "I T"},
	{regexp.MustCompile(`\bUI\b`), "U I"},
	{regexp.MustCompile(`\bUX\b`), "U X"},
}

// NormalizeForTTS rewrites a phrase for synthesis: markdown formatting is
// stripped, fenced code blocks and URLs are removed, abbreviations and
// acronyms are expanded, and whitespace is collapsed. Contractions are left
// alone: synthesized speech sounds more natural with them. The result is
// capped at maxTTSTextLen characters.
func NormalizeForTTS(text string) string {
	s := text
	s = fencedCodeRe.ReplaceAllString(s, " ")
	s = inlineCodeRe.ReplaceAllString(s, "$1")
	s = headerRe.ReplaceAllString(s, "")
	s = boldRe.ReplaceAllString(s, "$1")
	s = boldUnderscoreRe.ReplaceAllString(s, "$1")
	s = italicRe.ReplaceAllString(s, "$1")
	s = italicUnderscoreRe.ReplaceAllString(s, "$1")
	s = linkRe.ReplaceAllString(s, "$1")
	s = bulletRe.ReplaceAllString(s, "")
	s = numberedListRe.ReplaceAllString(s, "")
	s = urlRe.ReplaceAllString(s, " ")

	for _, a := range abbreviations {
		s = a.re.ReplaceAllString(s, a.repl)
	}
	for _, a := range acronyms {
		s = a.re.ReplaceAllString(s, a.repl)
	}

	s = whitespaceRe.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)

	if utf8.RuneCountInString(s) > maxTTSTextLen {
		runes := []rune(s)
		s = string(runes[:maxTTSTextLen])
	}
	return s
}
