// Package turn decides when the user has finished speaking. It combines
// the VAD's silence measurement with a linguistic completeness analysis of
// the partial transcript to produce a dynamic silence threshold: utterances
// that trail off mid-thought get more patience than ones that end cleanly.
package turn

import (
	"regexp"
	"strings"
)

// Completeness classifies how finished a partial transcript sounds.
type Completeness int

const (
	// CompletenessAmbiguous means neither pattern set matched; the text
	// gives no strong signal either way.
	CompletenessAmbiguous Completeness = iota

	// CompletenessComplete means the text reads as a finished thought.
	CompletenessComplete

	// CompletenessIncomplete means the text trails off mid-construction
	// and the speaker is probably still going.
	CompletenessIncomplete
)

// String returns the lowercase classification name.
func (c Completeness) String() string {
	switch c {
	case CompletenessComplete:
		return "complete"
	case CompletenessIncomplete:
		return "incomplete"
	default:
		return "ambiguous"
	}
}

// incompletePatterns match text that trails off mid-construction. They are
// checked BEFORE completePatterns: a trailing preposition or conjunction
// overrides apparent sentence structure ("I need to go to" must classify
// incomplete even though a wh-opener might also match).
var incompletePatterns = []*regexp.Regexp{
	// Trailing conjunctions.
	regexp.MustCompile(`(?i)\b(and|or|but|so|because|although|though|while|unless|until|if|when|that|which|whereas)\s*$`),
	// Trailing prepositions.
	regexp.MustCompile(`(?i)\b(to|of|in|on|at|by|for|with|from|about|into|through|over|under|between|against|during|before|after|without|toward|towards)\s*$`),
	// Trailing articles.
	regexp.MustCompile(`(?i)\b(a|an|the)\s*$`),
	// Trailing auxiliaries and modals.
	regexp.MustCompile(`(?i)\b(is|are|was|were|am|be|been|being|have|has|had|do|does|did|will|would|shall|should|can|could|may|might|must)\s*$`),
	// Trailing hesitation fillers.
	regexp.MustCompile(`(?i)\b(um+|uh+|er+|hmm+|you know|i mean|kind of|sort of|like)\s*$`),
	// Subject pronoun opening a new clause ("and then I").
	regexp.MustCompile(`(?i)(,|\b(and|or|but|so|then|because))\s+(i|you|he|she|it|we|they)\s*$`),
	// List markers announcing more to come.
	regexp.MustCompile(`(?i)\b(first|firstly|second|secondly|third|thirdly|next|then|also|additionally|furthermore|moreover)\s*[,:]?\s*$`),
	// Dangling comparatives.
	regexp.MustCompile(`(?i)\b(more|less|better|worse|bigger|smaller|than|rather)\s*$`),
	// An opening quote with nothing after it.
	regexp.MustCompile(`(^|\s)["'“‘]$`),
	// Ellipsis.
	regexp.MustCompile(`(\.\.\.|…)\s*$`),
	// Trailing comma.
	regexp.MustCompile(`,\s*$`),
	// Trailing colon or semicolon.
	regexp.MustCompile(`[:;]\s*$`),
}

// completePatterns match text that reads as a finished thought.
var completePatterns = []*regexp.Regexp{
	// Sentence-ending punctuation, optionally inside closing quotes/brackets.
	regexp.MustCompile(`[.!?]["')\]]*\s*$`),
	// Standalone affirmations and negations.
	regexp.MustCompile(`(?i)^(yes|yeah|yep|yup|no|nope|nah|ok|okay|sure|alright|right|correct|exactly|definitely|absolutely|of course|sounds good|got it|that's it|that's all|thanks|thank you|never mind|nevermind)\s*[.!]?\s*$`),
	// Wh-questions spoken without terminal punctuation.
	regexp.MustCompile(`(?i)^(what|where|when|who|whom|whose|why|how|which)\b\s+\S+`),
	// Yes/no questions spoken without terminal punctuation.
	regexp.MustCompile(`(?i)^(is|are|was|were|am|do|does|did|can|could|will|would|shall|should|may|might|have|has|had)\b\s+\S+`),
	// Short imperatives.
	regexp.MustCompile(`(?i)^(stop|wait|go|help|listen|look|continue|proceed|repeat|pause|resume|start|begin|cancel)\s*[.!]?\s*$`),
}

// terminalPunctuation is used by the short-utterance heuristic.
var terminalPunctuation = regexp.MustCompile(`[.!?]["')\]]*\s*$`)

// ClassifyCompleteness classifies a partial transcript. The incomplete
// pattern set is consulted first; ordering between the two sets is part of
// the contract. Text of two words or fewer with no terminal punctuation is
// incomplete unless a pattern already decided otherwise. Empty text is
// ambiguous: the classifier has nothing to say about an absent transcript.
func ClassifyCompleteness(text string) Completeness {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return CompletenessAmbiguous
	}

	for _, re := range incompletePatterns {
		if re.MatchString(trimmed) {
			return CompletenessIncomplete
		}
	}
	for _, re := range completePatterns {
		if re.MatchString(trimmed) {
			return CompletenessComplete
		}
	}

	if len(strings.Fields(trimmed)) <= 2 && !terminalPunctuation.MatchString(trimmed) {
		return CompletenessIncomplete
	}
	return CompletenessAmbiguous
}
