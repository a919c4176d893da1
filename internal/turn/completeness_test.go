package turn

import "testing"

func TestClassifyCompleteness(t *testing.T) {
	cases := []struct {
		name string
		text string
		want Completeness
	}{
		{"empty", "", CompletenessAmbiguous},
		{"whitespace only", "   ", CompletenessAmbiguous},
		{"question mark", "What time is it?", CompletenessComplete},
		{"period", "Turn off the lights.", CompletenessComplete},
		{"exclamation", "That's great!", CompletenessComplete},
		{"punctuation inside quote", `He said "stop."`, CompletenessComplete},
		{"bare affirmation", "yes", CompletenessComplete},
		{"bare negation", "nope", CompletenessComplete},
		{"multiword affirmation", "sounds good", CompletenessComplete},
		{"thanks", "thank you", CompletenessComplete},
		{"wh question without punctuation", "what is the capital of France", CompletenessComplete},
		{"yes-no question without punctuation", "can you help me", CompletenessComplete},
		{"short imperative", "stop", CompletenessComplete},

		{"trailing preposition", "I need to go to", CompletenessIncomplete},
		{"trailing conjunction", "I want pizza and", CompletenessIncomplete},
		{"bare conjunction", "because", CompletenessIncomplete},
		{"trailing article", "I'd like to order a", CompletenessIncomplete},
		{"trailing auxiliary", "I think it is", CompletenessIncomplete},
		{"trailing filler", "it's kind of like", CompletenessIncomplete},
		{"hesitation", "um", CompletenessIncomplete},
		{"new clause pronoun", "and then I", CompletenessIncomplete},
		{"list marker", "first,", CompletenessIncomplete},
		{"dangling comparative", "I want more", CompletenessIncomplete},
		{"ellipsis", "He said...", CompletenessIncomplete},
		{"trailing comma", "after that,", CompletenessIncomplete},
		{"trailing colon", "here is the plan:", CompletenessIncomplete},
		{"two words no punctuation", "hello there", CompletenessIncomplete},
		{"one word no punctuation", "weather", CompletenessIncomplete},

		{"longer statement", "tell me about the weather in Paris", CompletenessAmbiguous},
		{"plain clause", "the meeting starts at three today", CompletenessAmbiguous},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyCompleteness(tc.text); got != tc.want {
				t.Errorf("ClassifyCompleteness(%q) = %s, want %s", tc.text, got, tc.want)
			}
		})
	}
}

// The incomplete set must win when both sets would match. "He said..." ends
// in sentence punctuation yet trails off, and must classify incomplete.
func TestClassifyCompleteness_IncompleteWinsOverComplete(t *testing.T) {
	if got := ClassifyCompleteness("He said..."); got != CompletenessIncomplete {
		t.Fatalf("ellipsis classified %s, want incomplete", got)
	}
	// A wh-opener that trails off must also stay incomplete.
	if got := ClassifyCompleteness("what do you think about"); got != CompletenessIncomplete {
		t.Fatalf("trailing preposition classified %s, want incomplete", got)
	}
}

func TestCompletenessString(t *testing.T) {
	if CompletenessComplete.String() != "complete" ||
		CompletenessIncomplete.String() != "incomplete" ||
		CompletenessAmbiguous.String() != "ambiguous" {
		t.Error("unexpected Completeness string values")
	}
}
