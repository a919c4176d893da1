package textfilter

import "testing"

// drive feeds tokens through the filter and returns everything emitted,
// including the flush remainder.
func drive(f *TagFilter, tokens ...string) string {
	var out string
	for _, tok := range tokens {
		out += f.Process(tok)
	}
	return out + f.Flush()
}

func TestTagFilter_WholeTagInOneToken(t *testing.T) {
	got := drive(NewThinkFilter(), "Hello <think>reasoning</think> world")
	if got != "Hello  world" {
		t.Fatalf("got %q, want %q", got, "Hello  world")
	}
}

func TestTagFilter_TagSplitAcrossTokens(t *testing.T) {
	got := drive(NewThinkFilter(), "Let me <th", "ink>secret", " stuff</thi", "nk> done.")
	if got != "Let me  done." {
		t.Fatalf("got %q, want %q", got, "Let me  done.")
	}
}

func TestTagFilter_SingleCharacterTokens(t *testing.T) {
	f := NewThinkFilter()
	input := "a<think>bbb</think>c"
	var out string
	for _, r := range input {
		out += f.Process(string(r))
	}
	out += f.Flush()
	if out != "ac" {
		t.Fatalf("got %q, want %q", out, "ac")
	}
}

func TestTagFilter_CaseInsensitive(t *testing.T) {
	got := drive(NewThinkFilter(), "<THINK>x</ThInK>y")
	if got != "y" {
		t.Fatalf("got %q, want %q", got, "y")
	}
}

func TestTagFilter_MultipleRegions(t *testing.T) {
	got := drive(NewThinkFilter(), "a<think>1</think>b<think>2</think>c")
	if got != "abc" {
		t.Fatalf("got %q, want %q", got, "abc")
	}
}

func TestTagFilter_NoTagsPassesThrough(t *testing.T) {
	const input = "plain text with <brackets> but no think tags"
	if got := drive(NewThinkFilter(), input); got != input {
		t.Fatalf("got %q, want input unchanged", got)
	}
}

// An unterminated region is consumed, never emitted.
func TestTagFilter_UnterminatedTag(t *testing.T) {
	got := drive(NewThinkFilter(), "a<think>never ends")
	if got != "a" {
		t.Fatalf("got %q, want %q", got, "a")
	}
}

// A partial opening tag at end of stream is plain text, not a tag.
func TestTagFilter_PartialOpenAtEnd(t *testing.T) {
	got := drive(NewThinkFilter(), "hello <thi")
	if got != "hello <thi" {
		t.Fatalf("got %q, want %q", got, "hello <thi")
	}
}

// A complete tag arriving as the final bytes must still be honored at flush.
func TestTagFilter_TagEntirelyInRetainedTail(t *testing.T) {
	f := NewThinkFilter()
	out := f.Process("ok <think>") + f.Flush()
	if out != "ok " {
		t.Fatalf("got %q, want %q", out, "ok ")
	}
}

func TestInputCapture(t *testing.T) {
	f := NewInputCapture()
	out := drive(f, "<input>what I heard</input>", "ok")
	if out != "ok" {
		t.Errorf("emitted %q, want %q", out, "ok")
	}
	if got := f.Captured(); got != "what I heard" {
		t.Errorf("captured %q, want %q", got, "what I heard")
	}
}

func TestInputCapture_UnterminatedStillCaptured(t *testing.T) {
	f := NewInputCapture()
	drive(f, "<input>partial hearing")
	if got := f.Captured(); got != "partial hearing" {
		t.Fatalf("captured %q, want %q", got, "partial hearing")
	}
}

func TestTagFilter_DiscardModeCapturesNothing(t *testing.T) {
	f := NewThinkFilter()
	drive(f, "<think>secret</think>")
	if got := f.Captured(); got != "" {
		t.Fatalf("captured %q, want empty", got)
	}
}

func TestTagFilter_FlushTwice(t *testing.T) {
	f := NewThinkFilter()
	f.Process("tail")
	if got := f.Flush(); got != "tail" {
		t.Fatalf("first flush = %q, want %q", got, "tail")
	}
	if got := f.Flush(); got != "" {
		t.Fatalf("second flush = %q, want empty", got)
	}
}
