package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/resilience"
	"github.com/MrWong99/voxgate/internal/session"
	"github.com/MrWong99/voxgate/pkg/provider/llm"
	llmmock "github.com/MrWong99/voxgate/pkg/provider/llm/mock"
	"github.com/MrWong99/voxgate/pkg/provider/stt"
	sttmock "github.com/MrWong99/voxgate/pkg/provider/stt/mock"
	"github.com/MrWong99/voxgate/pkg/provider/tts"
	ttsmock "github.com/MrWong99/voxgate/pkg/provider/tts/mock"
)

// testEmitter records everything the orchestrator sends as one flat trace so
// tests can assert message order. Hooks run synchronously on the turn
// goroutine.
type testEmitter struct {
	mu        sync.Mutex
	trace     []string
	audio     int
	durations []float64
	toolCalls []recordedToolCall
	onAudio   func()
}

type recordedToolCall struct {
	id, name, args string
}

var _ Emitter = (*testEmitter)(nil)

func (e *testEmitter) add(s string) {
	e.mu.Lock()
	e.trace = append(e.trace, s)
	e.mu.Unlock()
}

func tag(kind string, final bool) string {
	if final {
		return kind + "(final)"
	}
	return kind
}

func (e *testEmitter) Status(st session.State) { e.add("status:" + st.String()) }

func (e *testEmitter) Transcription(text string, final bool) {
	e.add(tag("transcription", final) + ":" + text)
}

func (e *testEmitter) LLMText(text string, final bool) {
	e.add(tag("llm_text", final) + ":" + text)
}

func (e *testEmitter) ToolCall(id, name, args string) {
	e.mu.Lock()
	e.toolCalls = append(e.toolCalls, recordedToolCall{id: id, name: name, args: args})
	e.mu.Unlock()
	e.add("tool_call:" + name)
}

func (e *testEmitter) TTSStart(i int) { e.add(fmt.Sprintf("tts_start:%d", i)) }

func (e *testEmitter) TTSDone(i int, d float64) {
	e.mu.Lock()
	e.durations = append(e.durations, d)
	e.mu.Unlock()
	e.add(fmt.Sprintf("tts_done:%d", i))
}

func (e *testEmitter) Audio(pcm []byte) {
	e.mu.Lock()
	e.audio++
	hook := e.onAudio
	e.mu.Unlock()
	e.add("audio")
	if hook != nil {
		hook()
	}
}

func (e *testEmitter) Error(msg string) { e.add("error:" + msg) }

func (e *testEmitter) events() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.trace)
}

func (e *testEmitter) contains(event string) bool {
	return slices.Contains(e.events(), event)
}

func (e *testEmitter) audioCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.audio
}

// rig wires an orchestrator to mock providers with a happy-path script:
// streamed STT hears "hello there" and the model answers in two phrases.
type rig struct {
	stt  *sttmock.Provider
	tts  *ttsmock.Provider
	llm  *llmmock.Provider
	em   *testEmitter
	sess *session.Session
	orch *Orchestrator
}

func newRig(t *testing.T, opts ...func(*Config)) *rig {
	t.Helper()
	r := &rig{
		stt: &sttmock.Provider{Stream: sttmock.NewStream("hello there")},
		tts: &ttsmock.Provider{},
		llm: &llmmock.Provider{StreamChunks: []llm.Chunk{
			{Text: "Hi there. "},
			{Text: "All good.", FinishReason: "stop"},
		}},
		em: &testEmitter{},
	}
	cfg := Config{
		STT:                 r.stt,
		TTS:                 r.tts,
		LLM:                 func(string) (llm.Provider, error) { return r.llm, nil },
		ToolCallPlaceholder: "One moment.",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	orch, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.orch = orch
	r.sess = session.NewSession("sess-test", testSessionConfig())
	if !r.sess.TransitionTo(session.StateListening) {
		t.Fatal("session cannot enter listening")
	}
	return r
}

func testSessionConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.STTModel = "whisper-large-v3"
	cfg.Language = "en"
	cfg.TTSModel = "kokoro"
	cfg.TTSVoice = "af_heart"
	cfg.LLMModelID = "qwen3-8b"
	cfg.LLMBaseURL = "http://llm.internal:8000"
	return cfg
}

// relisten walks the session back to listening for a follow-up turn.
func (r *rig) relisten(t *testing.T) {
	t.Helper()
	if !r.sess.TransitionTo(session.StateListening) {
		t.Fatalf("cannot re-enter listening from %v", r.sess.State())
	}
}

var testPCM = bytes.Repeat([]byte{0x22, 0x11}, 3200) // 200 ms at 16 kHz mono

func TestNew_RequiresProviders(t *testing.T) {
	base := Config{
		STT: &sttmock.Provider{},
		TTS: &ttsmock.Provider{},
		LLM: func(string) (llm.Provider, error) { return &llmmock.Provider{}, nil },
	}

	if _, err := New(base); err != nil {
		t.Fatalf("New with all providers: %v", err)
	}

	for name, mutate := range map[string]func(*Config){
		"stt": func(c *Config) { c.STT = nil },
		"tts": func(c *Config) { c.TTS = nil },
		"llm": func(c *Config) { c.LLM = nil },
	} {
		cfg := base
		mutate(&cfg)
		if _, err := New(cfg); err == nil {
			t.Errorf("New without %s provider: no error", name)
		}
	}
}

func TestProcessTurn_MessageOrder(t *testing.T) {
	r := newRig(t)

	r.orch.ProcessTurn(context.Background(), r.sess, r.em, testPCM)

	want := []string{
		"status:processing",
		"transcription(final):hello there",
		"status:speaking",
		"llm_text:Hi there.",
		"tts_start:0",
		"audio",
		"tts_done:0",
		"llm_text:All good.",
		"tts_start:1",
		"audio",
		"tts_done:1",
		"llm_text(final):Hi there. All good.",
		"status:idle",
	}
	if got := r.em.events(); !slices.Equal(got, want) {
		t.Errorf("trace mismatch:\n got: %q\nwant: %q", got, want)
	}

	if st := r.sess.State(); st != session.StateIdle {
		t.Errorf("state = %v, want idle", st)
	}

	// The mock emits the phrase text as PCM; nine bytes make four samples.
	wantDur := float64(len("Hi there.")/2) / float64(tts.SampleRate)
	if len(r.em.durations) != 2 || r.em.durations[0] != wantDur {
		t.Errorf("durations = %v, want [%v %v]", r.em.durations, wantDur, wantDur)
	}

	hist := r.sess.History()
	if len(hist) != 2 {
		t.Fatalf("history = %d messages, want 2", len(hist))
	}
	if hist[0].Role != "user" || hist[0].Content != "hello there" {
		t.Errorf("history[0] = %+v", hist[0])
	}
	if hist[1].Role != "assistant" || hist[1].Content != "Hi there. All good." {
		t.Errorf("history[1] = %+v", hist[1])
	}

	if calls := r.stt.TranscribeStreamCalls; len(calls) != 1 {
		t.Fatalf("TranscribeStream calls = %d, want 1", len(calls))
	} else if calls[0].Opts != (stt.Options{Model: "whisper-large-v3", Language: "en"}) {
		t.Errorf("stt opts = %+v", calls[0].Opts)
	}

	req := r.llm.StreamCalls[0].Req
	if req.Model != "qwen3-8b" {
		t.Errorf("llm model = %q", req.Model)
	}
	if last := req.Messages[len(req.Messages)-1]; last.Role != "user" || last.Content != "hello there" {
		t.Errorf("last request message = %+v", last)
	}
}

func TestProcessTurn_EmptyTranscriptSkipsTurn(t *testing.T) {
	r := newRig(t)
	r.stt.Stream = sttmock.NewStream() // stream hears nothing
	r.stt.TranscribeText = ""          // and so does the fallback

	r.orch.ProcessTurn(context.Background(), r.sess, r.em, testPCM)

	want := []string{"status:processing", "status:idle"}
	if got := r.em.events(); !slices.Equal(got, want) {
		t.Errorf("trace = %q, want %q", got, want)
	}
	if n := r.llm.StreamCallCount(); n != 0 {
		t.Errorf("llm called %d times for an empty transcript", n)
	}
	if len(r.sess.History()) != 0 {
		t.Errorf("history grew on an empty turn: %+v", r.sess.History())
	}
}

func TestProcessTurn_EarlyBreakSkipsOneShot(t *testing.T) {
	r := newRig(t)
	st := sttmock.NewStream("hello there")
	r.stt.Stream = st

	r.orch.ProcessTurn(context.Background(), r.sess, r.em, testPCM)

	if n := r.stt.TranscribeCallCount(); n != 0 {
		t.Errorf("one-shot called %d times despite streamed transcript", n)
	}
	if !st.Closed() {
		t.Error("stream not closed after early break")
	}
}

func TestProcessTurn_OneShotFallback(t *testing.T) {
	r := newRig(t)
	r.stt.Stream = sttmock.NewStream() // closes without segments
	r.stt.TranscribeText = "what time is it"

	r.orch.ProcessTurn(context.Background(), r.sess, r.em, testPCM)

	if n := r.stt.TranscribeCallCount(); n != 1 {
		t.Fatalf("one-shot calls = %d, want 1", n)
	}
	if !r.em.contains("transcription(final):what time is it") {
		t.Errorf("fallback transcript missing from trace: %q", r.em.events())
	}
	if last := lastUserMessage(t, r.llm.StreamCalls[0].Req); last != "what time is it" {
		t.Errorf("llm prompted with %q", last)
	}
}

func TestProcessTurn_AppliesVocabularyCorrection(t *testing.T) {
	cfg := testSessionConfig()
	cfg.Vocabulary = []string{"Grafana"}

	r := newRig(t)
	r.sess = session.NewSession("sess-vocab", cfg)
	r.sess.TransitionTo(session.StateListening)
	r.stt.Stream = sttmock.NewStream("restart grifana now")

	r.orch.ProcessTurn(context.Background(), r.sess, r.em, testPCM)

	if !r.em.contains("transcription(final):restart Grafana now") {
		t.Errorf("corrected transcript missing from trace: %q", r.em.events())
	}
	if last := lastUserMessage(t, r.llm.StreamCalls[0].Req); last != "restart Grafana now" {
		t.Errorf("llm prompted with %q, want corrected text", last)
	}
}

func TestProcessTurn_ThinkingNeverSpoken(t *testing.T) {
	r := newRig(t)
	st := &ttsmock.Stream{}
	r.tts.Streams = []*ttsmock.Stream{st}
	r.llm.StreamChunks = []llm.Chunk{
		{Text: "<think>"},
		{Text: "secret plan"},
		{Text: "</think>"},
		{Text: "Sure thing. ", FinishReason: "stop"},
	}

	r.orch.ProcessTurn(context.Background(), r.sess, r.em, testPCM)

	for _, ev := range r.em.events() {
		if bytes.Contains([]byte(ev), []byte("secret")) {
			t.Errorf("thinking leaked to the client: %q", ev)
		}
	}
	if texts := st.SpeakTexts(); !slices.Equal(texts, []string{"Sure thing."}) {
		t.Errorf("spoken = %q, want only the answer", texts)
	}
	if !r.em.contains("llm_text(final):Sure thing.") {
		t.Errorf("final text wrong: %q", r.em.events())
	}
}

func TestProcessTurn_InlineToolCallAnnounced(t *testing.T) {
	r := newRig(t)
	st := &ttsmock.Stream{}
	r.tts.Streams = []*ttsmock.Stream{st}
	r.llm.StreamChunks = []llm.Chunk{
		{Text: "Let me check "},
		{Text: `{"name": "lookup", "arguments": "{\"q\":\"weather\"}"}`},
		{Text: " the weather.", FinishReason: "stop"},
	}

	r.orch.ProcessTurn(context.Background(), r.sess, r.em, testPCM)

	if len(r.em.toolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(r.em.toolCalls))
	}
	tc := r.em.toolCalls[0]
	if tc.name != "lookup" {
		t.Errorf("tool name = %q", tc.name)
	}
	if tc.args != `{"q":"weather"}` {
		t.Errorf("tool args = %q", tc.args)
	}
	if tc.id == "" {
		t.Error("inline tool call got no id")
	}

	// The placeholder covers the gap, then the surrounding prose is spoken
	// without the JSON.
	if texts := st.SpeakTexts(); !slices.Equal(texts, []string{"One moment.", "Let me check the weather."}) {
		t.Errorf("spoken = %q", texts)
	}
	for _, ev := range r.em.events() {
		if bytes.Contains([]byte(ev), []byte(`"lookup"`)) {
			t.Errorf("raw tool JSON leaked into a text message: %q", ev)
		}
	}
}

func TestProcessTurn_StructuredToolCallsShareOnePlaceholder(t *testing.T) {
	r := newRig(t)
	st := &ttsmock.Stream{}
	r.tts.Streams = []*ttsmock.Stream{st}
	r.llm.StreamChunks = []llm.Chunk{
		{ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "search_docs", Arguments: `{"q":"sla"}`}}},
		{ToolCalls: []llm.ToolCall{{ID: "call_2", Name: "get_time", Arguments: `{}`}}, FinishReason: "tool_calls"},
	}

	r.orch.ProcessTurn(context.Background(), r.sess, r.em, testPCM)

	want := []string{
		"status:processing",
		"transcription(final):hello there",
		"status:speaking",
		"tool_call:search_docs",
		"tts_start:0",
		"audio",
		"tts_done:0",
		"tool_call:get_time",
		"llm_text(final):",
		"status:idle",
	}
	if got := r.em.events(); !slices.Equal(got, want) {
		t.Errorf("trace mismatch:\n got: %q\nwant: %q", got, want)
	}
	if texts := st.SpeakTexts(); !slices.Equal(texts, []string{"One moment."}) {
		t.Errorf("spoken = %q, want a single placeholder", texts)
	}
	if r.em.toolCalls[0].id != "call_1" || r.em.toolCalls[1].id != "call_2" {
		t.Errorf("tool call ids = %+v", r.em.toolCalls)
	}
}

func TestProcessTurn_PlaceholderDisabledWhenEmpty(t *testing.T) {
	r := newRig(t, func(c *Config) { c.ToolCallPlaceholder = "" })
	r.llm.StreamChunks = []llm.Chunk{
		{ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "search_docs", Arguments: `{}`}}, FinishReason: "tool_calls"},
	}

	r.orch.ProcessTurn(context.Background(), r.sess, r.em, testPCM)

	if !r.em.contains("tool_call:search_docs") {
		t.Fatalf("tool call missing: %q", r.em.events())
	}
	if r.em.contains("tts_start:0") {
		t.Errorf("placeholder spoken despite being disabled: %q", r.em.events())
	}
}

func TestProcessTurn_InterruptStopsAudioMidPhrase(t *testing.T) {
	r := newRig(t)
	st := &ttsmock.Stream{PhraseEvents: []tts.Event{
		{Type: tts.EventAudio, PCM: []byte("chunk-1")},
		{Type: tts.EventAudio, PCM: []byte("chunk-2")},
		{Type: tts.EventAudio, PCM: []byte("chunk-3")},
		{Type: tts.EventDone},
	}}
	r.tts.Streams = []*ttsmock.Stream{st}
	r.llm.StreamChunks = []llm.Chunk{{Text: "Hi there. ", FinishReason: "stop"}}

	// Barge-in lands right after the first chunk reaches the client.
	r.em.onAudio = func() { r.sess.SetInterrupt() }

	r.orch.ProcessTurn(context.Background(), r.sess, r.em, testPCM)

	if n := r.em.audioCount(); n != 1 {
		t.Errorf("audio chunks relayed = %d, want 1", n)
	}
	if r.em.contains("tts_done:0") {
		t.Error("tts_done sent for an interrupted phrase")
	}
	if r.em.contains("status:idle") {
		t.Error("status idle sent after interrupt")
	}
	for _, ev := range r.em.events() {
		if bytes.HasPrefix([]byte(ev), []byte("llm_text(final)")) {
			t.Errorf("final llm_text sent after interrupt: %q", ev)
		}
	}

	// What was announced before the cut still lands in history.
	hist := r.sess.History()
	if len(hist) != 2 || hist[1].Role != "assistant" || hist[1].Content != "Hi there." {
		t.Errorf("history = %+v", hist)
	}
}

func TestProcessTurn_LLMFailureKeepsSessionUsable(t *testing.T) {
	r := newRig(t)
	r.llm.StreamErr = errors.New("connection refused")

	r.orch.ProcessTurn(context.Background(), r.sess, r.em, testPCM)

	if !r.em.contains("error:a server error occurred, please try again") {
		t.Fatalf("sanitized error missing: %q", r.em.events())
	}
	if !r.em.contains("status:idle") {
		t.Errorf("session not settled to idle: %q", r.em.events())
	}
	for _, ev := range r.em.events() {
		if bytes.Contains([]byte(ev), []byte("connection refused")) {
			t.Errorf("upstream detail leaked to the client: %q", ev)
		}
	}

	// The next turn runs normally on the same session.
	r.llm.StreamErr = nil
	r.stt.Stream = sttmock.NewStream("hello there")
	r.relisten(t)
	em2 := &testEmitter{}

	r.orch.ProcessTurn(context.Background(), r.sess, em2, testPCM)

	if !em2.contains("llm_text(final):Hi there. All good.") {
		t.Errorf("follow-up turn did not complete: %q", em2.events())
	}
}

func TestProcessTurn_OpenBreakerShortCircuits(t *testing.T) {
	breaker := resilience.New(resilience.Config{
		Name:         "llm",
		MaxFailures:  1,
		ResetTimeout: time.Hour,
	})
	r := newRig(t, func(c *Config) { c.LLMBreaker = breaker })
	r.llm.StreamErr = errors.New("connection refused")

	r.orch.ProcessTurn(context.Background(), r.sess, r.em, testPCM)
	if breaker.State() != resilience.StateOpen {
		t.Fatalf("breaker state = %v, want open", breaker.State())
	}

	r.stt.Stream = sttmock.NewStream("hello there")
	r.relisten(t)
	em2 := &testEmitter{}

	r.orch.ProcessTurn(context.Background(), r.sess, em2, testPCM)

	if n := r.llm.StreamCallCount(); n != 1 {
		t.Errorf("llm called %d times, want 1: open breaker must not dial", n)
	}
	if !em2.contains("error:a server error occurred, please try again") {
		t.Errorf("breaker rejection not surfaced: %q", em2.events())
	}
}

func TestProcessTurn_TTSFailureEndsTurn(t *testing.T) {
	r := newRig(t)
	r.tts.ConnectErr = errors.New("dial tcp: connection refused")

	r.orch.ProcessTurn(context.Background(), r.sess, r.em, testPCM)

	if !r.em.contains("error:speech synthesis failed, please try again") {
		t.Fatalf("tts error missing: %q", r.em.events())
	}
	if !r.em.contains("status:idle") {
		t.Errorf("session not settled: %q", r.em.events())
	}
	if n := r.em.audioCount(); n != 0 {
		t.Errorf("audio relayed despite connect failure: %d", n)
	}
}

func TestProcessTurn_ReusesTTSStreamAcrossPhrases(t *testing.T) {
	r := newRig(t)
	st := &ttsmock.Stream{}
	r.tts.Streams = []*ttsmock.Stream{st}

	r.orch.ProcessTurn(context.Background(), r.sess, r.em, testPCM)

	if n := r.tts.ConnectCount(); n != 1 {
		t.Errorf("connects = %d, want 1 for two phrases", n)
	}
	if texts := st.SpeakTexts(); !slices.Equal(texts, []string{"Hi there.", "All good."}) {
		t.Errorf("spoken = %q", texts)
	}
}

func TestProcessTurn_RedialsStaleTTSStream(t *testing.T) {
	r := newRig(t)
	stale := &ttsmock.Stream{SpeakErr: errors.New("write: broken pipe")}
	fresh := &ttsmock.Stream{}
	r.sess.SetTTSStream(stale)
	r.tts.Streams = []*ttsmock.Stream{fresh}

	r.orch.ProcessTurn(context.Background(), r.sess, r.em, testPCM)

	if !stale.Closed() {
		t.Error("stale stream left open")
	}
	if texts := fresh.SpeakTexts(); !slices.Equal(texts, []string{"Hi there.", "All good."}) {
		t.Errorf("spoken on redialled stream = %q", texts)
	}
	if !r.em.contains("llm_text(final):Hi there. All good.") {
		t.Errorf("turn did not complete after redial: %q", r.em.events())
	}
}

func TestProcessTurnNativeAudio_SkipsTranscription(t *testing.T) {
	r := newRig(t)
	r.llm.StreamChunks = []llm.Chunk{
		{Text: "<input>turn on the lights</input>Done. Lights are on.", FinishReason: "stop"},
	}

	r.orch.ProcessTurnNativeAudio(context.Background(), r.sess, r.em, testPCM)

	if n := r.stt.TranscribeCallCount(); n != 0 {
		t.Errorf("one-shot stt called %d times on a native-audio turn", n)
	}
	if n := len(r.stt.TranscribeStreamCalls); n != 0 {
		t.Errorf("streamed stt called %d times on a native-audio turn", n)
	}
	for _, ev := range r.em.events() {
		if bytes.HasPrefix([]byte(ev), []byte("transcription")) {
			t.Errorf("transcription message on a native-audio turn: %q", ev)
		}
		if bytes.Contains([]byte(ev), []byte("<input>")) {
			t.Errorf("input echo leaked to the client: %q", ev)
		}
	}
	if !r.em.contains("llm_text(final):Done. Lights are on.") {
		t.Errorf("final text wrong: %q", r.em.events())
	}

	msgs := r.llm.StreamCalls[0].Req.Messages
	last := msgs[len(msgs)-1]
	if last.Role != "user" || len(last.Parts) != 1 {
		t.Fatalf("last request message = %+v, want one audio part", last)
	}
	if last.Parts[0].Type != "input_audio" || last.Parts[0].InputAudio == nil || last.Parts[0].InputAudio.Format != "wav" {
		t.Errorf("audio part = %+v", last.Parts[0])
	}
	if instr := msgs[len(msgs)-2]; instr.Role != "system" {
		t.Errorf("echo instruction missing, got %+v", instr)
	}

	hist := r.sess.History()
	if len(hist) != 2 || hist[0].Content != "[Audio message]" {
		t.Fatalf("history = %+v", hist)
	}
	if hist[1].Role != "assistant" || hist[1].Content != "Done. Lights are on." {
		t.Errorf("history[1] = %+v", hist[1])
	}
}

func TestHandleInterrupt_TearsDownSpeech(t *testing.T) {
	r := newRig(t)
	st := &ttsmock.Stream{}
	r.sess.SetTTSStream(st)
	r.sess.TransitionTo(session.StateProcessing)
	r.sess.TransitionTo(session.StateSpeaking)

	r.orch.HandleInterrupt(context.Background(), r.sess, r.em, observe.SourceBargeIn)

	want := []string{"status:interrupted", "status:listening"}
	if got := r.em.events(); !slices.Equal(got, want) {
		t.Errorf("trace = %q, want %q", got, want)
	}
	if !st.Closed() {
		t.Error("tts stream left open after interrupt")
	}
	if st := r.sess.State(); st != session.StateListening {
		t.Errorf("state = %v, want listening", st)
	}
	if !r.sess.Interrupted() {
		t.Error("interrupt flag not set")
	}
}

func TestHandleInterrupt_IgnoredWithoutRunningTurn(t *testing.T) {
	r := newRig(t) // listening, no turn in flight

	r.orch.HandleInterrupt(context.Background(), r.sess, r.em, observe.SourceClient)

	if got := r.em.events(); len(got) != 0 {
		t.Errorf("events emitted for a no-op interrupt: %q", got)
	}
	if r.sess.Interrupted() {
		t.Error("interrupt flag set with nothing to interrupt")
	}
}

func TestPreWarm_OpensTTSAndPrimesLLMPool(t *testing.T) {
	var heads atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method == http.MethodHead {
			heads.Add(1)
		}
	}))
	defer srv.Close()

	r := newRig(t, func(c *Config) { c.HTTPClient = srv.Client() })
	cfg := testSessionConfig()
	cfg.LLMBaseURL = srv.URL
	sess := session.NewSession("sess-warm", cfg)

	r.orch.PreWarm(context.Background(), sess)

	if n := r.tts.ConnectCount(); n != 1 {
		t.Fatalf("tts connects = %d, want 1", n)
	}
	got := r.tts.ConnectCalls[0].Config
	if got.Model != "kokoro" || got.Voice != "af_heart" {
		t.Errorf("tts config = %+v", got)
	}
	if sess.TTSStream() == nil {
		t.Error("no stream bound after pre-warm")
	}
	if heads.Load() != 1 {
		t.Errorf("llm HEAD probes = %d, want 1", heads.Load())
	}

	// A bound stream is not redialled.
	r.orch.PreWarm(context.Background(), sess)
	if n := r.tts.ConnectCount(); n != 1 {
		t.Errorf("tts connects after second pre-warm = %d, want 1", n)
	}
}

func TestPreWarm_FailureIsNonFatal(t *testing.T) {
	r := newRig(t)
	r.tts.ConnectErr = errors.New("dial tcp: connection refused")
	sess := session.NewSession("sess-warm-fail", testSessionConfig())

	r.orch.PreWarm(context.Background(), sess)

	if sess.TTSStream() != nil {
		t.Error("stream bound despite connect failure")
	}

	// The first turn dials lazily and succeeds.
	r.tts.ConnectErr = nil
	sess.TransitionTo(session.StateListening)
	r.orch.ProcessTurn(context.Background(), sess, r.em, testPCM)
	if !r.em.contains("llm_text(final):Hi there. All good.") {
		t.Errorf("turn after failed pre-warm did not complete: %q", r.em.events())
	}
}

func lastUserMessage(t *testing.T, req llm.CompletionRequest) string {
	t.Helper()
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return req.Messages[i].Content
		}
	}
	t.Fatal("no user message in request")
	return ""
}
