// Package engine runs voice turns: transcription, the LLM stream, output
// filtering, phrase chunking, and speech synthesis, emitting protocol
// messages through the connection's [Emitter].
//
// One turn is one call to [Orchestrator.ProcessTurn] (or its native-audio
// sibling), run on its own goroutine by the gateway. The orchestrator never
// touches the socket directly: everything client-visible goes through the
// Emitter, whose implementation serialises writes. Interrupts arrive as a
// flag on the session plus cancellation of the turn context; the flag is
// checked between LLM stream items and between relayed audio chunks, so a
// barge-in cuts speech off mid-phrase.
//
// Upstream calls that open a connection (one-shot transcription, LLM stream
// opens, TTS stream opens) run behind per-upstream circuit breakers. A
// tripped breaker fails the turn, not the session.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxgate/internal/audio"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/phrase"
	"github.com/MrWong99/voxgate/internal/resilience"
	"github.com/MrWong99/voxgate/internal/session"
	"github.com/MrWong99/voxgate/internal/textfilter"
	"github.com/MrWong99/voxgate/internal/transcript/llmcorrect"
	"github.com/MrWong99/voxgate/pkg/provider/llm"
	"github.com/MrWong99/voxgate/pkg/provider/stt"
	"github.com/MrWong99/voxgate/pkg/provider/tts"
)

const (
	// earlyBreakRunes is the streamed-transcript length at which the
	// orchestrator stops waiting for further segments and starts the LLM.
	earlyBreakRunes = 5

	// streamSTTWindow bounds how long streamed transcription may stay
	// silent before the one-shot endpoint takes over.
	streamSTTWindow = 2 * time.Second

	// llmCorrectTimeout bounds the optional LLM correction stage so a slow
	// model cannot stall the turn.
	llmCorrectTimeout = 10 * time.Second

	// historyAudioPlaceholder stands in for raw audio in the conversation
	// history of native-audio sessions. Replaying megabytes of PCM on every
	// follow-up turn would blow the context window.
	historyAudioPlaceholder = "[Audio message]"
)

// nativeAudioInstruction prompts audio-native models to reveal what they
// heard. The echo is diagnostic only: the input capture filter strips it
// before the response reaches the client or the speaker.
const nativeAudioInstruction = "Before answering, repeat the words you heard from the user inside <input></input> tags, then answer normally."

// Client-facing error texts. Upstream detail stays in the logs.
const (
	msgTranscriptionFailed = "transcription failed, please try again"
	msgAssistantFailed     = "a server error occurred, please try again"
	msgSynthesisFailed     = "speech synthesis failed, please try again"
)

// errInterrupted aborts the turn pipeline when the interrupt flag or the
// turn context fires. It never reaches the client.
var errInterrupted = errors.New("engine: turn interrupted")

// stageError tags a pipeline failure with the upstream that caused it, so
// the turn's terminal handler can pick the right client message and metric.
type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

func clientMessage(stage string) string {
	switch stage {
	case "stt":
		return msgTranscriptionFailed
	case "tts":
		return msgSynthesisFailed
	default:
		return msgAssistantFailed
	}
}

// Emitter is the orchestrator's view of a client connection. The gateway
// implements it on top of the WebSocket's single writer goroutine; methods
// must be safe for concurrent use and must not block indefinitely on a slow
// client. Write failures are handled by the connection itself (it cancels
// the turn context), so the methods report nothing back.
type Emitter interface {
	Status(state session.State)
	Transcription(text string, final bool)
	LLMText(text string, final bool)
	ToolCall(id, name, arguments string)
	TTSStart(phraseIndex int)
	TTSDone(phraseIndex int, duration float64)
	Audio(pcm []byte)
	Error(message string)
}

// LLMFactory resolves a chat-completion provider for a base URL. Sessions
// can route to different runtimes, so the orchestrator asks per turn; the
// factory is expected to share one pooled HTTP client across base URLs.
type LLMFactory func(baseURL string) (llm.Provider, error)

// Config assembles an [Orchestrator]'s dependencies.
type Config struct {
	STT stt.Provider
	TTS tts.Provider
	LLM LLMFactory

	// Breakers guard the three upstream call sites: one-shot transcription,
	// LLM stream opens, TTS stream opens. Nil breakers are replaced with
	// defaults.
	STTBreaker *resilience.Breaker
	LLMBreaker *resilience.Breaker
	TTSBreaker *resilience.Breaker

	// LLMCorrector, when set, runs as a second correction stage on final
	// transcripts of sessions that carry a vocabulary.
	LLMCorrector *llmcorrect.Corrector

	// ToolCallPlaceholder is spoken at most once per turn when the model
	// requests a tool, bridging the silence while the client executes it.
	// Empty disables the placeholder.
	ToolCallPlaceholder string

	// HTTPClient is used to prime the LLM connection pool during session
	// pre-warm. Nil disables that warm-up.
	HTTPClient *http.Client

	Metrics *observe.Metrics
}

// Orchestrator turns buffered utterances into spoken responses. One
// instance serves all sessions; per-turn state lives on the stack of
// ProcessTurn.
type Orchestrator struct {
	stt stt.Provider
	tts tts.Provider
	llm LLMFactory

	sttBreaker *resilience.Breaker
	llmBreaker *resilience.Breaker
	ttsBreaker *resilience.Breaker

	llmCorrector *llmcorrect.Corrector
	placeholder  string
	httpClient   *http.Client
	metrics      *observe.Metrics
}

// New validates cfg and builds an [Orchestrator]. Missing breakers and
// metrics fall back to defaults; missing providers are an error.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.STT == nil {
		return nil, errors.New("engine: stt provider is required")
	}
	if cfg.TTS == nil {
		return nil, errors.New("engine: tts provider is required")
	}
	if cfg.LLM == nil {
		return nil, errors.New("engine: llm factory is required")
	}
	o := &Orchestrator{
		stt:          cfg.STT,
		tts:          cfg.TTS,
		llm:          cfg.LLM,
		sttBreaker:   cfg.STTBreaker,
		llmBreaker:   cfg.LLMBreaker,
		ttsBreaker:   cfg.TTSBreaker,
		llmCorrector: cfg.LLMCorrector,
		placeholder:  cfg.ToolCallPlaceholder,
		httpClient:   cfg.HTTPClient,
		metrics:      cfg.Metrics,
	}
	if o.sttBreaker == nil {
		o.sttBreaker = resilience.New(resilience.Config{Name: "stt"})
	}
	if o.llmBreaker == nil {
		o.llmBreaker = resilience.New(resilience.Config{Name: "llm"})
	}
	if o.ttsBreaker == nil {
		o.ttsBreaker = resilience.New(resilience.Config{Name: "tts"})
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o, nil
}

// turnState carries the working set of one turn through the pipeline.
type turnState struct {
	sess *session.Session
	em   Emitter
	cfg  session.Config

	think *textfilter.TagFilter
	input *textfilter.TagFilter // native-audio turns only
	tool  *textfilter.ToolCallFilter
	det   *phrase.Detector

	startedAt        time.Time
	phraseIndex      int
	inlineSeen       int
	spokePlaceholder bool
	sentFirstAudio   bool
	phrases          []string
}

func (o *Orchestrator) newTurn(sess *session.Session, em Emitter, nativeAudio bool) *turnState {
	cfg := sess.Config()
	t := &turnState{
		sess:      sess,
		em:        em,
		cfg:       cfg,
		startedAt: time.Now(),
		think:     textfilter.NewThinkFilter(),
		tool:      textfilter.NewToolCallFilter(),
		det:       phrase.NewDetector(cfg.Phrase),
	}
	if nativeAudio {
		t.input = textfilter.NewInputCapture()
	}
	return t
}

// ── turn entry points ─────────────────────────────────────────────────────

// ProcessTurn runs one voice turn over an utterance's buffered PCM:
// transcribe, stream the LLM response, and speak it phrase by phrase. It
// blocks until the turn reaches a terminal state and is meant to run on its
// own goroutine; the receive loop keeps handling interrupts meanwhile.
func (o *Orchestrator) ProcessTurn(ctx context.Context, sess *session.Session, em Emitter, pcm []byte) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ctx, span := observe.StartSpan(ctx, "voxgate.turn", trace.WithAttributes(
		attribute.String("session_id", sess.ID),
		attribute.String("mode", "cascade"),
	))
	defer span.End()
	sess.BindTurn(cancel)
	sess.ClearInterrupt()

	t := o.newTurn(sess, em, false)
	if !sess.TransitionTo(session.StateProcessing) {
		slog.Warn("engine: turn refused, session not listening",
			"session_id", sess.ID, "state", sess.State())
		return
	}
	em.Status(session.StateProcessing)

	text, err := o.transcribe(ctx, t, pcm)
	if err != nil {
		o.finishFailed(ctx, t, err)
		return
	}
	if text == "" {
		// Silence or noise. Nothing to answer.
		slog.Debug("engine: empty transcript, skipping turn", "session_id", sess.ID)
		o.finishEmpty(ctx, t)
		return
	}
	slog.Debug("engine: transcript ready",
		"session_id", sess.ID, "chars", len(text), "preview", preview(text))

	em.Transcription(text, true)
	sess.AppendHistory(llm.Message{Role: "user", Content: text})

	o.respond(ctx, t, sess.History())
}

// ProcessTurnNativeAudio runs one voice turn for sessions whose model hears
// audio directly: the utterance goes to the LLM as a WAV content part and
// the transcription stage is skipped entirely. The model is prompted to
// echo what it heard inside <input> tags, which the filter chain captures
// for diagnostics; the tags never reach the client.
func (o *Orchestrator) ProcessTurnNativeAudio(ctx context.Context, sess *session.Session, em Emitter, pcm []byte) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ctx, span := observe.StartSpan(ctx, "voxgate.turn", trace.WithAttributes(
		attribute.String("session_id", sess.ID),
		attribute.String("mode", "native_audio"),
	))
	defer span.End()
	sess.BindTurn(cancel)
	sess.ClearInterrupt()

	t := o.newTurn(sess, em, true)
	if !sess.TransitionTo(session.StateProcessing) {
		slog.Warn("engine: turn refused, session not listening",
			"session_id", sess.ID, "state", sess.State())
		return
	}
	em.Status(session.StateProcessing)

	audioMsg, err := llm.AudioUserMessage(pcm, audio.DefaultSampleRate, 1, "")
	if err != nil {
		o.finishFailed(ctx, t, &stageError{stage: "llm", err: err})
		return
	}
	messages := sess.History()
	messages = append(messages,
		llm.Message{Role: "system", Content: nativeAudioInstruction},
		audioMsg)

	// The stored history gets a marker, not the audio itself.
	sess.AppendHistory(llm.Message{Role: "user", Content: historyAudioPlaceholder})

	o.respond(ctx, t, messages)
}

// ── transcription ─────────────────────────────────────────────────────────

// transcribe turns utterance PCM into the text used to prompt the model.
// Streamed transcription runs first with an early break once a usable
// prefix arrives; if it stays empty past streamSTTWindow or fails outright,
// the one-shot endpoint takes over. The result passes through the session's
// vocabulary corrector.
func (o *Orchestrator) transcribe(ctx context.Context, t *turnState, pcm []byte) (string, error) {
	start := time.Now()
	opts := stt.Options{Model: t.cfg.STTModel, Language: t.cfg.Language}

	text, err := o.streamTranscribe(ctx, pcm, opts)
	if err != nil {
		return "", err
	}
	o.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())

	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}
	return o.correct(ctx, t, text), nil
}

func (o *Orchestrator) streamTranscribe(ctx context.Context, pcm []byte, opts stt.Options) (string, error) {
	st, err := o.stt.TranscribeStream(ctx, pcm, opts)
	if err != nil {
		slog.Debug("engine: streamed stt unavailable, using one-shot", "error", err)
		return o.oneShotTranscribe(ctx, pcm, opts)
	}
	defer st.Close()

	var text strings.Builder
	window := time.NewTimer(streamSTTWindow)
	defer window.Stop()
	windowC := window.C

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()

		case <-windowC:
			if text.Len() == 0 {
				// Nothing streamed in time; a stalled stream loses to the
				// one-shot endpoint.
				return o.oneShotTranscribe(ctx, pcm, opts)
			}
			// A short prefix exists. Keep collecting until the stream ends.
			windowC = nil

		case seg, ok := <-st.Segments():
			if !ok {
				if text.Len() > 0 {
					if err := st.Err(); err != nil {
						// Keep what arrived; a truncated transcript still
						// makes a turn.
						slog.Debug("engine: stt stream ended early, keeping partial", "error", err)
					}
					return text.String(), nil
				}
				// Empty stream, failed or not: the one-shot endpoint gets
				// the final word.
				if err := st.Err(); err != nil {
					slog.Debug("engine: stt stream failed, using one-shot", "error", err)
				}
				return o.oneShotTranscribe(ctx, pcm, opts)
			}
			text.WriteString(seg.Text)
			if utf8.RuneCountInString(text.String()) >= earlyBreakRunes {
				// Enough to prompt the model. Abandoning the stream makes
				// the backend log a connection-closed error; that is the
				// expected cost of the early break.
				return text.String(), nil
			}
		}
	}
}

func (o *Orchestrator) oneShotTranscribe(ctx context.Context, pcm []byte, opts stt.Options) (string, error) {
	var text string
	err := o.sttBreaker.Execute(func() error {
		var err error
		text, err = o.stt.Transcribe(ctx, pcm, opts)
		return err
	})
	if err != nil {
		return "", &stageError{stage: "stt", err: err}
	}
	return text, nil
}

// correct runs the transcript through the session's phonetic corrector and,
// when configured, the LLM correction stage. Correction failures keep the
// best text so far: a slightly wrong transcript still makes a useful turn.
func (o *Orchestrator) correct(ctx context.Context, t *turnState, text string) string {
	c := t.sess.Corrector()
	if c == nil || !c.Enabled() {
		return text
	}
	corrected, fixes := c.Correct(text)
	for _, f := range fixes {
		slog.Debug("engine: transcript corrected",
			"session_id", t.sess.ID,
			"original", f.Original,
			"corrected", f.Corrected,
			"confidence", f.Confidence,
			"method", f.Method)
	}
	if o.llmCorrector == nil {
		return corrected
	}

	cctx, cancel := context.WithTimeout(ctx, llmCorrectTimeout)
	defer cancel()
	final, llmFixes, err := o.llmCorrector.Correct(cctx, corrected, t.cfg.Vocabulary)
	if err != nil {
		slog.Debug("engine: llm correction skipped", "session_id", t.sess.ID, "error", err)
		return corrected
	}
	for _, f := range llmFixes {
		slog.Debug("engine: transcript corrected",
			"session_id", t.sess.ID,
			"original", f.Original,
			"corrected", f.Corrected,
			"confidence", f.Confidence,
			"method", "llm")
	}
	return final
}

// ── response generation ───────────────────────────────────────────────────

// respond drives the LLM stream for the assembled messages and speaks the
// response: SPEAKING, the chunk loop, the end-of-stream flush, and the
// return to IDLE.
func (o *Orchestrator) respond(ctx context.Context, t *turnState, messages []llm.Message) {
	sess, em, cfg := t.sess, t.em, t.cfg

	provider, err := o.llm(cfg.LLMBaseURL)
	if err != nil {
		o.finishFailed(ctx, t, &stageError{stage: "llm", err: err})
		return
	}
	req := llm.CompletionRequest{
		Model:     cfg.LLMModelID,
		Messages:  messages,
		Overrides: cfg.LLMOverrides,
		Thinking:  cfg.EnableThinking,
	}

	sess.TransitionTo(session.StateSpeaking)
	em.Status(session.StateSpeaking)

	opened := time.Now()
	var chunks <-chan llm.Chunk
	err = o.llmBreaker.Execute(func() error {
		var err error
		chunks, err = provider.StreamCompletion(ctx, req)
		return err
	})
	if err != nil {
		o.finishFailed(ctx, t, &stageError{stage: "llm", err: err})
		return
	}

	sawToken := false
	for {
		if sess.Interrupted() {
			o.finishInterrupted(ctx, t)
			return
		}
		select {
		case <-ctx.Done():
			o.finishInterrupted(ctx, t)
			return

		case chunk, ok := <-chunks:
			if !ok {
				if err := o.finishStream(ctx, t); err != nil {
					o.finishFailed(ctx, t, err)
					return
				}
				o.finishOK(ctx, t)
				return
			}
			if !sawToken && (chunk.Text != "" || len(chunk.ToolCalls) > 0) {
				o.metrics.LLMFirstToken.Record(ctx, time.Since(opened).Seconds())
				sawToken = true
			}
			if err := o.handleChunk(ctx, t, chunk); err != nil {
				o.finishFailed(ctx, t, err)
				return
			}
		}
	}
}

// handleChunk feeds one LLM stream item through the output filters and the
// phrase pipeline, speaking whatever completes.
func (o *Orchestrator) handleChunk(ctx context.Context, t *turnState, chunk llm.Chunk) error {
	for _, tc := range chunk.ToolCalls {
		if err := o.emitToolCall(ctx, t, tc); err != nil {
			return err
		}
	}
	if chunk.FinishReason == "error" {
		// The text of an error chunk is the upstream's message, not content.
		return &stageError{stage: "llm", err: errors.New(chunk.Text)}
	}
	if chunk.Text == "" {
		return nil
	}

	out := t.think.Process(chunk.Text)
	if t.input != nil {
		out = t.input.Process(out)
	}
	out = t.tool.Process(out)
	if err := o.emitInlineToolCalls(ctx, t); err != nil {
		return err
	}
	for _, p := range t.det.Feed(out) {
		if err := o.speakPhrase(ctx, t, p, true); err != nil {
			return err
		}
	}
	return nil
}

// finishStream flushes the filter chain after the LLM stream ends and
// speaks whatever text was still in flight.
func (o *Orchestrator) finishStream(ctx context.Context, t *turnState) error {
	tail := t.think.Flush()
	if t.input != nil {
		tail = t.input.Process(tail) + t.input.Flush()
	}
	tail = t.tool.Process(tail) + t.tool.Flush()
	if err := o.emitInlineToolCalls(ctx, t); err != nil {
		return err
	}
	for _, p := range t.det.Feed(tail) {
		if err := o.speakPhrase(ctx, t, p, true); err != nil {
			return err
		}
	}
	if last := t.det.Flush(); last != "" {
		if err := o.speakPhrase(ctx, t, last, true); err != nil {
			return err
		}
	}
	return nil
}

// ── tool calls ────────────────────────────────────────────────────────────

// emitToolCall relays a tool call and, once per turn, speaks the placeholder
// that covers tool latency. Tool execution happens client-side; the gateway
// only announces the request.
func (o *Orchestrator) emitToolCall(ctx context.Context, t *turnState, tc llm.ToolCall) error {
	t.em.ToolCall(tc.ID, tc.Name, tc.Arguments)
	slog.Debug("engine: tool call requested",
		"session_id", t.sess.ID, "tool", tc.Name, "call_id", tc.ID)
	return o.speakPlaceholder(ctx, t)
}

// emitInlineToolCalls announces tool-call JSON the output filter withheld
// from the spoken text. Some models emit calls inline instead of using the
// structured channel; clients get them on the structured channel anyway.
func (o *Orchestrator) emitInlineToolCalls(ctx context.Context, t *turnState) error {
	detected := t.tool.Detected()
	for ; t.inlineSeen < len(detected); t.inlineSeen++ {
		if err := o.emitToolCall(ctx, t, parseInlineToolCall(detected[t.inlineSeen])); err != nil {
			return err
		}
	}
	return nil
}

// speakPlaceholder speaks the configured tool-call filler at most once per
// turn. An empty placeholder disables it.
func (o *Orchestrator) speakPlaceholder(ctx context.Context, t *turnState) error {
	if t.spokePlaceholder || o.placeholder == "" {
		return nil
	}
	t.spokePlaceholder = true
	return o.speakPhrase(ctx, t, o.placeholder, false)
}

// parseInlineToolCall extracts a ToolCall from raw tool-call JSON. Inline
// calls come in assorted shapes; unrecognised ones degrade to an empty name
// with the raw JSON as arguments so nothing is dropped.
func parseInlineToolCall(raw string) llm.ToolCall {
	var v struct {
		ID        string          `json:"id"`
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
		Function  struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		} `json:"function"`
	}
	tc := llm.ToolCall{ID: uuid.NewString(), Arguments: raw}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return tc
	}
	if v.ID != "" {
		tc.ID = v.ID
	}
	name, args := v.Name, v.Arguments
	if name == "" {
		name, args = v.Function.Name, v.Function.Arguments
	}
	tc.Name = name
	if len(args) > 0 {
		// Arguments may be a JSON string holding JSON, or a plain object.
		var s string
		if err := json.Unmarshal(args, &s); err == nil {
			tc.Arguments = s
		} else {
			tc.Arguments = string(args)
		}
	}
	return tc
}

// ── speech synthesis ──────────────────────────────────────────────────────

// speakPhrase sends one phrase through normalisation and the TTS stream and
// relays the audio to the client. announce controls the llm_text emission:
// detected response phrases are announced, the tool-call placeholder is not.
func (o *Orchestrator) speakPhrase(ctx context.Context, t *turnState, text string, announce bool) error {
	if announce {
		t.em.LLMText(text, false)
		t.phrases = append(t.phrases, text)
	}

	// Thinking tags can straddle phrase boundaries; filter again on the
	// assembled phrase before it reaches the speaker.
	f := textfilter.NewThinkFilter()
	clean := f.Process(text) + f.Flush()
	clean = textfilter.NormalizeForTTS(clean)
	if clean == "" {
		return nil
	}

	idx := t.phraseIndex
	t.phraseIndex++
	t.em.TTSStart(idx)

	stream, fresh, err := o.ttsStream(ctx, t)
	if err != nil {
		return err
	}
	dispatched := time.Now()
	if err := stream.Speak(ctx, clean, t.cfg.Speed); err != nil {
		if fresh {
			return &stageError{stage: "tts", err: err}
		}
		// A reused stream can die idling between turns. Redial once.
		slog.Debug("engine: tts stream stale, redialling",
			"session_id", t.sess.ID, "error", err)
		_ = t.sess.CloseTTSStream()
		stream, _, err = o.ttsStream(ctx, t)
		if err != nil {
			return err
		}
		dispatched = time.Now()
		if err := stream.Speak(ctx, clean, t.cfg.Speed); err != nil {
			return &stageError{stage: "tts", err: err}
		}
	}

	return o.relayAudio(ctx, t, stream, idx, dispatched)
}

// ttsStream returns the session's TTS stream, dialling one if none is
// bound. The second return reports whether this call opened it.
func (o *Orchestrator) ttsStream(ctx context.Context, t *turnState) (tts.Stream, bool, error) {
	if st := t.sess.TTSStream(); st != nil {
		return st, false, nil
	}
	var st tts.Stream
	err := o.ttsBreaker.Execute(func() error {
		var err error
		st, err = o.tts.Connect(ctx, tts.StreamConfig{Model: t.cfg.TTSModel, Voice: t.cfg.TTSVoice})
		return err
	})
	if err != nil {
		return nil, false, &stageError{stage: "tts", err: err}
	}
	if !t.sess.SetTTSStreamIfEmpty(st) {
		// Pre-warm landed first; ours is redundant.
		_ = st.Close()
		if cur := t.sess.TTSStream(); cur != nil {
			return cur, false, nil
		}
		// Slot emptied again, which only an interrupt or disconnect does.
		return nil, false, errInterrupted
	}
	return st, true, nil
}

// relayAudio forwards PCM for one phrase from the TTS stream to the client,
// stopping the moment the turn is interrupted so no stale audio trails a
// barge-in.
func (o *Orchestrator) relayAudio(ctx context.Context, t *turnState, stream tts.Stream, idx int, dispatched time.Time) error {
	var samples int
	firstChunk := true
	for {
		if t.sess.Interrupted() {
			return errInterrupted
		}
		select {
		case <-ctx.Done():
			return errInterrupted

		case ev, ok := <-stream.Events():
			if !ok {
				// Channel closed without a terminal event: the stream is
				// gone. Drop it so the next phrase redials.
				_ = t.sess.CloseTTSStream()
				return &stageError{stage: "tts", err: errors.New("stream closed mid-phrase")}
			}
			switch ev.Type {
			case tts.EventAudio:
				if firstChunk {
					o.metrics.TTSFirstChunk.Record(ctx, time.Since(dispatched).Seconds())
					firstChunk = false
				}
				if !t.sentFirstAudio {
					t.sentFirstAudio = true
					o.metrics.TurnFirstAudio.Record(ctx, time.Since(t.startedAt).Seconds())
				}
				t.em.Audio(ev.PCM)
				samples += len(ev.PCM) / 2

			case tts.EventDone:
				t.em.TTSDone(idx, float64(samples)/float64(tts.SampleRate))
				return nil

			case tts.EventError:
				_ = t.sess.CloseTTSStream()
				cause := ev.Err
				if cause == nil {
					cause = errors.New("synthesis failed")
				}
				return &stageError{stage: "tts", err: cause}

			case tts.EventClosed:
				_ = t.sess.CloseTTSStream()
				return &stageError{stage: "tts", err: errors.New("stream closed by server")}
			}
		}
	}
}

// ── terminal states ───────────────────────────────────────────────────────

// finishOK completes a turn: the final llm_text carries the full response
// text, the assistant message joins the history, and the session returns to
// idle.
func (o *Orchestrator) finishOK(ctx context.Context, t *turnState) {
	full := strings.Join(t.phrases, " ")
	t.em.LLMText(full, true)

	if t.input != nil {
		if heard := t.input.Captured(); heard != "" {
			slog.Debug("engine: model echoed input",
				"session_id", t.sess.ID, "chars", len(heard), "preview", preview(heard))
		}
	}
	if full != "" {
		t.sess.AppendHistory(llm.Message{Role: "assistant", Content: full})
	}
	if t.sess.TransitionTo(session.StateIdle) {
		t.em.Status(session.StateIdle)
	}
	o.metrics.TurnDuration.Record(ctx, time.Since(t.startedAt).Seconds())
	o.metrics.RecordTurn(ctx, observe.TurnOK)
	slog.Info("engine: turn complete",
		"session_id", t.sess.ID,
		"phrases", t.phraseIndex,
		"response_chars", len(full),
		"duration", time.Since(t.startedAt).Round(time.Millisecond))
}

// finishEmpty settles a turn whose transcript came back blank.
func (o *Orchestrator) finishEmpty(ctx context.Context, t *turnState) {
	if t.sess.TransitionTo(session.StateIdle) {
		t.em.Status(session.StateIdle)
	}
	o.metrics.RecordTurn(ctx, observe.TurnEmpty)
}

// finishInterrupted abandons the turn after a barge-in or client interrupt.
// HandleInterrupt, on the receive loop, owns the client-visible state
// changes; the turn goroutine just stops sending and preserves what the
// model said so far.
func (o *Orchestrator) finishInterrupted(ctx context.Context, t *turnState) {
	if full := strings.Join(t.phrases, " "); full != "" {
		t.sess.AppendHistory(llm.Message{Role: "assistant", Content: full})
	}
	o.metrics.RecordTurn(ctx, observe.TurnInterrupted)
	slog.Debug("engine: turn stopped by interrupt",
		"session_id", t.sess.ID, "phrases_spoken", t.phraseIndex)
}

// finishFailed routes a pipeline error to its terminal state. Errors that
// merely reflect an interrupt racing the pipeline are not failures.
func (o *Orchestrator) finishFailed(ctx context.Context, t *turnState, err error) {
	if errors.Is(err, errInterrupted) || errors.Is(err, context.Canceled) || t.sess.Interrupted() {
		o.finishInterrupted(ctx, t)
		return
	}
	stage := "llm"
	var se *stageError
	if errors.As(err, &se) {
		stage = se.stage
	}
	observe.Logger(ctx).Error("engine: turn failed",
		"session_id", t.sess.ID, "stage", stage, "error", err)
	o.metrics.RecordUpstreamError(ctx, stage)
	o.metrics.RecordTurn(ctx, observe.TurnError)
	t.em.Error(clientMessage(stage))
	if t.sess.TransitionTo(session.StateIdle) {
		t.em.Status(session.StateIdle)
	}
}

// ── interrupt and pre-warm ────────────────────────────────────────────────

// HandleInterrupt stops the in-flight response. Barge-in and explicit
// client interrupts both land here, on the receive loop: the running turn
// observes the flag and the cancelled context and stops emitting, while
// this function owns the client-visible state walk and the TTS teardown
// that cuts audio off mid-phrase. source is one of the observe.Source
// constants.
func (o *Orchestrator) HandleInterrupt(ctx context.Context, sess *session.Session, em Emitter, source string) {
	if st := sess.State(); st != session.StateProcessing && st != session.StateSpeaking {
		slog.Debug("engine: interrupt with no turn in flight",
			"session_id", sess.ID, "state", st)
		return
	}

	sess.SetInterrupt()
	sess.CancelTurn()
	sess.ResetBargeIn()

	if sess.TransitionTo(session.StateInterrupted) {
		em.Status(session.StateInterrupted)
	}
	if err := sess.CloseTTSStream(); err != nil {
		slog.Debug("engine: closing tts stream on interrupt",
			"session_id", sess.ID, "error", err)
	}
	if sess.TransitionTo(session.StateListening) {
		em.Status(session.StateListening)
	}

	o.metrics.RecordInterrupt(ctx, source)
	slog.Info("engine: response interrupted", "session_id", sess.ID, "source", source)
}

// PreWarm opens the session's TTS stream ahead of the first utterance and
// primes the LLM connection pool, so the first turn does not pay for dials
// and TLS handshakes. Failures are logged and ignored; the lazy path
// redials on demand.
func (o *Orchestrator) PreWarm(ctx context.Context, sess *session.Session) {
	cfg := sess.Config()

	if sess.TTSStream() == nil {
		st, err := o.tts.Connect(ctx, tts.StreamConfig{Model: cfg.TTSModel, Voice: cfg.TTSVoice})
		switch {
		case err != nil:
			slog.Debug("engine: tts pre-warm failed", "session_id", sess.ID, "error", err)
		case !sess.SetTTSStreamIfEmpty(st):
			_ = st.Close()
		}
	}

	if o.httpClient == nil || cfg.LLMBaseURL == "" {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, cfg.LLMBaseURL, nil)
	if err != nil {
		return
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		slog.Debug("engine: llm pre-warm failed", "session_id", sess.ID, "error", err)
		return
	}
	resp.Body.Close()
}

// preview returns the first few characters of user or model content for
// debug logs. Full content never reaches the logs.
func preview(s string) string {
	const n = 32
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
