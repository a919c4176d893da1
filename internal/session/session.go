// Package session holds per-client conversation state: the lifecycle state
// machine, the audio ingest pipeline (format detection, decoding, VAD), the
// barge-in detector, and the capacity-limited store that owns all sessions.
//
// Ownership is split by goroutine, not by lock: the connection's receive
// loop is the only writer of ingest state (audio buffer, VAD, arbiter,
// decoder, barge-in counter), and the per-turn orchestrator goroutine is the
// only writer of response state. The interrupt flag and the session state
// are the cross-goroutine signals; both are atomic.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxgate/internal/audio"
	"github.com/MrWong99/voxgate/internal/transcript"
	"github.com/MrWong99/voxgate/internal/turn"
	pkgaudio "github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/llm"
	"github.com/MrWong99/voxgate/pkg/provider/tts"
)

// State is the lifecycle phase of a session.
type State int32

const (
	// StateIdle means no utterance is in progress.
	StateIdle State = iota

	// StateListening means client audio is being accumulated.
	StateListening

	// StateProcessing means a turn is running: STT, then the LLM stream.
	StateProcessing

	// StateSpeaking means response audio is streaming to the client.
	StateSpeaking

	// StateInterrupted is the transient phase between an interrupt and the
	// return to listening.
	StateInterrupted
)

// String returns the lowercase state name used in status messages.
func (s State) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	case StateInterrupted:
		return "interrupted"
	default:
		return "idle"
	}
}

// transitions lists the legal state-machine edges. Connection teardown
// bypasses the table and resets to idle directly.
var transitions = map[State][]State{
	StateIdle:        {StateListening},
	StateListening:   {StateProcessing},
	StateProcessing:  {StateSpeaking, StateIdle, StateInterrupted},
	StateSpeaking:    {StateIdle, StateInterrupted},
	StateInterrupted: {StateListening},
}

func validTransition(from, to State) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// maxAudioBufferBytes bounds the accumulated PCM of one utterance. At
// 16 kHz s16le mono this is a little over five minutes of speech.
const maxAudioBufferBytes = 10 * 1024 * 1024

// ErrUnsupportedAudio is returned by IngestAudio when the stream's container
// format is one the gateway explicitly refuses (MP3, MP4, FLAC, AIFF).
var ErrUnsupportedAudio = errors.New("session: unsupported audio container")

// ErrAudioBufferFull is returned by IngestAudio when the utterance buffer
// bound is reached. The chunk is dropped; the caller should force the turn.
var ErrAudioBufferFull = errors.New("session: audio buffer full")

// Session is one client conversation. It survives the connection that
// created it: the store retains it for resume until evicted.
type Session struct {
	// ID is the client-visible session identifier.
	ID string

	// CreatedAt is when the session was first inserted into the store.
	CreatedAt time.Time

	state       atomic.Int32
	interrupted atomic.Bool
	lastActive  atomic.Int64 // unix nanoseconds

	mu         sync.Mutex
	cfg        Config
	corrector  *transcript.Corrector
	history    []llm.Message
	ttsStream  tts.Stream
	cancelTurn context.CancelFunc

	// Ingest state. Owned by the connection's receive loop; no lock.
	vad         *audio.VAD
	arbiter     *turn.Detector
	decoder     *audio.StreamDecoder
	format      audio.Format
	formatKnown bool
	buf         []byte
	bargeInRun  int
}

// NewSession creates a session with the given resolved configuration.
func NewSession(id string, cfg Config) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		ID:        id,
		CreatedAt: time.Now(),
		cfg:       cfg,
		corrector: transcript.New(cfg.Vocabulary),
		vad:       audio.NewVAD(cfg.VAD),
		arbiter:   turn.NewDetector(cfg.Turn),
	}
	s.Touch()
	return s
}

// ── lifecycle ────────────────────────────────────────────────────────────

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// TransitionTo moves the session along a legal state-machine edge and
// reports whether the transition happened. An illegal edge leaves the state
// unchanged.
func (s *Session) TransitionTo(to State) bool {
	for {
		cur := State(s.state.Load())
		if !validTransition(cur, to) {
			return false
		}
		if s.state.CompareAndSwap(int32(cur), int32(to)) {
			return true
		}
	}
}

// Touch marks the session as active, deferring idle eviction.
func (s *Session) Touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// LastActive returns the time of the most recent Touch.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// Disconnect tears down per-connection state when the client goes away. The
// session is retained for resume: history and config survive, ingest state
// and the running turn do not. Must be called from the receive loop.
func (s *Session) Disconnect() {
	s.CancelTurn()
	s.ClearInterrupt()
	if err := s.CloseTTSStream(); err != nil {
		slog.Debug("session: closing tts stream on disconnect", "session_id", s.ID, "error", err)
	}
	s.vad.Reset()
	s.buf = nil
	s.bargeInRun = 0
	s.decoder = nil
	s.formatKnown = false
	s.state.Store(int32(StateIdle))
}

// ── configuration ────────────────────────────────────────────────────────

// Config returns a copy of the session configuration. Slices and maps in
// the copy are shared and must be treated as read-only.
func (s *Session) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// SetConfig replaces the session configuration. The end-of-turn arbiter is
// rebuilt when its tuning changed, the vocabulary corrector when the term
// list changed; the VAD keeps its state so a reconfigure mid-utterance does
// not drop accumulated speech.
func (s *Session) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	rebuildArbiter := s.cfg.Turn != cfg.Turn
	if !slices.Equal(s.cfg.Vocabulary, cfg.Vocabulary) {
		s.corrector = transcript.New(cfg.Vocabulary)
	}
	s.cfg = cfg
	s.mu.Unlock()
	if rebuildArbiter {
		s.arbiter = turn.NewDetector(cfg.Turn)
	}
}

// Corrector returns the vocabulary corrector for the current configuration.
// Correctors are immutable once built and safe for concurrent use; SetConfig
// swaps in a new one when the vocabulary changes.
func (s *Session) Corrector() *transcript.Corrector {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.corrector
}

// ── audio ingest (receive loop only) ─────────────────────────────────────

// IngestAudio accepts one binary frame while the session is listening. The
// first frame fixes the stream's container format; encoded containers pass
// through the streaming decoder, raw PCM (and WAV, header stripped) is taken
// as-is. New PCM is appended to the utterance buffer and fed to the VAD.
func (s *Session) IngestAudio(ctx context.Context, chunk []byte) error {
	if !s.formatKnown {
		format := audio.DetectFormat(chunk)
		if format == audio.FormatUnknown {
			return ErrUnsupportedAudio
		}
		if format.NeedsDecoder() {
			dec, err := audio.NewStreamDecoder(format.DecodeName(), s.decoderOptions()...)
			if err != nil {
				return fmt.Errorf("session: create decoder: %w", err)
			}
			s.decoder = dec
		}
		s.format = format
		s.formatKnown = true

		// WAV is PCM behind a RIFF header.
		if format == audio.FormatPCM {
			chunk = pkgaudio.StripWAVHeader(chunk)
		}
	}

	pcm := chunk
	if s.decoder != nil {
		pcm = s.decoder.Feed(ctx, chunk)
	}
	if len(pcm) == 0 {
		return nil
	}
	if len(s.buf)+len(pcm) > maxAudioBufferBytes {
		return ErrAudioBufferFull
	}
	s.buf = append(s.buf, pcm...)
	s.vad.Observe(pcm)
	return nil
}

// TakeAudio flushes any decoder residual and hands the accumulated utterance
// PCM to the caller, clearing the buffer. The decoder keeps its stream
// position: later chunks of the same container still decode.
func (s *Session) TakeAudio(ctx context.Context) []byte {
	if s.decoder != nil {
		if residual := s.decoder.Flush(ctx); len(residual) > 0 {
			s.buf = append(s.buf, residual...)
		}
	}
	out := s.buf
	s.buf = nil
	return out
}

// BufferedAudio returns the accumulated PCM byte count of the current
// utterance.
func (s *Session) BufferedAudio() int {
	return len(s.buf)
}

// AudioBuffer returns the accumulated PCM without clearing it. Used for
// partial transcription while the utterance is still running.
func (s *Session) AudioBuffer() []byte {
	return s.buf
}

// VADState returns the current phase of the voice activity detector.
func (s *Session) VADState() audio.VADState {
	return s.vad.State()
}

// SpeechDuration returns the accumulated speech time of the current
// utterance.
func (s *Session) SpeechDuration() time.Duration {
	return s.vad.SpeechDuration()
}

// SilenceDuration returns the trailing silence of the current utterance.
func (s *Session) SilenceDuration() time.Duration {
	return s.vad.SilenceDuration()
}

// EndOfTurn consults the arbiter with the latest partial transcript and
// reports whether the utterance has ended. Fires at most once per
// utterance; a true result resets the VAD.
func (s *Session) EndOfTurn(partial string) bool {
	required := s.arbiter.RequiredSilence(s.vad.SpeechDuration(), partial)
	return s.vad.CheckEndOfTurn(required)
}

// EndOfSpeech reports end of utterance under the VAD's static threshold.
// Used when turn detection is disabled.
func (s *Session) EndOfSpeech() bool {
	return s.vad.EndOfSpeech()
}

func (s *Session) decoderOptions() []audio.DecoderOption {
	s.mu.Lock()
	binary := s.cfg.DecoderBinary
	onFailure := s.cfg.OnDecodeFailure
	s.mu.Unlock()
	var opts []audio.DecoderOption
	if binary != "" {
		opts = append(opts, audio.WithDecoderBinary(binary))
	}
	if onFailure != nil {
		opts = append(opts, audio.WithFailureHook(onFailure))
	}
	return opts
}

// ── barge-in (receive loop only) ─────────────────────────────────────────

// ObserveBargeIn examines one chunk received while the assistant is
// speaking and reports whether the user barged in.
//
// Encoded chunks go through a throwaway decoder so the main decoder's byte
// counters stay aligned with the utterance stream; a continuation chunk
// that decodes to nothing leaves the consecutive-speech counter unchanged.
func (s *Session) ObserveBargeIn(ctx context.Context, chunk []byte) bool {
	cfg := s.Config()
	if !cfg.BargeInEnabled {
		return false
	}

	pcm := chunk
	if s.formatKnown && s.format.NeedsDecoder() {
		opts := append(s.decoderOptions(), audio.WithQuietFailures())
		tmp, err := audio.NewStreamDecoder(s.format.DecodeName(), opts...)
		if err != nil {
			return false
		}
		pcm = tmp.Feed(ctx, chunk)
		pcm = append(pcm, tmp.Flush(ctx)...)
	}
	if len(pcm) == 0 {
		slog.Debug("session: barge-in chunk decoded to no pcm", "session_id", s.ID)
		return false
	}

	if pkgaudio.Energy(pcm) <= cfg.VAD.SpeechThreshold {
		s.bargeInRun = 0
		return false
	}
	if !cfg.BargeInNoiseFilter {
		return true
	}
	s.bargeInRun++
	return s.bargeInRun >= cfg.BargeInMinChunks
}

// ResetBargeIn clears the consecutive-speech counter. Called when an
// interrupt is handled.
func (s *Session) ResetBargeIn() {
	s.bargeInRun = 0
}

// ── interrupt & turn binding ─────────────────────────────────────────────

// SetInterrupt raises the interrupt flag. The running turn observes it
// before each LLM item and between relayed audio chunks.
func (s *Session) SetInterrupt() {
	s.interrupted.Store(true)
}

// ClearInterrupt lowers the interrupt flag at the start of a turn.
func (s *Session) ClearInterrupt() {
	s.interrupted.Store(false)
}

// Interrupted reports whether the interrupt flag is raised.
func (s *Session) Interrupted() bool {
	return s.interrupted.Load()
}

// BindTurn registers the cancel function of a starting turn. A previous
// turn still bound is cancelled: sessions run one turn at a time.
func (s *Session) BindTurn(cancel context.CancelFunc) {
	s.mu.Lock()
	prev := s.cancelTurn
	s.cancelTurn = cancel
	s.mu.Unlock()
	if prev != nil {
		prev()
	}
}

// CancelTurn cancels the running turn, if any.
func (s *Session) CancelTurn() {
	s.mu.Lock()
	cancel := s.cancelTurn
	s.cancelTurn = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ── TTS stream (session-scoped) ──────────────────────────────────────────

// TTSStream returns the stream currently serving this session, or nil.
func (s *Session) TTSStream() tts.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttsStream
}

// SetTTSStream records the stream serving this session and returns the
// previous one, if any, so the caller can close it.
func (s *Session) SetTTSStream(st tts.Stream) tts.Stream {
	s.mu.Lock()
	prev := s.ttsStream
	s.ttsStream = st
	s.mu.Unlock()
	return prev
}

// SetTTSStreamIfEmpty records st only when no stream is bound yet and
// reports whether it was stored. Session pre-warm and the first spoken
// phrase race for this slot; the loser closes its own stream.
func (s *Session) SetTTSStreamIfEmpty(st tts.Stream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ttsStream != nil {
		return false
	}
	s.ttsStream = st
	return true
}

// CloseTTSStream closes and forgets the session's TTS stream. Interrupts
// must call this: in-flight chunks from an interrupted phrase would
// otherwise bleed into the next one.
func (s *Session) CloseTTSStream() error {
	s.mu.Lock()
	st := s.ttsStream
	s.ttsStream = nil
	s.mu.Unlock()
	if st == nil {
		return nil
	}
	return st.Close()
}

// ── conversation history ─────────────────────────────────────────────────

// AppendHistory appends messages to the conversation history.
func (s *Session) AppendHistory(msgs ...llm.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, msgs...)
}

// History returns a copy of the conversation history.
func (s *Session) History() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Message, len(s.history))
	copy(out, s.history)
	return out
}

// HistoryLen returns the number of messages in the history.
func (s *Session) HistoryLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}
