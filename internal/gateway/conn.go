package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxgate/internal/audio"
	"github.com/MrWong99/voxgate/internal/engine"
	"github.com/MrWong99/voxgate/internal/modelinfo"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/session"
	"github.com/MrWong99/voxgate/pkg/provider/stt"
)

const (
	// outboundQueue buffers frames between the pipeline and the writer. A
	// full queue blocks the sender, pacing synthesis to the client's read
	// rate.
	outboundQueue = 64

	// writeTimeout bounds one socket write.
	writeTimeout = 10 * time.Second

	// closeGrace bounds the goodbye write after the receive loop ends.
	closeGrace = 2 * time.Second

	// partialSTTTimeout bounds one advisory transcription request issued
	// during the silence window. Longer requests would outlive the window
	// they are meant to inform.
	partialSTTTimeout = 2 * time.Second

	// minPartialBytes is the least buffered PCM worth a partial request:
	// 250 ms at 16 kHz s16le mono.
	minPartialBytes = 8000
)

// outFrame is one queued WebSocket frame.
type outFrame struct {
	typ  websocket.MessageType
	data []byte
}

// wsConn serves one client connection. The goroutine calling run owns the
// receive loop and with it all session ingest state; a single writer
// goroutine owns socket writes. Turn goroutines reach the socket only
// through the outbound queue, so frame order is the queue order.
type wsConn struct {
	ws       *websocket.Conn
	sess     *session.Session
	orch     Orchestrator
	stt      stt.Provider
	models   *modelinfo.Client
	resolver *modelinfo.Resolver

	ctx    context.Context
	cancel context.CancelFunc
	out    chan outFrame

	// Advisory transcription state. One request in flight at a time; gen
	// changes when an utterance is taken so a result that lands late cannot
	// leak into the next utterance.
	partialBusy atomic.Bool
	gen         atomic.Uint64
	partialMu   sync.Mutex
	partial     string
}

var _ engine.Emitter = (*wsConn)(nil)

// run services the connection until the client disconnects or the handler
// context ends. It blocks; the caller's goroutine becomes the receive loop.
func (c *wsConn) run() {
	defer c.cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()

	c.sendJSON(sessionInfoMsg{Type: "session_info", SessionID: c.sess.ID})
	c.Status(c.sess.State())

	go c.orch.PreWarm(c.ctx, c.sess)

	err := c.readLoop()
	c.logDisconnect(err)

	// Stop the running turn first, then the writer, then say goodbye with a
	// direct write.
	c.sess.Disconnect()
	c.cancel()
	wg.Wait()
	c.announceClosed()
}

// writeLoop drains the outbound queue onto the socket. A failed write tears
// the connection down: the reader unblocks through the shared context.
func (c *wsConn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case f := <-c.out:
			wctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.ws.Write(wctx, f.typ, f.data)
			cancel()
			if err != nil {
				slog.Debug("gateway: socket write failed", "session_id", c.sess.ID, "error", err)
				c.cancel()
				return
			}
		}
	}
}

// send queues one frame for the writer. Returns without sending once the
// connection is tearing down.
func (c *wsConn) send(typ websocket.MessageType, data []byte) {
	select {
	case c.out <- outFrame{typ: typ, data: data}:
	case <-c.ctx.Done():
	}
}

func (c *wsConn) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("gateway: marshal outbound frame", "session_id", c.sess.ID, "error", err)
		return
	}
	c.send(websocket.MessageText, data)
}

// writeJSON marshals v and writes it directly, bypassing the queue. Only for
// paths where the writer goroutine is not running or is being abandoned.
func writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

// ── engine.Emitter ────────────────────────────────────────────────────────

func (c *wsConn) Status(state session.State) {
	c.sendJSON(statusMsg{Type: "status", State: state.String()})
}

func (c *wsConn) Transcription(text string, final bool) {
	c.sendJSON(textMsg{Type: "transcription", Text: text, IsFinal: final})
}

func (c *wsConn) LLMText(text string, final bool) {
	c.sendJSON(textMsg{Type: "llm_text", Text: text, IsFinal: final})
}

func (c *wsConn) ToolCall(id, name, arguments string) {
	c.sendJSON(toolCallMsg{Type: "tool_call", ToolCallID: id, FunctionName: name, Arguments: arguments})
}

func (c *wsConn) TTSStart(phraseIndex int) {
	c.sendJSON(ttsStartMsg{Type: "tts_start", PhraseIndex: phraseIndex})
}

func (c *wsConn) TTSDone(phraseIndex int, duration float64) {
	c.sendJSON(ttsDoneMsg{Type: "tts_done", PhraseIndex: phraseIndex, Duration: duration})
}

func (c *wsConn) Audio(pcm []byte) {
	c.send(websocket.MessageBinary, pcm)
}

func (c *wsConn) Error(message string) {
	c.sendJSON(errorMsg{Type: "error", Message: message})
}

// ── receive loop ──────────────────────────────────────────────────────────

func (c *wsConn) readLoop() error {
	for {
		typ, data, err := c.ws.Read(c.ctx)
		if err != nil {
			return err
		}
		c.sess.Touch()
		switch typ {
		case websocket.MessageBinary:
			c.handleAudio(data)
		case websocket.MessageText:
			c.handleControl(data)
		}
	}
}

// handleAudio routes one binary frame by session state: barge-in detection
// while the assistant speaks, discard while a turn is processing, ingest
// while listening.
func (c *wsConn) handleAudio(chunk []byte) {
	switch c.sess.State() {
	case session.StateSpeaking:
		if c.sess.ObserveBargeIn(c.ctx, chunk) {
			slog.Info("gateway: barge-in", "session_id", c.sess.ID)
			c.orch.HandleInterrupt(c.ctx, c.sess, c, observe.SourceBargeIn)
		}
		return

	case session.StateProcessing, session.StateInterrupted:
		// The turn owns the audio buffer until it settles.
		return

	case session.StateIdle:
		if c.sess.TransitionTo(session.StateListening) {
			c.Status(session.StateListening)
		}
	}

	if err := c.sess.IngestAudio(c.ctx, chunk); err != nil {
		c.ingestFailed(err)
		return
	}

	cfg := c.sess.Config()
	if !cfg.TurnDetection {
		if c.sess.EndOfSpeech() {
			c.startTurn()
		}
		return
	}
	if c.sess.VADState() != audio.VADSilence {
		return
	}
	c.maybePartialTranscribe()
	if c.sess.EndOfTurn(c.partialText()) {
		c.startTurn()
	}
}

func (c *wsConn) ingestFailed(err error) {
	switch {
	case errors.Is(err, session.ErrUnsupportedAudio):
		slog.Warn("gateway: unsupported audio container", "session_id", c.sess.ID)
		c.Error("unsupported audio format")
		_ = c.ws.Close(websocket.StatusPolicyViolation, "unsupported audio format")
	case errors.Is(err, session.ErrAudioBufferFull):
		slog.Warn("gateway: utterance buffer full, forcing end of turn", "session_id", c.sess.ID)
		c.startTurn()
	default:
		slog.Error("gateway: audio ingest failed", "session_id", c.sess.ID, "error", err)
		c.Error("a server error occurred, please try again")
	}
}

// startTurn takes the buffered utterance and hands it to the orchestrator on
// its own goroutine, so the receive loop keeps serving barge-in and control
// frames during the turn. An empty utterance keeps the session listening.
func (c *wsConn) startTurn() {
	c.gen.Add(1)
	c.clearPartial()

	pcm := c.sess.TakeAudio(c.ctx)
	if len(pcm) == 0 {
		slog.Debug("gateway: utterance empty, staying in listening", "session_id", c.sess.ID)
		return
	}
	turn := c.orch.ProcessTurn
	if c.sess.Config().UseNativeAudio {
		turn = c.orch.ProcessTurnNativeAudio
	}
	go turn(c.ctx, c.sess, c, pcm)
}

// ── advisory partial transcription ────────────────────────────────────────

// maybePartialTranscribe transcribes the buffered utterance while the VAD
// counts silence, feeding the end-of-turn arbiter and the client's live
// caption. At most one request runs at a time and short buffers are skipped;
// failures only cost the hint.
func (c *wsConn) maybePartialTranscribe() {
	if c.sess.BufferedAudio() < minPartialBytes {
		return
	}
	if !c.partialBusy.CompareAndSwap(false, true) {
		return
	}
	buf := slices.Clone(c.sess.AudioBuffer())
	gen := c.gen.Load()
	cfg := c.sess.Config()

	go func() {
		defer c.partialBusy.Store(false)

		sctx, cancel := context.WithTimeout(c.ctx, partialSTTTimeout)
		defer cancel()
		text, err := c.stt.Transcribe(sctx, buf, stt.Options{Model: cfg.STTModel, Language: cfg.Language})
		if err != nil {
			slog.Debug("gateway: partial transcription failed", "session_id", c.sess.ID, "error", err)
			return
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		if corr := c.sess.Corrector(); corr.Enabled() {
			text, _ = corr.Correct(text)
		}
		if c.setPartial(gen, text) {
			c.Transcription(text, false)
		}
	}()
}

// setPartial stores text if gen still matches the current utterance and
// reports whether it was applied.
func (c *wsConn) setPartial(gen uint64, text string) bool {
	c.partialMu.Lock()
	defer c.partialMu.Unlock()
	if gen != c.gen.Load() {
		return false
	}
	c.partial = text
	return true
}

func (c *wsConn) partialText() string {
	c.partialMu.Lock()
	defer c.partialMu.Unlock()
	return c.partial
}

func (c *wsConn) clearPartial() {
	c.partialMu.Lock()
	c.partial = ""
	c.partialMu.Unlock()
}

// ── control frames ────────────────────────────────────────────────────────

func (c *wsConn) handleControl(data []byte) {
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		slog.Debug("gateway: malformed control frame", "session_id", c.sess.ID, "error", err)
		c.Error("invalid control frame")
		return
	}
	switch frame.Type {
	case "interrupt":
		c.orch.HandleInterrupt(c.ctx, c.sess, c, observe.SourceClient)
	case "end":
		c.endOfInput()
	case "config":
		c.applyConfig(frame)
	default:
		slog.Debug("gateway: unknown control frame", "session_id", c.sess.ID, "frame_type", frame.Type)
		c.Error("unknown control frame type")
	}
}

// endOfInput force-ends the current utterance on an explicit end frame.
func (c *wsConn) endOfInput() {
	if c.sess.State() != session.StateListening {
		slog.Debug("gateway: end frame outside listening", "session_id", c.sess.ID, "state", c.sess.State().String())
		return
	}
	c.startTurn()
}

// applyConfig merges a config frame into the session configuration. The
// session rebuilds its arbiter and corrector as needed. An llm_model change
// re-resolves the route and re-checks native-audio capability; a rejected
// resolve leaves the configuration untouched.
func (c *wsConn) applyConfig(f clientFrame) {
	cfg := c.sess.Config()

	if f.STTModel != nil {
		cfg.STTModel = *f.STTModel
	}
	if f.TTSModel != nil {
		cfg.TTSModel = *f.TTSModel
	}
	if f.TTSVoice != nil {
		cfg.TTSVoice = *f.TTSVoice
	}
	if f.Language != nil {
		cfg.Language = *f.Language
	}
	if f.Speed != nil {
		cfg.Speed = clampSpeed(*f.Speed)
	}
	if f.SentenceBoundaryOnly != nil {
		cfg.Phrase.SentenceBoundaryOnly = *f.SentenceBoundaryOnly
	}
	if f.BargeInEnabled != nil {
		cfg.BargeInEnabled = *f.BargeInEnabled
	}
	if f.BargeInNoiseFilter != nil {
		cfg.BargeInNoiseFilter = *f.BargeInNoiseFilter
	}
	if f.BargeInMinChunks != nil && *f.BargeInMinChunks > 0 {
		cfg.BargeInMinChunks = *f.BargeInMinChunks
	}
	if f.TurnDetection != nil {
		cfg.TurnDetection = *f.TurnDetection
	}
	if f.BaseSilence != nil {
		cfg.Turn.BaseSilence = seconds(*f.BaseSilence)
	}
	if f.ThinkingSilence != nil {
		cfg.Turn.ThinkingSilence = seconds(*f.ThinkingSilence)
	}
	if f.MaxSilence != nil {
		cfg.Turn.MaxSilence = seconds(*f.MaxSilence)
	}

	if f.LLMModel != nil {
		route, err := c.resolver.Resolve(*f.LLMModel)
		if err != nil {
			slog.Warn("gateway: reconfigure rejected", "session_id", c.sess.ID, "error", err)
			c.Error(err.Error())
			return
		}
		cfg.LLMModel = *f.LLMModel
		cfg.LLMBaseURL = route.BaseURL
		cfg.LLMModelID = route.Model
		cfg.LLMOverrides = route.Overrides
		cfg.UseNativeAudio = c.models.NativeAudio(c.ctx, route.Model)
	}

	c.sess.SetConfig(cfg)
	slog.Info("gateway: session reconfigured", "session_id", c.sess.ID)
}

// ── teardown ──────────────────────────────────────────────────────────────

func (c *wsConn) logDisconnect(err error) {
	switch status := websocket.CloseStatus(err); {
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		slog.Info("gateway: client disconnected", "session_id", c.sess.ID)
	case errors.Is(err, context.Canceled):
		slog.Info("gateway: connection cancelled", "session_id", c.sess.ID)
	default:
		slog.Warn("gateway: connection read failed", "session_id", c.sess.ID, "error", err)
	}
}

// announceClosed makes a best-effort closed notification and closes the
// socket. Runs after the writer goroutine has exited.
func (c *wsConn) announceClosed() {
	ctx, cancel := context.WithTimeout(context.Background(), closeGrace)
	defer cancel()
	_ = writeJSON(ctx, c.ws, closedMsg{Type: "closed"})
	_ = c.ws.Close(websocket.StatusNormalClosure, "")
}
