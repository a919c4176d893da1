package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/pkg/provider/llm"
	llmmock "github.com/MrWong99/voxgate/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/voxgate/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/voxgate/pkg/provider/tts/mock"
)

// ── test rig ──────────────────────────────────────────────────────────────

// fakeRuntime serves the model list and capabilities endpoints the app
// consults at startup and during handshakes.
func fakeRuntime(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/models":
			_, _ = w.Write([]byte(`{"data": [
				{"id": "tts:kokoro:af_heart", "type": "tts"},
				{"id": "tts:kokoro:af_bella", "type": "tts"},
				{"id": "qwen3-8b", "type": "llm"}
			]}`))
		case strings.HasSuffix(r.URL.Path, "/capabilities"):
			_, _ = w.Write([]byte(`{"capabilities": {"native_audio": false}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// testConfig returns a config pointed at the fake runtime, with listeners on
// ephemeral ports and the voice defaults matching the fake catalog.
func testConfig(runtimeURL string) *config.Config {
	cfg := config.Default()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Server.OpsAddr = ""
	cfg.Runtime.BaseURL = runtimeURL
	cfg.LLM.DefaultModel = "qwen3-8b"
	cfg.Voice.STTModel = "whisper-large-v3"
	cfg.Voice.TTSModel = "kokoro"
	cfg.Voice.TTSVoice = "af_heart"
	return cfg
}

type mocks struct {
	stt *sttmock.Provider
	tts *ttsmock.Provider
	llm *llmmock.Provider
}

// newTestApp builds an App with injected providers so no real upstream is
// contacted beyond the fake runtime's catalog endpoints.
func newTestApp(t *testing.T, ctx context.Context, cfg *config.Config, level *slog.LevelVar) (*App, *mocks) {
	t.Helper()
	m := &mocks{
		stt: &sttmock.Provider{
			TranscribeText: "hello there",
			Stream:         sttmock.NewStream("hello there"),
		},
		tts: &ttsmock.Provider{},
		llm: &llmmock.Provider{StreamChunks: []llm.Chunk{
			{Text: "Hi there. "},
			{Text: "All good.", FinishReason: "stop"},
		}},
	}
	a, err := New(ctx, cfg, level,
		WithSTTProvider(m.stt),
		WithTTSProvider(m.tts),
		WithLLMFactory(func(string) (llm.Provider, error) { return m.llm, nil }),
		WithMetrics(observe.DefaultMetrics()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(sctx)
	})
	return a, m
}

// ── construction ──────────────────────────────────────────────────────────

func TestNew_WiresSubsystems(t *testing.T) {
	t.Parallel()
	runtime := fakeRuntime(t)
	a, _ := newTestApp(t, t.Context(), testConfig(runtime.URL), nil)

	if a.Handler() == nil {
		t.Error("Handler() = nil")
	}
	if a.Store() == nil {
		t.Error("Store() = nil")
	}
	if a.orch == nil {
		t.Error("orchestrator not built")
	}
	if a.models == nil {
		t.Error("model catalog client not built")
	}
	if got := len(a.breakers); got != 3 {
		t.Errorf("breakers = %d, want 3 (stt, llm, tts)", got)
	}
	if a.gatewaySrv == nil {
		t.Error("gateway server not built")
	}
	if a.opsSrv != nil {
		t.Error("ops server built despite empty ops_addr")
	}
}

func TestNew_BuildsOpsServer(t *testing.T) {
	t.Parallel()
	runtime := fakeRuntime(t)
	cfg := testConfig(runtime.URL)
	cfg.Server.OpsAddr = "127.0.0.1:0"

	a, _ := newTestApp(t, t.Context(), cfg, nil)
	if a.opsSrv == nil {
		t.Fatal("ops server not built")
	}

	// The ops handler must serve liveness and metrics.
	rec := httptest.NewRecorder()
	a.opsSrv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("GET /healthz = %d, want 200", rec.Code)
	}
	rec = httptest.NewRecorder()
	a.opsSrv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("GET /metrics = %d, want 200", rec.Code)
	}
}

func TestNew_CorrectionNeedsResolvableModel(t *testing.T) {
	t.Parallel()
	runtime := fakeRuntime(t)
	cfg := testConfig(runtime.URL)
	cfg.LLM.DefaultModel = ""
	cfg.LLM.Correction.Enabled = true

	_, err := New(t.Context(), cfg, nil,
		WithSTTProvider(&sttmock.Provider{}),
		WithTTSProvider(&ttsmock.Provider{}),
		WithLLMFactory(func(string) (llm.Provider, error) { return &llmmock.Provider{}, nil }),
		WithMetrics(observe.DefaultMetrics()),
	)
	if err == nil || !strings.Contains(err.Error(), "correction model") {
		t.Fatalf("New with unresolvable correction model: err = %v, want correction model error", err)
	}
}

// ── config mapping ────────────────────────────────────────────────────────

func TestSessionDefaults_MapsVoiceConfig(t *testing.T) {
	t.Parallel()
	v := config.VoiceDefaults{
		STTModel:             "whisper-large-v3",
		Language:             "de",
		TTSModel:             "kokoro",
		TTSVoice:             "af_bella",
		Speed:                1.3,
		Vocabulary:           []string{"Kubernetes", "voxgate"},
		SentenceBoundaryOnly: false,
		EnableThinking:       true,
		DecoderBinary:        "/opt/ffmpeg/bin/ffmpeg",
		BargeIn: config.BargeInDefaults{
			Enabled:     true,
			NoiseFilter: true,
			MinChunks:   5,
		},
		TurnDetection: config.TurnDetectionDefaults{
			Enabled:              true,
			BaseSilence:          config.Duration(300 * time.Millisecond),
			ThinkingSilence:      config.Duration(900 * time.Millisecond),
			MaxSilence:           config.Duration(2 * time.Second),
			MinSpeechForAnalysis: config.Duration(250 * time.Millisecond),
			DisableAnalysis:      true,
		},
		VAD: config.VADDefaults{
			SpeechThreshold:   0.02,
			SilenceDuration:   config.Duration(350 * time.Millisecond),
			MinSpeechDuration: config.Duration(200 * time.Millisecond),
		},
	}

	got := sessionDefaults(v, observe.DefaultMetrics())

	if got.STTModel != "whisper-large-v3" || got.Language != "de" {
		t.Errorf("stt mapping = %q/%q", got.STTModel, got.Language)
	}
	if got.TTSModel != "kokoro" || got.TTSVoice != "af_bella" || got.Speed != 1.3 {
		t.Errorf("tts mapping = %q/%q/%v", got.TTSModel, got.TTSVoice, got.Speed)
	}
	if !got.EnableThinking {
		t.Error("EnableThinking not carried over")
	}
	if !got.BargeInEnabled || !got.BargeInNoiseFilter || got.BargeInMinChunks != 5 {
		t.Errorf("barge-in mapping = %v/%v/%d", got.BargeInEnabled, got.BargeInNoiseFilter, got.BargeInMinChunks)
	}
	if !got.TurnDetection {
		t.Error("TurnDetection not carried over")
	}
	if got.Turn.BaseSilence != 300*time.Millisecond ||
		got.Turn.ThinkingSilence != 900*time.Millisecond ||
		got.Turn.MaxSilence != 2*time.Second ||
		got.Turn.MinSpeechForAnalysis != 250*time.Millisecond ||
		!got.Turn.DisableAnalysis {
		t.Errorf("turn mapping = %+v", got.Turn)
	}
	if got.VAD.SpeechThreshold != 0.02 ||
		got.VAD.SilenceDuration != 350*time.Millisecond ||
		got.VAD.MinSpeechDuration != 200*time.Millisecond {
		t.Errorf("vad mapping = %+v", got.VAD)
	}
	if got.Phrase.SentenceBoundaryOnly {
		t.Error("Phrase.SentenceBoundaryOnly = true, want false from voice defaults")
	}
	if len(got.Vocabulary) != 2 || got.Vocabulary[0] != "Kubernetes" {
		t.Errorf("vocabulary = %v", got.Vocabulary)
	}
	if got.DecoderBinary != "/opt/ffmpeg/bin/ffmpeg" {
		t.Errorf("DecoderBinary = %q", got.DecoderBinary)
	}
	if got.OnDecodeFailure == nil {
		t.Error("OnDecodeFailure not wired")
	}
}

func TestBuildResolver_InheritsRuntimeBase(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Runtime.BaseURL = "http://runtime:8000"
	cfg.LLM.DefaultModel = "assistant"
	cfg.LLM.Models = map[string]config.ModelRoute{
		"assistant": {Model: "qwen3-8b", SystemPrompt: "Be brief."},
		"remote":    {Model: "gpt-4o", BaseURL: "https://api.example.com"},
	}

	r := buildResolver(cfg)

	route, err := r.Resolve("")
	if err != nil {
		t.Fatalf("Resolve default: %v", err)
	}
	if route.Model != "qwen3-8b" || route.BaseURL != "http://runtime:8000" || route.SystemPrompt != "Be brief." {
		t.Errorf("default route = %+v", route)
	}

	route, err = r.Resolve("remote")
	if err != nil {
		t.Fatalf("Resolve remote: %v", err)
	}
	if route.BaseURL != "https://api.example.com" {
		t.Errorf("remote base = %q, want route override", route.BaseURL)
	}

	// Unrouted names pass through against the runtime.
	route, err = r.Resolve("qwen3-32b")
	if err != nil {
		t.Fatalf("Resolve passthrough: %v", err)
	}
	if route.Model != "qwen3-32b" || route.BaseURL != "http://runtime:8000" {
		t.Errorf("passthrough route = %+v", route)
	}
}

// ── hot reload ────────────────────────────────────────────────────────────

// TestApplyReload_AffectsNewSessions reloads the routing table, the voice
// defaults, and the log level, then opens a session and verifies the turn
// uses the reloaded values.
func TestApplyReload_AffectsNewSessions(t *testing.T) {
	t.Parallel()
	runtime := fakeRuntime(t)
	old := testConfig(runtime.URL)
	level := new(slog.LevelVar)

	a, m := newTestApp(t, t.Context(), old, level)

	updated := testConfig(runtime.URL)
	updated.Server.LogLevel = config.LogDebug
	updated.LLM.DefaultModel = "helper"
	updated.LLM.Models = map[string]config.ModelRoute{
		"helper": {Model: "qwen3-8b", SystemPrompt: "Routing reloaded."},
	}
	updated.Voice.TTSVoice = "af_bella"

	a.applyReload(old, updated)

	if level.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug after reload", level.Level())
	}

	// A session opened after the reload resolves the new default route and
	// speaks with the new default voice.
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	ws := dial(t, ctx, srv.URL)

	expectHandshake(t, ctx, ws)
	speech := speechFrame()
	for range 4 {
		writeBinary(t, ctx, ws, speech)
	}
	writeJSON(t, ctx, ws, map[string]any{"type": "end"})
	waitForIdle(t, ctx, ws)

	if m.llm.StreamCallCount() == 0 {
		t.Fatal("no completion request sent")
	}
	msgs := m.llm.StreamCalls[0].Req.Messages
	if len(msgs) == 0 || msgs[0].Role != "system" || msgs[0].Content != "Routing reloaded." {
		t.Errorf("leading message = %+v, want reloaded route prompt", msgs)
	}
	if m.tts.ConnectCount() == 0 {
		t.Fatal("no tts connect")
	}
	if voice := m.tts.ConnectCalls[0].Config.Voice; voice != "af_bella" {
		t.Errorf("tts voice = %q, want af_bella from reloaded defaults", voice)
	}
}

func TestApplyReload_NoChangesIsNoop(t *testing.T) {
	t.Parallel()
	runtime := fakeRuntime(t)
	cfg := testConfig(runtime.URL)
	level := new(slog.LevelVar)

	a, _ := newTestApp(t, t.Context(), cfg, level)

	same := testConfig(runtime.URL)
	a.applyReload(cfg, same)

	if level.Level() != slog.LevelInfo {
		t.Errorf("log level = %v, want unchanged info", level.Level())
	}
}

// ── lifecycle ─────────────────────────────────────────────────────────────

func TestRun_StopsOnContextCancel(t *testing.T) {
	t.Parallel()
	runtime := fakeRuntime(t)
	cfg := testConfig(runtime.URL)
	cfg.Server.OpsAddr = "127.0.0.1:0"
	cfg.Sessions.SweepInterval = config.Duration(10 * time.Millisecond)

	a, _ := newTestApp(t, t.Context(), cfg, nil)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWatchConfig_StopsOnShutdown(t *testing.T) {
	t.Parallel()
	runtime := fakeRuntime(t)
	cfg := testConfig(runtime.URL)

	path := filepath.Join(t.TempDir(), "voxgate.yaml")
	yaml := fmt.Sprintf("runtime:\n  base_url: %q\n", runtime.URL)
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	a, _ := newTestApp(t, t.Context(), cfg, nil)
	if err := a.WatchConfig(path); err != nil {
		t.Fatalf("WatchConfig: %v", err)
	}
	if a.watcher == nil {
		t.Fatal("watcher not retained")
	}

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	if err := a.Shutdown(sctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := a.Shutdown(sctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestWatchConfig_MissingFileFails(t *testing.T) {
	t.Parallel()
	runtime := fakeRuntime(t)
	a, _ := newTestApp(t, t.Context(), testConfig(runtime.URL), nil)

	if err := a.WatchConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("WatchConfig with missing file succeeded")
	}
}

// ── websocket helpers ─────────────────────────────────────────────────────

func dial(t *testing.T, ctx context.Context, baseURL string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(baseURL, "http") + "/v1/acme/support/voice/chat"
	ws, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", u, err)
	}
	t.Cleanup(func() { _ = ws.CloseNow() })
	return ws
}

// speechFrame returns 100 ms of loud 16 kHz s16le PCM.
func speechFrame() []byte {
	frame := make([]byte, 3200)
	for i := 0; i < len(frame); i += 2 {
		frame[i], frame[i+1] = 0x22, 0x11
	}
	return frame
}

func writeBinary(t *testing.T, ctx context.Context, ws *websocket.Conn, pcm []byte) {
	t.Helper()
	if err := ws.Write(ctx, websocket.MessageBinary, pcm); err != nil {
		t.Fatalf("write binary: %v", err)
	}
}

func writeJSON(t *testing.T, ctx context.Context, ws *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write json: %v", err)
	}
}

// readTag reads one frame and flattens it to "type" or "type:detail".
func readTag(t *testing.T, ctx context.Context, ws *websocket.Conn) string {
	t.Helper()
	typ, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if typ == websocket.MessageBinary {
		return "audio"
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal frame %q: %v", data, err)
	}
	kind, _ := m["type"].(string)
	switch kind {
	case "status":
		state, _ := m["state"].(string)
		return "status:" + state
	case "session_info":
		return "session_info"
	default:
		return kind
	}
}

func expectHandshake(t *testing.T, ctx context.Context, ws *websocket.Conn) {
	t.Helper()
	if tag := readTag(t, ctx, ws); tag != "session_info" {
		t.Fatalf("first frame = %s, want session_info", tag)
	}
	if tag := readTag(t, ctx, ws); tag != "status:idle" {
		t.Fatalf("second frame = %s, want status:idle", tag)
	}
}

// waitForIdle drains frames until the turn reports idle again.
func waitForIdle(t *testing.T, ctx context.Context, ws *websocket.Conn) {
	t.Helper()
	for range 256 {
		if readTag(t, ctx, ws) == "status:idle" {
			return
		}
	}
	t.Fatal("no status:idle within 256 frames")
}
