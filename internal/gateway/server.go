// Package gateway terminates client WebSocket connections and adapts them to
// the turn engine: query parameters become session configuration, binary
// frames become utterance audio, engine events become protocol messages.
//
// The wire protocol is one JSON object per text frame plus binary frames for
// audio in both directions: encoded or raw PCM microphone audio inbound,
// 24 kHz s16le mono PCM synthesis outbound.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/voxgate/internal/engine"
	"github.com/MrWong99/voxgate/internal/modelinfo"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/session"
	"github.com/MrWong99/voxgate/pkg/provider/llm"
	"github.com/MrWong99/voxgate/pkg/provider/stt"
)

// maxFrameBytes bounds one inbound WebSocket frame.
const maxFrameBytes = 1 << 20

// Orchestrator runs voice turns against the upstream providers. Implemented
// by [engine.Orchestrator].
type Orchestrator interface {
	ProcessTurn(ctx context.Context, sess *session.Session, em engine.Emitter, pcm []byte)
	ProcessTurnNativeAudio(ctx context.Context, sess *session.Session, em engine.Emitter, pcm []byte)
	HandleInterrupt(ctx context.Context, sess *session.Session, em engine.Emitter, source string)
	PreWarm(ctx context.Context, sess *session.Session)
}

// Config assembles a [Server]'s dependencies.
type Config struct {
	// Store owns session lifecycle and resume.
	Store *session.Store

	// Orch runs voice turns.
	Orch Orchestrator

	// STT serves the advisory partial transcriptions issued during the
	// silence window. Usually the same provider the engine transcribes with.
	STT stt.Provider

	// Models validates TTS model and voice selections and answers
	// native-audio capability checks.
	Models *modelinfo.Client

	// Resolver maps logical LLM model names to runtime targets.
	Resolver *modelinfo.Resolver

	// Defaults seeds session configuration before query parameters are
	// applied. A zero Speed marks the whole value unset and falls back to
	// [session.DefaultConfig].
	Defaults session.Config

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Server is the voice chat WebSocket endpoint.
type Server struct {
	store   *session.Store
	orch    Orchestrator
	stt     stt.Provider
	models  *modelinfo.Client
	metrics *observe.Metrics

	mu       sync.RWMutex
	defaults session.Config
	resolver *modelinfo.Resolver
}

// New validates cfg and builds a [Server].
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("gateway: session store is required")
	}
	if cfg.Orch == nil {
		return nil, errors.New("gateway: orchestrator is required")
	}
	if cfg.STT == nil {
		return nil, errors.New("gateway: stt provider is required")
	}
	if cfg.Models == nil {
		return nil, errors.New("gateway: model catalog client is required")
	}
	if cfg.Resolver == nil {
		return nil, errors.New("gateway: model resolver is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Defaults.Speed == 0 {
		cfg.Defaults = session.DefaultConfig()
	}
	return &Server{
		store:    cfg.Store,
		orch:     cfg.Orch,
		stt:      cfg.STT,
		models:   cfg.Models,
		resolver: cfg.Resolver,
		metrics:  cfg.Metrics,
		defaults: cfg.Defaults,
	}, nil
}

// SetDefaults replaces the gateway default session configuration. Applies to
// sessions created afterwards; live sessions keep their configuration.
func (s *Server) SetDefaults(cfg session.Config) {
	s.mu.Lock()
	s.defaults = cfg
	s.mu.Unlock()
}

func (s *Server) defaultsSnapshot() session.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaults
}

// SetResolver replaces the logical-model routing table. New handshakes and
// connections resolve against the new table; established connections keep
// the resolver they started with.
func (s *Server) SetResolver(r *modelinfo.Resolver) {
	if r == nil {
		return
	}
	s.mu.Lock()
	s.resolver = r
	s.mu.Unlock()
}

func (s *Server) resolverSnapshot() *modelinfo.Resolver {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolver
}

// Handler returns the gateway's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/{namespace}/{project}/voice/chat", s.handleVoiceChat)
	return mux
}

// handleVoiceChat upgrades the request and serves the session until the
// client goes away. Parameter validation happens after the upgrade so
// failures reach the client as protocol errors rather than HTTP statuses.
func (s *Server) handleVoiceChat(w http.ResponseWriter, r *http.Request) {
	namespace := r.PathValue("namespace")
	project := r.PathValue("project")

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Debug("gateway: websocket accept failed", "error", err)
		return
	}
	defer ws.CloseNow()
	ws.SetReadLimit(maxFrameBytes)

	ctx := r.Context()

	hs, err := parseHandshake(r.URL.Query(), s.defaultsSnapshot())
	if err != nil {
		reject(ctx, ws, err.Error())
		return
	}
	cfg, prompts, err := s.resolveRoute(ctx, hs)
	if err != nil {
		reject(ctx, ws, err.Error())
		return
	}

	id := hs.sessionID
	if id == "" {
		id = uuid.NewString()
	}
	sess, created := s.store.GetOrCreate(id, cfg)
	if created {
		for _, p := range prompts {
			sess.AppendHistory(llm.Message{Role: "system", Content: p})
		}
	}

	slog.Info("gateway: session connected",
		"session_id", sess.ID,
		"namespace", namespace,
		"project", project,
		"resumed", !created,
		"llm_model", cfg.LLMModelID,
		"native_audio", cfg.UseNativeAudio)

	s.metrics.ActiveSessions.Add(ctx, 1)
	defer s.metrics.ActiveSessions.Add(ctx, -1)

	s.newConn(ctx, ws, sess).run()

	slog.Info("gateway: session closed", "session_id", sess.ID)
}

func (s *Server) newConn(ctx context.Context, ws *websocket.Conn, sess *session.Session) *wsConn {
	ctx, cancel := context.WithCancel(ctx)
	return &wsConn{
		ws:       ws,
		sess:     sess,
		orch:     s.orch,
		stt:      s.stt,
		models:   s.models,
		resolver: s.resolverSnapshot(),
		ctx:      ctx,
		cancel:   cancel,
		out:      make(chan outFrame, outboundQueue),
	}
}

// resolveRoute turns the logical model selections of a handshake into a
// runnable session configuration plus the system prompts a fresh session
// starts with. Returned errors are safe to send to the client.
func (s *Server) resolveRoute(ctx context.Context, hs handshake) (session.Config, []string, error) {
	route, err := s.resolverSnapshot().Resolve(hs.llmModel)
	if err != nil {
		return session.Config{}, nil, err
	}
	cfg := hs.cfg
	cfg.LLMModel = hs.llmModel
	cfg.LLMBaseURL = route.BaseURL
	cfg.LLMModelID = route.Model
	cfg.LLMOverrides = route.Overrides

	if cfg.TTSModel != "" {
		if err := s.models.ValidateTTS(ctx, cfg.TTSModel, cfg.TTSVoice); err != nil {
			return session.Config{}, nil, err
		}
	}
	cfg.UseNativeAudio = s.models.NativeAudio(ctx, route.Model)

	var prompts []string
	if route.SystemPrompt != "" {
		prompts = append(prompts, route.SystemPrompt)
	}
	if cfg.SystemPrompt != "" {
		prompts = append(prompts, cfg.SystemPrompt)
	}
	return cfg, prompts, nil
}

// reject answers a failed handshake: one error message, then a policy
// violation close.
func reject(ctx context.Context, ws *websocket.Conn, msg string) {
	slog.Info("gateway: handshake rejected", "reason", msg)
	wctx, cancel := context.WithTimeout(ctx, closeGrace)
	defer cancel()
	_ = writeJSON(wctx, ws, errorMsg{Type: "error", Message: msg})
	_ = ws.Close(websocket.StatusPolicyViolation, closeReason(msg))
}

// closeReason fits a message into the close-frame reason limit.
func closeReason(s string) string {
	const maxReasonBytes = 123
	return truncateUTF8(s, maxReasonBytes)
}
