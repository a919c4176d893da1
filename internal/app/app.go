// Package app wires all voxgate subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the gateway and ops listeners until the context is
// cancelled, and Shutdown tears everything down in reverse-init order.
//
// For testing, inject fake providers via functional options (WithSTTProvider,
// WithLLMFactory, etc.). When an option is not provided, New builds real
// OpenAI-compatible providers against the configured runtime.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxgate/internal/audio"
	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/engine"
	"github.com/MrWong99/voxgate/internal/gateway"
	"github.com/MrWong99/voxgate/internal/health"
	"github.com/MrWong99/voxgate/internal/modelinfo"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/phrase"
	"github.com/MrWong99/voxgate/internal/resilience"
	"github.com/MrWong99/voxgate/internal/session"
	"github.com/MrWong99/voxgate/internal/transcript/llmcorrect"
	"github.com/MrWong99/voxgate/internal/turn"
	"github.com/MrWong99/voxgate/pkg/provider/llm"
	llmopenai "github.com/MrWong99/voxgate/pkg/provider/llm/openai"
	"github.com/MrWong99/voxgate/pkg/provider/stt"
	sttopenai "github.com/MrWong99/voxgate/pkg/provider/stt/openai"
	"github.com/MrWong99/voxgate/pkg/provider/tts"
	ttsopenai "github.com/MrWong99/voxgate/pkg/provider/tts/openai"
)

// defaultToolCallPlaceholder is spoken when the model requests a tool and the
// configuration does not override the phrase.
const defaultToolCallPlaceholder = "One moment."

// modelListMaxAge is how stale the cached model list may be before the
// readiness probe refetches it.
const modelListMaxAge = 5 * time.Minute

// App owns all subsystem lifetimes of the voxgate server.
type App struct {
	cfg      *config.Config
	logLevel *slog.LevelVar

	// Injectable provider slots. Nil slots are filled from config in New.
	sttProvider stt.Provider
	ttsProvider tts.Provider
	llmFactory  engine.LLMFactory
	metrics     *observe.Metrics

	// Subsystems, initialised in New, torn down in Shutdown.
	httpc    *http.Client
	models   *modelinfo.Client
	breakers []*resilience.Breaker
	orch     *engine.Orchestrator
	store    *session.Store
	gateway  *gateway.Server
	watcher  *config.Watcher

	gatewaySrv *http.Server
	opsSrv     *http.Server

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSTTProvider injects a transcription provider instead of building one
// against the runtime.
func WithSTTProvider(p stt.Provider) Option {
	return func(a *App) { a.sttProvider = p }
}

// WithTTSProvider injects a synthesis provider instead of building one
// against the runtime.
func WithTTSProvider(p tts.Provider) Option {
	return func(a *App) { a.ttsProvider = p }
}

// WithLLMFactory injects the chat-completion provider factory.
func WithLLMFactory(f engine.LLMFactory) Option {
	return func(a *App) { a.llmFactory = f }
}

// WithMetrics injects a metrics instance. New then skips OpenTelemetry SDK
// setup entirely, so tests do not touch the global providers.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. logLevel is the level
// handle of the process logger; config reloads adjust it in place. A nil
// logLevel disables log-level hot reload.
//
// New performs all initialisation synchronously: telemetry setup, provider
// construction, the model catalog warm-up, and the gateway assembly. The only
// network call is the catalog warm-up, which degrades to a warning when the
// runtime is unreachable.
func New(ctx context.Context, cfg *config.Config, logLevel *slog.LevelVar, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		logLevel: logLevel,
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Observability ─────────────────────────────────────────────────
	if err := a.initObservability(ctx); err != nil {
		return nil, fmt.Errorf("app: init observability: %w", err)
	}

	// ── 2. Shared HTTP client ────────────────────────────────────────────
	a.initHTTPClient()

	// ── 3. Model catalog ─────────────────────────────────────────────────
	a.initModels(ctx)

	// ── 4. Turn engine ───────────────────────────────────────────────────
	if err := a.initEngine(); err != nil {
		return nil, fmt.Errorf("app: init engine: %w", err)
	}

	// ── 5. Session store ─────────────────────────────────────────────────
	a.initStore()

	// ── 6. Gateway ───────────────────────────────────────────────────────
	if err := a.initGateway(); err != nil {
		return nil, fmt.Errorf("app: init gateway: %w", err)
	}

	// ── 7. Listeners ─────────────────────────────────────────────────────
	a.initServers()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initObservability sets up the OTel SDK with the Prometheus bridge and
// creates the metric instruments. Injected metrics skip SDK setup.
func (a *App) initObservability(ctx context.Context) error {
	if a.metrics != nil {
		return nil
	}

	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "voxgate",
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(sctx)
	})

	a.metrics, err = observe.NewMetrics(otel.GetMeterProvider())
	return err
}

// initHTTPClient builds the pooled client shared by all upstream providers.
// There is no overall request timeout: LLM and TTS responses stream for whole
// turns, so deadlines come from the per-call contexts instead.
func (a *App) initHTTPClient() {
	a.httpc = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        64,
			MaxIdleConnsPerHost: 32,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// initModels creates the model catalog client and warms its list cache so the
// first session does not pay the lookup.
func (a *App) initModels(ctx context.Context) {
	a.models = modelinfo.New(a.cfg.Runtime.BaseURL)
	if err := a.models.Refresh(ctx); err != nil {
		slog.Warn("model catalog unavailable, tts validation degrades to accept-all",
			"runtime", a.cfg.Runtime.BaseURL,
			"err", err)
	}
}

// initEngine builds the upstream providers, their circuit breakers, the
// optional transcript corrector, and the turn orchestrator.
func (a *App) initEngine() error {
	base := a.cfg.Runtime.BaseURL

	if a.sttProvider == nil {
		p, err := sttopenai.New(base,
			sttopenai.WithModel(a.cfg.Voice.STTModel),
			sttopenai.WithLanguage(a.cfg.Voice.Language),
			sttopenai.WithHTTPClient(a.httpc),
		)
		if err != nil {
			return fmt.Errorf("stt provider: %w", err)
		}
		a.sttProvider = p
	}

	if a.ttsProvider == nil {
		p, err := ttsopenai.New(base,
			ttsopenai.WithModel(a.cfg.Voice.TTSModel),
			ttsopenai.WithVoice(a.cfg.Voice.TTSVoice),
			ttsopenai.WithHTTPClient(a.httpc),
		)
		if err != nil {
			return fmt.Errorf("tts provider: %w", err)
		}
		a.ttsProvider = p
	}

	if a.llmFactory == nil {
		a.llmFactory = a.newLLMFactory()
	}

	// The breakers log their own transitions; the hook only feeds the metric.
	onChange := func(name string, _, to resilience.State) {
		a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
	}
	sttBreaker := resilience.New(resilience.Config{Name: "stt", OnStateChange: onChange})
	llmBreaker := resilience.New(resilience.Config{Name: "llm", OnStateChange: onChange})
	ttsBreaker := resilience.New(resilience.Config{Name: "tts", OnStateChange: onChange})
	a.breakers = []*resilience.Breaker{sttBreaker, llmBreaker, ttsBreaker}

	corrector, err := a.buildCorrector()
	if err != nil {
		return err
	}

	placeholder := defaultToolCallPlaceholder
	if p := a.cfg.Voice.ToolCallPlaceholder; p != nil {
		placeholder = *p
	}

	orch, err := engine.New(engine.Config{
		STT:                 a.sttProvider,
		TTS:                 a.ttsProvider,
		LLM:                 a.llmFactory,
		STTBreaker:          sttBreaker,
		LLMBreaker:          llmBreaker,
		TTSBreaker:          ttsBreaker,
		LLMCorrector:        corrector,
		ToolCallPlaceholder: placeholder,
		HTTPClient:          a.httpc,
		Metrics:             a.metrics,
	})
	if err != nil {
		return err
	}
	a.orch = orch
	return nil
}

// newLLMFactory returns a factory that builds one chat-completion provider
// per base URL, all sharing the pooled HTTP client.
func (a *App) newLLMFactory() engine.LLMFactory {
	var mu sync.Mutex
	cache := make(map[string]llm.Provider)

	return func(baseURL string) (llm.Provider, error) {
		mu.Lock()
		defer mu.Unlock()
		if p, ok := cache[baseURL]; ok {
			return p, nil
		}
		p, err := llmopenai.New(baseURL, llmopenai.WithHTTPClient(a.httpc))
		if err != nil {
			return nil, err
		}
		cache[baseURL] = p
		return p, nil
	}
}

// buildCorrector assembles the LLM transcript corrector when the correction
// stage is enabled. The correction model is a logical name and resolves
// through the same routing table as session models.
func (a *App) buildCorrector() (*llmcorrect.Corrector, error) {
	if !a.cfg.LLM.Correction.Enabled {
		return nil, nil
	}

	name := a.cfg.LLM.Correction.Model
	if name == "" {
		name = a.cfg.LLM.DefaultModel
	}
	route, err := buildResolver(a.cfg).Resolve(name)
	if err != nil {
		return nil, fmt.Errorf("correction model: %w", err)
	}

	provider, err := a.llmFactory(route.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("correction provider: %w", err)
	}

	slog.Info("transcript correction enabled",
		"model", route.Model,
		"base_url", route.BaseURL)
	return llmcorrect.New(provider, llmcorrect.WithModel(route.Model)), nil
}

// initStore builds the session store. Evicted sessions release their TTS
// stream so the synthesis backend is not left holding dead connections.
func (a *App) initStore() {
	a.store = session.NewStore(session.StoreConfig{
		Capacity: a.cfg.Sessions.Capacity,
		TTL:      a.cfg.Sessions.TTL.Std(),
		OnEvict: func(sess *session.Session) {
			if err := sess.CloseTTSStream(); err != nil {
				slog.Debug("evicted session tts stream close", "session_id", sess.ID, "err", err)
			}
		},
	})
}

// initGateway assembles the WebSocket gateway from the engine, store,
// catalog, and config-derived session defaults.
func (a *App) initGateway() error {
	gw, err := gateway.New(gateway.Config{
		Store:    a.store,
		Orch:     a.orch,
		STT:      a.sttProvider,
		Models:   a.models,
		Resolver: buildResolver(a.cfg),
		Defaults: sessionDefaults(a.cfg.Voice, a.metrics),
		Metrics:  a.metrics,
	})
	if err != nil {
		return err
	}
	a.gateway = gw
	return nil
}

// initServers builds the HTTP servers for the gateway and, when an ops
// address is configured, the operational listener.
func (a *App) initServers() {
	// WebSocket sessions are long-lived, so only the header read is bounded.
	a.gatewaySrv = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.gateway.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if a.cfg.Server.OpsAddr == "" {
		return
	}

	mux := http.NewServeMux()
	health.New(
		health.ModelListCheck(a.models, modelListMaxAge),
		health.BreakerCheck(a.breakers...),
	).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	a.opsSrv = &http.Server{
		Addr:              a.cfg.Server.OpsAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ─── Config mapping ──────────────────────────────────────────────────────────

// buildResolver converts the configured routing table into the gateway's
// model resolver. Routes without their own base URL inherit the runtime.
func buildResolver(cfg *config.Config) *modelinfo.Resolver {
	routes := make(map[string]modelinfo.Route, len(cfg.LLM.Models))
	for name, r := range cfg.LLM.Models {
		routes[name] = modelinfo.Route{
			Model:        r.Model,
			BaseURL:      r.BaseURL,
			SystemPrompt: r.SystemPrompt,
			Overrides:    r.Overrides,
		}
	}
	return modelinfo.NewResolver(cfg.Runtime.BaseURL, cfg.LLM.DefaultModel, routes)
}

// sessionDefaults converts the configured voice defaults into the session
// configuration handed to every new session before query parameters apply.
func sessionDefaults(v config.VoiceDefaults, m *observe.Metrics) session.Config {
	phraseCfg := phrase.DefaultConfig()
	phraseCfg.SentenceBoundaryOnly = v.SentenceBoundaryOnly

	return session.Config{
		STTModel:           v.STTModel,
		Language:           v.Language,
		TTSModel:           v.TTSModel,
		TTSVoice:           v.TTSVoice,
		Speed:              v.Speed,
		EnableThinking:     v.EnableThinking,
		BargeInEnabled:     v.BargeIn.Enabled,
		BargeInNoiseFilter: v.BargeIn.NoiseFilter,
		BargeInMinChunks:   v.BargeIn.MinChunks,
		TurnDetection:      v.TurnDetection.Enabled,
		Turn: turn.Config{
			BaseSilence:          v.TurnDetection.BaseSilence.Std(),
			ThinkingSilence:      v.TurnDetection.ThinkingSilence.Std(),
			MaxSilence:           v.TurnDetection.MaxSilence.Std(),
			MinSpeechForAnalysis: v.TurnDetection.MinSpeechForAnalysis.Std(),
			DisableAnalysis:      v.TurnDetection.DisableAnalysis,
		},
		VAD: audio.VADConfig{
			SpeechThreshold:   v.VAD.SpeechThreshold,
			SilenceDuration:   v.VAD.SilenceDuration.Std(),
			MinSpeechDuration: v.VAD.MinSpeechDuration.Std(),
		},
		Phrase:        phraseCfg,
		Vocabulary:    slices.Clone(v.Vocabulary),
		DecoderBinary: v.DecoderBinary,
		OnDecodeFailure: func(reason string) {
			m.RecordDecodeFailure(context.Background(), reason)
		},
	}
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// WatchConfig starts the config file watcher. Hot-reloadable changes (log
// level, voice defaults, model routes) apply to new sessions; everything else
// keeps its boot value until a restart.
func (a *App) WatchConfig(path string) error {
	w, err := config.NewWatcher(path, a.applyReload)
	if err != nil {
		return err
	}
	a.watcher = w
	a.closers = append(a.closers, func() error {
		w.Stop()
		return nil
	})
	return nil
}

// applyReload pushes the hot-reloadable diff into the running subsystems.
// Live sessions keep the configuration they resolved at session start.
func (a *App) applyReload(old, new *config.Config) {
	ch := config.Diff(old, new)
	if !ch.Any() {
		slog.Info("config file changed, no hot-reloadable differences")
		return
	}

	if ch.LogLevelChanged {
		if a.logLevel != nil {
			a.logLevel.Set(ch.NewLogLevel.Level())
		}
		slog.Info("log level changed", "level", ch.NewLogLevel)
	}

	if ch.VoiceChanged {
		a.gateway.SetDefaults(sessionDefaults(new.Voice, a.metrics))
		slog.Info("voice defaults reloaded, apply to new sessions")
	}

	if ch.RoutesChanged {
		a.gateway.SetResolver(buildResolver(new))
		slog.Info("model routes reloaded",
			"default_model", new.LLM.DefaultModel,
			"routes", len(new.LLM.Models))
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the gateway and ops listeners and blocks until ctx is cancelled
// or a listener fails. The session janitor sweeps idle sessions for the life
// of Run. On cancellation the listeners are drained gracefully; upgraded
// WebSocket connections are not waited for, they end with the process.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.store.Janitor(ctx, a.cfg.Sessions.SweepInterval.Std())
		return nil
	})

	g.Go(func() error {
		slog.Info("voice gateway listening",
			"addr", a.gatewaySrv.Addr,
			"tls", a.cfg.Server.TLS != nil)
		var err error
		if t := a.cfg.Server.TLS; t != nil {
			err = a.gatewaySrv.ListenAndServeTLS(t.CertFile, t.KeyFile)
		} else {
			err = a.gatewaySrv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("gateway listener: %w", err)
	})

	if a.opsSrv != nil {
		g.Go(func() error {
			slog.Info("ops listener serving /metrics, /healthz, /readyz",
				"addr", a.opsSrv.Addr)
			if err := a.opsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("ops listener: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if a.opsSrv != nil {
			_ = a.opsSrv.Shutdown(sctx)
		}
		_ = a.gatewaySrv.Shutdown(sctx)
		return ctx.Err()
	})

	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down the remaining subsystems in reverse-init order: the
// config watcher stops before the telemetry flush. The listeners are already
// drained by Run. Shutdown respects the context deadline; once ctx expires,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler exposes the gateway's HTTP handler for tests that serve it through
// httptest instead of Run's listeners.
func (a *App) Handler() http.Handler {
	return a.gateway.Handler()
}

// Store exposes the session store for tests.
func (a *App) Store() *session.Store {
	return a.store
}
