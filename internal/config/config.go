// Package config provides the configuration schema, loader, and file watcher
// for the voxgate server.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the voxgate server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to its slog equivalent. Unrecognised values map to info,
// matching the default. LogLevel therefore satisfies [slog.Leveler].
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Duration wraps time.Duration so YAML values can be written as strings like
// "400ms" or "2.5s".
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("config: duration must be a string like \"400ms\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: parse duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the root configuration structure for voxgate.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig  `yaml:"server"`
	Runtime  RuntimeConfig `yaml:"runtime"`
	LLM      LLMConfig     `yaml:"llm"`
	Voice    VoiceDefaults `yaml:"voice"`
	Sessions SessionLimits `yaml:"sessions"`
}

// ServerConfig holds network and logging settings for the voxgate server.
type ServerConfig struct {
	// ListenAddr is the TCP address the voice gateway listens on.
	ListenAddr string `yaml:"listen_addr"`

	// OpsAddr is the TCP address of the operational listener serving
	// /metrics, /healthz, and /readyz. Empty disables the ops listener.
	OpsAddr string `yaml:"ops_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the gateway. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// RuntimeConfig points at the OpenAI-compatible inference runtime that hosts
// the STT, TTS, and (by default) LLM endpoints.
type RuntimeConfig struct {
	// BaseURL is the runtime's root address (e.g. "http://127.0.0.1:8000").
	// STT, TTS, the model catalog, and LLM routes without their own base_url
	// all resolve against it.
	BaseURL string `yaml:"base_url"`
}

// LLMConfig holds the logical-model routing table and the optional
// LLM-assisted transcript correction stage.
type LLMConfig struct {
	// DefaultModel serves sessions that do not request a model. Empty means
	// clients must pass llm_model explicitly or be rejected.
	DefaultModel string `yaml:"default_model"`

	// Models maps logical model names (the values clients pass as llm_model)
	// to runtime targets. Names not present here pass through verbatim
	// against the runtime base URL.
	Models map[string]ModelRoute `yaml:"models"`

	// Correction configures the LLM transcript correction stage that runs
	// after phonetic vocabulary matching on final transcripts.
	Correction CorrectionConfig `yaml:"correction"`
}

// ModelRoute is one entry in the logical-model routing table.
type ModelRoute struct {
	// Model is the model id sent to the runtime. Required.
	Model string `yaml:"model"`

	// BaseURL overrides the runtime base URL for this route. Empty inherits
	// runtime.base_url.
	BaseURL string `yaml:"base_url"`

	// SystemPrompt is injected as the leading system message of every new
	// session routed to this model.
	SystemPrompt string `yaml:"system_prompt"`

	// Overrides is merged verbatim into every chat completion request body
	// (e.g. temperature, max_tokens, enable_thinking).
	Overrides map[string]any `yaml:"overrides"`
}

// CorrectionConfig enables the LLM transcript corrector.
type CorrectionConfig struct {
	Enabled bool `yaml:"enabled"`

	// Model is the logical model used for correction requests. Empty falls
	// back to llm.default_model.
	Model string `yaml:"model"`
}

// VoiceDefaults are the per-session defaults handed to every new session.
// Query parameters and per-session config frames override them; sessions
// created before a config reload keep the values they started with.
type VoiceDefaults struct {
	// STTModel and Language select transcription behaviour.
	STTModel string `yaml:"stt_model"`
	Language string `yaml:"language"`

	// TTSModel, TTSVoice, and Speed select synthesis behaviour. Speed must
	// lie in [0.5, 2.0].
	TTSModel string  `yaml:"tts_model"`
	TTSVoice string  `yaml:"tts_voice"`
	Speed    float64 `yaml:"speed"`

	// Vocabulary lists domain terms the transcript corrector may substitute
	// into STT output. Clients extend it per session via the vocabulary
	// query parameter.
	Vocabulary []string `yaml:"vocabulary"`

	// SentenceBoundaryOnly restricts phrase splitting to sentence-final
	// punctuation; punctuation like commas and semicolons stops counting as
	// a phrase boundary.
	SentenceBoundaryOnly bool `yaml:"sentence_boundary_only"`

	// EnableThinking leaves model reasoning on. Off by default: thinking
	// adds seconds of dead air before the first spoken phrase.
	EnableThinking bool `yaml:"enable_thinking"`

	// ToolCallPlaceholder is spoken once per turn when the model calls a
	// tool. Unset uses the built-in phrase; an explicit empty string
	// disables the spoken placeholder.
	ToolCallPlaceholder *string `yaml:"tool_call_placeholder"`

	// DecoderBinary overrides the helper decoder executable. Empty uses the
	// decoder's default (ffmpeg on PATH).
	DecoderBinary string `yaml:"decoder_binary"`

	BargeIn       BargeInDefaults       `yaml:"barge_in"`
	TurnDetection TurnDetectionDefaults `yaml:"turn_detection"`
	VAD           VADDefaults           `yaml:"vad"`
}

// BargeInDefaults tunes barge-in detection during assistant speech.
type BargeInDefaults struct {
	Enabled bool `yaml:"enabled"`

	// NoiseFilter requires MinChunks consecutive speech chunks before a
	// barge-in triggers; without it the first speech chunk interrupts.
	NoiseFilter bool `yaml:"noise_filter"`
	MinChunks   int  `yaml:"min_chunks"`
}

// TurnDetectionDefaults tunes the end-of-turn arbiter.
type TurnDetectionDefaults struct {
	Enabled bool `yaml:"enabled"`

	// BaseSilence ends a turn after a complete-sounding utterance,
	// ThinkingSilence after an incomplete-sounding one. MaxSilence caps the
	// wait regardless of analysis.
	BaseSilence     Duration `yaml:"base_silence"`
	ThinkingSilence Duration `yaml:"thinking_silence"`
	MaxSilence      Duration `yaml:"max_silence"`

	// MinSpeechForAnalysis gates completeness analysis; shorter utterances
	// use the base silence window.
	MinSpeechForAnalysis Duration `yaml:"min_speech_for_analysis"`

	// DisableAnalysis turns off completeness analysis entirely.
	DisableAnalysis bool `yaml:"disable_analysis"`
}

// VADDefaults tunes the energy-based voice activity detector.
type VADDefaults struct {
	// SpeechThreshold is the normalised RMS energy above which a chunk
	// counts as speech.
	SpeechThreshold float64 `yaml:"speech_threshold"`

	SilenceDuration   Duration `yaml:"silence_duration"`
	MinSpeechDuration Duration `yaml:"min_speech_duration"`
}

// SessionLimits bounds the in-memory session store.
type SessionLimits struct {
	// Capacity is the maximum number of live sessions; creating one past the
	// cap evicts the oldest.
	Capacity int `yaml:"capacity"`

	// TTL evicts sessions untouched for this long.
	TTL Duration `yaml:"ttl"`

	// SweepInterval is how often the janitor scans for expired sessions.
	SweepInterval Duration `yaml:"sweep_interval"`
}

// Default returns a runnable configuration: a local runtime on port 8000,
// barge-in and turn detection on, and no model routing table. [LoadFromReader]
// decodes on top of it, so absent YAML fields keep these values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			OpsAddr:    ":9090",
			LogLevel:   LogInfo,
		},
		Runtime: RuntimeConfig{
			BaseURL: "http://127.0.0.1:8000",
		},
		Voice: VoiceDefaults{
			Speed:                1.0,
			SentenceBoundaryOnly: true,
			BargeIn: BargeInDefaults{
				Enabled:     true,
				NoiseFilter: true,
				MinChunks:   3,
			},
			TurnDetection: TurnDetectionDefaults{
				Enabled:              true,
				BaseSilence:          Duration(400 * time.Millisecond),
				ThinkingSilence:      Duration(1200 * time.Millisecond),
				MaxSilence:           Duration(2500 * time.Millisecond),
				MinSpeechForAnalysis: Duration(500 * time.Millisecond),
			},
			VAD: VADDefaults{
				SpeechThreshold:   0.015,
				SilenceDuration:   Duration(400 * time.Millisecond),
				MinSpeechDuration: Duration(250 * time.Millisecond),
			},
		},
		Sessions: SessionLimits{
			Capacity:      100,
			TTL:           Duration(30 * time.Minute),
			SweepInterval: Duration(time.Minute),
		},
	}
}
