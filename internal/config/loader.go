package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Gateway-enforced bounds, restated here so a bad config fails at load time
// instead of silently clamping per session.
const (
	minSpeed = 0.5
	maxSpeed = 2.0

	maxVocabularyTerms   = 100
	maxVocabularyTermLen = 64
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result: fields absent from the document keep their default
// values. Unknown fields are rejected. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found and logs warnings for
// suspicious but workable settings.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Runtime
	if cfg.Runtime.BaseURL == "" {
		errs = append(errs, errors.New("runtime.base_url is required"))
	}

	// LLM routing
	if cfg.LLM.DefaultModel == "" && len(cfg.LLM.Models) == 0 {
		slog.Warn("no llm.default_model and no llm.models configured; sessions must pass llm_model or be rejected")
	}
	for name, route := range cfg.LLM.Models {
		prefix := fmt.Sprintf("llm.models[%q]", name)
		if name == "" {
			errs = append(errs, errors.New("llm.models contains an entry with an empty name"))
		}
		if route.Model == "" {
			errs = append(errs, fmt.Errorf("%s.model is required", prefix))
		}
	}
	if cfg.LLM.Correction.Enabled && cfg.LLM.Correction.Model == "" && cfg.LLM.DefaultModel == "" {
		errs = append(errs, errors.New("llm.correction.enabled requires llm.correction.model or llm.default_model"))
	}

	// Voice defaults
	if s := cfg.Voice.Speed; s != 0 && (s < minSpeed || s > maxSpeed) {
		errs = append(errs, fmt.Errorf("voice.speed %.2f is out of range [%.1f, %.1f]", s, minSpeed, maxSpeed))
	}
	if cfg.Voice.STTModel == "" {
		slog.Warn("voice.stt_model is empty; the runtime's default transcription model will be used")
	}
	if cfg.Voice.TTSModel == "" {
		slog.Warn("voice.tts_model is empty; sessions without an explicit tts_model cannot speak")
	}
	if n := cfg.Voice.BargeIn.MinChunks; n < 0 {
		errs = append(errs, fmt.Errorf("voice.barge_in.min_chunks %d is negative", n))
	}
	if th := cfg.Voice.VAD.SpeechThreshold; th < 0 || th > 1 {
		errs = append(errs, fmt.Errorf("voice.vad.speech_threshold %.3f is out of range [0, 1]", th))
	}
	errs = append(errs, validateDurations(map[string]Duration{
		"voice.turn_detection.base_silence":            cfg.Voice.TurnDetection.BaseSilence,
		"voice.turn_detection.thinking_silence":        cfg.Voice.TurnDetection.ThinkingSilence,
		"voice.turn_detection.max_silence":             cfg.Voice.TurnDetection.MaxSilence,
		"voice.turn_detection.min_speech_for_analysis": cfg.Voice.TurnDetection.MinSpeechForAnalysis,
		"voice.vad.silence_duration":                   cfg.Voice.VAD.SilenceDuration,
		"voice.vad.min_speech_duration":                cfg.Voice.VAD.MinSpeechDuration,
		"sessions.ttl":                                 cfg.Sessions.TTL,
		"sessions.sweep_interval":                      cfg.Sessions.SweepInterval,
	})...)
	if td := cfg.Voice.TurnDetection; td.MaxSilence > 0 && td.MaxSilence < td.BaseSilence {
		slog.Warn("voice.turn_detection.max_silence is below base_silence; the cap wins",
			"max_silence", td.MaxSilence.Std(),
			"base_silence", td.BaseSilence.Std(),
		)
	}
	validateVocabulary(cfg.Voice.Vocabulary)

	// Sessions
	if cfg.Sessions.Capacity < 0 {
		errs = append(errs, fmt.Errorf("sessions.capacity %d is negative", cfg.Sessions.Capacity))
	}

	return errors.Join(errs...)
}

// validateDurations rejects negative durations; zero means "use the built-in
// default" and passes.
func validateDurations(fields map[string]Duration) []error {
	var errs []error
	for name, d := range fields {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s %s is negative", name, time.Duration(d)))
		}
	}
	return errs
}

// validateVocabulary warns about terms the gateway will drop at merge time.
func validateVocabulary(terms []string) {
	if len(terms) > maxVocabularyTerms {
		slog.Warn("voice.vocabulary exceeds the per-session term cap; extra terms are dropped",
			"terms", len(terms),
			"cap", maxVocabularyTerms,
		)
	}
	for _, term := range terms {
		if len(term) > maxVocabularyTermLen {
			slog.Warn("voice.vocabulary term exceeds the length cap and is dropped",
				"term_len", len(term),
				"cap", maxVocabularyTermLen,
			)
		}
	}
}
