package session

import (
	"github.com/MrWong99/voxgate/internal/audio"
	"github.com/MrWong99/voxgate/internal/phrase"
	"github.com/MrWong99/voxgate/internal/turn"
)

// Default barge-in behaviour.
const (
	// DefaultBargeInMinChunks is the number of consecutive speech chunks
	// required during SPEAKING before the noise filter accepts a barge-in.
	DefaultBargeInMinChunks = 3

	// DefaultSpeed is the TTS speed multiplier.
	DefaultSpeed = 1.0
)

// Config is the resolved per-session configuration. The gateway builds it
// from gateway defaults, project settings, and query parameters at session
// start; afterwards it changes only through explicit reconfigure frames.
type Config struct {
	// STTModel and Language select the transcription backend behaviour.
	STTModel string
	Language string

	// TTSModel, TTSVoice, and Speed select the synthesis backend behaviour.
	// Speed is clamped to [0.5, 2.0] by the gateway.
	TTSModel string
	TTSVoice string
	Speed    float64

	// LLMModel is the logical model name requested by the client or the
	// project configuration. LLMBaseURL and LLMModelID are the resolved
	// runtime target. LLMOverrides is merged into the request body verbatim.
	LLMModel     string
	LLMBaseURL   string
	LLMModelID   string
	LLMOverrides map[string]any

	// SystemPrompt is the sanitized query-parameter prompt, injected once
	// after the model-config prompts when the session is created.
	SystemPrompt string

	// EnableThinking leaves model reasoning on. Voice sessions default this
	// off; thinking adds seconds of dead air before the first phrase.
	EnableThinking bool

	// UseNativeAudio sends audio directly to the LLM, skipping STT.
	UseNativeAudio bool

	// BargeInEnabled turns barge-in detection on during SPEAKING.
	// BargeInNoiseFilter requires BargeInMinChunks consecutive speech chunks
	// before triggering; without it the first speech chunk triggers.
	BargeInEnabled     bool
	BargeInNoiseFilter bool
	BargeInMinChunks   int

	// TurnDetection enables the end-of-turn arbiter. When false, only the
	// VAD's static silence threshold and explicit end frames end a turn.
	TurnDetection bool

	// Turn, VAD, and Phrase tune the detectors owned by the session and the
	// per-turn phrase splitter.
	Turn   turn.Config
	VAD    audio.VADConfig
	Phrase phrase.Config

	// Vocabulary is the list of domain terms the transcript corrector may
	// substitute into STT output. Empty disables correction.
	Vocabulary []string

	// DecoderBinary overrides the helper decoder executable. Empty uses the
	// decoder default.
	DecoderBinary string

	// OnDecodeFailure is invoked once per failed decode step with the
	// classified reason. The app wires this into the decode failure counter.
	OnDecodeFailure func(reason string)
}

// DefaultConfig returns the gateway defaults: barge-in on with the noise
// filter, turn detection on, sentence-boundary-only phrasing.
func DefaultConfig() Config {
	return Config{
		Speed:              DefaultSpeed,
		BargeInEnabled:     true,
		BargeInNoiseFilter: true,
		BargeInMinChunks:   DefaultBargeInMinChunks,
		TurnDetection:      true,
		Phrase:             phrase.DefaultConfig(),
	}
}

// withDefaults normalizes the fields the session reads directly. Detector
// configs keep their own zero-value handling.
func (c Config) withDefaults() Config {
	if c.Speed <= 0 {
		c.Speed = DefaultSpeed
	}
	if c.BargeInMinChunks <= 0 {
		c.BargeInMinChunks = DefaultBargeInMinChunks
	}
	if c.VAD.SpeechThreshold <= 0 {
		c.VAD.SpeechThreshold = audio.DefaultSpeechThreshold
	}
	return c
}
