package audio

import (
	"time"

	pkgaudio "github.com/MrWong99/voxgate/pkg/audio"
)

// VADState is the current phase of the voice activity detector.
type VADState int

const (
	// VADIdle means no speech has been observed since the last reset.
	VADIdle VADState = iota

	// VADSpeaking means the detector is inside an utterance.
	VADSpeaking

	// VADSilence means speech was observed and the detector is counting
	// trailing silence to decide whether the utterance has ended.
	VADSilence
)

// String returns the lowercase state name.
func (s VADState) String() string {
	switch s {
	case VADSpeaking:
		return "speaking"
	case VADSilence:
		return "silence"
	default:
		return "idle"
	}
}

// energyHistorySize bounds the rolling energy history kept for diagnostics.
const energyHistorySize = 50

// Default VAD tuning, shared with the barge-in detector.
const (
	DefaultSpeechThreshold   = 0.015
	DefaultSilenceDuration   = 400 * time.Millisecond
	DefaultMinSpeechDuration = 250 * time.Millisecond
	DefaultSampleRate        = 16000
)

// VADConfig holds the tuning knobs of the energy detector. Zero values are
// replaced with defaults by NewVAD.
type VADConfig struct {
	// SpeechThreshold is the normalised RMS energy above which a chunk
	// counts as speech. Default: 0.015.
	SpeechThreshold float64

	// SilenceDuration is the trailing silence that ends an utterance when
	// no dynamic threshold is supplied. Default: 400ms.
	SilenceDuration time.Duration

	// MinSpeechDuration is the minimum accumulated speech for an utterance
	// to count at all; shorter bursts are treated as noise. Default: 250ms.
	MinSpeechDuration time.Duration

	// SampleRate of the incoming PCM. Default: 16000.
	SampleRate int
}

func (c *VADConfig) applyDefaults() {
	if c.SpeechThreshold <= 0 {
		c.SpeechThreshold = DefaultSpeechThreshold
	}
	if c.SilenceDuration <= 0 {
		c.SilenceDuration = DefaultSilenceDuration
	}
	if c.MinSpeechDuration <= 0 {
		c.MinSpeechDuration = DefaultMinSpeechDuration
	}
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
}

// VAD is an energy-based speech/silence state machine. Timing is derived
// from sample counts, not wall-clock time, so a client that sends audio
// faster than real-time still gets correct utterance boundaries.
//
// VAD is not safe for concurrent use; it is owned by the session's receive
// loop.
type VAD struct {
	cfg VADConfig

	state          VADState
	speechSamples  int
	silenceSamples int
	energyHistory  []float64
}

// NewVAD creates a detector with the given configuration, filling zero
// fields with defaults.
func NewVAD(cfg VADConfig) *VAD {
	cfg.applyDefaults()
	return &VAD{cfg: cfg}
}

// ProcessChunk feeds one PCM chunk, advances the state machine, and reports
// whether the static silence threshold ended the utterance. The result is
// true on exactly one chunk per utterance; the detector resets to idle when
// it fires.
//
// Callers running dynamic end-of-turn arbitration should call Observe and
// then CheckEndOfTurn with the arbiter's threshold instead.
func (v *VAD) ProcessChunk(pcm []byte) bool {
	v.Observe(pcm)
	return v.EndOfSpeech()
}

// EndOfSpeech reports whether the utterance has ended under the detector's
// own static silence threshold. Used when end-of-turn arbitration is
// disabled.
func (v *VAD) EndOfSpeech() bool {
	return v.CheckEndOfTurn(v.cfg.SilenceDuration)
}

// Observe feeds one PCM chunk and advances the state machine without making
// an end-of-speech decision.
func (v *VAD) Observe(pcm []byte) {
	energy := pkgaudio.Energy(pcm)

	v.energyHistory = append(v.energyHistory, energy)
	if len(v.energyHistory) > energyHistorySize {
		v.energyHistory = v.energyHistory[len(v.energyHistory)-energyHistorySize:]
	}

	samples := len(pcm) / 2
	speech := energy > v.cfg.SpeechThreshold

	switch v.state {
	case VADIdle:
		if speech {
			v.state = VADSpeaking
			v.speechSamples = samples
		}

	case VADSpeaking:
		if speech {
			v.speechSamples += samples
		} else {
			v.state = VADSilence
			v.silenceSamples = samples
		}

	case VADSilence:
		if speech {
			// A short dip followed by more speech is one utterance, not
			// two: fold the silent gap into the speech duration.
			v.speechSamples += v.silenceSamples + samples
			v.silenceSamples = 0
			v.state = VADSpeaking
		} else {
			v.silenceSamples += samples
		}
	}
}

// CheckEndOfTurn reports whether the utterance has ended, given a dynamic
// required-silence threshold from the end-of-turn arbiter. It fires at most
// once per utterance: a true result resets the detector to idle.
func (v *VAD) CheckEndOfTurn(requiredSilence time.Duration) bool {
	if v.state != VADSilence {
		return false
	}
	if v.SilenceDuration() >= requiredSilence && v.SpeechDuration() >= v.cfg.MinSpeechDuration {
		v.Reset()
		return true
	}
	return false
}

// State returns the current detector state.
func (v *VAD) State() VADState {
	return v.state
}

// SpeechDuration returns the accumulated speech time of the current
// utterance, derived from sample counts.
func (v *VAD) SpeechDuration() time.Duration {
	return pkgaudio.SamplesToDuration(v.speechSamples, v.cfg.SampleRate)
}

// SilenceDuration returns the trailing silence of the current utterance,
// derived from sample counts.
func (v *VAD) SilenceDuration() time.Duration {
	return pkgaudio.SamplesToDuration(v.silenceSamples, v.cfg.SampleRate)
}

// Reset clears all detector state for the next utterance.
func (v *VAD) Reset() {
	v.state = VADIdle
	v.speechSamples = 0
	v.silenceSamples = 0
	v.energyHistory = v.energyHistory[:0]
}
