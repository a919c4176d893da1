package turn

import (
	"time"
)

// Default thresholds for the end-of-turn arbiter.
const (
	DefaultBaseSilence          = 400 * time.Millisecond
	DefaultThinkingSilence      = 1200 * time.Millisecond
	DefaultMaxSilence           = 2500 * time.Millisecond
	DefaultMinSpeechForAnalysis = 500 * time.Millisecond

	// DefaultShortUtteranceThreshold marks utterances that are too short to
	// trust the base threshold; brief remarks often continue after a pause.
	DefaultShortUtteranceThreshold = 2 * time.Second

	// DefaultShortUtteranceMultiplier stretches the base threshold for
	// short utterances.
	DefaultShortUtteranceMultiplier = 1.5

	// ambiguousMultiplier stretches the base threshold when the linguistic
	// classification is inconclusive.
	ambiguousMultiplier = 1.25
)

// Config tunes the end-of-turn arbiter. The zero value of any field is
// replaced by the package default.
type Config struct {
	// BaseSilence is the silence required after a confidently complete
	// utterance.
	BaseSilence time.Duration

	// ThinkingSilence is the silence required when the partial transcript
	// classifies as incomplete.
	ThinkingSilence time.Duration

	// MaxSilence forces the end of the turn regardless of classification.
	MaxSilence time.Duration

	// MinSpeechForAnalysis is the minimum speech duration before the
	// linguistic classifier is trusted at all.
	MinSpeechForAnalysis time.Duration

	// ShortUtteranceThreshold and ShortUtteranceMultiplier stretch the base
	// silence for utterances shorter than the threshold.
	ShortUtteranceThreshold  time.Duration
	ShortUtteranceMultiplier float64

	// DisableAnalysis turns the linguistic classifier off. The required
	// silence then depends only on the speech duration.
	DisableAnalysis bool
}

func (c Config) withDefaults() Config {
	if c.BaseSilence <= 0 {
		c.BaseSilence = DefaultBaseSilence
	}
	if c.ThinkingSilence <= 0 {
		c.ThinkingSilence = DefaultThinkingSilence
	}
	if c.MaxSilence <= 0 {
		c.MaxSilence = DefaultMaxSilence
	}
	if c.MinSpeechForAnalysis <= 0 {
		c.MinSpeechForAnalysis = DefaultMinSpeechForAnalysis
	}
	if c.ShortUtteranceThreshold <= 0 {
		c.ShortUtteranceThreshold = DefaultShortUtteranceThreshold
	}
	if c.ShortUtteranceMultiplier <= 0 {
		c.ShortUtteranceMultiplier = DefaultShortUtteranceMultiplier
	}
	return c
}

// Detector arbitrates end of turn. It is stateless and safe for concurrent
// use; sessions rebuild it when their turn-detection config changes.
type Detector struct {
	cfg Config
}

// NewDetector returns a Detector with defaults applied to cfg.
func NewDetector(cfg Config) *Detector {
	return &Detector{cfg: cfg.withDefaults()}
}

// RequiredSilence computes the silence duration that must elapse before the
// turn ends, given how long the user has spoken and the partial transcript
// so far. The result never exceeds MaxSilence.
func (d *Detector) RequiredSilence(speech time.Duration, partial string) time.Duration {
	cfg := d.cfg

	base := cfg.BaseSilence
	if speech < cfg.ShortUtteranceThreshold {
		base = time.Duration(float64(base) * cfg.ShortUtteranceMultiplier)
	}

	if cfg.DisableAnalysis || speech < cfg.MinSpeechForAnalysis {
		return min(base, cfg.MaxSilence)
	}

	var required time.Duration
	switch ClassifyCompleteness(partial) {
	case CompletenessComplete:
		required = base
	case CompletenessIncomplete:
		required = cfg.ThinkingSilence
	default:
		required = time.Duration(float64(base) * ambiguousMultiplier)
	}
	return min(required, cfg.MaxSilence)
}

// ShouldEndTurn reports whether the turn is over given the current silence
// and speech durations and the partial transcript. Silence at or beyond
// MaxSilence always ends the turn.
func (d *Detector) ShouldEndTurn(silence, speech time.Duration, partial string) bool {
	if silence >= d.cfg.MaxSilence {
		return true
	}
	return silence >= d.RequiredSilence(speech, partial)
}

// MaxSilence exposes the hard cap so callers can force-end a turn without
// consulting the classifier.
func (d *Detector) MaxSilence() time.Duration {
	return d.cfg.MaxSilence
}
