// Package resilience guards calls to upstream speech and language services.
//
// Each upstream the gateway depends on (one-shot transcription, LLM stream
// opens, TTS stream opens) gets its own [Breaker]. A breaker trips after a
// run of consecutive failures and rejects calls immediately instead of
// letting every session pile onto a dead upstream. After a cooldown it
// admits a small number of probe calls and closes again once they succeed.
//
// A tripped breaker fails the pipeline stage, not the session: the caller
// reports the error to the client and the connection stays usable.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Execute] when the breaker is rejecting
// calls. Callers surface this to clients as a temporary upstream outage.
var ErrOpen = errors.New("circuit breaker open")

// State is the current operating mode of a [Breaker].
type State int

const (
	// StateClosed admits all calls. Consecutive failures are counted.
	StateClosed State = iota

	// StateOpen rejects all calls with [ErrOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen admits a limited number of probe calls. Enough
	// successes close the breaker; a single failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds tuning knobs for a [Breaker]. Zero values fall back to
// defaults.
type Config struct {
	// Name identifies the guarded upstream in logs, metrics and readiness
	// reports, e.g. "stt", "llm", "tts".
	Name string

	// MaxFailures is the run of consecutive failures in the closed state
	// that opens the breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before admitting
	// probe calls. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probe calls admitted while half-open.
	// The breaker closes once that many probes succeed. Default: 3.
	HalfOpenMax int

	// OnStateChange, if set, is invoked on every state transition. It is
	// called synchronously with the breaker's lock held and must not call
	// back into the breaker.
	OnStateChange func(name string, from, to State)
}

// Breaker implements the three-state circuit breaker pattern. It is safe
// for concurrent use from multiple goroutines.
type Breaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	onStateChange func(name string, from, to State)

	mu              sync.Mutex
	state           State
	consecutiveFail int
	lastFailure     time.Time
	halfOpenCalls   int
	halfOpenFails   int
}

// New creates a [Breaker] with the supplied configuration. Zero-value
// config fields are replaced with defaults.
func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &Breaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		onStateChange: cfg.OnStateChange,
		state:         StateClosed,
	}
}

// Name reports which upstream this breaker guards.
func (b *Breaker) Name() string { return b.name }

// Execute runs fn if the breaker allows it. In the open state it returns an
// error wrapping [ErrOpen] without calling fn. In the half-open state a
// limited number of probe calls are permitted. Callers that need a result
// from fn let it close over a destination variable.
//
// Calls that fail with [context.Canceled] are not counted either way:
// cancellation reflects the caller, not the upstream.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case StateOpen:
		if time.Since(b.lastFailure) < b.resetTimeout {
			b.mu.Unlock()
			return fmt.Errorf("%s: %w", b.name, ErrOpen)
		}
		// Cooldown elapsed, start probing.
		b.transition(StateHalfOpen)
		b.halfOpenCalls = 0
		b.halfOpenFails = 0

	case StateHalfOpen:
		if b.halfOpenCalls >= b.halfOpenMax {
			// Probe budget exhausted, verdict pending.
			b.mu.Unlock()
			return fmt.Errorf("%s: %w", b.name, ErrOpen)
		}
	}

	inHalfOpen := b.state == StateHalfOpen
	if inHalfOpen {
		b.halfOpenCalls++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case err == nil:
		b.recordSuccess(inHalfOpen)
	case errors.Is(err, context.Canceled):
		// Cancellation reflects the caller (barge-in, disconnect), not the
		// upstream. Release the probe slot and leave the failure run alone.
		if inHalfOpen && b.halfOpenCalls > 0 {
			b.halfOpenCalls--
		}
	default:
		b.recordFailure(inHalfOpen)
	}
	return err
}

// recordFailure handles failure accounting. Must be called with b.mu held.
func (b *Breaker) recordFailure(inHalfOpen bool) {
	b.lastFailure = time.Now()

	if inHalfOpen {
		b.halfOpenFails++
		// One failed probe re-opens for a full cooldown.
		b.consecutiveFail = b.maxFailures
		b.transition(StateOpen)
		return
	}

	b.consecutiveFail++
	if b.state == StateClosed && b.consecutiveFail >= b.maxFailures {
		b.transition(StateOpen)
	}
}

// recordSuccess handles success accounting. Must be called with b.mu held.
func (b *Breaker) recordSuccess(inHalfOpen bool) {
	if inHalfOpen {
		successes := b.halfOpenCalls - b.halfOpenFails
		if b.state == StateHalfOpen && successes >= b.halfOpenMax {
			b.consecutiveFail = 0
			b.halfOpenCalls = 0
			b.halfOpenFails = 0
			b.transition(StateClosed)
		}
		return
	}

	b.consecutiveFail = 0
}

// State returns the current [State] of the breaker. If the breaker is open
// and the reset timeout has elapsed, the returned state is [StateHalfOpen];
// the actual transition happens on the next [Breaker.Execute] call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && time.Since(b.lastFailure) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset manually forces the breaker back to [StateClosed], clearing all
// failure counters. Intended for operator use after a known upstream
// recovery.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		b.transition(StateClosed)
	}
	b.consecutiveFail = 0
	b.halfOpenCalls = 0
	b.halfOpenFails = 0
}

// transition moves the breaker to next, logging the change and notifying
// the state-change hook. Must be called with b.mu held.
func (b *Breaker) transition(next State) {
	prev := b.state
	if prev == next {
		return
	}
	b.state = next

	switch next {
	case StateOpen:
		slog.Warn("circuit breaker opened",
			"breaker", b.name,
			"consecutive_failures", b.consecutiveFail,
			"reset_timeout", b.resetTimeout)
	case StateHalfOpen:
		slog.Info("circuit breaker half-open, admitting probes",
			"breaker", b.name,
			"max_probes", b.halfOpenMax)
	case StateClosed:
		slog.Info("circuit breaker closed",
			"breaker", b.name)
	}

	if b.onStateChange != nil {
		b.onStateChange(b.name, prev, next)
	}
}
