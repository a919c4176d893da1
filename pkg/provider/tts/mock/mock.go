// Package mock provides test doubles for the tts.Provider and tts.Stream
// interfaces.
//
// Use Provider to hand out scripted streams and to verify the StreamConfig
// passed on connect. Use Stream to script the events emitted after each
// phrase and to verify the text and speed handed to the backend.
//
// Example:
//
//	p := &mock.Provider{}
//	s, _ := p.Connect(ctx, tts.StreamConfig{Voice: "af_bella"})
//	s.Speak(ctx, "hello", 1.0) // emits the text as PCM, then done
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/voxgate/pkg/provider/tts"
)

// ConnectCall records a single invocation of Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Config is the StreamConfig passed to Connect.
	Config tts.StreamConfig
}

// SpeakCall records a single invocation of Speak.
type SpeakCall struct {
	// Ctx is the context passed to Speak.
	Ctx context.Context
	// Text is the phrase passed to Speak.
	Text string
	// Speed is the speed passed to Speak.
	Speed float64
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// ConnectErr, if non-nil, is returned from Connect instead of a stream.
	ConnectErr error

	// Streams is the sequence of streams handed out by successive Connect
	// calls. When exhausted or nil, Connect returns a fresh zero-value
	// Stream.
	Streams []*Stream

	// --- Call records ---

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	next int
}

// Connect records the call and returns the next scripted stream.
func (p *Provider) Connect(ctx context.Context, cfg tts.StreamConfig) (tts.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Config: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.next < len(p.Streams) {
		s := p.Streams[p.next]
		p.next++
		return s, nil
	}
	return &Stream{}, nil
}

// ConnectCount returns the number of recorded Connect calls. Thread-safe.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Reset clears all recorded calls and rewinds the stream script. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
	p.next = 0
}

// Stream is a mock implementation of tts.Stream. Events scripted through
// PhraseEvents are buffered on Speak, so callers may read them afterwards
// without a second goroutine.
type Stream struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// SpeakErr, if non-nil, is returned from Speak without emitting events.
	SpeakErr error

	// PhraseEvents is emitted on Events after each successful Speak. When
	// nil, the stream emits one EventAudio carrying the phrase text as PCM
	// followed by EventDone.
	PhraseEvents []tts.Event

	// CloseErr is returned from Close.
	CloseErr error

	// --- Call records ---

	// SpeakCalls records every call to Speak in order.
	SpeakCalls []SpeakCall

	// CloseCalls counts calls to Close.
	CloseCalls int

	events chan tts.Event
	closed bool
}

// Speak records the call and buffers the scripted events.
func (s *Stream) Speak(ctx context.Context, text string, speed float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SpeakCalls = append(s.SpeakCalls, SpeakCall{Ctx: ctx, Text: text, Speed: speed})
	if s.SpeakErr != nil {
		return s.SpeakErr
	}
	if s.closed {
		return errors.New("mock: speak on closed stream")
	}
	ch := s.eventsLocked()
	if s.PhraseEvents == nil {
		ch <- tts.Event{Type: tts.EventAudio, PCM: []byte(text)}
		ch <- tts.Event{Type: tts.EventDone}
		return nil
	}
	for _, ev := range s.PhraseEvents {
		ch <- ev
	}
	return nil
}

// Events returns the scripted event channel.
func (s *Stream) Events() <-chan tts.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventsLocked()
}

// Close records the call and closes the event channel. Idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCalls++
	if !s.closed {
		s.closed = true
		close(s.eventsLocked())
	}
	return s.CloseErr
}

// Closed reports whether Close has been called. Thread-safe.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SpeakTexts returns the phrases passed to Speak so far. Thread-safe.
func (s *Stream) SpeakTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	texts := make([]string, len(s.SpeakCalls))
	for i, c := range s.SpeakCalls {
		texts[i] = c.Text
	}
	return texts
}

func (s *Stream) eventsLocked() chan tts.Event {
	if s.events == nil {
		s.events = make(chan tts.Event, 1024)
	}
	return s.events
}

// Ensure the mocks implement the interfaces at compile time.
var (
	_ tts.Provider = (*Provider)(nil)
	_ tts.Stream   = (*Stream)(nil)
)
