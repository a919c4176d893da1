// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to feed controlled transcription results and inspect the
// audio and options the caller submitted. Use Stream to script the partial
// segments a streaming transcription emits.
//
// Example:
//
//	st := mock.NewStream("hello", " world")
//	p := &mock.Provider{TranscribeText: "hello world", Stream: st}
//	text, _ := p.Transcribe(ctx, audio, stt.Options{})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxgate/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// Audio is a copy of the submitted audio bytes.
	Audio []byte
	// Opts is the Options passed to Transcribe.
	Opts stt.Options
}

// TranscribeStreamCall records a single invocation of
// Provider.TranscribeStream.
type TranscribeStreamCall struct {
	// Ctx is the context passed to TranscribeStream.
	Ctx context.Context
	// Audio is a copy of the submitted audio bytes.
	Audio []byte
	// Opts is the Options passed to TranscribeStream.
	Opts stt.Options
}

// Provider is a mock implementation of stt.Provider.
// Zero values for response fields cause methods to return zero values and
// nil errors. Set Err fields to inject errors.
type Provider struct {
	mu sync.Mutex

	// TranscribeText is returned by Transcribe.
	TranscribeText string

	// TranscribeErr, if non-nil, is returned as the error from Transcribe.
	TranscribeErr error

	// Stream is returned by TranscribeStream. If nil, TranscribeStream
	// returns a new empty Stream whose segment channel is already closed.
	Stream stt.Stream

	// TranscribeStreamErr, if non-nil, is returned as the error from
	// TranscribeStream.
	TranscribeStreamErr error

	// TranscribeCalls records every invocation of Transcribe in order.
	TranscribeCalls []TranscribeCall

	// TranscribeStreamCalls records every invocation of TranscribeStream
	// in order.
	TranscribeStreamCalls []TranscribeStreamCall
}

// Transcribe records the call and returns TranscribeText, TranscribeErr.
func (p *Provider) Transcribe(ctx context.Context, audio []byte, opts stt.Options) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]byte, len(audio))
	copy(cp, audio)
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{Ctx: ctx, Audio: cp, Opts: opts})
	return p.TranscribeText, p.TranscribeErr
}

// TranscribeStream records the call and returns Stream, TranscribeStreamErr.
func (p *Provider) TranscribeStream(ctx context.Context, audio []byte, opts stt.Options) (stt.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]byte, len(audio))
	copy(cp, audio)
	p.TranscribeStreamCalls = append(p.TranscribeStreamCalls, TranscribeStreamCall{Ctx: ctx, Audio: cp, Opts: opts})
	if p.TranscribeStreamErr != nil {
		return nil, p.TranscribeStreamErr
	}
	if p.Stream != nil {
		return p.Stream, nil
	}
	return NewStream(), nil
}

// TranscribeCallCount returns the number of Transcribe calls. Thread-safe.
func (p *Provider) TranscribeCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.TranscribeCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = nil
	p.TranscribeStreamCalls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// Stream is a mock implementation of stt.Stream. Use NewStream to script
// segments, or populate SegmentsCh directly for manual control.
type Stream struct {
	mu sync.Mutex

	// SegmentsCh is the channel returned by Segments(). Callers own this
	// channel and are responsible for sending to and closing it in tests.
	SegmentsCh chan stt.Segment

	// ErrValue is returned by Err.
	ErrValue error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewStream returns a Stream whose segment channel already carries one
// Segment per text and is closed.
func NewStream(texts ...string) *Stream {
	ch := make(chan stt.Segment, len(texts))
	for _, t := range texts {
		ch <- stt.Segment{Text: t}
	}
	close(ch)
	return &Stream{SegmentsCh: ch}
}

// Segments returns SegmentsCh.
func (s *Stream) Segments() <-chan stt.Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.SegmentsCh
}

// Err returns ErrValue.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrValue
}

// Close records the call and returns CloseErr.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// Closed reports whether Close has been called at least once. Thread-safe.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount > 0
}

// Ensure Stream implements stt.Stream at compile time.
var _ stt.Stream = (*Stream)(nil)
