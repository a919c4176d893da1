// Package stt defines the Provider interface for speech-to-text backends.
//
// Unlike a live-microphone recognizer, the voice gateway transcribes
// complete utterances: voice activity detection has already decided where
// the utterance ends, so a provider receives the full PCM buffer at once.
// Two shapes are offered: a one-shot Transcribe for the authoritative text,
// and TranscribeStream, which returns partial segments while the backend is
// still working — the orchestrator uses those to start the LLM early.
//
// Implementations must be safe for concurrent use; the gateway shares one
// provider across all sessions.
package stt

import "context"

// Provider is the abstraction over any speech-to-text backend.
type Provider interface {
	// Transcribe submits audio and blocks until the full transcription is
	// available. The audio bytes are uploaded as-is; the backend detects
	// the container format.
	Transcribe(ctx context.Context, audio []byte, opts Options) (string, error)

	// TranscribeStream submits audio and returns a Stream of partial
	// segments in temporal order. The caller owns the Stream and must
	// Close it, including after consuming it fully.
	TranscribeStream(ctx context.Context, audio []byte, opts Options) (Stream, error)
}

// Stream is an open streaming transcription. Segments are emitted in
// temporal order and the channel is closed when the backend finishes or the
// stream is closed early.
type Stream interface {
	// Segments returns the channel of partial results. Closed at stream end.
	Segments() <-chan Segment

	// Err reports the terminal error, if any, once Segments is closed.
	// Closing the stream early is not an error.
	Err() error

	// Close stops the stream and releases the connection. Safe to call
	// multiple times and after the stream has already ended.
	Close() error
}
