// Package tts defines the Provider interface for streaming Text-to-Speech
// backends.
//
// A TTS provider wraps a speech synthesis service that exposes a persistent
// bidirectional stream: the caller sends one phrase at a time and receives
// raw PCM interleaved with control events. Keeping the stream open across
// phrases in a turn avoids a connection handshake per phrase, which is the
// dominant latency cost on short phrases.
//
// All implementations must be safe for concurrent use. A single Stream is
// NOT safe for concurrent phrases: callers must finish one phrase (read
// until EventDone) before speaking the next.
package tts

import "context"

// Provider is the abstraction over any streaming TTS backend.
type Provider interface {
	// Connect opens a synthesis stream with the given configuration. The
	// returned Stream is ready for Speak immediately.
	//
	// The caller owns the Stream and must call Close. Opening is expected
	// to be done lazily, on the first phrase of a turn, and the stream
	// reused until it reports an error or the session is interrupted.
	Connect(ctx context.Context, cfg StreamConfig) (Stream, error)
}

// Stream is one open synthesis connection.
//
// After EventError or EventClosed the stream is dead: callers drop it and
// connect a fresh one for the next phrase. The stream must also be closed
// on any session interrupt, because in-flight audio from the interrupted
// phrase would otherwise bleed into the next one.
type Stream interface {
	// Speak submits one phrase for synthesis. Audio arrives on Events as
	// EventAudio chunks, terminated by EventDone. The stream remains open
	// for the next phrase after EventDone.
	Speak(ctx context.Context, text string, speed float64) error

	// Events returns the channel of audio chunks and control events. The
	// channel is closed when the stream dies or Close is called. Consumers
	// must drain it promptly to avoid stalling the receive loop.
	Events() <-chan Event

	// Close tears the stream down gracefully. Calling Close more than once
	// is safe and returns nil.
	Close() error
}
