package tts

// SampleRate is the sample rate of all synthesized PCM, in Hz. Streams emit
// s16le mono audio at this rate; duration accounting divides sample counts
// by it.
const SampleRate = 24000

// StreamConfig is the initial configuration for a synthesis stream.
type StreamConfig struct {
	// Model is the synthesis model identifier. Empty means the provider
	// default.
	Model string

	// Voice is the voice identifier within the model. Empty means the
	// provider default.
	Voice string
}

// EventType discriminates the events emitted by a Stream.
type EventType int

const (
	// EventAudio carries one chunk of synthesized PCM.
	EventAudio EventType = iota

	// EventDone marks the end of one phrase. The stream stays usable.
	EventDone

	// EventError reports a synthesis failure. The stream is dead.
	EventError

	// EventClosed reports that the backend hung up. The stream is dead.
	EventClosed
)

// String returns the lowercase name of the event type.
func (t EventType) String() string {
	switch t {
	case EventAudio:
		return "audio"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one item from a Stream: either audio or a control signal.
type Event struct {
	// Type discriminates the event.
	Type EventType

	// PCM holds s16le mono samples at SampleRate. Set only for EventAudio.
	PCM []byte

	// Err describes the failure. Set only for EventError.
	Err error
}
