package stt

// Options carries per-request recognition hints. Empty fields fall back to
// the provider's defaults.
type Options struct {
	// Model is the backend model identifier (e.g., "whisper-large-v3").
	Model string

	// Language is the BCP-47 language tag (e.g., "en", "de"). Empty lets
	// the backend auto-detect.
	Language string
}

// Segment is one partial transcription result. Segments concatenate in
// temporal order to form the utterance text.
type Segment struct {
	// Text is the transcribed text of this segment.
	Text string
}
