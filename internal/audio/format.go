// Package audio implements the gateway's audio ingest path: container
// format detection by magic bytes, incremental codec decoding through a
// helper decoder process, and energy-based voice activity detection.
//
// All PCM produced by this package is 16-bit signed little-endian mono at
// 16 kHz, the format consumed by the speech-to-text runtime.
package audio

// Format identifies the container format of a client audio stream,
// detected once per session from the first bytes received.
type Format int

const (
	// FormatUnknown marks containers the gateway refuses to decode (MP3,
	// MP4/M4A, FLAC, AIFF). Unknown is an explicit rejection, never a
	// default: feeding an unsupported container to the PCM path would
	// produce garbage energy readings and garbage transcripts.
	FormatUnknown Format = iota

	// FormatPCM is raw 16-bit signed little-endian audio. WAV input is
	// classified as PCM; the caller strips the 44-byte header.
	FormatPCM

	// FormatWebM is a WebM (EBML) container, typically carrying Opus.
	FormatWebM

	// FormatOgg is an Ogg container, typically carrying Opus or Vorbis.
	FormatOgg
)

// String returns the lowercase format name.
func (f Format) String() string {
	switch f {
	case FormatPCM:
		return "pcm"
	case FormatWebM:
		return "webm"
	case FormatOgg:
		return "ogg"
	default:
		return "unknown"
	}
}

// DecodeName returns the container name passed to the helper decoder
// process, or "" for formats that do not go through the decoder.
func (f Format) DecodeName() string {
	switch f {
	case FormatWebM:
		return "webm"
	case FormatOgg:
		return "ogg"
	default:
		return ""
	}
}

// NeedsDecoder reports whether audio in this format must pass through the
// streaming decoder before the VAD can consume it.
func (f Format) NeedsDecoder() bool {
	return f == FormatWebM || f == FormatOgg
}

// DetectFormat classifies the first bytes of a client audio stream by magic
// numbers. Buffers shorter than four bytes cannot match any container
// signature and classify as PCM.
//
// Rejected signatures (MP3, MP4, FLAC, AIFF) return FormatUnknown so the
// caller can refuse the stream instead of treating it as raw samples.
func DetectFormat(b []byte) Format {
	if len(b) < 4 {
		return FormatPCM
	}

	// EBML header: WebM / Matroska.
	if b[0] == 0x1A && b[1] == 0x45 && b[2] == 0xDF && b[3] == 0xA3 {
		return FormatWebM
	}

	if string(b[0:4]) == "OggS" {
		return FormatOgg
	}

	// WAV is RIFF framing around PCM; the caller strips the header.
	if len(b) >= 12 && string(b[0:4]) == "RIFF" && string(b[8:12]) == "WAVE" {
		return FormatPCM
	}

	// MP3: ID3 tag or bare frame sync.
	if string(b[0:3]) == "ID3" {
		return FormatUnknown
	}
	if b[0] == 0xFF && b[1]&0xE0 == 0xE0 {
		return FormatUnknown
	}

	// MP4 / M4A: "ftyp" box at offset 4.
	if len(b) >= 8 && string(b[4:8]) == "ftyp" {
		return FormatUnknown
	}

	if string(b[0:4]) == "fLaC" {
		return FormatUnknown
	}

	// AIFF.
	if string(b[0:4]) == "FORM" {
		return FormatUnknown
	}

	return FormatPCM
}
