// Package audio provides small PCM helpers shared by the gateway core and
// the provider clients: WAV framing, energy measurement, and duration math.
//
// All functions assume 16-bit signed little-endian samples.
package audio

import "encoding/binary"

// bitsPerSample is the fixed sample depth. All PCM entering or leaving the
// gateway is 16-bit signed little-endian.
const bitsPerSample = 16

// WAVHeaderSize is the length in bytes of the RIFF/WAVE header written by
// [EncodeWAV] and stripped by [StripWAVHeader].
const WAVHeaderSize = 44

// EncodeWAV wraps raw 16-bit PCM in a minimal RIFF/WAVE container with a
// 44-byte header. The result is suitable for upload to services that refuse
// bare PCM.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	dataSize := len(pcm)

	buf := make([]byte, WAVHeaderSize+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)                 // sub-chunk size (PCM)
	binary.LittleEndian.PutUint16(buf[20:22], 1)                  // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))   // num channels
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate)) // sample rate
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))   // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign)) // block align
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)      // bits per sample

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// IsWAV reports whether b starts with a RIFF/WAVE header.
func IsWAV(b []byte) bool {
	return len(b) >= 12 && string(b[0:4]) == "RIFF" && string(b[8:12]) == "WAVE"
}

// StripWAVHeader removes the leading 44-byte RIFF header from b if one is
// present, returning the bare PCM payload. Buffers without a header (or too
// short to hold one) are returned unchanged.
func StripWAVHeader(b []byte) []byte {
	if len(b) < WAVHeaderSize || !IsWAV(b) {
		return b
	}
	return b[WAVHeaderSize:]
}
