package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// Energy returns the root-mean-square energy of a 16-bit signed
// little-endian PCM buffer, normalised to [0, 1]. A trailing odd byte is
// ignored. Returns 0 for buffers shorter than one sample.
func Energy(pcm []byte) float64 {
	n := len(pcm) / 2 // number of 16-bit samples; truncates a trailing half-sample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		v := float64(sample) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// Duration returns the playback duration of a PCM buffer at the given
// sample rate and channel count. Returns 0 for invalid inputs.
func Duration(pcm []byte, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	samples := len(pcm) / (2 * channels)
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// SamplesToDuration converts a mono sample count at the given rate to a
// duration. Used by the VAD, which counts samples rather than wall-clock
// time so that faster-than-real-time input is handled correctly.
func SamplesToDuration(samples, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
