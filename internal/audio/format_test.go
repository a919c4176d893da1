package audio

import "testing"

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want Format
	}{
		{"webm ebml header", []byte{0x1A, 0x45, 0xDF, 0xA3, 0x9F, 0x42}, FormatWebM},
		{"ogg page", []byte("OggS\x00\x02"), FormatOgg},
		{"wav riff", append([]byte("RIFF\x24\x08\x00\x00WAVE"), []byte("fmt ")...), FormatPCM},
		{"id3 tagged mp3", []byte("ID3\x04\x00\x00"), FormatUnknown},
		{"mp3 frame sync", []byte{0xFF, 0xFB, 0x90, 0x00}, FormatUnknown},
		{"mp3 frame sync mpeg2", []byte{0xFF, 0xE2, 0x00, 0x00}, FormatUnknown},
		{"mp4 ftyp", []byte{0x00, 0x00, 0x00, 0x20, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm'}, FormatUnknown},
		{"flac", []byte("fLaC\x00\x00\x00\x22"), FormatUnknown},
		{"aiff form", []byte("FORM\x00\x00\x01\x00AIFF"), FormatUnknown},
		{"raw pcm", []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05}, FormatPCM},
		{"short buffer", []byte{0x1A, 0x45}, FormatPCM},
		{"empty", nil, FormatPCM},
		{"silence pcm", make([]byte, 64), FormatPCM},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectFormat(tt.data); got != tt.want {
				t.Errorf("DetectFormat() = %v; want %v", got, tt.want)
			}
		})
	}
}

func TestFormat_String(t *testing.T) {
	pairs := map[Format]string{
		FormatPCM:     "pcm",
		FormatWebM:    "webm",
		FormatOgg:     "ogg",
		FormatUnknown: "unknown",
	}
	for f, want := range pairs {
		if got := f.String(); got != want {
			t.Errorf("Format(%d).String() = %q; want %q", f, got, want)
		}
	}
}

func TestFormat_NeedsDecoder(t *testing.T) {
	if FormatPCM.NeedsDecoder() {
		t.Error("PCM should not need a decoder")
	}
	if !FormatWebM.NeedsDecoder() || !FormatOgg.NeedsDecoder() {
		t.Error("container formats should need a decoder")
	}
	if FormatUnknown.NeedsDecoder() {
		t.Error("unknown format should not need a decoder")
	}
}

func TestFormat_DecodeName(t *testing.T) {
	if got := FormatWebM.DecodeName(); got != "webm" {
		t.Errorf("webm decode name = %q", got)
	}
	if got := FormatOgg.DecodeName(); got != "ogg" {
		t.Errorf("ogg decode name = %q", got)
	}
	if got := FormatPCM.DecodeName(); got != "" {
		t.Errorf("pcm decode name = %q; want empty", got)
	}
}
