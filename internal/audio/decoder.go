package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

const (
	// defaultDecodeInterval is the minimum number of new encoded bytes
	// accumulated before the helper process is invoked again.
	defaultDecodeInterval = 4 * 1024

	// defaultMinDecodeBytes is the minimum total encoded buffer before the
	// first invocation; container headers alone decode to nothing useful.
	defaultMinDecodeBytes = 8 * 1024

	// defaultMaxEncodedBuffer bounds the encoded buffer. When exceeded, the
	// decoder decodes what it has and resets all state, sacrificing stream
	// continuity to bound memory.
	defaultMaxEncodedBuffer = 10 * 1024 * 1024

	// defaultDecodeTimeout bounds a single helper-process invocation.
	defaultDecodeTimeout = 5 * time.Second
)

// decodeFormats is the whitelist of container names that may be passed to
// the helper process as its format argument. Anything else is rejected at
// construction so session input can never smuggle arguments into the
// command line.
var decodeFormats = map[string]struct{}{
	"webm": {},
	"ogg":  {},
	"mp3":  {},
	"flac": {},
	"aiff": {},
	"wav":  {},
	"m4a":  {},
	"mp4":  {},
	"opus": {},
}

// ErrUnsupportedFormat is returned by NewStreamDecoder for format names
// outside the decode whitelist.
var ErrUnsupportedFormat = errors.New("audio: unsupported decode format")

// DecoderOption configures a [StreamDecoder].
type DecoderOption func(*StreamDecoder)

// WithDecoderBinary sets the helper decoder executable. Default: "ffmpeg".
func WithDecoderBinary(path string) DecoderOption {
	return func(d *StreamDecoder) {
		if path != "" {
			d.binary = path
		}
	}
}

// WithDecodeTimeout bounds one helper invocation. Default: 5s.
func WithDecodeTimeout(timeout time.Duration) DecoderOption {
	return func(d *StreamDecoder) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithDecodeInterval sets the minimum new encoded bytes between decodes.
func WithDecodeInterval(n int) DecoderOption {
	return func(d *StreamDecoder) {
		if n > 0 {
			d.interval = n
		}
	}
}

// WithMinDecodeBytes sets the minimum total buffer before the first decode.
func WithMinDecodeBytes(n int) DecoderOption {
	return func(d *StreamDecoder) {
		if n > 0 {
			d.minBytes = n
		}
	}
}

// WithMaxEncodedBuffer sets the encoded buffer bound.
func WithMaxEncodedBuffer(n int) DecoderOption {
	return func(d *StreamDecoder) {
		if n > 0 {
			d.maxBuffer = n
		}
	}
}

// WithFailureHook installs a callback invoked once per failed decode step
// (timeout, missing binary, or decoder-reported error). Used to feed the
// decode failure counter.
func WithFailureHook(hook func(reason string)) DecoderOption {
	return func(d *StreamDecoder) {
		d.onFailure = hook
	}
}

// WithQuietFailures lowers decode-failure logging to debug level. The
// barge-in path uses this: a temporary decoder fed a headerless
// continuation chunk routinely fails to decode, and that is expected.
func WithQuietFailures() DecoderOption {
	return func(d *StreamDecoder) {
		d.quiet = true
	}
}

// StreamDecoder converts an encoded container stream (WebM/Opus, Ogg/Opus)
// into 16 kHz s16le mono PCM in small incremental batches.
//
// Each decode step invokes the helper process with the full accumulated
// encoded buffer on stdin and diffs the resulting PCM against a running
// counter, returning only the newly produced bytes. Feeding the whole
// buffer every time keeps codec continuation state out of this process:
// the helper always sees the container header.
//
// Decode failures are logged and yield empty PCM; they never tear down the
// session. StreamDecoder is not safe for concurrent use; it is owned by
// the session's receive loop.
type StreamDecoder struct {
	format    string
	binary    string
	timeout   time.Duration
	interval  int
	minBytes  int
	maxBuffer int
	onFailure func(reason string)
	quiet     bool

	encoded       []byte
	lastDecodeLen int // encoded length at the previous decode
	totalDecoded  int // PCM bytes produced so far across invocations
}

// NewStreamDecoder creates a decoder for the given whitelisted container
// format name (see [Format.DecodeName]).
func NewStreamDecoder(format string, opts ...DecoderOption) (*StreamDecoder, error) {
	if _, ok := decodeFormats[format]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	d := &StreamDecoder{
		format:    format,
		binary:    "ffmpeg",
		timeout:   defaultDecodeTimeout,
		interval:  defaultDecodeInterval,
		minBytes:  defaultMinDecodeBytes,
		maxBuffer: defaultMaxEncodedBuffer,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Format returns the container format name this decoder was built for.
func (d *StreamDecoder) Format() string {
	return d.format
}

// Feed appends an encoded chunk and, when enough new data has accumulated,
// runs a decode step. It returns only PCM bytes not returned by previous
// steps; most calls return nil.
func (d *StreamDecoder) Feed(ctx context.Context, chunk []byte) []byte {
	d.encoded = append(d.encoded, chunk...)

	if len(d.encoded) > d.maxBuffer {
		slog.Warn("audio: encoded buffer bound exceeded, decoding and resetting",
			"format", d.format,
			"buffered_bytes", len(d.encoded))
		pcm := d.decode(ctx)
		d.Reset()
		return pcm
	}

	newBytes := len(d.encoded) - d.lastDecodeLen
	if newBytes < d.interval || len(d.encoded) < d.minBytes {
		return nil
	}
	return d.decode(ctx)
}

// Flush forces a decode of the remaining buffer, returning any residual
// PCM not yet handed out. The buffer is kept: continuation chunks of the
// same container stream may still arrive.
func (d *StreamDecoder) Flush(ctx context.Context) []byte {
	if len(d.encoded) == 0 {
		return nil
	}
	return d.decode(ctx)
}

// Reset clears all decoder state for a new stream.
func (d *StreamDecoder) Reset() {
	d.encoded = nil
	d.lastDecodeLen = 0
	d.totalDecoded = 0
}

// BufferedBytes returns the current encoded buffer size.
func (d *StreamDecoder) BufferedBytes() int {
	return len(d.encoded)
}

// decode invokes the helper process on the full encoded buffer and returns
// the PCM bytes beyond the running counter. All failure modes degrade to
// empty output.
func (d *StreamDecoder) decode(ctx context.Context) []byte {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, d.binary,
		"-hide_banner", "-loglevel", "error",
		"-f", d.format,
		"-i", "pipe:0",
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ac", "1",
		"-ar", "16000",
		"pipe:1",
	)
	cmd.Stdin = bytes.NewReader(d.encoded)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	d.lastDecodeLen = len(d.encoded)

	if reason := d.classifyFailure(ctx, err, stderr.Bytes()); reason != "" {
		logFn := slog.Warn
		if d.quiet {
			logFn = slog.Debug
		}
		logFn("audio: decode step failed",
			"format", d.format,
			"reason", reason,
			"buffered_bytes", len(d.encoded),
			"stderr_bytes", stderr.Len())
		if d.onFailure != nil {
			d.onFailure(reason)
		}
	}

	out := stdout.Bytes()
	if len(out) <= d.totalDecoded {
		return nil
	}
	pcm := make([]byte, len(out)-d.totalDecoded)
	copy(pcm, out[d.totalDecoded:])
	d.totalDecoded = len(out)
	return pcm
}

// classifyFailure maps a decode step outcome to a failure reason, or ""
// when the step is considered successful. Truncated containers routinely
// make the helper exit non-zero while still producing usable PCM, so a
// non-zero exit alone is not a failure.
func (d *StreamDecoder) classifyFailure(ctx context.Context, err error, stderr []byte) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "timeout"
	}
	var execErr *exec.Error
	var pathErr *fs.PathError
	if errors.As(err, &execErr) || errors.As(err, &pathErr) {
		return "decoder binary not found"
	}
	if len(stderr) > 0 && strings.Contains(strings.ToLower(string(stderr)), "error") {
		return "decoder error"
	}
	return ""
}
