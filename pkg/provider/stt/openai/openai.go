// Package openai provides an stt.Provider backed by an OpenAI-compatible
// model runtime. One-shot transcription posts audio to
// /v1/audio/transcriptions as multipart form data; streaming transcription
// uses the runtime's WebSocket extension at /v1/audio/transcriptions/stream,
// which emits partial segments while inference is still running.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/MrWong99/voxgate/pkg/provider/stt"
	"github.com/coder/websocket"
)

const transcriptionsPath = "/v1/audio/transcriptions"

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the default model identifier used when a request does not
// specify one.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the default BCP-47 language code used when a request
// does not specify one.
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithHTTPClient replaces the HTTP client used for one-shot transcription
// and for the WebSocket handshake. Pass the gateway's shared pooled client
// so transcription reuses warm connections.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements stt.Provider against an OpenAI-compatible runtime.
// Multiple transcriptions may run concurrently.
type Provider struct {
	baseURL    string
	model      string
	language   string
	httpClient *http.Client
}

// New creates a Provider for the runtime at baseURL (e.g.,
// "http://runtime:8000"). baseURL must be non-empty.
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("openai: baseURL must not be empty")
	}
	p := &Provider{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe uploads audio as-is and returns the transcribed text. The
// runtime detects the container format from the payload.
func (p *Provider) Transcribe(ctx context.Context, audio []byte, opts stt.Options) (string, error) {
	model, language := p.resolve(opts)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.raw")
	if err != nil {
		return "", fmt.Errorf("openai: create form file: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return "", fmt.Errorf("openai: write audio data: %w", err)
	}
	if model != "" {
		if err := mw.WriteField("model", model); err != nil {
			return "", fmt.Errorf("openai: write model field: %w", err)
		}
	}
	if language != "" {
		if err := mw.WriteField("language", language); err != nil {
			return "", fmt.Errorf("openai: write language field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("openai: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+transcriptionsPath, &body)
	if err != nil {
		return "", fmt.Errorf("openai: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("openai: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("openai: transcription returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("openai: read response body: %w", err)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("openai: parse JSON response: %w", err)
	}
	return result.Text, nil
}

// TranscribeStream opens the streaming endpoint, submits the full audio
// buffer, and returns a Stream of partial segments.
func (p *Provider) TranscribeStream(ctx context.Context, audio []byte, opts stt.Options) (stt.Stream, error) {
	model, language := p.resolve(opts)

	wsURL, err := streamURL(p.baseURL, model, language)
	if err != nil {
		return nil, fmt.Errorf("openai: build stream URL: %w", err)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: p.httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}

	if err := conn.Write(ctx, websocket.MessageBinary, audio); err != nil {
		conn.Close(websocket.StatusInternalError, "write audio")
		return nil, fmt.Errorf("openai: write audio: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"end"}`)); err != nil {
		conn.Close(websocket.StatusInternalError, "write end marker")
		return nil, fmt.Errorf("openai: write end marker: %w", err)
	}

	s := &stream{
		conn:     conn,
		segments: make(chan stt.Segment, 16),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.readLoop(ctx)
	return s, nil
}

func (p *Provider) resolve(opts stt.Options) (model, language string) {
	model = opts.Model
	if model == "" {
		model = p.model
	}
	language = opts.Language
	if language == "" {
		language = p.language
	}
	return model, language
}

// streamURL converts the HTTP base URL to its WebSocket equivalent and
// appends the streaming path with the keying query parameters.
func streamURL(base, model, language string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path += transcriptionsPath + "/stream"
	q := u.Query()
	if model != "" {
		q.Set("model", model)
	}
	if language != "" {
		q.Set("language", language)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- stream ----

// segmentFrame is a JSON frame from the streaming endpoint: either a partial
// segment carrying text or a control frame carrying a type.
type segmentFrame struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	Message string `json:"message"`
}

// stream implements stt.Stream over a WebSocket connection.
type stream struct {
	conn     *websocket.Conn
	segments chan stt.Segment

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	mu  sync.Mutex
	err error
}

// Segments returns the channel of partial results.
func (s *stream) Segments() <-chan stt.Segment { return s.segments }

// Err reports the terminal stream error, if any.
func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the stream. Closing early, before the backend has finished,
// is the expected way to stop consuming segments and is not an error.
func (s *stream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close(websocket.StatusNormalClosure, "stream closed")
		s.wg.Wait()
	})
	return nil
}

// readLoop receives frames until a done/error control frame, a read error,
// or Close. It owns the segments channel.
func (s *stream) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.segments)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			// Reads fail after Close; that is the early-break path, not an
			// error condition.
			select {
			case <-s.done:
			default:
				s.setErr(fmt.Errorf("openai: stream read: %w", err))
			}
			return
		}

		var frame segmentFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case "done":
			return
		case "error":
			s.setErr(fmt.Errorf("openai: stream error: %s", frame.Message))
			return
		}
		if frame.Text == "" {
			continue
		}
		select {
		case s.segments <- stt.Segment{Text: frame.Text}:
		case <-s.done:
			return
		}
	}
}

func (s *stream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}
