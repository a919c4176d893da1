// Package openai provides a tts.Provider for OpenAI-compatible speech
// runtimes that expose a streaming WebSocket endpoint alongside the standard
// /v1/audio/speech route.
//
// The stream is keyed by model, voice, and response_format query parameters
// on the dial URL. Per phrase the client sends a JSON frame
// {text, speed, final:false}; the backend answers with binary s16le 24 kHz
// PCM frames interleaved with JSON control frames
// {type: "done" | "error" | "closed"}.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/MrWong99/voxgate/pkg/provider/tts"
	"github.com/coder/websocket"
)

const speechStreamPath = "/v1/audio/speech/stream"

const (
	dialTimeout  = 10 * time.Second
	closeTimeout = 5 * time.Second
)

// maxFrameBytes bounds a single inbound frame. Backends may send a whole
// phrase of PCM in one frame, so this is well above the default limit.
const maxFrameBytes = 1 << 22

var _ tts.Provider = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// WithModel sets the default synthesis model.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithVoice sets the default voice.
func WithVoice(voice string) Option {
	return func(p *Provider) {
		p.voice = voice
	}
}

// WithHTTPClient replaces the HTTP client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements tts.Provider against an OpenAI-compatible speech
// runtime. Multiple streams may be open concurrently.
type Provider struct {
	baseURL    string
	model      string
	voice      string
	httpClient *http.Client
}

// New creates a Provider for the runtime at baseURL (e.g.,
// "http://runtime:8880"). baseURL must be non-empty.
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("openai: baseURL must not be empty")
	}
	p := &Provider{
		baseURL:    baseURL,
		httpClient: http.DefaultClient,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Connect implements tts.Provider. The dial is bounded by a 10 second
// timeout regardless of the caller's context.
func (p *Provider) Connect(ctx context.Context, cfg tts.StreamConfig) (tts.Stream, error) {
	model := cfg.Model
	if model == "" {
		model = p.model
	}
	voice := cfg.Voice
	if voice == "" {
		voice = p.voice
	}
	wsURL, err := streamURL(p.baseURL, model, voice)
	if err != nil {
		return nil, fmt.Errorf("openai: build stream URL: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPClient: p.httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(maxFrameBytes)

	s := &stream{
		conn:   conn,
		events: make(chan tts.Event, 64),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.readLoop(ctx)
	return s, nil
}

// streamURL converts the HTTP base URL to its WebSocket equivalent and
// appends the streaming path with the keying query parameters.
func streamURL(base, model, voice string) (string, error) {
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
	u.Path += speechStreamPath
	q := u.Query()
	if model != "" {
		q.Set("model", model)
	}
	if voice != "" {
		q.Set("voice", voice)
	}
	q.Set("response_format", "pcm")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- stream ----

// speakFrame is the JSON frame sent per phrase. A frame with final true and
// no text ends the stream.
type speakFrame struct {
	Text  string  `json:"text"`
	Speed float64 `json:"speed"`
	Final bool    `json:"final"`
}

// controlFrame is a JSON frame from the backend between PCM chunks.
type controlFrame struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// stream implements tts.Stream over a WebSocket connection.
type stream struct {
	conn   *websocket.Conn
	events chan tts.Event

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// Speak sends one phrase frame. Results arrive on Events.
func (s *stream) Speak(ctx context.Context, text string, speed float64) error {
	frame, err := json.Marshal(speakFrame{Text: text, Speed: speed})
	if err != nil {
		return fmt.Errorf("openai: marshal speak frame: %w", err)
	}
	if err := s.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("openai: write speak frame: %w", err)
	}
	return nil
}

// Events returns the channel of audio chunks and control events.
func (s *stream) Events() <-chan tts.Event {
	return s.events
}

// Close announces the end of input, then closes the connection. The close
// handshake is bounded by a 5 second timeout.
func (s *stream) Close() error {
	s.once.Do(func() {
		close(s.done)
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if frame, err := json.Marshal(speakFrame{Final: true}); err == nil {
			_ = s.conn.Write(ctx, websocket.MessageText, frame)
		}
		s.conn.Close(websocket.StatusNormalClosure, "stream closed")
		s.wg.Wait()
	})
	return nil
}

// readLoop receives frames until the backend reports error or closed, the
// socket dies, or Close is called. It owns the events channel.
func (s *stream) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.events)

	for {
		typ, msg, err := s.conn.Read(ctx)
		if err != nil {
			// Reads fail after Close; only an unexpected hangup is
			// surfaced as an event.
			select {
			case <-s.done:
			default:
				s.deliver(ctx, tts.Event{Type: tts.EventClosed})
			}
			return
		}

		if typ == websocket.MessageBinary {
			if len(msg) == 0 {
				continue
			}
			if !s.deliver(ctx, tts.Event{Type: tts.EventAudio, PCM: msg}) {
				return
			}
			continue
		}

		var frame controlFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case "done":
			if !s.deliver(ctx, tts.Event{Type: tts.EventDone}) {
				return
			}
		case "error":
			s.deliver(ctx, tts.Event{Type: tts.EventError, Err: fmt.Errorf("openai: synthesis: %s", frame.Message)})
			return
		case "closed":
			s.deliver(ctx, tts.Event{Type: tts.EventClosed})
			return
		}
	}
}

// deliver sends ev unless the stream is shutting down.
func (s *stream) deliver(ctx context.Context, ev tts.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}
