// Package modelinfo resolves and validates model identity against the
// inference runtime.
//
// It keeps two caches. Capability lookups (native audio support) are cached
// per model id with a TTL longer than any session so a session never flips
// behaviour mid-conversation. The runtime's model list is cached briefly and
// used to validate TTS model and voice ids at session start. A [Resolver]
// maps logical LLM model names from the handshake to configured runtime
// routes.
package modelinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// defaultCapabilitiesTTL outlives the longest session TTL so that a
	// session's native-audio decision is stable for its whole lifetime.
	defaultCapabilitiesTTL = time.Hour

	defaultListTTL = 60 * time.Second
	defaultTimeout = 10 * time.Second

	capabilitiesPath = "/v1/models/%s/capabilities"
	modelsPath       = "/v1/models"
)

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpc = hc
	}
}

// WithCapabilitiesTTL overrides how long capability lookups are cached.
func WithCapabilitiesTTL(d time.Duration) Option {
	return func(c *Client) {
		c.capsTTL = d
	}
}

// WithListTTL overrides how long the model list is cached.
func WithListTTL(d time.Duration) Option {
	return func(c *Client) {
		c.listTTL = d
	}
}

// Client fetches and caches model metadata from the inference runtime. It
// is safe for concurrent use.
type Client struct {
	baseURL string
	httpc   *http.Client
	capsTTL time.Duration
	listTTL time.Duration

	group singleflight.Group

	mu     sync.Mutex
	caps   map[string]capsEntry
	tts    map[string][]string // tts model -> sorted voice ids
	listAt time.Time           // last successful model list fetch
}

type capsEntry struct {
	nativeAudio bool
	fetchedAt   time.Time
}

// New creates a metadata client for the runtime at baseURL
// (e.g. "http://localhost:8000").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: defaultTimeout},
		capsTTL: defaultCapabilitiesTTL,
		listTTL: defaultListTTL,
		caps:    make(map[string]capsEntry),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ── capabilities ──

// capabilitiesResponse is the JSON body of GET /v1/models/{id}/capabilities.
type capabilitiesResponse struct {
	Capabilities struct {
		NativeAudio bool `json:"native_audio"`
	} `json:"capabilities"`
}

// NativeAudio reports whether the model accepts audio content parts
// directly. The answer is cached per model id. When the capabilities
// endpoint is unreachable the model name decides: ids containing "audio"
// are assumed native. The fallback is cached like a real answer so the
// decision stays stable for sessions created meanwhile.
func (c *Client) NativeAudio(ctx context.Context, modelID string) bool {
	c.mu.Lock()
	if e, ok := c.caps[modelID]; ok && time.Since(e.fetchedAt) < c.capsTTL {
		c.mu.Unlock()
		return e.nativeAudio
	}
	c.mu.Unlock()

	v, _, _ := c.group.Do("caps:"+modelID, func() (any, error) {
		native, err := c.fetchCapabilities(ctx, modelID)
		if err != nil {
			native = nameSuggestsAudio(modelID)
			slog.Debug("modelinfo: capabilities lookup failed, using name heuristic",
				"model", modelID,
				"native_audio", native,
				"err", err)
		}
		c.mu.Lock()
		c.caps[modelID] = capsEntry{nativeAudio: native, fetchedAt: time.Now()}
		c.mu.Unlock()
		return native, nil
	})
	native, _ := v.(bool)
	return native
}

func (c *Client) fetchCapabilities(ctx context.Context, modelID string) (bool, error) {
	u := c.baseURL + fmt.Sprintf(capabilitiesPath, url.PathEscape(modelID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, fmt.Errorf("modelinfo: create capabilities request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return false, fmt.Errorf("modelinfo: GET capabilities: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("modelinfo: GET capabilities returned status %d", resp.StatusCode)
	}

	var body capabilitiesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("modelinfo: decode capabilities: %w", err)
	}
	return body.Capabilities.NativeAudio, nil
}

// nameSuggestsAudio is the fallback heuristic for runtimes without a
// capabilities endpoint.
func nameSuggestsAudio(modelID string) bool {
	return strings.Contains(strings.ToLower(modelID), "audio")
}

// ── model list ──

// modelListResponse is the JSON body of GET /v1/models.
type modelListResponse struct {
	Data []modelEntry `json:"data"`
}

type modelEntry struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// ValidateTTS checks the requested TTS model and voice against the
// runtime's model list. The returned error is safe to send to clients: it
// names only model and voice ids. When the list cannot be fetched at all,
// validation is skipped and synthesis surfaces the real error later.
func (c *Client) ValidateTTS(ctx context.Context, model, voice string) error {
	catalog, err := c.ttsCatalog(ctx)
	if err != nil {
		slog.Warn("modelinfo: model list unavailable, skipping tts validation",
			"err", err)
		return nil
	}

	voices, ok := catalog[model]
	if !ok {
		return fmt.Errorf("unknown tts model %q, available: %s",
			model, strings.Join(sortedKeys(catalog), ", "))
	}
	if voice != "" && !slices.Contains(voices, voice) {
		return fmt.Errorf("unknown voice %q for tts model %q, available: %s",
			voice, model, strings.Join(voices, ", "))
	}
	return nil
}

// Refresh forces the model list cache to be filled if stale. Called at
// startup so readiness does not wait for the first session.
func (c *Client) Refresh(ctx context.Context) error {
	_, err := c.ttsCatalog(ctx)
	return err
}

// ListAge reports how long ago the model list was last fetched
// successfully. ok is false when no fetch has succeeded yet. Readiness
// checks treat a recent fetch as proof the runtime is reachable.
func (c *Client) ListAge() (age time.Duration, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listAt.IsZero() {
		return 0, false
	}
	return time.Since(c.listAt), true
}

// ttsCatalog returns the cached tts model -> voices map, refreshing it when
// stale. On a failed refresh a stale catalog is served over failing. The
// returned map is replaced wholesale on refresh, never mutated.
func (c *Client) ttsCatalog(ctx context.Context) (map[string][]string, error) {
	c.mu.Lock()
	if c.tts != nil && time.Since(c.listAt) < c.listTTL {
		cat := c.tts
		c.mu.Unlock()
		return cat, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do("models", func() (any, error) {
		cat, err := c.fetchModelList(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.tts = cat
		c.listAt = time.Now()
		c.mu.Unlock()
		return cat, nil
	})
	if err != nil {
		c.mu.Lock()
		cat := c.tts
		c.mu.Unlock()
		if cat != nil {
			return cat, nil
		}
		return nil, err
	}
	return v.(map[string][]string), nil
}

func (c *Client) fetchModelList(ctx context.Context) (map[string][]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+modelsPath, nil)
	if err != nil {
		return nil, fmt.Errorf("modelinfo: create model list request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("modelinfo: GET %s: %w", modelsPath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("modelinfo: GET %s returned status %d", modelsPath, resp.StatusCode)
	}

	var list modelListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("modelinfo: decode model list: %w", err)
	}

	catalog := make(map[string][]string)
	for _, m := range list.Data {
		if m.Type != "tts" {
			continue
		}
		name, voice, ok := ParseTTSID(m.ID)
		if !ok {
			continue
		}
		catalog[name] = append(catalog[name], voice)
	}
	for _, voices := range catalog {
		slices.Sort(voices)
	}
	return catalog, nil
}

// ParseTTSID splits a model list id of the form "tts:<model>:<voice>".
func ParseTTSID(id string) (model, voice string, ok bool) {
	rest, found := strings.CutPrefix(id, "tts:")
	if !found {
		return "", "", false
	}
	model, voice, found = strings.Cut(rest, ":")
	if !found || model == "" || voice == "" {
		return "", "", false
	}
	return model, voice, true
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
