package modelinfo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const ttsListBody = `{"data":[
	{"id":"tts:kokoro:af_heart","type":"tts"},
	{"id":"tts:kokoro:af_sky","type":"tts"},
	{"id":"tts:piper:en_US","type":"tts"},
	{"id":"whisper-large-v3","type":"stt"},
	{"id":"qwen3-8b","type":"llm"}
]}`

func TestNativeAudio_FromEndpoint(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/v1/models/omni-audio-7b/capabilities" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"capabilities":{"native_audio":true}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	if !c.NativeAudio(context.Background(), "omni-audio-7b") {
		t.Fatal("NativeAudio = false, want true from endpoint")
	}

	// Second lookup is served from the cache.
	if !c.NativeAudio(context.Background(), "omni-audio-7b") {
		t.Fatal("cached NativeAudio = false, want true")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("capabilities endpoint hit %d times, want 1", n)
	}
}

func TestNativeAudio_HeuristicFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such endpoint", http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL)
	if !c.NativeAudio(context.Background(), "qwen2.5-Audio-chat") {
		t.Error(`model name containing "audio" should fall back to native`)
	}
	if c.NativeAudio(context.Background(), "llama-3-8b") {
		t.Error("plain text model should fall back to non-native")
	}
}

func TestNativeAudio_FallbackIsCached(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL)
	_ = c.NativeAudio(context.Background(), "llama-3-8b")
	_ = c.NativeAudio(context.Background(), "llama-3-8b")
	if n := calls.Load(); n != 1 {
		t.Errorf("capabilities endpoint hit %d times, want 1 (fallback cached)", n)
	}
}

func TestNativeAudio_CacheExpires(t *testing.T) {
	var answer atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if answer.Load() {
			_, _ = w.Write([]byte(`{"capabilities":{"native_audio":true}}`))
		} else {
			_, _ = w.Write([]byte(`{"capabilities":{"native_audio":false}}`))
		}
	}))
	defer srv.Close()

	c := New(srv.URL, WithCapabilitiesTTL(10*time.Millisecond))
	if c.NativeAudio(context.Background(), "m") {
		t.Fatal("first lookup: want false")
	}

	answer.Store(true)
	time.Sleep(15 * time.Millisecond)

	if !c.NativeAudio(context.Background(), "m") {
		t.Fatal("lookup after TTL: want refreshed true")
	}
}

func TestValidateTTS_OK(t *testing.T) {
	srv := newListServer(t, nil)
	defer srv.Close()

	c := New(srv.URL)
	if err := c.ValidateTTS(context.Background(), "kokoro", "af_heart"); err != nil {
		t.Errorf("valid model+voice: %v", err)
	}
	// Empty voice defers to the runtime's default voice.
	if err := c.ValidateTTS(context.Background(), "piper", ""); err != nil {
		t.Errorf("valid model, empty voice: %v", err)
	}
}

func TestValidateTTS_UnknownModel(t *testing.T) {
	srv := newListServer(t, nil)
	defer srv.Close()

	c := New(srv.URL)
	err := c.ValidateTTS(context.Background(), "bark", "any")
	if err == nil {
		t.Fatal("expected error for unknown tts model")
	}
	for _, want := range []string{"bark", "kokoro", "piper"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestValidateTTS_UnknownVoice(t *testing.T) {
	srv := newListServer(t, nil)
	defer srv.Close()

	c := New(srv.URL)
	err := c.ValidateTTS(context.Background(), "kokoro", "nova")
	if err == nil {
		t.Fatal("expected error for unknown voice")
	}
	for _, want := range []string{"nova", "af_heart", "af_sky"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestValidateTTS_ListUnavailableSkipsValidation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL)
	if err := c.ValidateTTS(context.Background(), "anything", "goes"); err != nil {
		t.Errorf("validation should be skipped when the list is unavailable, got %v", err)
	}
	if _, ok := c.ListAge(); ok {
		t.Error("ListAge ok = true, want false after failed fetch")
	}
}

func TestValidateTTS_ServesStaleCatalog(t *testing.T) {
	var down atomic.Bool
	srv := newListServer(t, &down)
	defer srv.Close()

	c := New(srv.URL, WithListTTL(time.Millisecond))
	if err := c.ValidateTTS(context.Background(), "kokoro", "af_sky"); err != nil {
		t.Fatalf("first validation: %v", err)
	}

	down.Store(true)
	time.Sleep(5 * time.Millisecond)

	// Refresh fails; the stale catalog still answers.
	if err := c.ValidateTTS(context.Background(), "kokoro", "af_sky"); err != nil {
		t.Errorf("stale catalog should validate, got %v", err)
	}
	err := c.ValidateTTS(context.Background(), "bark", "x")
	if err == nil {
		t.Error("stale catalog should still reject unknown models")
	}
}

func TestModelList_CachedWithinTTL(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(ttsListBody))
	}))
	defer srv.Close()

	c := New(srv.URL)
	_ = c.ValidateTTS(context.Background(), "kokoro", "af_heart")
	_ = c.ValidateTTS(context.Background(), "piper", "en_US")
	if n := calls.Load(); n != 1 {
		t.Errorf("model list fetched %d times, want 1", n)
	}
}

func TestRefreshAndListAge(t *testing.T) {
	srv := newListServer(t, nil)
	defer srv.Close()

	c := New(srv.URL)
	if _, ok := c.ListAge(); ok {
		t.Fatal("ListAge ok = true before any fetch")
	}

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	age, ok := c.ListAge()
	if !ok {
		t.Fatal("ListAge ok = false after Refresh")
	}
	if age > time.Minute {
		t.Errorf("age = %v, want recent", age)
	}
}

func TestParseTTSID(t *testing.T) {
	tests := []struct {
		id    string
		model string
		voice string
		ok    bool
	}{
		{"tts:kokoro:af_heart", "kokoro", "af_heart", true},
		{"tts:piper:en_US:low", "piper", "en_US:low", true},
		{"tts:kokoro", "", "", false},
		{"tts::af_heart", "", "", false},
		{"tts:kokoro:", "", "", false},
		{"stt:whisper:base", "", "", false},
		{"qwen3-8b", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		model, voice, ok := ParseTTSID(tt.id)
		if model != tt.model || voice != tt.voice || ok != tt.ok {
			t.Errorf("ParseTTSID(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.id, model, voice, ok, tt.model, tt.voice, tt.ok)
		}
	}
}

// newListServer serves the canned model list. When down is non-nil and set,
// it answers 503 instead.
func newListServer(t *testing.T, down *atomic.Bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != modelsPath {
			http.NotFound(w, r)
			return
		}
		if down != nil && down.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(ttsListBody))
	}))
}
