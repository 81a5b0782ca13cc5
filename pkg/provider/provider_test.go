package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	cachepkg "github.com/pario-ai/genqueue/pkg/cache/sqlite"
	"github.com/pario-ai/genqueue/pkg/config"
	"github.com/pario-ai/genqueue/pkg/models"
	"github.com/pario-ai/genqueue/pkg/stream"
)

func writeOpenAIStream(w http.ResponseWriter, parts ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, p := range parts {
		chunk := models.ChatCompletionChunk{
			ID:      "chatcmpl-1",
			Model:   "llama3",
			Choices: []models.ChunkChoice{{Delta: models.Turn{Content: p}}},
		}
		b, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", b)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func TestHTTPOpenAIStreaming(t *testing.T) {
	var gotReq models.ChatCompletionRequest
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-local" {
			t.Error("expected provider API key in upstream request")
		}
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		writeOpenAIStream(w, "The door ", "creaks ", "open.")
	}))
	defer upstream.Close()

	p := NewHTTP(config.ProviderConfig{Name: "local", URL: upstream.URL, APIKey: "sk-local", DefaultModel: "llama3"})
	col := stream.NewCollector()
	transcript := []models.Turn{{Role: "user", Content: "I open the door."}}

	text, err := p.Complete(context.Background(), transcript, models.CallOptions{}, col)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if text != "The door creaks open." {
		t.Errorf("unexpected text %q", text)
	}
	if diff := cmp.Diff([]string{"The door ", "creaks ", "open."}, col.Chunks()); diff != "" {
		t.Errorf("chunks mismatch (-want +got):\n%s", diff)
	}
	if col.Full() != text || col.Terminals() != 1 {
		t.Errorf("expected single OnComplete with full text, got full=%q terminals=%d", col.Full(), col.Terminals())
	}
	if gotReq.Model != "llama3" || !gotReq.Stream {
		t.Errorf("unexpected upstream request: %+v", gotReq)
	}
	if diff := cmp.Diff(transcript, gotReq.Messages); diff != "" {
		t.Errorf("transcript not passed verbatim (-want +got):\n%s", diff)
	}
}

func TestHTTPAnthropicStreaming(t *testing.T) {
	var gotReq models.AnthropicRequest
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "sk-ant" {
			t.Error("expected x-api-key header")
		}
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\ndata: {\"type\":\"message_start\"}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"A raven \"}}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"caws.\"}}\n\n")
		fmt.Fprint(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	defer upstream.Close()

	p := NewHTTP(config.ProviderConfig{Name: "claude", URL: upstream.URL, APIKey: "sk-ant", Type: "anthropic"})
	col := stream.NewCollector()
	transcript := []models.Turn{
		{Role: "system", Content: "You are the narrator."},
		{Role: "user", Content: "Look outside."},
	}

	text, err := p.Complete(context.Background(), transcript, models.CallOptions{Model: "claude-haiku-4-5"}, col)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if text != "A raven caws." {
		t.Errorf("unexpected text %q", text)
	}
	if gotReq.System != "You are the narrator." || len(gotReq.Messages) != 1 {
		t.Errorf("system turn not lifted: %+v", gotReq)
	}
	if gotReq.MaxTokens != anthropicMaxTokens {
		t.Errorf("expected default max tokens, got %d", gotReq.MaxTokens)
	}
}

func TestHTTPAnthropicStreamError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Half\"}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n")
	}))
	defer upstream.Close()

	p := NewHTTP(config.ProviderConfig{Name: "claude", URL: upstream.URL, Type: "anthropic"})
	col := stream.NewCollector()
	_, err := p.Complete(context.Background(), nil, models.CallOptions{Model: "m"}, col)
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if Retryable(err) {
		t.Error("error after streamed output must not be retryable")
	}
	if col.Err() == nil || col.Terminals() != 1 {
		t.Errorf("expected exactly one OnError, got terminals=%d", col.Terminals())
	}
}

func TestHTTPFallbackModel(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req models.ChatCompletionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		seen = append(seen, req.Model)
		mu.Unlock()
		if req.Model == "big" {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, "model loading")
			return
		}
		writeOpenAIStream(w, "ok")
	}))
	defer upstream.Close()

	p := NewHTTP(config.ProviderConfig{Name: "local", URL: upstream.URL})
	text, err := p.Complete(context.Background(), nil, models.CallOptions{Model: "big", FallbackModel: "small"}, nil)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if text != "ok" {
		t.Errorf("unexpected text %q", text)
	}
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]string{"big", "small"}, seen); diff != "" {
		t.Errorf("attempt order mismatch (-want +got):\n%s", diff)
	}
}

func TestHTTPClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"bad transcript"}`)
	}))
	defer upstream.Close()

	p := NewHTTP(config.ProviderConfig{Name: "local", URL: upstream.URL})
	_, err := p.Complete(context.Background(), nil, models.CallOptions{Model: "a", FallbackModel: "b"}, nil)

	var ue *UpstreamError
	if !errors.As(err, &ue) || ue.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 upstream error, got %v", err)
	}
	if !strings.Contains(ue.Error(), "bad transcript") {
		t.Errorf("expected body in error, got %q", ue.Error())
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", calls.Load())
	}
}

func TestHTTPTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer upstream.Close()

	p := NewHTTP(config.ProviderConfig{Name: "slow", URL: upstream.URL, Timeout: 50 * time.Millisecond})
	start := time.Now()
	_, err := p.Complete(context.Background(), nil, models.CallOptions{}, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > time.Second {
		t.Errorf("timeout not enforced, took %v", time.Since(start))
	}
}

func TestHTTPCheckHealth(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, `{"data":[]}`)
	}))
	defer healthy.Close()
	sick := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer sick.Close()

	if !NewHTTP(config.ProviderConfig{Name: "ok", URL: healthy.URL}).CheckHealth(context.Background()) {
		t.Error("expected healthy")
	}
	if NewHTTP(config.ProviderConfig{Name: "sick", URL: sick.URL}).CheckHealth(context.Background()) {
		t.Error("expected unhealthy")
	}
}

func TestRoutedFailover(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeOpenAIStream(w, "from backup")
	}))
	defer up.Close()

	cfg := &config.Config{
		Providers: []config.ProviderConfig{
			{Name: "primary", URL: down.URL},
			{Name: "backup", URL: up.URL},
		},
		Router: config.RouterConfig{Routes: []config.RouteConfig{{
			Model: "narrator",
			Targets: []config.RouteTarget{
				{Provider: "primary", Model: "big"},
				{Provider: "backup", Model: "small"},
			},
		}}},
	}
	p := NewRouted(cfg, nil)
	if p.Name() != "routed(primary,backup)" {
		t.Errorf("unexpected name %q", p.Name())
	}

	col := stream.NewCollector()
	text, err := p.Complete(context.Background(), nil, models.CallOptions{Model: "narrator"}, col)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if text != "from backup" || col.Full() != "from backup" || col.Terminals() != 1 {
		t.Errorf("unexpected result text=%q full=%q terminals=%d", text, col.Full(), col.Terminals())
	}
}

func TestRoutedAllFail(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer down.Close()

	cfg := &config.Config{Providers: []config.ProviderConfig{{Name: "only", URL: down.URL}}}
	col := stream.NewCollector()
	_, err := NewRouted(cfg, nil).Complete(context.Background(), nil, models.CallOptions{Model: "m", FallbackModel: "n"}, col)
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if col.Terminals() != 1 || col.Err() == nil {
		t.Errorf("expected one OnError, got terminals=%d", col.Terminals())
	}
}

func TestRoutedNoProviders(t *testing.T) {
	col := stream.NewCollector()
	_, err := NewRouted(&config.Config{}, nil).Complete(context.Background(), nil, models.CallOptions{}, col)
	if !errors.Is(err, ErrNoRoutes) {
		t.Errorf("expected ErrNoRoutes, got %v", err)
	}
	if col.Terminals() != 1 {
		t.Errorf("expected one terminal call, got %d", col.Terminals())
	}
}

func TestCachedReplaysHit(t *testing.T) {
	var calls atomic.Int32
	next := &Func{
		ProviderName: "fake",
		CompleteFn: func(ctx context.Context, transcript []models.Turn, opts models.CallOptions, w stream.Watcher) (string, error) {
			calls.Add(1)
			w = stream.Or(w)
			w.OnChunk("Torches ")
			w.OnChunk("flicker.")
			w.OnComplete("Torches flicker.")
			return "Torches flicker.", nil
		},
	}
	c, err := cachepkg.New(filepath.Join(t.TempDir(), "cache.db"), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })

	p := NewCached(next, c, nil)
	transcript := []models.Turn{{Role: "user", Content: "Enter the crypt."}}

	if _, err := p.Complete(context.Background(), transcript, models.CallOptions{Model: "m"}, nil); err != nil {
		t.Fatal(err)
	}

	col := stream.NewCollector()
	text, err := p.Complete(context.Background(), transcript, models.CallOptions{Model: "m"}, col)
	if err != nil {
		t.Fatal(err)
	}
	if text != "Torches flicker." || col.Full() != text || col.Terminals() != 1 {
		t.Errorf("unexpected replay text=%q full=%q terminals=%d", text, col.Full(), col.Terminals())
	}
	if calls.Load() != 1 {
		t.Errorf("expected backend called once, got %d", calls.Load())
	}
	if p.Name() != "fake" {
		t.Errorf("expected pass-through name, got %q", p.Name())
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{errors.New("plain"), false},
		{&UpstreamError{StatusCode: 0, Err: errors.New("dial")}, true},
		{&UpstreamError{StatusCode: 503}, true},
		{&UpstreamError{StatusCode: 429}, true},
		{&UpstreamError{StatusCode: 401}, false},
		{&UpstreamError{StatusCode: 0, Streamed: true, Err: errors.New("eof")}, false},
		{fmt.Errorf("wrapped: %w", &UpstreamError{StatusCode: 500}), true},
	}
	for i, tc := range cases {
		if got := Retryable(tc.err); got != tc.want {
			t.Errorf("case %d: Retryable(%v) = %v, want %v", i, tc.err, got, tc.want)
		}
	}
}
