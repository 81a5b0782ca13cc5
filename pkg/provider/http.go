package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pario-ai/genqueue/pkg/config"
	"github.com/pario-ai/genqueue/pkg/logging"
	"github.com/pario-ai/genqueue/pkg/models"
	"github.com/pario-ai/genqueue/pkg/stream"
	"go.uber.org/zap"
)

const (
	anthropicVersion   = "2023-06-01"
	anthropicMaxTokens = 1024
	maxErrorBody       = 512
	healthTimeout      = 5 * time.Second
)

// HTTP talks to a single OpenAI-compatible or Anthropic backend and
// streams its server-sent events to the watcher.
type HTTP struct {
	cfg    config.ProviderConfig
	client *http.Client
	logger *zap.Logger
}

// HTTPOption configures an HTTP provider.
type HTTPOption func(*HTTP)

// WithHTTPClient overrides http.DefaultClient.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTP) { h.client = c }
}

// WithHTTPLogger sets the logger.
func WithHTTPLogger(l *zap.Logger) HTTPOption {
	return func(h *HTTP) { h.logger = logging.OrNop(l) }
}

// NewHTTP creates a provider for one configured backend.
func NewHTTP(cfg config.ProviderConfig, opts ...HTTPOption) *HTTP {
	h := &HTTP{
		cfg:    cfg,
		client: http.DefaultClient,
		logger: zap.NewNop(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Name returns the configured provider name.
func (h *HTTP) Name() string { return h.cfg.Name }

// Complete streams a completion for transcript. If the primary model fails
// before producing output and opts.FallbackModel is set, the fallback model
// is tried once on the same backend.
func (h *HTTP) Complete(ctx context.Context, transcript []models.Turn, opts models.CallOptions, w stream.Watcher) (string, error) {
	w = stream.Or(w)
	model := opts.Model
	if model == "" {
		model = h.cfg.DefaultModel
	}

	text, err := h.attempt(ctx, model, transcript, w.OnChunk)
	if err != nil && opts.FallbackModel != "" && opts.FallbackModel != model && ctx.Err() == nil && Retryable(err) {
		h.logger.Warn("primary model failed, trying fallback",
			zap.String("provider", h.cfg.Name),
			zap.String("model", model),
			zap.String("fallback", opts.FallbackModel),
			zap.Error(err))
		text, err = h.attempt(ctx, opts.FallbackModel, transcript, w.OnChunk)
	}
	return finish(w, text, err)
}

// CheckHealth reports whether the backend answers its model listing.
func (h *HTTP) CheckHealth(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	target, err := url.Parse(h.cfg.URL)
	if err != nil {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String()+"/v1/models", nil)
	if err != nil {
		return false
	}
	for k, v := range h.headers() {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		h.logger.Debug("health check failed", zap.String("provider", h.cfg.Name), zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (h *HTTP) format() string {
	if h.cfg.Type == "anthropic" {
		return "anthropic"
	}
	return "openai"
}

func (h *HTTP) headers() map[string]string {
	if h.format() == "anthropic" {
		return map[string]string{
			"x-api-key":         h.cfg.APIKey,
			"anthropic-version": anthropicVersion,
		}
	}
	if h.cfg.APIKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + h.cfg.APIKey}
}

func (h *HTTP) buildBody(model string, transcript []models.Turn) (path string, body []byte, err error) {
	if h.format() == "anthropic" {
		var system []string
		var msgs []models.Turn
		for _, t := range transcript {
			if t.Role == "system" {
				system = append(system, t.Content)
				continue
			}
			msgs = append(msgs, t)
		}
		maxTokens := h.cfg.MaxTokens
		if maxTokens <= 0 {
			maxTokens = anthropicMaxTokens
		}
		body, err = json.Marshal(models.AnthropicRequest{
			Model:     model,
			Messages:  msgs,
			System:    strings.Join(system, "\n\n"),
			MaxTokens: maxTokens,
			Stream:    true,
		})
		return "/v1/messages", body, err
	}

	req := models.ChatCompletionRequest{
		Model:    model,
		Messages: transcript,
		Stream:   true,
	}
	if h.cfg.MaxTokens > 0 {
		req.MaxTokens = &h.cfg.MaxTokens
	}
	body, err = json.Marshal(req)
	return "/v1/chat/completions", body, err
}

// attempt performs one streaming call without touching the watcher's
// terminal methods.
func (h *HTTP) attempt(ctx context.Context, model string, transcript []models.Turn, onChunk func(string)) (string, error) {
	if h.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.Timeout)
		defer cancel()
	}

	fail := func(status int, body string, streamed bool, err error) error {
		return &UpstreamError{
			Provider:   h.cfg.Name,
			Model:      model,
			StatusCode: status,
			Body:       body,
			Streamed:   streamed,
			Err:        err,
		}
	}

	path, body, err := h.buildBody(model, transcript)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	resp, err := doUpstreamStreamRequest(ctx, h.client, h.cfg.URL, path, "application/json", h.headers(), body)
	if err != nil {
		return "", fail(0, "", false, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", fail(resp.StatusCode, strings.TrimSpace(string(msg)), false, nil)
	}

	var out strings.Builder
	emit := func(s string) {
		if s == "" {
			return
		}
		out.WriteString(s)
		onChunk(s)
	}

	if err := readSSE(resp.Body, h.format(), emit); err != nil {
		return "", fail(0, "", out.Len() > 0, err)
	}
	return out.String(), nil
}

// doUpstreamStreamRequest sends a request to an upstream provider and returns the raw response.
// The caller owns resp.Body and must close it.
func doUpstreamStreamRequest(ctx context.Context, client *http.Client, providerURL, path, contentType string, headers map[string]string, body []byte) (*http.Response, error) {
	target, err := url.Parse(providerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid provider URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String()+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return client.Do(req)
}

// readSSE parses an SSE body and hands every text delta to emit.
func readSSE(r io.Reader, format string, emit func(string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		switch format {
		case "anthropic":
			var evt models.AnthropicStreamEvent
			if err := json.Unmarshal([]byte(data), &evt); err != nil {
				continue
			}
			switch evt.Type {
			case "content_block_delta":
				var delta models.AnthropicTextDelta
				if err := json.Unmarshal(evt.Delta, &delta); err == nil {
					emit(delta.Text)
				}
			case "error":
				if evt.Error != nil {
					return fmt.Errorf("stream error: %s: %s", evt.Error.Type, evt.Error.Message)
				}
				return fmt.Errorf("stream error")
			case "message_stop":
				return nil
			}
		default:
			if data == "[DONE]" {
				return nil
			}
			var chunk models.ChatCompletionChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			for _, c := range chunk.Choices {
				emit(c.Delta.Content)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}
	return nil
}
