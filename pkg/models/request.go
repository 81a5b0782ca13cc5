package models

import "encoding/json"

// Turn is a single entry in a conversation transcript.
type Turn struct {
	Role    string `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

// CallOptions selects the model for one completion call.
// An empty Model means the provider default.
type CallOptions struct {
	Model         string `json:"model,omitempty"`
	FallbackModel string `json:"fallback_model,omitempty"`
}

// ChatCompletionRequest is an OpenAI-compatible chat completion request.
type ChatCompletionRequest struct {
	Model       string   `json:"model"`
	Messages    []Turn   `json:"messages"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
}

// ChatCompletionChunk is an OpenAI streaming chunk.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// ChunkChoice is a choice within a streaming chunk.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Turn    `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// AnthropicRequest is an Anthropic /v1/messages request.
type AnthropicRequest struct {
	Model     string `json:"model"`
	Messages  []Turn `json:"messages"`
	System    string `json:"system,omitempty"`
	MaxTokens int    `json:"max_tokens"`
	Stream    bool   `json:"stream,omitempty"`
}

// AnthropicStreamEvent represents an Anthropic SSE event.
type AnthropicStreamEvent struct {
	Type  string          `json:"type"`
	Delta json.RawMessage `json:"delta,omitempty"`
	Error *AnthropicError `json:"error,omitempty"`
}

// AnthropicError is the payload of an Anthropic "error" stream event.
type AnthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// AnthropicTextDelta is the delta payload of a content_block_delta event.
type AnthropicTextDelta struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}
