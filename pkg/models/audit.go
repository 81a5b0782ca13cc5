package models

import "time"

// Interaction is one audited request/response pair produced by the queue.
type Interaction struct {
	ConversationID string       `json:"conversation_id"`
	Transcript     []Turn       `json:"transcript,omitempty"`
	Request        RequestMeta  `json:"request"`
	Response       ResponseMeta `json:"response"`
	ResultText     string       `json:"result_text,omitempty"`
	ErrorText      string       `json:"error_text,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// RequestMeta describes how a generation request was admitted.
type RequestMeta struct {
	RequestID string `json:"request_id"`
	Source    string `json:"source"`
	Priority  int    `json:"priority"`
	Model     string `json:"model,omitempty"`
	Provider  string `json:"provider"`
}

// ResponseMeta describes how a generation request finished.
type ResponseMeta struct {
	Outcome   string `json:"outcome"` // "success", "provider_error", "cancelled"
	LatencyMs int64  `json:"latency_ms"`
	WaitMs    int64  `json:"wait_ms"`
	Chars     int    `json:"chars"`
}

// AuditConfig controls the interaction log.
type AuditConfig struct {
	Enabled        bool     `yaml:"enabled"`
	DBPath         string   `yaml:"db_path"`
	RetentionDays  int      `yaml:"retention_days"`
	Include        []string `yaml:"include"` // "transcripts", "responses", "metadata"
	ExcludeSources []string `yaml:"exclude_sources"`
	MaxBodySize    int      `yaml:"max_body_size"` // bytes
}

// InteractionQueryOpts specifies filters for querying the interaction log.
type InteractionQueryOpts struct {
	ConversationID string
	RequestID      string
	Source         string
	Outcome        string
	Since          time.Time
	Limit          int
}

// InteractionStat holds aggregate counts for a source/outcome/day combination.
type InteractionStat struct {
	Source  string
	Outcome string
	Day     string
	Count   int
}
