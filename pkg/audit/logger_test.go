package audit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pario-ai/genqueue/pkg/models"
)

func tempCfg(t *testing.T) models.AuditConfig {
	t.Helper()
	return models.AuditConfig{
		Enabled:       true,
		DBPath:        filepath.Join(t.TempDir(), "audit_test.db"),
		RetentionDays: 90,
		MaxBodySize:   1024,
		Include:       []string{"transcripts", "responses", "metadata"},
	}
}

func mustNew(t *testing.T, cfg models.AuditConfig) *Logger {
	t.Helper()
	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func sampleInteraction() models.Interaction {
	return models.Interaction{
		ConversationID: "conv-1",
		Transcript: []models.Turn{
			{Role: "system", Content: "You are the narrator."},
			{Role: "user", Content: "I light the lantern."},
		},
		Request: models.RequestMeta{
			RequestID: "req-001",
			Source:    "narration",
			Priority:  10,
			Model:     "llama3",
			Provider:  "local",
		},
		Response: models.ResponseMeta{
			Outcome:   "success",
			LatencyMs: 150,
			WaitMs:    12,
			Chars:     24,
		},
		ResultText: "Warm light fills the hall.",
		CreatedAt:  time.Now(),
	}
}

func TestLogAndQuery(t *testing.T) {
	l := mustNew(t, tempCfg(t))
	ctx := context.Background()

	ia := sampleInteraction()
	if err := l.LogInteraction(ctx, ia); err != nil {
		t.Fatalf("LogInteraction: %v", err)
	}

	got, err := l.Query(ctx, models.InteractionQueryOpts{ConversationID: "conv-1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 interaction, got %d", len(got))
	}
	if diff := cmp.Diff(ia.Transcript, got[0].Transcript); diff != "" {
		t.Errorf("transcript mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(ia.Request, got[0].Request); diff != "" {
		t.Errorf("request meta mismatch (-want +got):\n%s", diff)
	}
	if got[0].ResultText != ia.ResultText {
		t.Errorf("expected result %q, got %q", ia.ResultText, got[0].ResultText)
	}
}

func TestQueryFilters(t *testing.T) {
	l := mustNew(t, tempCfg(t))
	ctx := context.Background()

	_ = l.LogInteraction(ctx, sampleInteraction())
	failed := sampleInteraction()
	failed.Request.RequestID = "req-002"
	failed.Request.Source = "dialogue"
	failed.Response.Outcome = "provider_error"
	failed.ResultText = ""
	failed.ErrorText = "local/llama3: status 503"
	_ = l.LogInteraction(ctx, failed)

	byID, err := l.Query(ctx, models.InteractionQueryOpts{RequestID: "req-002"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(byID) != 1 || byID[0].ErrorText != failed.ErrorText {
		t.Fatalf("expected req-002 with error text, got %+v", byID)
	}

	bySource, _ := l.Query(ctx, models.InteractionQueryOpts{Source: "narration"})
	if len(bySource) != 1 {
		t.Errorf("expected 1 narration interaction, got %d", len(bySource))
	}
	byOutcome, _ := l.Query(ctx, models.InteractionQueryOpts{Outcome: "provider_error"})
	if len(byOutcome) != 1 || byOutcome[0].Request.RequestID != "req-002" {
		t.Errorf("expected req-002 for provider_error, got %+v", byOutcome)
	}
	limited, _ := l.Query(ctx, models.InteractionQueryOpts{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("expected limit 1, got %d", len(limited))
	}
}

func TestExcludeSources(t *testing.T) {
	cfg := tempCfg(t)
	cfg.ExcludeSources = []string{"narration"}
	l := mustNew(t, cfg)
	ctx := context.Background()

	if err := l.LogInteraction(ctx, sampleInteraction()); err != nil {
		t.Fatalf("LogInteraction: %v", err)
	}

	got, err := l.Query(ctx, models.InteractionQueryOpts{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected 0 interactions for excluded source, got %d", len(got))
	}
}

func TestBodyTruncation(t *testing.T) {
	cfg := tempCfg(t)
	cfg.MaxBodySize = 16
	l := mustNew(t, cfg)
	ctx := context.Background()

	ia := sampleInteraction()
	ia.ResultText = strings.Repeat("x", 100)
	if err := l.LogInteraction(ctx, ia); err != nil {
		t.Fatalf("LogInteraction: %v", err)
	}

	got, err := l.Query(ctx, models.InteractionQueryOpts{RequestID: "req-001"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got[0].ResultText) != 16 {
		t.Errorf("expected truncated result len 16, got %d", len(got[0].ResultText))
	}
	if got[0].Transcript != nil {
		t.Errorf("expected truncated transcript to be dropped, got %+v", got[0].Transcript)
	}
}

func TestIncludeFiltering(t *testing.T) {
	cfg := tempCfg(t)
	cfg.Include = nil
	l := mustNew(t, cfg)
	ctx := context.Background()

	if err := l.LogInteraction(ctx, sampleInteraction()); err != nil {
		t.Fatalf("LogInteraction: %v", err)
	}

	got, err := l.Query(ctx, models.InteractionQueryOpts{RequestID: "req-001"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if got[0].Transcript != nil {
		t.Errorf("expected no transcript, got %+v", got[0].Transcript)
	}
	if got[0].ResultText != "" {
		t.Errorf("expected empty result, got %q", got[0].ResultText)
	}
	if got[0].Request.Model != "" || got[0].Request.Provider != "" {
		t.Errorf("expected metadata dropped, got %+v", got[0].Request)
	}
	if got[0].Response.Outcome != "success" {
		t.Errorf("outcome must always be kept, got %q", got[0].Response.Outcome)
	}
}

func TestCleanup(t *testing.T) {
	cfg := tempCfg(t)
	cfg.RetentionDays = 0 // everything is old
	l := mustNew(t, cfg)
	ctx := context.Background()

	ia := sampleInteraction()
	ia.CreatedAt = time.Now().AddDate(0, 0, -1)
	_ = l.LogInteraction(ctx, ia)

	deleted, err := l.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", deleted)
	}
}

func TestStats(t *testing.T) {
	l := mustNew(t, tempCfg(t))
	ctx := context.Background()

	_ = l.LogInteraction(ctx, sampleInteraction())
	ia2 := sampleInteraction()
	ia2.Request.RequestID = "req-002"
	_ = l.LogInteraction(ctx, ia2)

	stats, err := l.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("expected 1 stat row, got %d", len(stats))
	}
	if stats[0].Count != 2 || stats[0].Source != "narration" || stats[0].Outcome != "success" {
		t.Errorf("unexpected stat %+v", stats[0])
	}
}

func TestNilLoggerSafe(t *testing.T) {
	var l *Logger
	if err := l.LogInteraction(context.Background(), sampleInteraction()); err != nil {
		t.Errorf("nil logger should be safe: %v", err)
	}
}

func TestNewInvalidPath(t *testing.T) {
	cfg := models.AuditConfig{
		Enabled: true,
		DBPath:  filepath.Join(os.TempDir(), "nonexistent", "deep", "path", "audit.db"),
	}
	_, err := New(cfg)
	if err == nil {
		t.Error("expected error for invalid path")
	}
}

func TestAdapters(t *testing.T) {
	ctx := context.Background()
	if err := Or(nil).LogInteraction(ctx, sampleInteraction()); err != nil {
		t.Errorf("Nop returned %v", err)
	}

	boom := errors.New("disk full")
	var seen string
	f := Func(func(_ context.Context, ia models.Interaction) error {
		seen = ia.Request.RequestID
		return boom
	})
	if err := Or(f).LogInteraction(ctx, sampleInteraction()); !errors.Is(err, boom) {
		t.Errorf("expected passthrough error, got %v", err)
	}
	if seen != "req-001" {
		t.Errorf("expected Func to see req-001, got %q", seen)
	}
}
