package logging

import (
	"testing"

	"github.com/pario-ai/genqueue/pkg/config"
	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	for _, lvl := range []string{"", "debug", "info", "warn", "error"} {
		l, err := New(config.LogConfig{Level: lvl})
		if err != nil {
			t.Fatalf("level %q: %v", lvl, err)
		}
		_ = l.Sync()
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New(config.LogConfig{Level: "shouting"}); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestNewDevelopment(t *testing.T) {
	l, err := New(config.LogConfig{Level: "debug", Development: true})
	if err != nil {
		t.Fatal(err)
	}
	if !l.Core().Enabled(zapcore.DebugLevel) {
		t.Error("expected debug enabled")
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("expected nop logger")
	}
}
