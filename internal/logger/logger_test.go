package logger_test

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"

	"github.com/chapps-project/chappsd/internal/logger"
)

func TestNew_DefaultsToInfo(t *testing.T) {
	l := logger.New(logger.Options{})
	if l.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("expected info level default, got %v", l.GetLevel())
	}
}

func TestNew_InvalidLevelFallsBackToInfo(t *testing.T) {
	l := logger.New(logger.Options{Level: "not-a-level"})
	if l.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("expected info level fallback, got %v", l.GetLevel())
	}
}

func TestNew_RespectsDebugLevel(t *testing.T) {
	l := logger.New(logger.Options{Level: "debug"})
	if l.GetLevel() != zerolog.DebugLevel {
		t.Fatalf("expected debug level, got %v", l.GetLevel())
	}

	var buf bytes.Buffer
	scoped := l.Output(&buf)
	scoped.Debug().Msg("hello")
	if buf.Len() == 0 {
		t.Fatalf("expected debug message to be written")
	}
}
