package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"

	"gateway/internal/config"
)

func TestNewRespectsLevel(t *testing.T) {
	logger, err := New(config.LogConfig{Level: "warn", Encoding: "json"})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("info must be disabled at warn level")
	}
	if !logger.Core().Enabled(zapcore.ErrorLevel) {
		t.Fatalf("error must be enabled at warn level")
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New(config.LogConfig{Level: "loud"}); err == nil {
		t.Fatalf("expected parse error")
	}
}
