package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestNewLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger("info", &buf)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	logger.Debug("hidden")
	logger.Info("shown", "k", 1)
	if out := buf.String(); strings.Contains(out, "hidden") || !strings.Contains(out, "shown") || !strings.Contains(out, "k=1") {
		t.Fatalf("out=%q", out)
	}

	buf.Reset()
	logger, _ = NewLogger("trace", &buf)
	logger.Log(context.Background(), LevelTrace, "decision")
	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Fatalf("out=%q", buf.String())
	}

	if _, err := NewLogger("loud", &buf); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
