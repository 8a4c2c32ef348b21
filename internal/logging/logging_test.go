package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestNew_Levels(t *testing.T) {
	if l := New("", "text"); l == nil {
		t.Fatal("expected non-nil logger")
	}
	if l := New("debug", "text"); !l.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("expected debug level to be enabled")
	}
	if l := New("error", "json"); l.Enabled(context.Background(), slog.LevelWarn) {
		t.Error("expected warn to be disabled at error level")
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-123")
	if got := RequestID(ctx); got != "req-123" {
		t.Errorf("RequestID = %q, want req-123", got)
	}
	if got := RequestID(context.Background()); got != "" {
		t.Errorf("expected empty request ID, got %q", got)
	}
}

func TestL_AttachesRequestID(t *testing.T) {
	base := New("info", "text")
	ctx := WithLogger(WithRequestID(context.Background(), "req-9"), base)
	if L(ctx) == nil {
		t.Fatal("expected logger")
	}
	if FromContext(context.Background()) == nil {
		t.Fatal("expected default logger fallback")
	}
}
