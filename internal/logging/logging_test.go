package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{" error ", slog.LevelError},
		{"loud", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewWithWriter_Format(t *testing.T) {
	var jsonBuf, textBuf bytes.Buffer
	NewWithWriter(&jsonBuf, "info", "JSON").Info("escrow created", "escrowId", "esc_1")
	NewWithWriter(&textBuf, "info", "text").Info("escrow created", "escrowId", "esc_1")

	if !json.Valid(jsonBuf.Bytes()) {
		t.Errorf("json format produced %q", jsonBuf.String())
	}
	if !strings.Contains(textBuf.String(), "escrowId=esc_1") {
		t.Errorf("text format produced %q", textBuf.String())
	}
}

func TestNewWithWriter_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "error", "text")
	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info logged at error level: %q", buf.String())
	}
	if !NewWithWriter(&buf, "debug", "text").Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("debug not enabled at debug level")
	}
}

func TestScopeAccessors(t *testing.T) {
	ctx := context.Background()
	if RequestID(ctx) != "" || UserID(ctx) != "" {
		t.Fatal("empty context carries ids")
	}
	if FromContext(ctx) != slog.Default() {
		t.Fatal("empty context should fall back to slog.Default")
	}

	custom := New("debug", "json")
	ctx = WithLogger(ctx, custom)
	ctx = WithRequestID(ctx, "first")
	ctx = WithRequestID(ctx, "second")
	ctx = WithUserID(ctx, "user_buyer")

	if got := RequestID(ctx); got != "second" {
		t.Errorf("RequestID = %q, want second", got)
	}
	if got := UserID(ctx); got != "user_buyer" {
		t.Errorf("UserID = %q", got)
	}
	if FromContext(ctx) != custom {
		t.Error("logger lost after adding ids")
	}
}

func TestL_AppliesScope(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info", "json"))
	ctx = WithRequestID(ctx, "req-456")
	ctx = WithUserID(ctx, "user_buyer")
	ctx = With(ctx, "escrowId", "esc_1")

	L(ctx).Info("escrow locked", "state", "LOCKED")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("want one JSON line, got %q: %v", buf.String(), err)
	}
	want := map[string]string{
		"request_id": "req-456",
		"user_id":    "user_buyer",
		"escrowId":   "esc_1",
		"state":      "LOCKED",
	}
	for k, v := range want {
		if line[k] != v {
			t.Errorf("%s = %v, want %v", k, line[k], v)
		}
	}
}

func TestWith_DoesNotLeakBetweenBranches(t *testing.T) {
	var buf bytes.Buffer
	base := With(WithLogger(context.Background(), NewWithWriter(&buf, "info", "json")), "a", 1)
	left := With(base, "side", "left")
	_ = With(base, "side", "right")

	L(left).Info("x")
	if strings.Contains(buf.String(), "right") {
		t.Fatalf("sibling context leaked fields: %q", buf.String())
	}
}
