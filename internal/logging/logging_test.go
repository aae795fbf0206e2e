package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)
	if !l.Enabled() {
		t.Fatal("Enabled() = false, want true")
	}

	l.Info("loaded %d blocks", 3)
	l.Stage("s1", "selector", "gpt-4o-mini", 120, 8)
	l.Sync()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %q", len(lines), buf.String())
	}

	var info map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &info); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info["msg"] != "loaded 3 blocks" || info["level"] != "info" {
		t.Errorf("info entry = %v", info)
	}

	var stage map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &stage); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stage["stage"] != "selector" || stage["prompt_tokens"] != float64(120) {
		t.Errorf("stage entry = %v", stage)
	}
}

func TestRequestTruncates(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)
	l.Request("submit", strings.Repeat("x", 600))
	l.Sync()

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	raw, _ := entry["raw"].(string)
	if len(raw) != 503 || !strings.HasSuffix(raw, "...") {
		t.Errorf("raw length = %d, want 500 chars plus ellipsis", len(raw))
	}
}

func TestNopDiscards(t *testing.T) {
	l := Nop()
	if l.Enabled() {
		t.Error("Enabled() = true, want false")
	}
	l.Debug("ignored")
	l.Error("also ignored %d", 1)
	l.Close()
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("abcdef", 3); got != "abc..." {
		t.Errorf("truncate = %q, want abc...", got)
	}
}
