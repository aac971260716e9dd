package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestLoggerLevelAndService(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "api", "warn")
	l.Info("hidden")
	l.Warn("shown", "load_id", "l1")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 1 {
		t.Fatalf("expected one line at warn level, got %d", len(lines))
	}
	var rec map[string]any
	if err := json.Unmarshal(lines[0], &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec["service"] != "api" || rec["load_id"] != "l1" || rec["msg"] != "shown" {
		t.Fatalf("unexpected record %v", rec)
	}
}
