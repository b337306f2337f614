package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("warn", "json", &buf)
	l.Infof("hidden %d", 1)
	l.Warnf("shown %d", 2)
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown 2") {
		t.Fatalf("expected warn line, got %s", out)
	}
}

func TestWithAddsField(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("debug", "json", &buf).With("user_id", "u1")
	l.Debugf("hello")
	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	if line["user_id"] != "u1" || line["level"] != "debug" {
		t.Fatalf("unexpected log line: %v", line)
	}
}
