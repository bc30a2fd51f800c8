package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for input, want := range cases {
		if got := ParseLevel(input); got != want {
			t.Fatalf("ParseLevel(%q): expected %v, got %v", input, want, got)
		}
	}
}

func TestJSONLoggerWritesStructuredAttributes(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := newLogger(buf, "info", true)

	logger.Debug("hidden")
	logger.Info("incident opened", "incident_id", "INC-1")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("expected a single json record, got %q: %v", buf.String(), err)
	}
	if record["incident_id"] != "INC-1" {
		t.Fatalf("expected incident_id attribute, got %#v", record)
	}
}
