package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLoggerJSONLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{Level: "warn", Format: "json"}, &buf)

	logger.Info().Msg("hidden")
	logger.Warn().Str("component", "test").Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info entry should be filtered: %s", out)
	}
	if !strings.Contains(out, `"component":"test"`) {
		t.Fatalf("missing field: %s", out)
	}
}

func TestNewLoggerWritesFileSink(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "tickdl.log")
	logger := newLogger(Config{Level: "info", Format: "console", File: path, MaxSizeMB: 1}, &buf)

	logger.Info().Str("chunk", "100000_199999_1_2.csv").Msg("saved chunk")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"chunk":"100000_199999_1_2.csv"`) {
		t.Fatalf("log file should hold JSON: %s", data)
	}
	if !strings.Contains(buf.String(), "saved chunk") {
		t.Fatalf("console should receive the entry too: %s", buf.String())
	}
}
