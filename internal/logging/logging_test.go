package logging_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/shpitdev/soldcomp/internal/logging"
)

func TestNew_JSONCarriesRunField(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{JSON: true, Output: &buf})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logging.Run(logger, "abc").Info("started")
	_ = logger.Sync()

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line[logging.FieldRun] != "abc" {
		t.Fatalf("run field = %v, want abc", line[logging.FieldRun])
	}
	if line["msg"] != "started" {
		t.Fatalf("msg = %v", line["msg"])
	}
}

func TestNew_LevelFilters(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Level: "WARN", Output: &buf})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown")
	_ = logger.Sync()

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestNew_RejectsUnknownLevel(t *testing.T) {
	t.Parallel()

	if _, err := logging.New(logging.Options{Level: "loud"}); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
