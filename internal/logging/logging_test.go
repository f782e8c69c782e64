package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"arclimb/internal/config"
)

func TestNewWithWriterFormats(t *testing.T) {
	tests := []struct {
		format string
		want   string
	}{
		{"json", `"msg":"hello"`},
		{"text", "msg=hello"},
		{"traditional", "[INFO] hello [k=v]"},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			NewWithWriter(&buf, "info", tt.format).Info("hello", "k", "v")
			if !strings.Contains(buf.String(), tt.want) {
				t.Fatalf("expected %q in %q", tt.want, buf.String())
			}
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "warn", "traditional")
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestTraditionalHandlerKeepsAttrsAndGroups(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraditionalHandler(&buf, slog.LevelDebug)).With("job", "j1").WithGroup("edge")
	logger.Debug("scored", "confidence", 0.5)
	out := buf.String()
	if !strings.Contains(out, "job=j1") || !strings.Contains(out, "edge.confidence=0.5") {
		t.Fatalf("attributes missing: %q", out)
	}
}

func TestSetupWritesDatedFile(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Logging.FileOutput = true
	cfg.Logging.LogDir = dir

	stale := filepath.Join(dir, "arclimb-2001-01-01.log")
	if err := os.WriteFile(stale, nil, 0644); err != nil {
		t.Fatal(err)
	}

	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	if _, err := Setup(cfg); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	today := filepath.Join(dir, "arclimb-"+time.Now().Format("2006-01-02")+".log")
	data, err := os.ReadFile(today)
	if err != nil {
		t.Fatalf("expected log file: %v", err)
	}
	if !strings.Contains(string(data), "arclimb logging initialized") {
		t.Fatalf("startup line missing: %q", data)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("expected stale log removed, stat err=%v", err)
	}
}

func TestLogQuery(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "debug", "text")
	LogQuery(logger, "a", "c", time.Millisecond, 0.72, []string{"a", "b", "c"}, nil, false)
	LogQuery(logger, "a", "z", time.Millisecond, 0, nil, errors.New("no path"), true)
	out := buf.String()
	if !strings.Contains(out, "hops=2") || !strings.Contains(out, "query has no answer") {
		t.Fatalf("unexpected output %q", out)
	}
}
