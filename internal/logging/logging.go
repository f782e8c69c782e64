package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"arclimb/internal/config"
)

// New returns a slog.Logger with the provided level string (info, debug, warn, error).
// format may be "json" or "text".
func New(level string, format string) *slog.Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter is New writing to w.
func NewWithWriter(w io.Writer, level string, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "traditional":
		handler = NewTraditionalHandler(w, parseLevel(level))
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Setup configures global logging with optional dated file output.
func Setup(cfg *config.Config) (*slog.Logger, error) {
	// Always include stdout for immediate feedback
	writers := []io.Writer{os.Stdout}

	if cfg.Logging.FileOutput {
		if err := os.MkdirAll(cfg.Logging.LogDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		logFile := filepath.Join(cfg.Logging.LogDir, fmt.Sprintf("arclimb-%s.log",
			time.Now().Format("2006-01-02")))

		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writers = append(writers, file)

		// Point arclimb-current.log at today's file; failure is not fatal.
		currentLogPath := filepath.Join(cfg.Logging.LogDir, "arclimb-current.log")
		_ = os.Remove(currentLogPath)
		_ = os.Symlink(filepath.Base(logFile), currentLogPath)

		pruneOldLogs(cfg.Logging.LogDir, cfg.Logging.MaxAge)
	}

	slogLogger := NewWithWriter(io.MultiWriter(writers...), cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(slogLogger)

	slogLogger.Info("arclimb logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"file_output", cfg.Logging.FileOutput,
		"log_dir", cfg.Logging.LogDir,
	)

	return slogLogger, nil
}

// pruneOldLogs removes dated log files older than maxAge days.
func pruneOldLogs(dir string, maxAge int) {
	if maxAge <= 0 {
		return
	}
	matches, err := filepath.Glob(filepath.Join(dir, "arclimb-*.log"))
	if err != nil {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -maxAge)
	for _, m := range matches {
		day, err := time.Parse("2006-01-02", strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), "arclimb-"), ".log"))
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			_ = os.Remove(m)
		}
	}
}

// TraditionalHandler implements slog.Handler with traditional log formatting:
// a timestamp, [LEVEL], the message and the attributes in brackets.
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Level
	attrs  []slog.Attr
	group  string
}

// NewTraditionalHandler returns a TraditionalHandler writing to w.
func NewTraditionalHandler(w io.Writer, level slog.Level) *TraditionalHandler {
	return &TraditionalHandler{logger: log.New(w, "", log.LstdFlags), level: level}
}

func (h *TraditionalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(ctx context.Context, r slog.Record) error {
	msg := r.Message
	attrs := make([]string, 0, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs = append(attrs, h.format(a))
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, h.format(a))
		return true
	})

	if len(attrs) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(attrs, " "))
	}

	h.logger.Printf("[%s] %s", strings.ToUpper(r.Level.String()), msg)
	return nil
}

func (h *TraditionalHandler) format(a slog.Attr) string {
	key := a.Key
	if h.group != "" {
		key = h.group + "." + key
	}
	return fmt.Sprintf("%s=%v", key, a.Value)
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &next
}

func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	next := *h
	if next.group != "" {
		name = next.group + "." + name
	}
	next.group = name
	return &next
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogJobStart logs the beginning of a construction job
func LogJobStart(logger *slog.Logger, jobType, jobID string, nodes []string, options map[string]any) {
	logger.Info("job started",
		"type", jobType,
		"id", jobID,
		"nodes", nodes,
		"options", options,
	)
}

// LogJobComplete logs successful job completion
func LogJobComplete(logger *slog.Logger, jobType, jobID string, duration time.Duration, resultInfo map[string]any) {
	logger.Info("job completed successfully",
		"type", jobType,
		"id", jobID,
		"duration_ms", duration.Milliseconds(),
		"duration_human", duration.String(),
		"result", resultInfo,
	)
}

// LogJobError logs job failures
func LogJobError(logger *slog.Logger, jobType, jobID string, duration time.Duration, err error, context map[string]any) {
	logger.Error("job failed",
		"type", jobType,
		"id", jobID,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
		"context", context,
	)
}

// LogQuery logs the outcome of a point query. Definitive negative answers
// (no path, unmappable) are logged at info, everything else that failed at
// warn.
func LogQuery(logger *slog.Logger, src, dst string, duration time.Duration, confidence float64, path []string, err error, definitive bool) {
	switch {
	case err == nil:
		logger.Debug("query answered",
			"src", src,
			"dst", dst,
			"confidence", confidence,
			"hops", len(path)-1,
			"path", path,
			"duration_us", duration.Microseconds(),
		)
	case definitive:
		logger.Info("query has no answer",
			"src", src,
			"dst", dst,
			"reason", err.Error(),
			"duration_us", duration.Microseconds(),
		)
	default:
		logger.Warn("query failed",
			"src", src,
			"dst", dst,
			"error", err.Error(),
		)
	}
}
