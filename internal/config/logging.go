package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// LevelTrace is a custom slog level below [slog.LevelDebug] for
// wire-level forensics: raw request and response bodies exchanged with
// the model provider and the media servers. The value -8 matches the
// Trace level other slog extensions use, OpenTelemetry's included.
//
// Trace output is very verbose. Enable it only while chasing a
// provider or server bug. API keys are never logged at any level.
const LevelTrace = slog.Level(-8)

// ParseLogLevel converts a case-insensitive string to an [slog.Level].
//
// Accepted values:
//   - "trace" maps to [LevelTrace] (wire-level payloads)
//   - "debug" maps to [slog.LevelDebug] (per-request and per-tool detail)
//   - "info" or "" maps to [slog.LevelInfo] (normal operation)
//   - "warn" or "warning" maps to [slog.LevelWarn]
//   - "error" maps to [slog.LevelError]
//
// Surrounding whitespace is trimmed before matching. Any other value is
// an error, returned alongside [slog.LevelInfo].
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
	}
}

// ReplaceLogLevelNames is an [slog.HandlerOptions.ReplaceAttr] function
// that renders [LevelTrace] as "TRACE". slog knows nothing about custom
// levels and would otherwise print "DEBUG-4".
//
// Set it when constructing a handler:
//
//	slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
//	    Level:       config.LevelTrace,
//	    ReplaceAttr: config.ReplaceLogLevelNames,
//	})
//
// [NewLogger] already does this.
func ReplaceLogLevelNames(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		level, ok := a.Value.Any().(slog.Level)
		if ok && level == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}

// NewLogger builds the process logger from the log_level and log_format
// settings. Format "json" selects [slog.JSONHandler]; anything else is
// text.
func NewLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl, err := ParseLogLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{
		Level:       lvl,
		ReplaceAttr: ReplaceLogLevelNames,
	}
	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), nil
}
