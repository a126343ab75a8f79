package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// level is shared by every handler SetupLogger installs so SetLevel can change verbosity
// after a config reload without rebuilding the logger.
var level = new(slog.LevelVar)

// SetupLogger configures the global slog default logger to write to stdout.
//
// format: "json" → JSONHandler; anything else → TextHandler.
// level: "debug", "info", "warn", "error" (case-insensitive); defaults to "info".
func SetupLogger(format, lvl string) {
	SetupLoggerTo(os.Stdout, format, lvl)
}

// SetupLoggerTo is SetupLogger with an explicit destination. auditctl logs to stderr so
// command output on stdout stays machine readable.
func SetupLoggerTo(w io.Writer, format, lvl string) {
	parsed := parseLevel(lvl)
	level.Set(parsed)

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: parsed == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	slog.SetDefault(slog.New(handler))
	slog.Debug("logger initialised", "format", format, "level", parsed.String())
}

// SetLevel changes the level of the logger installed by SetupLogger.
func SetLevel(lvl string) {
	parsed := parseLevel(lvl)
	if level.Level() == parsed {
		return
	}
	level.Set(parsed)
	slog.Info("log level changed", "level", parsed.String())
}

func parseLevel(lvl string) slog.Level {
	switch strings.ToLower(lvl) {
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
