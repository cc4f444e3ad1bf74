package telemetry

import (
	"log/slog"
	"os"
	"strings"
)

// logLevel is shared by every handler installed through SetupLogger so SetLogLevel
// can change verbosity at runtime (config hot reload) without rebuilding the logger.
var logLevel = new(slog.LevelVar)

// ParseLevel maps a configuration string to a slog level.
// Accepted: "debug", "info", "warn"/"warning", "error" (case-insensitive); anything else is info.
func ParseLevel(level string) slog.Level {
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

// SetupLogger configures the global slog default logger based on the supplied format and level
// strings read from application configuration.
//
// format: "json"  → JSONHandler (machine readable; recommended for production)
//
//	anything else → TextHandler (human readable; suitable for local development)
//
// The configured logger is installed as the default so slog.Info/Warn/Error calls elsewhere
// use it without carrying a *slog.Logger around.
func SetupLogger(format, level string) {
	lvl := ParseLevel(level)
	logLevel.Set(lvl)

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialised", "format", format, "level", lvl.String())
}

// SetLogLevel changes the level of the logger installed by SetupLogger.
// Returns true when the level actually changed.
func SetLogLevel(level string) bool {
	lvl := ParseLevel(level)
	if logLevel.Level() == lvl {
		return false
	}
	logLevel.Set(lvl)
	return true
}

// CurrentLogLevel returns the active level
func CurrentLogLevel() slog.Level {
	return logLevel.Level()
}
