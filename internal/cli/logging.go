package cli

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the process-wide logger used by commands and the server.
var Logger = slog.Default()

// InitLogging configures Logger from QATRACK_LOG (debug, info, warn, error)
// and QATRACK_LOG_FORMAT (text or json) and installs it as the slog default.
func InitLogging() {
	Logger = newLogger(os.Stderr, os.Getenv("QATRACK_LOG"), os.Getenv("QATRACK_LOG_FORMAT"))
	slog.SetDefault(Logger)
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// parseLevel accepts slog level names in any case; anything else is info.
func parseLevel(name string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(name))); err != nil {
		return slog.LevelInfo
	}
	return level
}
