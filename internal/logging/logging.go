package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Setup configures the global zerolog settings and returns the root
// logger. When logDir is non-empty, output is mirrored to a dated log
// file next to the console writer.
func Setup(level string, logDir string) (zerolog.Logger, error) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	var w io.Writer = console

	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return zerolog.Logger{}, err
		}
		name := "engine_" + time.Now().Format("2006-01-02") + ".log"
		f, err := os.OpenFile(filepath.Join(logDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Logger{}, err
		}
		w = io.MultiWriter(console, f)
	}

	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

// ForBot returns a child logger tagged with the bot name and symbol.
func ForBot(root zerolog.Logger, bot, symbol string) zerolog.Logger {
	return root.With().Str("bot", bot).Str("symbol", symbol).Logger()
}
