package logging

import (
	"io"
	"log/slog"
	"time"

	"github.com/rs/zerolog"
)

// NewZerolog builds the zerolog logger used by the catalog database and
// InfluxDB managers.
func NewZerolog(w io.Writer, level string) zerolog.Logger {
	if w == nil {
		w = io.Discard
	}
	zerolog.TimeFieldFormat = time.RFC3339
	return zerolog.New(w).
		Level(zerologLevel(level)).
		With().
		Timestamp().
		Str("service", ServiceName).
		Logger()
}

func zerologLevel(level string) zerolog.Level {
	switch parseLevel(level) {
	case slog.LevelDebug:
		return zerolog.DebugLevel
	case slog.LevelWarn:
		return zerolog.WarnLevel
	case slog.LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
