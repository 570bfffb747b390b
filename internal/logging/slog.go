package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/Graylog2/go-gelf/gelf"
	"github.com/lmittmann/tint"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// ServiceName tags records sent through the OTel bridge and Graylog.
const ServiceName = "annotator"

// replaced in tests
var (
	osStdout io.Writer = os.Stdout
	osPipe             = os.Pipe
)

// levels maps config level names to slog levels. Unknown names mean INFO.
var levels = map[string]slog.Level{
	"DEBUG": slog.LevelDebug,
	"INFO":  slog.LevelInfo,
	"WARN":  slog.LevelWarn,
	"ERROR": slog.LevelError,
}

func parseLevel(level string) slog.Level {
	if lvl, ok := levels[strings.ToUpper(level)]; ok {
		return lvl
	}
	return slog.LevelInfo
}

// utcTime renders record timestamps as RFC 3339 in UTC.
func utcTime(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.TimeKey {
		return a
	}
	if t, ok := a.Value.Any().(time.Time); ok {
		a.Value = slog.StringValue(t.UTC().Format(time.RFC3339))
	}
	return a
}

// SlogManager owns the process logger and the writers behind it.
type SlogManager struct {
	logger      *slog.Logger
	logProvider *sdklog.LoggerProvider
	closers     []io.Closer
}

// NewSlogManager creates an unconfigured manager. Logger falls back to
// slog.Default until Setup runs.
func NewSlogManager() *SlogManager {
	return &SlogManager{}
}

// Setup builds the logger. Records go to file as text when one is given,
// else to the console on stdout. extra handlers receive every record too,
// and a non-nil provider adds the OTel bridge.
func (m *SlogManager) Setup(file io.Writer, level string, provider *sdklog.LoggerProvider, extra ...slog.Handler) {
	m.logProvider = provider

	primary := ConsoleHandler(osStdout, level)
	if file != nil {
		primary = slog.NewTextHandler(file, &slog.HandlerOptions{Level: parseLevel(level), ReplaceAttr: utcTime})
	}
	handlers := append([]slog.Handler{primary}, extra...)
	if provider != nil {
		handlers = append(handlers, otelslog.NewHandler(ServiceName, otelslog.WithLoggerProvider(provider)))
	}

	m.logger = slog.New(NewMultiHandler(handlers...))
	m.logger.Debug("Logging initialized", "level", level, "handlers", len(handlers))
}

// ConsoleHandler returns a colored terminal handler writing to w.
func ConsoleHandler(w io.Writer, level string) slog.Handler {
	return tint.NewHandler(w, &tint.Options{Level: parseLevel(level), TimeFormat: time.TimeOnly})
}

// UseContext wraps the current logger so every record carries the
// attributes returned by provider.
func (m *SlogManager) UseContext(provider ContextProvider) {
	m.logger = slog.New(NewContextHandler(m.Logger().Handler(), provider))
}

// Logger returns the configured logger.
func (m *SlogManager) Logger() *slog.Logger {
	if m.logger == nil {
		return slog.Default()
	}
	return m.logger
}

// GraylogHandler opens a GELF UDP writer to address and returns a JSON
// handler over it. Close releases the writer.
func (m *SlogManager) GraylogHandler(address, level string) (slog.Handler, error) {
	w, err := gelf.NewWriter(address)
	if err != nil {
		return nil, fmt.Errorf("graylog writer for %s: %w", address, err)
	}
	w.Facility = ServiceName
	m.closers = append(m.closers, w)
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(level), ReplaceAttr: utcTime}), nil
}

// Flush pushes buffered OTel records.
func (m *SlogManager) Flush(ctx context.Context) error {
	if m.logProvider == nil {
		return nil
	}
	return m.logProvider.ForceFlush(ctx)
}

// Close releases writers opened by the manager.
func (m *SlogManager) Close() error {
	errs := make([]error, 0, len(m.closers))
	for _, c := range m.closers {
		errs = append(errs, c.Close())
	}
	m.closers = nil
	return errors.Join(errs...)
}
