package logging

import (
	"context"
	"log/slog"
)

// ContextProvider returns attributes evaluated when a record is handled,
// not when the logger is built.
type ContextProvider func() []slog.Attr

// ContextHandler appends the provider's attributes to every record before
// passing it on.
type ContextHandler struct {
	next     slog.Handler
	provider ContextProvider
}

func NewContextHandler(next slog.Handler, provider ContextProvider) *ContextHandler {
	return &ContextHandler{next: next, provider: provider}
}

func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.provider != nil {
		if attrs := h.provider(); len(attrs) > 0 {
			r = r.Clone()
			r.AddAttrs(attrs...)
		}
	}
	return h.next.Handle(ctx, r)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return NewContextHandler(h.next.WithAttrs(attrs), h.provider)
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return NewContextHandler(h.next.WithGroup(name), h.provider)
}

// VideoAttrs tags records with the video returned by current. Records
// logged while no video is bound carry no video attribute.
func VideoAttrs(current func() string) ContextProvider {
	return func() []slog.Attr {
		if current == nil {
			return nil
		}
		v := current()
		if v == "" {
			return nil
		}
		return []slog.Attr{slog.String("video", v)}
	}
}
