package telemetry

import (
	"context"
	"errors"
	"log/slog"
)

// mirrorHandler sends each record to primary and, when primary accepts its
// level, to mirror as well. The primary's level gates both.
type mirrorHandler struct {
	primary slog.Handler
	mirror  slog.Handler
}

func (h *mirrorHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level)
}

func (h *mirrorHandler) Handle(ctx context.Context, r slog.Record) error {
	err := h.primary.Handle(ctx, r.Clone())
	if h.mirror.Enabled(ctx, r.Level) {
		err = errors.Join(err, h.mirror.Handle(ctx, r))
	}
	return err
}

func (h *mirrorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &mirrorHandler{primary: h.primary.WithAttrs(attrs), mirror: h.mirror.WithAttrs(attrs)}
}

func (h *mirrorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &mirrorHandler{primary: h.primary.WithGroup(name), mirror: h.mirror.WithGroup(name)}
}
