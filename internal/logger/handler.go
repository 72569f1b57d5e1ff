package logger

import (
	"context"
	"log/slog"

	"embedpipe/internal/correlation"
)

type ContextHandler struct {
	slog.Handler
}

// NewContextHandler wraps h so every record logged with a context carrying a
// correlation id gets a correlation_id attribute.
func NewContextHandler(h slog.Handler) *ContextHandler {
	return &ContextHandler{Handler: h}
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id, ok := ctx.Value(correlation.Key).(string); ok && id != "" {
		r.AddAttrs(slog.String("correlation_id", id))
	}
	return h.Handler.Handle(ctx, r)
}
