package correlation

import (
	"context"

	"github.com/google/uuid"
)

type key int

// Key is the context key carrying the correlation id across pipeline stages.
const Key key = 0

// With returns a context carrying id. An empty id gets a fresh UUID so every
// message is traceable even when the upstream stage did not set one.
func With(ctx context.Context, id string) context.Context {
	if id == "" {
		id = uuid.New().String()
	}
	return context.WithValue(ctx, Key, id)
}

// From extracts the correlation id, or "unknown" when none is set.
func From(ctx context.Context) string {
	if id, ok := ctx.Value(Key).(string); ok && id != "" {
		return id
	}
	return "unknown"
}
