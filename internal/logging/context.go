package logging

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey struct{}

func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// Ctx returns the request or connection scoped logger, or the process logger.
func Ctx(ctx context.Context) zerolog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
		return l
	}
	return L()
}

// WithConnection scopes the context logger to one websocket connection.
func WithConnection(ctx context.Context, connID string) (context.Context, zerolog.Logger) {
	l := Ctx(ctx).With().Str(FieldConnectionID, connID).Logger()
	return WithLogger(ctx, l), l
}

// WithAccount tags the context logger with the authenticated account.
// An empty role is omitted, as on HTTP requests that only carry a user id.
func WithAccount(ctx context.Context, userID int64, role string) (context.Context, zerolog.Logger) {
	lc := Ctx(ctx).With().Int64(FieldUserID, userID)
	if role != "" {
		lc = lc.Str(FieldRole, role)
	}
	l := lc.Logger()
	return WithLogger(ctx, l), l
}
