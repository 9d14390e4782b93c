// Package logging builds the service's slog logger and carries request
// scoped fields on the context.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type scopeKey struct{}

// scope is what a request carries: its logger and the fields every line
// logged through L must include.
type scope struct {
	logger    *slog.Logger
	requestID string
	userID    string
	fields    []any
}

func scopeFrom(ctx context.Context) scope {
	if s, ok := ctx.Value(scopeKey{}).(scope); ok {
		return s
	}
	return scope{}
}

func withScope(ctx context.Context, s scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// ParseLevel maps a LOG_LEVEL value to a slog level. Unknown values mean info.
func ParseLevel(level string) slog.Level {
	level = strings.TrimSpace(level)
	if strings.EqualFold(level, "warning") {
		return slog.LevelWarn
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// New returns a logger writing to stdout. format is "json" or "text".
func New(level, format string) *slog.Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, level, format string) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl, AddSource: lvl <= slog.LevelDebug}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// WithLogger attaches logger to ctx.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	s := scopeFrom(ctx)
	s.logger = logger
	return withScope(ctx, s)
}

// WithRequestID tags every later log line on ctx with request_id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	s := scopeFrom(ctx)
	s.requestID = requestID
	return withScope(ctx, s)
}

// WithUserID tags every later log line on ctx with user_id.
func WithUserID(ctx context.Context, userID string) context.Context {
	s := scopeFrom(ctx)
	s.userID = userID
	return withScope(ctx, s)
}

// With adds key/value pairs to every later log line on ctx.
func With(ctx context.Context, args ...any) context.Context {
	s := scopeFrom(ctx)
	s.fields = append(s.fields[:len(s.fields):len(s.fields)], args...)
	return withScope(ctx, s)
}

func RequestID(ctx context.Context) string { return scopeFrom(ctx).requestID }

func UserID(ctx context.Context) string { return scopeFrom(ctx).userID }

// FromContext returns the attached logger, or slog.Default.
func FromContext(ctx context.Context) *slog.Logger {
	if l := scopeFrom(ctx).logger; l != nil {
		return l
	}
	return slog.Default()
}

// L returns the context's logger with its request fields applied.
func L(ctx context.Context) *slog.Logger {
	s := scopeFrom(ctx)
	logger := s.logger
	if logger == nil {
		logger = slog.Default()
	}
	args := make([]any, 0, 4+len(s.fields))
	if s.requestID != "" {
		args = append(args, "request_id", s.requestID)
	}
	if s.userID != "" {
		args = append(args, "user_id", s.userID)
	}
	args = append(args, s.fields...)
	if len(args) == 0 {
		return logger
	}
	return logger.With(args...)
}
