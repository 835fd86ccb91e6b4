package logger

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys carried through request/mutation scopes.
type ContextKey string

const (
	// TraceIDKey is the context key for a correlation/trace identifier.
	TraceIDKey ContextKey = "trace_id"
	// MutationIDKey is the context key for the mutation currently being processed.
	MutationIDKey ContextKey = "mutation_id"
	// ChannelKey is the context key for the bus channel currently being handled.
	ChannelKey ContextKey = "channel"
	// ActorKey is the context key for the agent/system that originated a
	// mutation (domain.Mutation.Source), the bus equivalent of a request's
	// user identity.
	ActorKey ContextKey = "actor"
	// RoleKey is the context key for the kind of change a mutation makes
	// (domain.Mutation.Type), the bus equivalent of a request's user role.
	RoleKey ContextKey = "role"
)

// NewTraceID generates a fresh correlation identifier.
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID attaches a trace ID to ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithMutationID attaches a mutation ID to ctx.
func WithMutationID(ctx context.Context, mutationID string) context.Context {
	return context.WithValue(ctx, MutationIDKey, mutationID)
}

// WithChannel attaches a bus channel name to ctx.
func WithChannel(ctx context.Context, channel string) context.Context {
	return context.WithValue(ctx, ChannelKey, channel)
}

// WithActor attaches the originating agent/system identity to ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, ActorKey, actor)
}

// WithRole attaches the mutation's type (the kind of change it makes) to ctx.
func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, RoleKey, role)
}

// WithContext returns a log entry enriched with any trace/mutation/channel/
// actor/role values carried on ctx, tagged with Component when one was
// configured.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.base()
	if v, ok := ctx.Value(TraceIDKey).(string); ok && v != "" {
		entry = entry.WithField("trace_id", v)
	}
	if v, ok := ctx.Value(MutationIDKey).(string); ok && v != "" {
		entry = entry.WithField("mutation_id", v)
	}
	if v, ok := ctx.Value(ChannelKey).(string); ok && v != "" {
		entry = entry.WithField("channel", v)
	}
	if v, ok := ctx.Value(ActorKey).(string); ok && v != "" {
		entry = entry.WithField("actor", v)
	}
	if v, ok := ctx.Value(RoleKey).(string); ok && v != "" {
		entry = entry.WithField("role", v)
	}
	return entry
}
