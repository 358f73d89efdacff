package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from ctx: trace ids, agent holder, task, phase.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if holder := HolderFromContext(ctx); holder != "" {
		fields = append(fields, zap.String("agent.holder", holder))
	}
	if taskID := TaskIDFromContext(ctx); taskID != "" {
		fields = append(fields, zap.String("task.id", taskID))
	}
	if phase := PhaseFromContext(ctx); phase != "" {
		fields = append(fields, zap.String("phase", phase))
	}
	return fields
}

type holderCtxKey struct{}
type taskCtxKey struct{}
type phaseCtxKey struct{}
type loggerCtxKey struct{}

// WithHolder tags ctx with the agent's lease holder id.
func WithHolder(ctx context.Context, holder string) context.Context {
	return context.WithValue(ctx, holderCtxKey{}, holder)
}

// HolderFromContext returns the holder id or "".
func HolderFromContext(ctx context.Context) string {
	h, _ := ctx.Value(holderCtxKey{}).(string)
	return h
}

// WithTaskID tags ctx with the task being worked.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskCtxKey{}, id)
}

// TaskIDFromContext returns the task id or "".
func TaskIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(taskCtxKey{}).(string)
	return id
}

// WithPhase tags ctx with the pipeline phase (planning, execution, validation).
func WithPhase(ctx context.Context, phase string) context.Context {
	return context.WithValue(ctx, phaseCtxKey{}, phase)
}

// PhaseFromContext returns the phase or "".
func PhaseFromContext(ctx context.Context) string {
	p, _ := ctx.Value(phaseCtxKey{}).(string)
	return p
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return Nop()
}
