package context

import (
	"context"
	"strings"
)

type runIDKey struct{}
type batchIDKey struct{}
type fileIDKey struct{}
type requestIDKey struct{}

// WithRunID stores the ingest run identifier on the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return withValue(ctx, runIDKey{}, runID)
}

func RunIDFromContext(ctx context.Context) string {
	return stringValue(ctx, runIDKey{})
}

// WithBatch stores the batch and source file identifiers on the context.
func WithBatch(ctx context.Context, batchID, fileID string) context.Context {
	ctx = withValue(ctx, batchIDKey{}, batchID)
	return withValue(ctx, fileIDKey{}, fileID)
}

func BatchIDFromContext(ctx context.Context) string {
	return stringValue(ctx, batchIDKey{})
}

func FileIDFromContext(ctx context.Context) string {
	return stringValue(ctx, fileIDKey{})
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withValue(ctx, requestIDKey{}, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	return stringValue(ctx, requestIDKey{})
}

func withValue(ctx context.Context, key any, value string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func stringValue(ctx context.Context, key any) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}
