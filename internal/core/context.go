package core

import (
	"context"
	"log/slog"
)

type contextKey string

const requestIDKey contextKey = "request-id"

// WithRequestID returns a new context carrying the request ID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID retrieves the request ID from the context.
// Returns empty string if not found.
func GetRequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Logger returns the default slog logger annotated with the request ID, if any.
func Logger(ctx context.Context) *slog.Logger {
	if id := GetRequestID(ctx); id != "" {
		return slog.Default().With("request_id", id)
	}
	return slog.Default()
}

const generationOptionsKey contextKey = "generation-options"

// GenerationOptions carries per-request sampling overrides to the backend.
// Nil fields keep the backend's configured values.
type GenerationOptions struct {
	Temperature *float64
	MaxTokens   *int
}

// WithGenerationOptions returns a new context carrying per-request sampling overrides.
func WithGenerationOptions(ctx context.Context, opts GenerationOptions) context.Context {
	return context.WithValue(ctx, generationOptionsKey, opts)
}

// GetGenerationOptions retrieves the sampling overrides from the context.
func GetGenerationOptions(ctx context.Context) GenerationOptions {
	if v, ok := ctx.Value(generationOptionsKey).(GenerationOptions); ok {
		return v
	}
	return GenerationOptions{}
}
