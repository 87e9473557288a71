package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestID(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetRequestID(ctx))

	ctx = WithRequestID(ctx, "req-123")
	assert.Equal(t, "req-123", GetRequestID(ctx))
	assert.NotNil(t, Logger(ctx))
}

func TestGenerationOptions(t *testing.T) {
	ctx := context.Background()
	opts := GetGenerationOptions(ctx)
	assert.Nil(t, opts.Temperature)
	assert.Nil(t, opts.MaxTokens)

	temp := 0.7
	ctx = WithGenerationOptions(ctx, GenerationOptions{Temperature: &temp})

	// Overrides survive detachment from the caller's cancellation.
	detached := context.WithoutCancel(ctx)
	opts = GetGenerationOptions(detached)
	require.NotNil(t, opts.Temperature)
	assert.InDelta(t, 0.7, *opts.Temperature, 1e-9)
	assert.Nil(t, opts.MaxTokens)
}
