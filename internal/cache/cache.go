// Package cache provides a description cache keyed by image content.
// Supports both local (in-memory/file) and Redis backends for multi-instance deployments.
//
// Only descriptions are cached, never encodings: an encoding is bound to the
// live model process and is held by the encoding store.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// CachedDescription is a description stored for one image and model.
type CachedDescription struct {
	Description string    `json:"description"`
	Model       string    `json:"model"`
	CreatedAt   time.Time `json:"created_at"`
}

// Cache defines the interface for description cache storage.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Get retrieves the description stored under key.
	// Returns nil, nil when nothing is cached.
	Get(ctx context.Context, key string) (*CachedDescription, error)

	// Set stores a description under key.
	Set(ctx context.Context, key string, value *CachedDescription) error

	// Close releases any resources held by the cache.
	Close() error
}

// Key builds the cache key for an image digest described by model with prompt.
// Changing the describe prompt yields new keys, so old descriptions are not served.
func Key(model, prompt string, digest uint64) string {
	return fmt.Sprintf("%s:%016x:%016x", model, xxhash.Sum64String(prompt), digest)
}
