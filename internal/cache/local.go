package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultLocalTTL is how long a locally cached description stays valid.
const DefaultLocalTTL = 24 * time.Hour

type localFile struct {
	Version int                           `json:"version"`
	Entries map[string]*CachedDescription `json:"entries"`
}

// LocalCache implements Cache with an in-process map, optionally persisted to
// a JSON file. This is suitable for single-instance deployments.
type LocalCache struct {
	mu       sync.RWMutex
	filePath string
	ttl      time.Duration
	entries  map[string]*CachedDescription
	loaded   bool
	now      func() time.Time
}

// NewLocalCache creates a new local cache. An empty filePath keeps entries in
// memory only.
func NewLocalCache(filePath string, ttl time.Duration) *LocalCache {
	if ttl <= 0 {
		ttl = DefaultLocalTTL
	}
	return &LocalCache{
		filePath: filePath,
		ttl:      ttl,
		entries:  make(map[string]*CachedDescription),
		now:      time.Now,
	}
}

// Get retrieves a description, loading the cache file on first use.
func (c *LocalCache) Get(ctx context.Context, key string) (*CachedDescription, error) {
	if err := c.ensureLoaded(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || c.now().Sub(entry.CreatedAt) > c.ttl {
		return nil, nil
	}
	cp := *entry
	return &cp, nil
}

// Set stores a description and rewrites the cache file.
func (c *LocalCache) Set(ctx context.Context, key string, value *CachedDescription) error {
	if value == nil {
		return nil
	}
	if err := c.ensureLoaded(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cp := *value
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = c.now()
	}
	c.entries[key] = &cp
	c.pruneLocked()
	return c.persistLocked()
}

func (c *LocalCache) ensureLoaded() error {
	c.mu.RLock()
	loaded := c.loaded
	c.mu.RUnlock()
	if loaded {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return nil
	}
	c.loaded = true

	if c.filePath == "" {
		return nil
	}

	data, err := os.ReadFile(c.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // No cache file yet, not an error
		}
		return fmt.Errorf("failed to read cache file: %w", err)
	}

	var file localFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse cache file: %w", err)
	}
	for k, v := range file.Entries {
		if v != nil {
			c.entries[k] = v
		}
	}
	c.pruneLocked()
	return nil
}

func (c *LocalCache) pruneLocked() {
	now := c.now()
	for k, v := range c.entries {
		if now.Sub(v.CreatedAt) > c.ttl {
			delete(c.entries, k)
		}
	}
}

func (c *LocalCache) persistLocked() error {
	if c.filePath == "" {
		return nil
	}

	// Ensure directory exists
	dir := filepath.Dir(c.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	data, err := json.MarshalIndent(localFile{Version: 1, Entries: c.entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cache: %w", err)
	}

	// Write atomically using temp file + rename
	tmpFile := c.filePath + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := os.Rename(tmpFile, c.filePath); err != nil {
		os.Remove(tmpFile) // Clean up temp file
		return fmt.Errorf("failed to rename cache file: %w", err)
	}

	return nil
}

// Len returns the number of cached descriptions, including expired ones not yet pruned.
func (c *LocalCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close is a no-op for local cache.
func (c *LocalCache) Close() error {
	return nil
}
