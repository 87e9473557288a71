// Package backends provides a factory for creating vision model backends.
package backends

import (
	"fmt"
	"net/http"
	"sort"
	"sync"

	"visionchat/internal/core"
)

// Config is the backend configuration handed to a constructor.
type Config struct {
	Type    string
	BaseURL string
	Model   string
	APIKey  string

	Temperature float64
	MaxTokens   int

	MaxImageSide   int
	MaxImagePixels int
	JPEGQuality    int
	MaxRetries     int

	// HTTPClient is shared by all backends. Nil selects the default transport.
	HTTPClient *http.Client
}

// Constructor creates a vision model from configuration.
type Constructor func(cfg Config) (core.VisionModel, error)

// Registration ties a backend type name to its constructor.
// Backend packages export one as a package-level variable.
type Registration struct {
	Type string
	New  Constructor
}

// Factory creates backends by type name.
type Factory struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewFactory creates an empty factory.
func NewFactory() *Factory {
	return &Factory{constructors: make(map[string]Constructor)}
}

// Add registers a backend. A later registration for the same type replaces the earlier one.
func (f *Factory) Add(reg Registration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[reg.Type] = reg.New
}

// Create instantiates the backend named by cfg.Type.
func (f *Factory) Create(cfg Config) (core.VisionModel, error) {
	f.mu.RLock()
	ctor, ok := f.constructors[cfg.Type]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown backend type: %s (registered: %v)", cfg.Type, f.RegisteredTypes())
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("backend %s: model is required", cfg.Type)
	}
	return ctor(cfg)
}

// RegisteredTypes returns the registered backend type names, sorted.
func (f *Factory) RegisteredTypes() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	types := make([]string, 0, len(f.constructors))
	for t := range f.constructors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
