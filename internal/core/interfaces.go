// Package core defines the core interfaces and types for the vision chat service.
package core

import "context"

// Encoding is the model-produced representation of one image. It is expensive to
// produce and cheap to reuse. The encoding store owns every Encoding it holds and
// calls Release exactly once when the entry is evicted or invalidated.
type Encoding interface {
	// Size reports the approximate memory held by the encoding, in bytes.
	Size() int64

	// Release frees the resources held by the encoding. The encoding must not be
	// used after Release returns.
	Release()
}

// VisionModel is the capability the service consumes from an inference backend.
// Implementations are not required to be safe for concurrent use; callers must
// serialize access through the inference gate.
type VisionModel interface {
	// Name identifies the backend and model, e.g. "ollama/moondream".
	Name() string

	// Encode turns raw image bytes into a reusable Encoding.
	Encode(ctx context.Context, image []byte) (Encoding, error)

	// Answer answers a natural-language question about an encoded image.
	Answer(ctx context.Context, enc Encoding, question string) (string, error)
}

// Describer is implemented by backends with a dedicated captioning capability.
// When absent, descriptions are produced by Answer with the configured prompt.
type Describer interface {
	Describe(ctx context.Context, enc Encoding) (string, error)
}

// AvailabilityChecker is implemented by backends that can check their server.
type AvailabilityChecker interface {
	CheckAvailability(ctx context.Context) error
}
