// Package history records describe and ask interactions for later inspection.
// Entries are buffered in memory and written to the configured database in
// batches, so recording never blocks a request.
package history

import (
	"context"
	"time"
)

// Operation names recorded in Entry.Operation.
const (
	OperationDescribe      = "describe"
	OperationAsk           = "ask"
	OperationBatchDescribe = "batch_describe"
	OperationChat          = "chat"
	OperationBatchChat     = "batch_chat"
)

// Store defines the interface for history storage backends.
// Implementations must be safe for concurrent use.
type Store interface {
	// WriteBatch writes multiple entries to storage.
	WriteBatch(ctx context.Context, entries []*Entry) error

	// Flush forces any pending writes to complete.
	Flush(ctx context.Context) error

	// Close releases resources held by the store. It does not close the
	// underlying database connection, which belongs to the storage layer.
	Close() error
}

// Entry is one recorded interaction.
type Entry struct {
	ID        string    `json:"id" bson:"_id"`
	RequestID string    `json:"request_id" bson:"request_id"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
	Operation string    `json:"operation" bson:"operation"`

	ImageKey string `json:"image_key,omitempty" bson:"image_key,omitempty"`
	// Digest is the hex content hash of the image.
	Digest string `json:"digest,omitempty" bson:"digest,omitempty"`

	Question string `json:"question,omitempty" bson:"question,omitempty"`
	Answer   string `json:"answer,omitempty" bson:"answer,omitempty"`
	Model    string `json:"model" bson:"model"`

	DurationMs int64 `json:"duration_ms" bson:"duration_ms"`
	// ErrorType is the error taxonomy type when the interaction failed.
	ErrorType string `json:"error_type,omitempty" bson:"error_type,omitempty"`
}

// Config holds history recording configuration
type Config struct {
	Enabled bool

	// BufferSize is the number of entries held in memory before new ones are dropped
	BufferSize int

	// FlushInterval is how often buffered entries are written
	FlushInterval time.Duration

	// RetentionDays is how long to keep entries (0 = forever)
	RetentionDays int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Enabled:       false,
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
		RetentionDays: 30,
	}
}

// Recorder accepts history entries. Both Logger and NoopRecorder implement it.
type Recorder interface {
	Write(entry *Entry)
	Close() error
}
