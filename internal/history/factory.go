package history

import (
	"context"
	"errors"
	"fmt"

	"visionchat/config"
	"visionchat/internal/storage"
)

// Result holds the recorder and the storage connection it owns.
// The caller is responsible for calling Close.
type Result struct {
	Recorder Recorder
	Storage  storage.Storage
}

// Close releases the recorder and then the storage connection.
// Safe to call multiple times.
func (r *Result) Close() error {
	var errs []error
	if r.Recorder != nil {
		if err := r.Recorder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("recorder close: %w", err))
		}
	}
	if r.Storage != nil {
		if err := r.Storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
		r.Storage = nil
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %w", errors.Join(errs...))
	}
	return nil
}

// New creates a history recorder from configuration. When history is
// disabled it returns a NoopRecorder and opens no database.
func New(ctx context.Context, cfg *config.Config) (*Result, error) {
	if !cfg.History.Enabled {
		return &Result{Recorder: NoopRecorder{}}, nil
	}

	conn, err := storage.New(ctx, buildStorageConfig(cfg.Storage))
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	store, err := createStore(conn, cfg.History.RetentionDays)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Result{
		Recorder: NewLogger(store, buildLoggerConfig(cfg.History)),
		Storage:  conn,
	}, nil
}

func buildStorageConfig(cfg config.StorageConfig) storage.Config {
	sc := storage.Config{
		Type:       cfg.Type,
		SQLite:     storage.SQLiteConfig{Path: cfg.SQLite.Path},
		PostgreSQL: storage.PostgreSQLConfig{URL: cfg.PostgreSQL.URL, MaxConns: cfg.PostgreSQL.MaxConns},
		MongoDB:    storage.MongoDBConfig{URL: cfg.MongoDB.URL, Database: cfg.MongoDB.Database},
	}
	if sc.Type == "" {
		sc.Type = storage.TypeSQLite
	}
	return sc
}

// createStore picks the Store implementation matching the open connection.
func createStore(conn storage.Storage, retentionDays int) (Store, error) {
	switch conn.Type() {
	case storage.TypeSQLite:
		return NewSQLiteStore(conn.SQLiteDB(), retentionDays)
	case storage.TypePostgreSQL:
		return NewPostgreSQLStore(conn.PostgreSQLPool(), retentionDays)
	case storage.TypeMongoDB:
		return NewMongoDBStore(conn.MongoDatabase(), retentionDays)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", conn.Type())
	}
}

func buildLoggerConfig(cfg config.HistoryConfig) Config {
	out := DefaultConfig()
	out.Enabled = cfg.Enabled
	out.RetentionDays = cfg.RetentionDays
	if cfg.BufferSize > 0 {
		out.BufferSize = cfg.BufferSize
	}
	if cfg.FlushInterval > 0 {
		out.FlushInterval = cfg.FlushInterval
	}
	return out
}
