// Package app provides the main application struct for centralized dependency management
// and lifecycle control of the visionchat server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"visionchat/config"
	"visionchat/internal/backends"
	"visionchat/internal/cache"
	"visionchat/internal/coordinator"
	"visionchat/internal/core"
	"visionchat/internal/encstore"
	"visionchat/internal/gate"
	"visionchat/internal/history"
	"visionchat/internal/httpclient"
	"visionchat/internal/server"
)

// App represents the main application with all its dependencies.
// It provides centralized lifecycle management for all components.
type App struct {
	config      *config.Config
	model       core.VisionModel
	store       *encstore.Store
	sweeper     *encstore.Sweeper
	cache       cache.Cache
	history     *history.Result
	coordinator *coordinator.Coordinator
	server      *server.Server

	shutdownMu sync.Mutex
	shutdown   bool
}

// Config holds the configuration options for creating an App.
type Config struct {
	// AppConfig holds the loaded application configuration produced by config.Load.
	AppConfig *config.LoadResult

	// Factory provides the backend constructors.
	Factory *backends.Factory
}

// New creates a new App with all dependencies initialized.
// The caller must call Shutdown to release resources.
func New(ctx context.Context, cfg Config) (*App, error) {
	if cfg.AppConfig == nil {
		return nil, fmt.Errorf("app config is required")
	}
	if cfg.AppConfig.Config == nil {
		return nil, fmt.Errorf("app config contains nil Config")
	}
	if cfg.Factory == nil {
		return nil, fmt.Errorf("factory is required")
	}

	appCfg := cfg.AppConfig.Config
	app := &App{config: appCfg}

	model, err := cfg.Factory.Create(backendConfig(appCfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create backend: %w", err)
	}
	app.model = model
	app.checkBackend(ctx)

	descriptions, err := initCache(appCfg.DescriptionCache)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize description cache: %w", err)
	}
	app.cache = descriptions

	historyResult, err := history.New(ctx, appCfg)
	if err != nil {
		closeErr := app.closeCache()
		if closeErr != nil {
			return nil, fmt.Errorf("failed to initialize history: %w (also: cache close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize history: %w", err)
	}
	app.history = historyResult

	app.store = encstore.New(encstore.Config{
		TTL:        appCfg.EncodingStore.TTL,
		MaxEntries: appCfg.EncodingStore.MaxEntries,
		MaxBytes:   appCfg.EncodingStore.MaxBytes,
	})
	app.sweeper = encstore.NewSweeper(app.store, appCfg.EncodingStore.SweepInterval)
	app.sweeper.Start()

	g := gate.New(model, gate.Config{
		Slots:          appCfg.Inference.Slots,
		CallTimeout:    appCfg.Inference.CallTimeout,
		DescribePrompt: appCfg.Inference.DescribePrompt,
	})

	app.coordinator = coordinator.New(g, app.store, coordinator.Config{
		RequestTimeout: appCfg.Inference.RequestTimeout,
		Cache:          app.cache,
		History:        historyResult.Recorder,
	})

	app.logStartupInfo()

	app.server = server.New(app.coordinator, &server.Config{
		MasterKey:       appCfg.Server.MasterKey,
		MetricsEnabled:  appCfg.Metrics.Enabled,
		MetricsEndpoint: appCfg.Metrics.Endpoint,
		BodyLimit:       appCfg.Server.BodyLimit,
		CORSOrigins:     appCfg.Server.CORSOrigins,
	})

	return app, nil
}

func backendConfig(cfg *config.Config) backends.Config {
	return backends.Config{
		Type:           cfg.Backend.Type,
		BaseURL:        cfg.Backend.BaseURL,
		Model:          cfg.Backend.Model,
		APIKey:         cfg.Backend.APIKey,
		Temperature:    cfg.Backend.Temperature,
		MaxTokens:      cfg.Backend.MaxTokens,
		MaxImageSide:   cfg.Backend.MaxImageSide,
		MaxImagePixels: cfg.Backend.MaxImagePixels,
		JPEGQuality:    cfg.Backend.JPEGQuality,
		MaxRetries:     cfg.Backend.MaxRetries,
		HTTPClient: httpclient.NewHTTPClient(&httpclient.ClientConfig{
			Timeout:               cfg.HTTP.Timeout,
			ResponseHeaderTimeout: cfg.HTTP.ResponseHeaderTimeout,
		}),
	}
}

// checkBackend checks the backend once at startup. A failure is logged, not
// fatal: the model server may come up after us.
func (a *App) checkBackend(ctx context.Context) {
	checker, ok := a.model.(core.AvailabilityChecker)
	if !ok {
		return
	}
	if err := checker.CheckAvailability(ctx); err != nil {
		slog.Warn("backend not reachable at startup", "model", a.model.Name(), "error", err)
		return
	}
	slog.Info("backend reachable", "model", a.model.Name())
}

// initCache builds the description cache. Type "none" (or empty) disables it.
func initCache(cfg config.DescriptionCacheConfig) (cache.Cache, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "local":
		slog.Info("using local description cache", "path", cfg.Local.Path)
		return cache.NewLocalCache(cfg.Local.Path, cfg.TTL), nil
	case "redis":
		redisCache, err := cache.NewRedisCache(cache.RedisConfig{
			URL:    cfg.Redis.URL,
			Prefix: cfg.Redis.Prefix,
			TTL:    cfg.TTL,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("using redis description cache", "prefix", cfg.Redis.Prefix)
		return redisCache, nil
	default:
		return nil, fmt.Errorf("unknown description cache type: %s", cfg.Type)
	}
}

// Coordinator returns the request coordinator.
func (a *App) Coordinator() *coordinator.Coordinator {
	return a.coordinator
}

// Handler returns the HTTP handler, for tests and embedding.
func (a *App) Handler() http.Handler {
	return a.server
}

// Start starts the HTTP server on the given address.
// This is a blocking call that returns when the server stops.
func (a *App) Start(addr string) error {
	if a.server == nil {
		return fmt.Errorf("server is not initialized")
	}
	slog.Info("starting server", "address", addr)
	if err := a.server.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			slog.Info("server stopped gracefully")
			return nil
		}
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown gracefully tears down app components in dependency order:
// HTTP server, sweeper, history (flushes pending entries), description cache.
// Encodings still in the store are released last.
//
// Shutdown is idempotent. It attempts every step and returns a joined error if any fails.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	slog.Info("shutting down application...")

	var errs []error

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}

	if a.sweeper != nil {
		a.sweeper.Stop()
	}

	if a.history != nil {
		if err := a.history.Close(); err != nil {
			slog.Error("history close error", "error", err)
			errs = append(errs, fmt.Errorf("history close: %w", err))
		}
	}

	if err := a.closeCache(); err != nil {
		slog.Error("description cache close error", "error", err)
		errs = append(errs, fmt.Errorf("cache close: %w", err))
	}

	if a.store != nil {
		// Nothing can reach the store once the server is down, so every entry is idle.
		evicted := a.store.Sweep(time.Now().Add(a.store.TTL() + time.Nanosecond))
		slog.Debug("released stored encodings", "count", evicted)
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}

	slog.Info("application shutdown complete")
	return nil
}

func (a *App) closeCache() error {
	if a.cache == nil {
		return nil
	}
	err := a.cache.Close()
	a.cache = nil
	return err
}

// logStartupInfo logs the application configuration on startup.
func (a *App) logStartupInfo() {
	cfg := a.config

	if cfg.Server.MasterKey == "" {
		slog.Warn("SECURITY WARNING: VISIONCHAT_MASTER_KEY not set - server running in UNSAFE MODE",
			"security_risk", "unauthenticated access allowed",
			"recommendation", "set VISIONCHAT_MASTER_KEY environment variable to secure this server")
	} else {
		slog.Info("authentication enabled", "mode", "master_key")
	}

	slog.Info("backend configured",
		"model", a.model.Name(),
		"slots", cfg.Inference.Slots,
		"call_timeout", cfg.Inference.CallTimeout,
		"request_timeout", cfg.Inference.RequestTimeout,
	)

	slog.Info("encoding store configured",
		"ttl", cfg.EncodingStore.TTL,
		"sweep_interval", cfg.EncodingStore.SweepInterval,
		"max_entries", cfg.EncodingStore.MaxEntries,
		"max_bytes", cfg.EncodingStore.MaxBytes,
	)

	if cfg.Metrics.Enabled {
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Metrics.Endpoint)
	} else {
		slog.Info("prometheus metrics disabled")
	}

	if cfg.History.Enabled {
		slog.Info("interaction history enabled",
			"storage_type", cfg.Storage.Type,
			"buffer_size", cfg.History.BufferSize,
			"flush_interval", cfg.History.FlushInterval,
			"retention_days", cfg.History.RetentionDays,
		)
	} else {
		slog.Info("interaction history disabled")
	}
}
