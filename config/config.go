// Package config loads visionchat configuration.
//
// Values are resolved in this order, later sources winning:
// built-in defaults, an optional .env file, an optional YAML file
// (config/config.yaml or config.yaml, with ${VAR} and ${VAR:-default}
// placeholders), and finally environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// configPaths are tried in order; the first existing file is used.
var configPaths = []string{"config/config.yaml", "config.yaml"}

// Config is the root configuration.
type Config struct {
	Server           ServerConfig           `yaml:"server"`
	Logging          LogConfig              `yaml:"logging"`
	Metrics          MetricsConfig          `yaml:"metrics"`
	HTTP             HTTPConfig             `yaml:"http"`
	Backend          BackendConfig          `yaml:"backend"`
	Inference        InferenceConfig        `yaml:"inference"`
	EncodingStore    EncodingStoreConfig    `yaml:"encoding_store"`
	DescriptionCache DescriptionCacheConfig `yaml:"description_cache"`
	Storage          StorageConfig          `yaml:"storage"`
	History          HistoryConfig          `yaml:"history"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port string `yaml:"port"`
	// MasterKey enables Bearer authentication on every route except health and metrics.
	MasterKey string `yaml:"master_key"`
	// BodyLimit is the maximum request body size, in echo notation (e.g. "20M").
	BodyLimit string `yaml:"body_limit"`
	// CORSOrigins lists the browser origins allowed to call the API.
	CORSOrigins []string `yaml:"cors_origins"`
}

// LogConfig controls application log output.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is "pretty", "json", or "auto" (pretty on a terminal).
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// HTTPConfig tunes the outbound HTTP transport used to reach the backend.
type HTTPConfig struct {
	Timeout               time.Duration `yaml:"timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
}

// BackendConfig selects and configures the vision model backend.
type BackendConfig struct {
	// Type is a registered backend type: "ollama" or "openai".
	Type    string `yaml:"type"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key"`

	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`

	// MaxImageSide bounds the longest side of an image before it is sent to the model.
	MaxImageSide int `yaml:"max_image_side"`
	JPEGQuality  int `yaml:"jpeg_quality"`
	// MaxImagePixels rejects uploads whose declared width*height exceeds it, before decoding.
	MaxImagePixels int `yaml:"max_image_pixels"`

	// MaxRetries is the number of transport-level retries. Model errors are not retried.
	MaxRetries int `yaml:"max_retries"`
}

// InferenceConfig configures the inference gate and request deadlines.
type InferenceConfig struct {
	Slots          int           `yaml:"slots"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	DescribePrompt string        `yaml:"describe_prompt"`
}

// EncodingStoreConfig configures the in-memory encoding store.
type EncodingStoreConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	MaxEntries    int           `yaml:"max_entries"`
	MaxBytes      int64         `yaml:"max_bytes"`
}

// DescriptionCacheConfig configures the optional description cache.
type DescriptionCacheConfig struct {
	// Type is "none", "local", or "redis".
	Type  string           `yaml:"type"`
	TTL   time.Duration    `yaml:"ttl"`
	Local LocalCacheConfig `yaml:"local"`
	Redis RedisCacheConfig `yaml:"redis"`
}

// LocalCacheConfig configures the file-backed description cache.
type LocalCacheConfig struct {
	Path string `yaml:"path"`
}

// RedisCacheConfig configures the Redis description cache.
type RedisCacheConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

// StorageConfig selects the database used by interaction history.
type StorageConfig struct {
	Type       string           `yaml:"type"`
	SQLite     SQLiteConfig     `yaml:"sqlite"`
	PostgreSQL PostgreSQLConfig `yaml:"postgresql"`
	MongoDB    MongoDBConfig    `yaml:"mongodb"`
}

// SQLiteConfig holds SQLite settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgreSQLConfig holds PostgreSQL settings.
type PostgreSQLConfig struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
}

// MongoDBConfig holds MongoDB settings.
type MongoDBConfig struct {
	URL      string `yaml:"url"`
	Database string `yaml:"database"`
}

// HistoryConfig configures interaction history recording.
type HistoryConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	RetentionDays int           `yaml:"retention_days"`
}

// LoadResult is returned by Load.
type LoadResult struct {
	Config *Config
	// Path is the YAML file that was read, or "" when none was found.
	Path string
}

// Load resolves configuration from defaults, .env, YAML and the environment.
func Load() (*LoadResult, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := buildDefaultConfig()

	path, err := loadYAML(cfg)
	if err != nil {
		return nil, err
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &LoadResult{Config: cfg, Path: path}, nil
}

func buildDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        "8080",
			BodyLimit:   "20M",
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Logging: LogConfig{
			Level:  "info",
			Format: "auto",
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
		HTTP: HTTPConfig{
			Timeout:               10 * time.Minute,
			ResponseHeaderTimeout: 10 * time.Minute,
		},
		Backend: BackendConfig{
			Type:         "ollama",
			BaseURL:      "http://localhost:11434",
			Model:        "moondream",
			Temperature:  0.2,
			MaxTokens:    512,
			MaxImageSide:   1024,
			MaxImagePixels: 50_000_000,
			JPEGQuality:    90,
		},
		Inference: InferenceConfig{
			Slots:          1,
			CallTimeout:    2 * time.Minute,
			RequestTimeout: 2 * time.Minute,
			DescribePrompt: "Describe this image.",
		},
		EncodingStore: EncodingStoreConfig{
			TTL:           30 * time.Minute,
			SweepInterval: time.Minute,
			MaxEntries:    1000,
		},
		DescriptionCache: DescriptionCacheConfig{
			Type: "none",
			TTL:  24 * time.Hour,
			Local: LocalCacheConfig{
				Path: ".cache/descriptions.json",
			},
		},
		Storage: StorageConfig{
			Type:       "sqlite",
			SQLite:     SQLiteConfig{Path: "data/visionchat.db"},
			PostgreSQL: PostgreSQLConfig{MaxConns: 10},
			MongoDB:    MongoDBConfig{Database: "visionchat"},
		},
		History: HistoryConfig{
			Enabled:       false,
			BufferSize:    1000,
			FlushInterval: 5 * time.Second,
			RetentionDays: 30,
		},
	}
}

// loadYAML overlays the first config file found onto cfg.
func loadYAML(cfg *Config) (string, error) {
	for _, path := range configPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return "", fmt.Errorf("failed to read %s: %w", path, err)
		}
		if err := yaml.Unmarshal([]byte(expandString(string(data))), cfg); err != nil {
			return "", fmt.Errorf("failed to parse %s: %w", path, err)
		}
		return path, nil
	}
	return "", nil
}

var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandString replaces ${VAR} and ${VAR:-default} placeholders.
// A variable that is unset or empty takes the default when one is given;
// without a default the placeholder is left as is.
func expandString(s string) string {
	if s == "" {
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := placeholderPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		if parts[2] != "" {
			return parts[3]
		}
		return match
	})
}

// applyEnvOverrides applies well-known environment variables on top of cfg.
func applyEnvOverrides(cfg *Config) error {
	setString(&cfg.Server.Port, "PORT")
	setString(&cfg.Server.MasterKey, "VISIONCHAT_MASTER_KEY")
	setString(&cfg.Server.BodyLimit, "BODY_LIMIT")
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.Server.CORSOrigins = splitList(v)
	}

	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Format, "LOG_FORMAT")

	setString(&cfg.Metrics.Endpoint, "METRICS_ENDPOINT")

	setString(&cfg.Backend.Type, "BACKEND_TYPE")
	setString(&cfg.Backend.BaseURL, "BACKEND_URL")
	setString(&cfg.Backend.Model, "BACKEND_MODEL")
	setString(&cfg.Backend.APIKey, "BACKEND_API_KEY")

	setString(&cfg.Inference.DescribePrompt, "DESCRIBE_PROMPT")

	setString(&cfg.DescriptionCache.Type, "DESCRIPTION_CACHE_TYPE")
	setString(&cfg.DescriptionCache.Local.Path, "DESCRIPTION_CACHE_PATH")
	setString(&cfg.DescriptionCache.Redis.URL, "REDIS_URL")

	setString(&cfg.Storage.Type, "STORAGE_TYPE")
	setString(&cfg.Storage.SQLite.Path, "SQLITE_PATH")
	setString(&cfg.Storage.PostgreSQL.URL, "POSTGRES_URL")
	setString(&cfg.Storage.MongoDB.URL, "MONGODB_URL")
	setString(&cfg.Storage.MongoDB.Database, "MONGODB_DATABASE")

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	collect(setBool(&cfg.Metrics.Enabled, "METRICS_ENABLED"))
	collect(setBool(&cfg.History.Enabled, "HISTORY_ENABLED"))

	collect(setInt(&cfg.Backend.MaxTokens, "BACKEND_MAX_TOKENS"))
	collect(setInt(&cfg.Backend.MaxImageSide, "MAX_IMAGE_SIDE"))
	collect(setInt(&cfg.Backend.MaxImagePixels, "MAX_IMAGE_PIXELS"))
	collect(setInt(&cfg.Backend.MaxRetries, "BACKEND_MAX_RETRIES"))
	collect(setFloat(&cfg.Backend.Temperature, "BACKEND_TEMPERATURE"))
	collect(setInt(&cfg.Inference.Slots, "INFERENCE_SLOTS"))
	collect(setInt(&cfg.EncodingStore.MaxEntries, "ENCODING_MAX_ENTRIES"))
	collect(setInt(&cfg.Storage.PostgreSQL.MaxConns, "POSTGRES_MAX_CONNS"))
	collect(setInt(&cfg.History.BufferSize, "HISTORY_BUFFER_SIZE"))
	collect(setInt(&cfg.History.RetentionDays, "HISTORY_RETENTION_DAYS"))

	collect(setDuration(&cfg.HTTP.Timeout, "HTTP_TIMEOUT"))
	collect(setDuration(&cfg.HTTP.ResponseHeaderTimeout, "HTTP_RESPONSE_HEADER_TIMEOUT"))
	collect(setDuration(&cfg.Inference.CallTimeout, "INFERENCE_CALL_TIMEOUT"))
	collect(setDuration(&cfg.Inference.RequestTimeout, "INFERENCE_REQUEST_TIMEOUT"))
	collect(setDuration(&cfg.EncodingStore.TTL, "ENCODING_TTL"))
	collect(setDuration(&cfg.EncodingStore.SweepInterval, "ENCODING_SWEEP_INTERVAL"))
	collect(setDuration(&cfg.History.FlushInterval, "HISTORY_FLUSH_INTERVAL"))

	if v := os.Getenv("ENCODING_MAX_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			collect(fmt.Errorf("invalid ENCODING_MAX_BYTES %q: %w", v, err))
		} else {
			cfg.EncodingStore.MaxBytes = n
		}
	}

	return errors.Join(errs...)
}

// Validate reports configuration that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	if c.Backend.Type == "" {
		errs = append(errs, errors.New("backend.type is required"))
	}
	if c.Backend.BaseURL == "" {
		errs = append(errs, errors.New("backend.base_url is required"))
	}
	if c.Inference.Slots < 1 {
		errs = append(errs, fmt.Errorf("inference.slots must be at least 1, got %d", c.Inference.Slots))
	}
	if c.EncodingStore.TTL <= 0 {
		errs = append(errs, errors.New("encoding_store.ttl must be positive"))
	}
	if c.EncodingStore.MaxEntries < 0 || c.EncodingStore.MaxBytes < 0 {
		errs = append(errs, errors.New("encoding_store limits must not be negative"))
	}
	switch c.DescriptionCache.Type {
	case "", "none", "local":
	case "redis":
		if c.DescriptionCache.Redis.URL == "" {
			errs = append(errs, errors.New("description_cache.redis.url is required for redis cache"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown description_cache.type %q (valid: none, local, redis)", c.DescriptionCache.Type))
	}
	if c.History.Enabled {
		switch c.Storage.Type {
		case "sqlite", "postgresql", "mongodb":
		default:
			errs = append(errs, fmt.Errorf("unknown storage.type %q (valid: sqlite, postgresql, mongodb)", c.Storage.Type))
		}
	}
	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = b
	return nil
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = f
	return nil
}

// setDuration accepts Go duration strings ("90s", "30m") or plain seconds.
func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = d
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
