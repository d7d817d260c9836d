// Package config provides configuration management for the render service.
// Process-level settings are loaded from environment variables with sensible
// defaults; render behaviour is described by RenderConfig (see render.go).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// Default values
	DefaultPort     = 8790
	DefaultLogLevel = "info"
	DefaultDataDir  = ".heimdex-render"
	DefaultWorkers  = 2

	// Environment variable names
	EnvPort       = "RENDERD_PORT"
	EnvLogLevel   = "RENDERD_LOG_LEVEL"
	EnvDataDir    = "RENDERD_DATA_DIR"
	EnvConfigFile = "RENDERD_CONFIG_FILE"
	EnvAPIToken   = "RENDERD_API_TOKEN"
	EnvWorkers    = "RENDERD_WORKERS"
	EnvInputDir   = "RENDERD_INPUT_DIR"

	EnvQueueBackend   = "RENDERD_QUEUE_BACKEND"
	EnvStorageBackend = "RENDERD_STORAGE_BACKEND"
	EnvPublicBaseURL  = "RENDERD_PUBLIC_BASE_URL"
	EnvOTelExporter   = "RENDERD_OTEL_EXPORTER"

	EnvMinIOEndpoint  = "RENDERD_MINIO_ENDPOINT"
	EnvMinIOAccessKey = "RENDERD_MINIO_ACCESS_KEY"
	EnvMinIOSecretKey = "RENDERD_MINIO_SECRET_KEY"
	EnvMinIOBucket    = "RENDERD_MINIO_BUCKET"
	EnvMinIOUseSSL    = "RENDERD_MINIO_USE_SSL"

	EnvEngineGatewayURL   = "RENDERD_ENGINE_GATEWAY_URL"
	EnvEngineGatewayToken = "RENDERD_ENGINE_GATEWAY_TOKEN"

	// Database filename
	DBFilename = "render.db"

	QueueBackendMemory = "memory"
	QueueBackendSQLite = "sqlite"

	StorageBackendLocal = "local"
	StorageBackendMinIO = "minio"

	DefaultMinIOBucket = "render-artifacts"
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	DataDir() string
	DBPath() string
	WorkDir() string
	ArtifactsDir() string
	InputDir() string
	ConfigFile() string
	APIToken() string
	Workers() int
	QueueBackend() string
	StorageBackend() string
	PublicBaseURL() string
	OTelExporter() string
	MinIO() MinIOConfig
	EngineGatewayURL() string
	EngineGatewayToken() string
}

// MinIOConfig holds object storage connection settings.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// EnvConfig reads configuration from environment variables
type EnvConfig struct {
	port           int
	logLevel       string
	dataDir        string
	inputDir       string
	configFile     string
	apiToken       string
	workers        int
	queueBackend   string
	storageBackend string
	publicBaseURL  string
	otelExporter   string
	minio          MinIOConfig
	gatewayURL     string
	gatewayToken   string
}

// New creates a new EnvConfig with defaults and environment variable overrides
func New() (*EnvConfig, error) {
	cfg := &EnvConfig{
		port:           DefaultPort,
		logLevel:       DefaultLogLevel,
		dataDir:        defaultDataDir(),
		workers:        DefaultWorkers,
		queueBackend:   QueueBackendSQLite,
		storageBackend: StorageBackendLocal,
		otelExporter:   "none",
		minio:          MinIOConfig{Bucket: DefaultMinIOBucket},
	}

	// Override port from environment
	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
		}
		cfg.port = port
	}

	if ll := os.Getenv(EnvLogLevel); ll != "" {
		cfg.logLevel = ll
	}

	if dd := os.Getenv(EnvDataDir); dd != "" {
		cfg.dataDir = dd
	}

	if w := os.Getenv(EnvWorkers); w != "" {
		n, err := strconv.Atoi(w)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvWorkers, err)
		}
		if n < 1 {
			return nil, fmt.Errorf("invalid %s: must be at least 1", EnvWorkers)
		}
		cfg.workers = n
	}

	if qb := strings.ToLower(os.Getenv(EnvQueueBackend)); qb != "" {
		if qb != QueueBackendMemory && qb != QueueBackendSQLite {
			return nil, fmt.Errorf("invalid %s: %q (want memory or sqlite)", EnvQueueBackend, qb)
		}
		cfg.queueBackend = qb
	}

	if sb := strings.ToLower(os.Getenv(EnvStorageBackend)); sb != "" {
		if sb != StorageBackendLocal && sb != StorageBackendMinIO {
			return nil, fmt.Errorf("invalid %s: %q (want local or minio)", EnvStorageBackend, sb)
		}
		cfg.storageBackend = sb
	}

	if ex := os.Getenv(EnvOTelExporter); ex != "" {
		cfg.otelExporter = strings.ToLower(ex)
	}

	cfg.inputDir = os.Getenv(EnvInputDir)
	cfg.configFile = os.Getenv(EnvConfigFile)
	cfg.apiToken = os.Getenv(EnvAPIToken)
	cfg.publicBaseURL = os.Getenv(EnvPublicBaseURL)
	cfg.gatewayURL = strings.TrimRight(os.Getenv(EnvEngineGatewayURL), "/")
	cfg.gatewayToken = os.Getenv(EnvEngineGatewayToken)

	cfg.minio.Endpoint = os.Getenv(EnvMinIOEndpoint)
	cfg.minio.AccessKey = os.Getenv(EnvMinIOAccessKey)
	cfg.minio.SecretKey = os.Getenv(EnvMinIOSecretKey)
	if b := os.Getenv(EnvMinIOBucket); b != "" {
		cfg.minio.Bucket = b
	}
	if v := os.Getenv(EnvMinIOUseSSL); v != "" {
		useSSL, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvMinIOUseSSL, err)
		}
		cfg.minio.UseSSL = useSSL
	}

	if cfg.storageBackend == StorageBackendMinIO && cfg.minio.Endpoint == "" {
		return nil, fmt.Errorf("%s is required when %s=minio", EnvMinIOEndpoint, EnvStorageBackend)
	}

	return cfg, nil
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

// WorkDir is the parent of the per-task scratch directories.
func (c *EnvConfig) WorkDir() string {
	return filepath.Join(c.dataDir, "work")
}

// ArtifactsDir is where the local storage backend publishes outputs.
func (c *EnvConfig) ArtifactsDir() string {
	return filepath.Join(c.dataDir, "artifacts")
}

// InputDir is the only directory local (non-http) render inputs may be read
// from.
func (c *EnvConfig) InputDir() string {
	if c.inputDir != "" {
		return c.inputDir
	}
	return filepath.Join(c.dataDir, "inputs")
}

func (c *EnvConfig) ConfigFile() string {
	return c.configFile
}

func (c *EnvConfig) APIToken() string {
	return c.apiToken
}

func (c *EnvConfig) Workers() int {
	return c.workers
}

func (c *EnvConfig) QueueBackend() string {
	return c.queueBackend
}

func (c *EnvConfig) StorageBackend() string {
	return c.storageBackend
}

// PublicBaseURL returns the prefix used to build artifact URLs for the local
// backend. Empty means file:// URLs.
func (c *EnvConfig) PublicBaseURL() string {
	return c.publicBaseURL
}

func (c *EnvConfig) OTelExporter() string {
	return c.otelExporter
}

func (c *EnvConfig) MinIO() MinIOConfig {
	return c.minio
}

// EngineGatewayURL is the base URL of the upstream generation engines. Empty
// means retries reuse the existing source asset.
func (c *EnvConfig) EngineGatewayURL() string {
	return c.gatewayURL
}

func (c *EnvConfig) EngineGatewayToken() string {
	return c.gatewayToken
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
