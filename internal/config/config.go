// Package config loads the gateway configuration from the environment,
// optionally primed from a .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the complete gateway configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Cache    CacheConfig
	Log      LogConfig
	CORS     CORSConfig
	Metrics  MetricsConfig
	DICOM    DICOMConfig
	Tasks    TasksConfig
	Devices  DevicesConfig
}

// ServerConfig is the HTTP listener.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DatabaseConfig is the postgres registry database.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	LogLevel string
}

// RedisConfig is used when Cache.Type is "redis".
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	Prefix   string
}

// CacheConfig selects the device lookup cache.
type CacheConfig struct {
	Enabled bool
	Type    string
	TTL     time.Duration
}

// LogConfig sets the zerolog level and output format.
type LogConfig struct {
	Level  string
	Format string
}

// CORSConfig is passed to the CORS middleware.
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool
}

// DICOMConfig covers the listener, outbound associations and file storage.
type DICOMConfig struct {
	AETitle        string
	ListenAddress  string
	ListenPort     int
	MaxPDULength   uint32
	Timeout        time.Duration
	IdleTimeout    time.Duration
	StorageRoot    string
	ArchiveDevice  string
	ProbeDays      int
	StoreListening bool
}

// TasksConfig covers the task manager.
type TasksConfig struct {
	CheckpointPath string
	IdleWait       time.Duration
	StepTimeout    time.Duration
	DataDir        string
}

// DevicesConfig points at the optional TOML seed file.
type DevicesConfig struct {
	SeedFile string
}

// Load reads .env if present, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a configuration from lookup, applying defaults.
func FromEnv(lookup func(string) (string, bool)) (*Config, error) {
	e := env{lookup: lookup}
	dataDir := e.str("GATEWAY_DATA_DIR", "./data")
	cfg := &Config{
		Server: ServerConfig{
			Host:         e.str("SERVER_HOST", "0.0.0.0"),
			Port:         e.int("SERVER_PORT", 8080),
			ReadTimeout:  e.duration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: e.duration("SERVER_WRITE_TIMEOUT", 5*time.Minute),
		},
		Database: DatabaseConfig{
			Host:     e.str("DB_HOST", "localhost"),
			Port:     e.int("DB_PORT", 5432),
			User:     e.str("DB_USER", "postgres"),
			Password: e.str("DB_PASSWORD", ""),
			DBName:   e.str("DB_NAME", "dicom_gateway"),
			SSLMode:  e.str("DB_SSLMODE", "disable"),
			LogLevel: e.str("DB_LOG_LEVEL", "warn"),
		},
		Redis: RedisConfig{
			Host:     e.str("REDIS_HOST", "localhost"),
			Port:     e.int("REDIS_PORT", 6379),
			Password: e.str("REDIS_PASSWORD", ""),
			DB:       e.int("REDIS_DB", 0),
			Prefix:   e.str("REDIS_PREFIX", "dicomgw:"),
		},
		Cache: CacheConfig{
			Enabled: e.bool("CACHE_ENABLED", true),
			Type:    e.str("CACHE_TYPE", "memory"),
			TTL:     e.duration("CACHE_TTL", 5*time.Minute),
		},
		Log: LogConfig{
			Level:  e.str("LOG_LEVEL", "info"),
			Format: e.str("LOG_FORMAT", "auto"),
		},
		CORS: CORSConfig{
			AllowedOrigins: e.list("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: e.list("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
			AllowedHeaders: e.list("CORS_ALLOWED_HEADERS", []string{"Accept", "Content-Type", "X-Request-ID"}),
		},
		Metrics: MetricsConfig{
			Enabled: e.bool("METRICS_ENABLED", true),
		},
		DICOM: DICOMConfig{
			AETitle:        e.str("DICOM_AE_TITLE", "DICOMGW"),
			ListenAddress:  e.str("DICOM_LISTEN_ADDRESS", ""),
			ListenPort:     e.int("DICOM_LISTEN_PORT", 11112),
			MaxPDULength:   uint32(e.int("DICOM_MAX_PDU_LENGTH", 0)),
			Timeout:        e.duration("DICOM_TIMEOUT", 30*time.Second),
			IdleTimeout:    e.duration("DICOM_IDLE_TIMEOUT", 5*time.Minute),
			StorageRoot:    e.str("DICOM_STORAGE_ROOT", dataDir+"/storage"),
			ArchiveDevice:  e.str("DICOM_ARCHIVE_DEVICE", "PACS"),
			ProbeDays:      e.int("DICOM_PROBE_DAYS", 30),
			StoreListening: e.bool("DICOM_STORE_SCP", true),
		},
		Tasks: TasksConfig{
			CheckpointPath: e.str("TASKS_CHECKPOINT_PATH", dataDir+"/tasks.db"),
			IdleWait:       e.duration("TASKS_IDLE_WAIT", time.Second),
			StepTimeout:    e.duration("TASKS_STEP_TIMEOUT", 10*time.Minute),
			DataDir:        dataDir,
		},
		Devices: DevicesConfig{
			SeedFile: e.str("DEVICES_SEED_FILE", ""),
		},
	}
	if len(e.errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, strings.Join(e.errs, "; "))
	}
	return cfg, nil
}

// env reads typed values and collects parse errors.
type env struct {
	lookup func(string) (string, bool)
	errs   []string
}

func (e *env) raw(key string) (string, bool) {
	v, ok := e.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *env) str(key, def string) string {
	if v, ok := e.raw(key); ok {
		return v
	}
	return def
}

func (e *env) int(key string, def int) int {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s=%q is not an integer", key, v))
		return def
	}
	return n
}

func (e *env) bool(key string, def bool) bool {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s=%q is not a boolean", key, v))
		return def
	}
	return b
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s=%q is not a duration", key, v))
		return def
	}
	return d
}

func (e *env) list(key string, def []string) []string {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
