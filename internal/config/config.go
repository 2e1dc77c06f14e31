package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the geoconvert server and worker.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Storage  StorageConfig
	Worker   WorkerConfig
	Tools    ToolsConfig
}

type ServerConfig struct {
	Port               int
	Env                string
	LogLevel           slog.Level
	MaxUploadBytes     int64
	RateLimitPerMinute int
	StatsCacheTTL      time.Duration
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

type RedisConfig struct {
	URL string
}

// StorageConfig selects and configures the artifact backend.
type StorageConfig struct {
	Backend         string
	Bucket          string
	Endpoint        string
	CredentialsFile string
	LocalDir        string
	PublicBaseURL   string
}

type WorkerConfig struct {
	ID            string
	Concurrency   int
	PollInterval  time.Duration
	Retention     time.Duration
	StaleJobAge   time.Duration
	Heartbeat     time.Duration
	SweepSchedule string
	WorkDir       string
}

// ToolsConfig locates the external conversion executables and bounds their runtime.
type ToolsConfig struct {
	PDALPath          string
	PotreePath        string
	GDALInfoPath      string
	GDALTranslatePath string

	PDALInfoTimeout  time.Duration
	DensityTimeout   time.Duration
	PotreeTimeout    time.Duration
	ValidateTimeout  time.Duration
	COGTimeout       time.Duration
	ThumbnailTimeout time.Duration
	ThumbnailSize    int
}

const (
	BackendGCS   = "gcs"
	BackendLocal = "local"
)

var validBackends = map[string]bool{
	BackendGCS:   true,
	BackendLocal: true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	hostname, _ := os.Hostname()

	cfg := &Config{
		Server: ServerConfig{
			Port:               envInt("GEOCONVERT_PORT", 8080),
			Env:                envString("GEOCONVERT_ENV", "development"),
			LogLevel:           envLevel("LOG_LEVEL", slog.LevelInfo),
			MaxUploadBytes:     envInt64("MAX_UPLOAD_BYTES", 30<<30),
			RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
			StatsCacheTTL:      envDuration("STATS_CACHE_TTL", 30*time.Second),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsDir:   envString("MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Storage: StorageConfig{
			Backend:         envString("ARTIFACT_BACKEND", BackendGCS),
			Bucket:          os.Getenv("GCS_BUCKET"),
			Endpoint:        os.Getenv("GCS_ENDPOINT"),
			CredentialsFile: os.Getenv("GCS_CREDENTIALS_FILE"),
			LocalDir:        envString("ARTIFACT_LOCAL_DIR", "./data/artifacts"),
			PublicBaseURL:   os.Getenv("PUBLIC_BASE_URL"),
		},
		Worker: WorkerConfig{
			ID:            envString("WORKER_ID", hostname),
			Concurrency:   envInt("WORKER_CONCURRENCY", 1),
			PollInterval:  envDuration("WORKER_POLL_INTERVAL", 5*time.Second),
			Retention:     envDuration("JOB_RETENTION", 72*time.Hour),
			StaleJobAge:   envDuration("STALE_JOB_AGE", 10*time.Minute),
			Heartbeat:     envDuration("WORKER_HEARTBEAT_INTERVAL", time.Minute),
			SweepSchedule: envString("SWEEP_SCHEDULE", "@every 1h"),
			WorkDir:       envString("WORK_DIR", os.TempDir()),
		},
		Tools: ToolsConfig{
			PDALPath:          envString("PDAL_PATH", "pdal"),
			PotreePath:        envString("POTREE_PATH", "PotreeConverter"),
			GDALInfoPath:      envString("GDALINFO_PATH", "gdalinfo"),
			GDALTranslatePath: envString("GDAL_TRANSLATE_PATH", "gdal_translate"),

			PDALInfoTimeout:  envDurationSecs("PDAL_INFO_TIMEOUT_SECS", 10*time.Minute),
			DensityTimeout:   envDurationSecs("DENSITY_TIMEOUT_SECS", 30*time.Minute),
			PotreeTimeout:    envDurationSecs("POTREE_TIMEOUT_SECS", 6*time.Hour),
			ValidateTimeout:  envDurationSecs("VALIDATE_TIMEOUT_SECS", 60*time.Second),
			COGTimeout:       envDurationSecs("COG_TIMEOUT_SECS", time.Hour),
			ThumbnailTimeout: envDurationSecs("THUMBNAIL_TIMEOUT_SECS", 30*time.Second),
			ThumbnailSize:    envInt("THUMBNAIL_SIZE", 512),
		},
	}

	if cfg.Storage.PublicBaseURL == "" {
		cfg.Storage.PublicBaseURL = defaultPublicBaseURL(cfg)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaultPublicBaseURL(cfg *Config) string {
	if cfg.Storage.Backend == BackendLocal {
		return fmt.Sprintf("http://localhost:%d/files", cfg.Server.Port)
	}
	if cfg.Storage.Bucket == "" {
		return ""
	}
	return "https://storage.googleapis.com/" + cfg.Storage.Bucket
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if !validBackends[c.Storage.Backend] {
		return fmt.Errorf("ARTIFACT_BACKEND must be one of gcs, local; got %q", c.Storage.Backend)
	}
	if c.Storage.Backend == BackendGCS && c.Storage.Bucket == "" {
		return fmt.Errorf("GCS_BUCKET is required when ARTIFACT_BACKEND is gcs")
	}
	if c.Storage.Backend == BackendLocal && c.Storage.LocalDir == "" {
		return fmt.Errorf("ARTIFACT_LOCAL_DIR is required when ARTIFACT_BACKEND is local")
	}
	if !strings.HasPrefix(c.Storage.PublicBaseURL, "http://") && !strings.HasPrefix(c.Storage.PublicBaseURL, "https://") {
		return fmt.Errorf("PUBLIC_BASE_URL must start with http:// or https://, got %q", c.Storage.PublicBaseURL)
	}

	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("WORKER_POLL_INTERVAL must be positive")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.Worker.Concurrency)
	}
	if c.Worker.Retention <= 0 {
		return fmt.Errorf("JOB_RETENTION must be positive")
	}
	if c.Worker.StaleJobAge < 0 {
		return fmt.Errorf("STALE_JOB_AGE must not be negative")
	}
	if c.Worker.Heartbeat <= 0 {
		return fmt.Errorf("WORKER_HEARTBEAT_INTERVAL must be positive")
	}
	if c.Worker.StaleJobAge > 0 && c.Worker.StaleJobAge < 3*c.Worker.Heartbeat {
		return fmt.Errorf("STALE_JOB_AGE (%s) must be at least three heartbeats (%s)", c.Worker.StaleJobAge, 3*c.Worker.Heartbeat)
	}
	if c.Worker.SweepSchedule == "" {
		return fmt.Errorf("SWEEP_SCHEDULE is required")
	}

	for name, d := range map[string]time.Duration{
		"PDAL_INFO_TIMEOUT_SECS": c.Tools.PDALInfoTimeout,
		"DENSITY_TIMEOUT_SECS":   c.Tools.DensityTimeout,
		"POTREE_TIMEOUT_SECS":    c.Tools.PotreeTimeout,
		"VALIDATE_TIMEOUT_SECS":  c.Tools.ValidateTimeout,
		"COG_TIMEOUT_SECS":       c.Tools.COGTimeout,
		"THUMBNAIL_TIMEOUT_SECS": c.Tools.ThumbnailTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Tools.ThumbnailSize < 16 || c.Tools.ThumbnailSize > 4096 {
		return fmt.Errorf("THUMBNAIL_SIZE must be between 16 and 4096, got %d", c.Tools.ThumbnailSize)
	}
	if c.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}

func envLevel(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(v)); err != nil {
		return defaultVal
	}
	return lvl
}
