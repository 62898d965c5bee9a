package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full runtime configuration, read from the environment.
type Config struct {
	DataDir    string
	ListenAddr string
	LogLevel   string
	LogFile    string

	Workers           int
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	ConvertTimeout    time.Duration
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	LivenessTimeout   time.Duration
	ReapInterval      time.Duration
	Retention         time.Duration
	PurgeAfter        time.Duration
	ReclaimGrace      time.Duration
	StoreRetryBase    time.Duration
	StoreRetryMax     time.Duration
	ShutdownGrace     time.Duration
	MaxUploadBytes    int64

	FFmpegPath   string
	PdftoppmPath string

	JWTSecret string
	JWTIssuer string

	DB   Database
	Blob Blob
}

// Database selects and addresses the job store.
type Database struct {
	Driver   string
	DSN      string
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

// Blob selects and addresses the blob store backend.
type Blob struct {
	Backend string
	Prefix  string
	Dir     string

	S3Bucket    string
	S3Region    string
	S3AccessKey string
	S3SecretKey string
	S3Endpoint  string

	GCSBucket          string
	GCSCredentialsJSON string

	SFTPHost       string
	SFTPPort       string
	SFTPUser       string
	SFTPPassword   string
	SFTPPrivateKey string
	SFTPRoot       string
}

// Load reads an optional .env file and then the process environment.
// Variables already set in the environment win over the file.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if _, err := os.Stat(f); err == nil {
			if err := godotenv.Load(f); err != nil {
				return Config{}, fmt.Errorf("load %s: %w", f, err)
			}
		}
	}

	var p parser
	cfg := Config{
		DataDir:    GetDataDir(),
		ListenAddr: getString("CONVERTD_LISTEN_ADDR", ":8080"),
		LogLevel:   getString("LOG_LEVEL", "info"),
		LogFile:    os.Getenv("LOG_FILE"),

		Workers:           p.int("CONVERTD_WORKERS", 4),
		MaxAttempts:       p.int("CONVERTD_MAX_ATTEMPTS", 3),
		BackoffBase:       p.duration("CONVERTD_BACKOFF_BASE", time.Second),
		BackoffMax:        p.duration("CONVERTD_BACKOFF_MAX", time.Minute),
		ConvertTimeout:    p.duration("CONVERTD_CONVERT_TIMEOUT", 10*time.Minute),
		PollInterval:      p.duration("CONVERTD_POLL_INTERVAL", time.Second),
		HeartbeatInterval: p.duration("CONVERTD_HEARTBEAT_INTERVAL", 5*time.Second),
		LivenessTimeout:   p.duration("CONVERTD_LIVENESS_TIMEOUT", time.Minute),
		ReapInterval:      p.duration("CONVERTD_REAP_INTERVAL", time.Minute),
		Retention:         p.duration("CONVERTD_RETENTION", 24*time.Hour),
		PurgeAfter:        p.duration("CONVERTD_PURGE_AFTER", 7*24*time.Hour),
		ReclaimGrace:      p.duration("CONVERTD_RECLAIM_GRACE", 10*time.Minute),
		StoreRetryBase:    p.duration("CONVERTD_STORE_RETRY_BASE", 500*time.Millisecond),
		StoreRetryMax:     p.duration("CONVERTD_STORE_RETRY_MAX", 30*time.Second),
		ShutdownGrace:     p.duration("CONVERTD_SHUTDOWN_GRACE", 10*time.Second),
		MaxUploadBytes:    int64(p.int("CONVERTD_MAX_UPLOAD_MB", 50)) << 20,

		FFmpegPath:   getString("CONVERTD_FFMPEG_PATH", "ffmpeg"),
		PdftoppmPath: getString("CONVERTD_PDFTOPPM_PATH", "pdftoppm"),

		JWTSecret: os.Getenv("CONVERTD_JWT_SECRET"),
		JWTIssuer: os.Getenv("CONVERTD_JWT_ISSUER"),

		DB: Database{
			Driver:   getString("DB_DRIVER", "sqlite"),
			DSN:      os.Getenv("DB_DSN"),
			Host:     getString("DB_HOST", "localhost"),
			Port:     p.int("DB_PORT", 5432),
			User:     getString("DB_USER", "postgres"),
			Password: os.Getenv("DB_PASSWORD"),
			Name:     getString("DB_NAME", "convertd"),
			SSLMode:  getString("DB_SSL_MODE", "disable"),
		},
		Blob: Blob{
			Backend:            getString("BLOB_BACKEND", "pebble"),
			Prefix:             os.Getenv("BLOB_PREFIX"),
			Dir:                os.Getenv("BLOB_DIR"),
			S3Bucket:           os.Getenv("S3_BUCKET"),
			S3Region:           getString("S3_REGION", "us-east-1"),
			S3AccessKey:        os.Getenv("S3_ACCESS_KEY"),
			S3SecretKey:        os.Getenv("S3_SECRET_KEY"),
			S3Endpoint:         os.Getenv("S3_ENDPOINT"),
			GCSBucket:          os.Getenv("GCS_BUCKET"),
			GCSCredentialsJSON: os.Getenv("GCS_CREDENTIALS_JSON"),
			SFTPHost:           os.Getenv("SFTP_HOST"),
			SFTPPort:           getString("SFTP_PORT", "22"),
			SFTPUser:           os.Getenv("SFTP_USER"),
			SFTPPassword:       os.Getenv("SFTP_PASSWORD"),
			SFTPPrivateKey:     os.Getenv("SFTP_PRIVATE_KEY"),
			SFTPRoot:           os.Getenv("SFTP_ROOT"),
		},
	}
	if p.err != nil {
		return Config{}, p.err
	}
	if cfg.DB.Driver == "sqlite" && cfg.DB.DSN == "" {
		cfg.DB.DSN = GetJobsDBPath()
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the scheduler cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("CONVERTD_WORKERS must be positive, got %d", c.Workers))
	}
	if c.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("CONVERTD_MAX_ATTEMPTS must be positive, got %d", c.MaxAttempts))
	}
	for name, d := range map[string]time.Duration{
		"CONVERTD_BACKOFF_BASE":       c.BackoffBase,
		"CONVERTD_BACKOFF_MAX":        c.BackoffMax,
		"CONVERTD_CONVERT_TIMEOUT":    c.ConvertTimeout,
		"CONVERTD_POLL_INTERVAL":      c.PollInterval,
		"CONVERTD_HEARTBEAT_INTERVAL": c.HeartbeatInterval,
		"CONVERTD_LIVENESS_TIMEOUT":   c.LivenessTimeout,
		"CONVERTD_REAP_INTERVAL":      c.ReapInterval,
		"CONVERTD_RETENTION":          c.Retention,
		"CONVERTD_PURGE_AFTER":        c.PurgeAfter,
		"CONVERTD_RECLAIM_GRACE":      c.ReclaimGrace,
		"CONVERTD_STORE_RETRY_BASE":   c.StoreRetryBase,
		"CONVERTD_STORE_RETRY_MAX":    c.StoreRetryMax,
		"CONVERTD_SHUTDOWN_GRACE":     c.ShutdownGrace,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.HeartbeatInterval >= c.LivenessTimeout {
		errs = append(errs, fmt.Errorf("CONVERTD_HEARTBEAT_INTERVAL (%s) must be shorter than CONVERTD_LIVENESS_TIMEOUT (%s)",
			c.HeartbeatInterval, c.LivenessTimeout))
	}
	if c.BackoffMax < c.BackoffBase {
		errs = append(errs, fmt.Errorf("CONVERTD_BACKOFF_MAX (%s) must not be shorter than CONVERTD_BACKOFF_BASE (%s)",
			c.BackoffMax, c.BackoffBase))
	}
	if c.StoreRetryMax < c.StoreRetryBase {
		errs = append(errs, fmt.Errorf("CONVERTD_STORE_RETRY_MAX (%s) must not be shorter than CONVERTD_STORE_RETRY_BASE (%s)",
			c.StoreRetryMax, c.StoreRetryBase))
	}
	switch c.DB.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", c.DB.Driver))
	}
	return errors.Join(errs...)
}

// getDataDir determines the data directory path from environment or default.
// Priority: CONVERTD_DATA_DIR environment variable > "./data" default
func getDataDir() string {
	if dir := os.Getenv("CONVERTD_DATA_DIR"); dir != "" {
		return dir
	}
	return "./data"
}

// GetDataDir returns the current data directory path.
func GetDataDir() string {
	return getDataDir()
}

// GetJobsDBPath returns the default sqlite job store location.
// Path: {DATA_DIR}/jobs.db
func GetJobsDBPath() string {
	return filepath.Join(GetDataDir(), "jobs.db")
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// parser collects the first malformed value instead of failing per field.
type parser struct {
	err error
}

func (p *parser) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		if p.err == nil {
			p.err = fmt.Errorf("%s: invalid integer %q", key, v)
		}
		return def
	}
	return n
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		if p.err == nil {
			p.err = fmt.Errorf("%s: invalid duration %q", key, v)
		}
		return def
	}
	return d
}
