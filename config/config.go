package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	AWS       AWSConfig
	NATS      NATSConfig
	Recording RecordingConfig
	Playback  PlaybackConfig
}

// RecordingConfig holds the capture limits enforced by the recording controller.
type RecordingConfig struct {
	MinDurationMs      int64 // shorter captures are rejected (DURATION_TOO_SHORT)
	MaxDurationMs      int64 // longer captures are rejected (DURATION_TOO_LONG), never trimmed
	WatchdogBufferMs   int64 // independent stop timer fires at MaxDurationMs + WatchdogBufferMs
	MaxFileSizeBytes   int64
	StorageFloorBytes  int64 // minimum free bytes to start or keep recording
	StoragePollSeconds int   // free-space poll cadence while recording
	MaxRetries         int
	LocalCaptureDir    string // where the worker finds captures handed off by the device bridge
}

// PlaybackConfig holds segment playback tuning.
type PlaybackConfig struct {
	DurationToleranceMs int64 // merged vs expected duration drift allowed before falling back
}

// NATSConfig holds the event bus URL. Empty disables publishing.
type NATSConfig struct {
	URL string
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
	WebhookSecret      string // shared secret expected in X-Webhook-Secret from the merge service
	WorkerMetricsPort  string // /metrics listener of the standalone worker
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/twotruths?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// AWSConfig holds AWS credentials and the captures bucket.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	CapturesBucket       string
	PresignExpireMinutes int
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
			WebhookSecret:      getEnv("MERGE_WEBHOOK_SECRET", ""),
			WorkerMetricsPort:  getEnv("WORKER_METRICS_PORT", "9091"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "twotruths"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			CapturesBucket:       getEnv("AWS_S3_CAPTURES_BUCKET", "twotruths-captures"),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		NATS: NATSConfig{
			URL: getEnv("NATS_URL", ""),
		},
		Recording: RecordingConfig{
			MinDurationMs:      getEnvInt64("RECORDING_MIN_DURATION_MS", 500),
			MaxDurationMs:      getEnvInt64("RECORDING_MAX_DURATION_MS", 60000),
			WatchdogBufferMs:   getEnvInt64("RECORDING_WATCHDOG_BUFFER_MS", 1000),
			MaxFileSizeBytes:   getEnvInt64("RECORDING_MAX_FILE_SIZE_BYTES", 100*1024*1024),
			StorageFloorBytes:  getEnvInt64("RECORDING_STORAGE_FLOOR_BYTES", 100*1024*1024),
			StoragePollSeconds: getEnvInt("RECORDING_STORAGE_POLL_SEC", 5),
			MaxRetries:         getEnvInt("RECORDING_MAX_RETRIES", 3),
			LocalCaptureDir:    getEnv("RECORDING_LOCAL_CAPTURE_DIR", os.TempDir()),
		},
		Playback: PlaybackConfig{
			DurationToleranceMs: getEnvInt64("PLAYBACK_DURATION_TOLERANCE_MS", 500),
		},
	}
	if err := cfg.Recording.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c RecordingConfig) validate() error {
	if c.MinDurationMs <= 0 || c.MaxDurationMs <= c.MinDurationMs {
		return fmt.Errorf("recording duration bounds invalid: min=%d max=%d", c.MinDurationMs, c.MaxDurationMs)
	}
	if c.StoragePollSeconds < 5 || c.StoragePollSeconds > 10 {
		return fmt.Errorf("RECORDING_STORAGE_POLL_SEC must be between 5 and 10, got %d", c.StoragePollSeconds)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("RECORDING_MAX_RETRIES must not be negative")
	}
	return nil
}

// CORSOrigins splits CORSAllowedOrigins.
func (c ServerConfig) CORSOrigins() []string {
	return splitTrim(c.CORSAllowedOrigins, ",")
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
