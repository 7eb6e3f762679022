package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	// Service configuration
	ServicePort string
	ServiceName string

	// Ledger (MySQL-compatible) configuration
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// MinIO configuration
	MinIOEndpoint   string
	MinIOAccessKey  string
	MinIOSecretKey  string
	MinIOBucketName string
	MinIOUseSSL     bool

	// Redis configuration
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// OTLP trace collector
	OTLPEndpoint string

	// Identity provider shared secret (HS256)
	JWTSecret string

	// Ingestion
	FFmpegPath       string
	TempDir          string
	MinChunkBytes    int64
	MaxUploadBytes   int64
	TranscodeTimeout time.Duration
	UploadTimeout    time.Duration

	// Retention sweep
	RetentionDays int
	SweepInterval time.Duration

	// Notifier (SMTP)
	SMTPHost      string
	SMTPPort      string
	SMTPUser      string
	SMTPPassword  string
	SMTPFrom      string
	PublicBaseURL string
}

// LoadConfig loads configuration from environment variables with sensible defaults
func LoadConfig() (*Config, error) {
	config := &Config{
		ServicePort: getEnv("SERVICE_PORT", "8080"),
		ServiceName: getEnv("SERVICE_NAME", "aegis-backend"),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "root"),
		DBPassword: getEnv("DB_PASSWORD", ""),
		DBName:     getEnv("DB_NAME", "aegis"),

		MinIOEndpoint:   getEnv("MINIO_ENDPOINT", "localhost:9000"),
		MinIOAccessKey:  getEnv("MINIO_ACCESS_KEY", "minioadmin"),
		MinIOSecretKey:  getEnv("MINIO_SECRET_KEY", "minioadmin"),
		MinIOBucketName: getEnv("MINIO_BUCKET_NAME", "aegis-evidence"),
		MinIOUseSSL:     getEnvAsBool("MINIO_USE_SSL", false),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		OTLPEndpoint: getEnv("OTLP_ENDPOINT", "http://localhost:4318"),

		JWTSecret: getEnv("JWT_SECRET", "dev-secret-change-me"),

		FFmpegPath: getEnv("FFMPEG_PATH", "ffmpeg"),
		TempDir:    getEnv("TEMP_DIR", os.TempDir()),
		// Anything below 1 KiB is not valid media; skipping it protects
		// the transcoder without breaking the client's recording loop.
		MinChunkBytes: getEnvAsInt64("MIN_CHUNK_BYTES", 1024),
		// 6 MiB: safety buffer above the client's 4 MiB chunks.
		MaxUploadBytes:   getEnvAsInt64("MAX_UPLOAD_BYTES", 6*1024*1024),
		TranscodeTimeout: getEnvAsDuration("TRANSCODE_TIMEOUT", 30*time.Second),
		UploadTimeout:    getEnvAsDuration("UPLOAD_TIMEOUT", 30*time.Second),

		RetentionDays: getEnvAsInt("RETENTION_DAYS", 10),
		SweepInterval: getEnvAsDuration("SWEEP_INTERVAL", 24*time.Hour),

		SMTPHost:      getEnv("SMTP_HOST", "localhost"),
		SMTPPort:      getEnv("SMTP_PORT", "587"),
		SMTPUser:      getEnv("SMTP_USER", ""),
		SMTPPassword:  getEnv("SMTP_PASSWORD", ""),
		SMTPFrom:      getEnv("SMTP_FROM", "Aegis Security <noreply@aegis.app>"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", "http://localhost:8080"),
	}

	return config, nil
}

// GetDSN returns the ledger connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.DBUser,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
	)
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// RetentionWindow returns how long soft-deleted evidence is kept before
// the hard-delete sweep may purge it.
func (c *Config) RetentionWindow() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
