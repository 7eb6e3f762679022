package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServicePort)
	assert.Equal(t, "aegis", cfg.DBName)
	assert.Equal(t, int64(1024), cfg.MinChunkBytes)
	assert.Equal(t, int64(6*1024*1024), cfg.MaxUploadBytes)
	assert.Equal(t, 10, cfg.RetentionDays)
	assert.Equal(t, 24*time.Hour, cfg.SweepInterval)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("SERVICE_PORT", "9090")
	t.Setenv("DB_HOST", "tidb.internal")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("MIN_CHUNK_BYTES", "2048")
	t.Setenv("SWEEP_INTERVAL", "1h")
	t.Setenv("RETENTION_DAYS", "30")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.ServicePort)
	assert.Equal(t, "tidb.internal", cfg.DBHost)
	assert.True(t, cfg.MinIOUseSSL)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.Equal(t, int64(2048), cfg.MinChunkBytes)
	assert.Equal(t, time.Hour, cfg.SweepInterval)
	assert.Equal(t, 30*24*time.Hour, cfg.RetentionWindow())
}

func TestLoadConfigIgnoresMalformedValues(t *testing.T) {
	t.Setenv("REDIS_DB", "not-a-number")
	t.Setenv("MINIO_USE_SSL", "sure")
	t.Setenv("TRANSCODE_TIMEOUT", "soon")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 0, cfg.RedisDB)
	assert.False(t, cfg.MinIOUseSSL)
	assert.Equal(t, 30*time.Second, cfg.TranscodeTimeout)
}

func TestGetDSN(t *testing.T) {
	cfg := &Config{
		DBUser:     "app",
		DBPassword: "secret",
		DBHost:     "db.internal",
		DBPort:     "4000",
		DBName:     "aegis",
	}
	assert.Equal(t,
		"app:secret@tcp(db.internal:4000)/aegis?charset=utf8mb4&parseTime=True&loc=Local",
		cfg.GetDSN())
}

func TestGetRedisAddr(t *testing.T) {
	cfg := &Config{RedisHost: "cache.internal", RedisPort: "6380"}
	assert.Equal(t, "cache.internal:6380", cfg.GetRedisAddr())
}
