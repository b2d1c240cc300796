package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"vetclinic/backend/internal/logger"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	WalkInCacheTTLSeconds int
	AuthSecret            string
	AccessTokenTTLMinutes int
	RequestTimeoutSeconds int
	StorageRetryAttempts  int

	LogLevel  string
	LogFormat string
	LogOutput string
}

// Load reads the environment. Call godotenv first if a .env file should count.
func Load() Config {
	return Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               getInt("REDIS_DB", 0, 0),
		WalkInCacheTTLSeconds: getInt("WALKIN_CACHE_TTL_SECONDS", 3600, 1),
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: getInt("ACCESS_TOKEN_TTL_MINUTES", 480, 1),
		RequestTimeoutSeconds: getInt("REQUEST_TIMEOUT_SECONDS", 10, 1),
		StorageRetryAttempts:  getInt("STORAGE_RETRY_ATTEMPTS", 3, 1),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogFormat:             getEnv("LOG_FORMAT", "json"),
		LogOutput:             getEnv("LOG_OUTPUT", "stdout"),
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func (c Config) WalkInCacheTTL() time.Duration {
	return time.Duration(c.WalkInCacheTTLSeconds) * time.Second
}

func (c Config) LoggerConfig() logger.LogConfig {
	cfg := logger.DefaultConfig()
	cfg.Level = c.LogLevel
	cfg.Format = c.LogFormat
	cfg.Output = c.LogOutput
	return cfg
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

// getInt falls back when the value is missing, malformed or below min.
func getInt(key string, fallback int, min int) int {
	val, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || val < min {
		return fallback
	}
	return val
}
