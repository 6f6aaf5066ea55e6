package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	UploadBaseDir         string
	StatCacheTTLSeconds   int
	StationID             string
	IngestWorkers         int
	LockRetryAttempts     int
	AuthSecret            string
	AccessTokenTTLMinutes int
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	statTTL, err := strconv.Atoi(getEnv("STAT_CACHE_TTL_SECONDS", "300"))
	if err != nil || statTTL < 1 {
		statTTL = 300
	}
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	workers, err := strconv.Atoi(getEnv("INGEST_WORKERS", "4"))
	if err != nil || workers < 1 {
		workers = 4
	}
	lockAttempts, err := strconv.Atoi(getEnv("LOCK_RETRY_ATTEMPTS", "5"))
	if err != nil || lockAttempts < 1 {
		lockAttempts = 5
	}

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		UploadBaseDir:         getEnv("UPLOAD_BASE_DIR", "data"),
		StatCacheTTLSeconds:   statTTL,
		StationID:             getEnv("DEFAULT_STATION_ID", "main-station"),
		IngestWorkers:         workers,
		LockRetryAttempts:     lockAttempts,
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
