package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr          string
	DatabaseURL   string
	MigrationsDir string
	RevisionsDir  string
	CORSOrigin    string
	// Redis is optional; without it in-flight AI actions are tracked per process.
	RedisURL       string
	MeiliURL       string
	MeiliMasterKey string
	// AI gateway
	OpenAIKey       string
	OpenAIBaseURL   string
	OpenAIModel     string
	AITimeout       time.Duration
	AIMaxAttempts   int
	AIRatePerSecond float64
	AIBurst         int
	InflightTTL     time.Duration
	MaxUploadBytes  int64
}

// inflightSlack covers rate-limiter waits and the re-read and apply after
// the last AI attempt.
const inflightSlack = 30 * time.Second

func Load() Config {
	cfg := Config{
		Addr:            getenv("API_ADDR", ":8787"),
		DatabaseURL:     getenv("DATABASE_URL", ""),
		MigrationsDir:   getenv("MIGRATIONS_DIR", "./db/migrations"),
		RevisionsDir:    getenv("REVISIONS_DIR", ""),
		CORSOrigin:      getenv("CORS_ORIGIN", "*"),
		RedisURL:        getenv("REDIS_URL", ""),
		MeiliURL:        getenv("MEILI_URL", ""),
		MeiliMasterKey:  getenv("MEILI_MASTER_KEY", ""),
		OpenAIKey:       getenv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:   getenv("OPENAI_BASE_URL", ""),
		OpenAIModel:     getenv("OPENAI_MODEL", "gpt-4o-mini"),
		AITimeout:       getenvDuration("AI_TIMEOUT", 60*time.Second),
		AIMaxAttempts:   getenvInt("AI_MAX_ATTEMPTS", 2),
		AIRatePerSecond: getenvFloat("AI_RATE_PER_SECOND", 2),
		AIBurst:         getenvInt("AI_BURST", 4),
		MaxUploadBytes:  int64(getenvInt("MAX_UPLOAD_BYTES", 10<<20)),
	}
	floor := MinInflightTTL(cfg.AITimeout, cfg.AIMaxAttempts)
	cfg.InflightTTL = max(getenvDuration("INFLIGHT_TTL", floor), floor)
	return cfg
}

// MinInflightTTL is the shortest claim that outlives every attempt of one
// AI action. A shorter claim expires mid-call and the action is reported
// as superseded.
func MinInflightTTL(timeout time.Duration, attempts int) time.Duration {
	return timeout*time.Duration(max(attempts, 1)) + inflightSlack
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

// getenvDuration accepts Go duration strings ("90s") or a bare number of seconds.
func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return fallback
}
