package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config carries everything the server needs at startup. Values come from
// environment variables, optionally seeded from a .env file.
type Config struct {
	Addr             string
	InferenceURL     string
	InferenceTimeout time.Duration
	DatabaseDSN      string
	RedisAddr        string
	JWTSecret        string
	JWTAudience      string
	WebRoot          string
	SessionTTL       time.Duration
	AllowedOrigins   []string
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first if present; its absence is not an error.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Addr:             getEnv("PNEUMOSCAN_ADDR", ":8080"),
		InferenceURL:     getEnv("INFERENCE_URL", "http://localhost:5001"),
		InferenceTimeout: getDuration("INFERENCE_TIMEOUT", 30*time.Second),
		DatabaseDSN:      getEnv("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=pneumoscan port=5432 sslmode=disable"),
		RedisAddr:        getEnv("REDIS_ADDR", "redis:6379"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		JWTAudience:      os.Getenv("JWT_AUDIENCE"),
		WebRoot:          getEnv("WEB_ROOT", "./web"),
		SessionTTL:       getDuration("SESSION_TTL", 30*time.Minute),
		AllowedOrigins:   getList("ALLOWED_ORIGINS", []string{"*"}),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func getList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
