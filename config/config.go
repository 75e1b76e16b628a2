// Package config loads environment-variable configuration for the two
// peercall binaries. rendezvousd reads the server half (port, origins,
// Redis, operator auth); peercall reads the client half (rendezvous
// backend selection, ICE overrides, share-link base).
package config

import (
	"os"
	"strings"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	OperatorKey    string
	Redis          RedisConfig
	Rendezvous     RendezvousConfig
	ICE            ICEConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// Addr returns the host:port pair for the Redis client.
func (c RedisConfig) Addr() string {
	return c.Host + ":" + c.Port
}

// RendezvousConfig selects how a client reaches the signaling record:
// "redis" talks to Redis directly, "http" goes through a rendezvousd.
type RendezvousConfig struct {
	Backend       string
	URL           string
	ShareLinkBase string
}

// ICEConfig overrides the built-in STUN/TURN server list. Empty fields
// fall back to the curated defaults.
type ICEConfig struct {
	STUNURLs       []string
	TURNURLs       []string
	TURNUsername   string
	TURNCredential string
}

func Load() *Config {
	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := strings.Split(originsStr, ",")

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		OperatorKey:    getEnv("OPERATOR_KEY", ""),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       0,
		},
		Rendezvous: RendezvousConfig{
			Backend:       getEnv("RENDEZVOUS_BACKEND", "http"),
			URL:           getEnv("RENDEZVOUS_URL", "http://localhost:8080"),
			ShareLinkBase: getEnv("SHARE_LINK_BASE", "https://call.example.net/"),
		},
		ICE: ICEConfig{
			STUNURLs:       splitList(os.Getenv("STUN_URLS")),
			TURNURLs:       splitList(os.Getenv("TURN_URLS")),
			TURNUsername:   getEnv("TURN_USERNAME", ""),
			TURNCredential: getEnv("TURN_CREDENTIAL", ""),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
