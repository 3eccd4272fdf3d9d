package config

import (
	"os"

	"github.com/joho/godotenv"
)

type Config struct {
	Port string

	LogLevel string
	Env      string

	// ServerURL is the HTTP base of the chat backend, WSURL its
	// websocket endpoint. Token is the credential handed to the
	// transport at connect time; the client never refreshes it.
	ServerURL string
	WSURL     string
	Token     string

	JWTSecret string
}

func LoadConfig() (*Config, error) {
	// Missing .env is fine; env vars or defaults cover everything.
	_ = godotenv.Load()

	return &Config{
		Port:      GetEnv("PORT", "8081"),
		ServerURL: GetEnv("SHOAL_SERVER_URL", "http://localhost:8081"),
		WSURL:     GetEnv("SHOAL_WS_URL", "ws://localhost:8081/v1/ws"),
		Token:     GetEnv("SHOAL_TOKEN", ""),
		JWTSecret: GetEnv("JWT_SECRET", "dev-secret"),
		Env:       GetEnv("ENV", "development"),
		LogLevel:  GetEnv("LOG_LEVEL", "info"),
	}, nil
}

func GetEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
