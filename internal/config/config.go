package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the server.
// Values come from environment variables, optionally loaded from a .env file.
type Config struct {
	Port    string
	GinMode string

	// Session pools
	MaxActiveSessions int
	MaxRecentSessions int
	MaxEventLogSize   int

	// Lifecycle timing
	IdleTimeout       time.Duration
	HeartbeatInterval time.Duration

	// Agent bridge
	AgentMaxAttempts int

	// Document store
	DocumentStoreEndpoint string
	FirestoreProjectID    string

	// Server
	ServerShutdownTimeoutSeconds int

	// CORS
	CORSAllowedOrigins string

	// Logging
	LogLevel  string
	LogFormat string
}

var AppConfig *Config

// LoadConfig populates AppConfig from the environment.
func LoadConfig() {
	// Load .env file if it exists
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = &Config{
		Port:    getEnvOrDefault("PORT", "8080"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		// Session pools
		MaxActiveSessions: getEnvAsInt("MAX_ACTIVE_SESSIONS", 8),
		MaxRecentSessions: getEnvAsInt("MAX_RECENT_SESSIONS", 100),
		MaxEventLogSize:   getEnvAsInt("MAX_EVENT_LOG_SIZE", 500),

		// Lifecycle timing
		IdleTimeout:       time.Duration(getEnvAsInt("IDLE_TIMEOUT_SECONDS", 600)) * time.Second,
		HeartbeatInterval: time.Duration(getEnvAsInt("HEARTBEAT_INTERVAL_SECONDS", 15)) * time.Second,

		// Agent bridge
		AgentMaxAttempts: getEnvAsInt("AGENT_MAX_ATTEMPTS", 2),

		// Document store
		DocumentStoreEndpoint: getEnvOrDefault("DOCUMENT_STORE_ENDPOINT", ""),
		FirestoreProjectID:    getEnvOrDefault("FIRESTORE_PROJECT_ID", ""),

		// Server
		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),

		// CORS
		CORSAllowedOrigins: getEnvOrDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),

		// Logging
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "debug"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),
	}

	if AppConfig.FirestoreProjectID == "" {
		log.Println("Warning: Firestore project ID is missing; falling back to the in-memory document store.")
	}

	if AppConfig.MaxActiveSessions < 1 {
		log.Printf("Warning: MAX_ACTIVE_SESSIONS=%d is invalid, using 1", AppConfig.MaxActiveSessions)
		AppConfig.MaxActiveSessions = 1
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}
