package relay

import (
	"os"
	"strconv"
	"time"
)

// Config holds the relay configuration, loaded from environment
// variables.
type Config struct {
	Port        int
	ArchivePath string

	// RequestTTL is how long a chat request stays open.
	RequestTTL time.Duration

	// WebSocket settings
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64

	// Logging
	LogLevel string
	LogFile  string
}

// LoadConfig reads configuration from the environment with defaults
// suitable for local development.
func LoadConfig() *Config {
	return &Config{
		Port:           getEnvInt("RELAY_PORT", 8080),
		ArchivePath:    getEnv("RELAY_ARCHIVE_PATH", "relay.db"),
		RequestTTL:     time.Duration(getEnvInt("RELAY_REQUEST_TTL_MS", 120000)) * time.Millisecond,
		PingInterval:   time.Duration(getEnvInt("RELAY_PING_INTERVAL_MS", 30000)) * time.Millisecond,
		WriteTimeout:   time.Duration(getEnvInt("RELAY_WRITE_TIMEOUT_MS", 10000)) * time.Millisecond,
		ReadTimeout:    time.Duration(getEnvInt("RELAY_READ_TIMEOUT_MS", 60000)) * time.Millisecond,
		MaxMessageSize: int64(getEnvInt("RELAY_MAX_MESSAGE_SIZE", 65536)),
		LogLevel:       getEnv("RELAY_LOG_LEVEL", "info"),
		LogFile:        getEnv("RELAY_LOG_FILE", ""),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
