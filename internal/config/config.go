package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	ServerURL        string
	SessionFile      string
	HistoryLimit     int
	ReconnectDelay   time.Duration
	PresenceInterval time.Duration
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("[config] no .env file found, relying on system environment variables")
	}

	cfg := &Config{
		ServerURL:        getEnv("CHAT_SERVER_URL", "http://localhost:8080"),
		SessionFile:      getEnv("CHAT_SESSION_FILE", ""),
		HistoryLimit:     getEnvInt("CHAT_HISTORY_LIMIT", 50),
		ReconnectDelay:   getEnvDuration("CHAT_RECONNECT_DELAY", 3*time.Second),
		PresenceInterval: getEnvDuration("CHAT_PRESENCE_INTERVAL", 5*time.Second),
	}

	log.Debug().Msgf("[config] server url: %s", cfg.ServerURL)
	return cfg
}

func getEnv(key, defaultValue string) string {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	raw, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn().Msgf("[config] %s is not an integer (%q), using default %d", key, raw, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	raw, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Warn().Msgf("[config] %s is not a duration (%q), using default %s", key, raw, defaultValue)
		return defaultValue
	}
	return value
}
