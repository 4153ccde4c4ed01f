package bootstrap

import (
	"os"
	"strconv"
)

type Config struct {
	ServerAddr  string
	DatabaseDSN string
	LogLevel    string
	SQLiteBusy  int
}

func LoadConfig() *Config {
	return &Config{
		ServerAddr:  getEnv("DEVSERVER_ADDR", ":8080"),
		DatabaseDSN: getEnv("DATABASE_DSN", "file:voicechat-dev.db?cache=shared"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		SQLiteBusy:  getEnvInt("SQLITE_BUSY_TIMEOUT_MS", 5000),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
