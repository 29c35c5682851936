package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	GeminiAPIKey      string
	DatabaseURL       string
	HTTPPort          string
	LogLevel          string
	MemoryWindow      int
	LockRetryAttempts int
	LockRetryDelay    time.Duration
}

var AppConfig Config

func LoadConfig() {
	err := godotenv.Load() // Load .env file if it exists
	if err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	AppConfig = Config{
		GeminiAPIKey:      getEnv("GEMINI_API_KEY", ""),
		DatabaseURL:       getEnv("DATABASE_URL", "chatbot.db"),
		HTTPPort:          getEnv("HTTP_PORT", "8080"),
		LogLevel:          getEnv("LOG_LEVEL", "INFO"),
		MemoryWindow:      getEnvAsInt("MEMORY_WINDOW", 4),
		LockRetryAttempts: getEnvAsInt("LOCK_RETRY_ATTEMPTS", 10),
		LockRetryDelay:    time.Duration(getEnvAsInt("LOCK_RETRY_DELAY_MS", 100)) * time.Millisecond,
	}

	if AppConfig.GeminiAPIKey == "" {
		log.Fatal("GEMINI_API_KEY environment variable is required")
	}
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}
