package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	ErpBaseURL            string
	ErpAPIKey             string
	ErpAPISecret          string
	ErpTimeoutSeconds     int
	Warehouse             string
	PriceList             string
	SessionTTLSeconds     int
	PushIntervalSeconds   int
	PullIntervalSeconds   int
	PushBatchSize         int
	PullLoops             int
	PullPageSize          int
	AuthSecret            string
	AccessTokenTTLMinutes int
}

func Load() Config {
	// A local .env is a dev convenience; absence is not an error.
	_ = godotenv.Load()

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               intEnv("REDIS_DB", 0, 0),
		ErpBaseURL:            strings.TrimRight(os.Getenv("ERP_BASE_URL"), "/"),
		ErpAPIKey:             os.Getenv("ERP_API_KEY"),
		ErpAPISecret:          os.Getenv("ERP_API_SECRET"),
		ErpTimeoutSeconds:     intEnv("ERP_TIMEOUT_SECONDS", 15, 1),
		Warehouse:             getEnv("WAREHOUSE", "Shop"),
		PriceList:             getEnv("PRICE_LIST", "Standard Selling"),
		SessionTTLSeconds:     intEnv("SESSION_TTL_SECONDS", 45, 5),
		PushIntervalSeconds:   intEnv("PUSH_INTERVAL_SECONDS", 30, 5),
		PullIntervalSeconds:   intEnv("PULL_INTERVAL_SECONDS", 300, 30),
		PushBatchSize:         intEnv("PUSH_BATCH_SIZE", 25, 1),
		PullLoops:             intEnv("PULL_LOOPS", 10, 1),
		PullPageSize:          intEnv("PULL_PAGE_SIZE", 100, 1),
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: intEnv("ACCESS_TOKEN_TTL_MINUTES", 480, 1),
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

func intEnv(key string, fallback int, min int) int {
	val, err := strconv.Atoi(os.Getenv(key))
	if err != nil || val < min {
		return fallback
	}
	return val
}
