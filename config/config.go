package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	// HTTP Server
	HTTPAddr string

	// Bus
	BusName   string
	QueueSize int

	// Observer
	ObserverBufferSize int

	// Analyzer
	SaturationThreshold float64
	AnalysisWindow      time.Duration
	RateCheckInterval   time.Duration

	// Storage
	StorageType   string // "local" or "gcs"
	StorageDir    string
	GCSBucketName string
	GCSBaseDir    string

	// Simulation
	ProfilePath string
	RandomSeed  int64
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	return &Config{
		HTTPAddr:            getEnv("HTTP_ADDR", ":8080"),
		BusName:             getEnv("BUS_NAME", "vcan0"),
		QueueSize:           getIntEnv("BUS_QUEUE_SIZE", 4096),
		ObserverBufferSize:  getIntEnv("OBSERVER_BUFFER_SIZE", 10000),
		SaturationThreshold: getFloatEnv("SATURATION_THRESHOLD", 5000),
		AnalysisWindow:      getDurationEnv("ANALYSIS_WINDOW", time.Second),
		RateCheckInterval:   getDurationEnv("RATE_CHECK_INTERVAL", 5*time.Second),
		StorageType:         getEnv("STORAGE_TYPE", "local"),
		StorageDir:          getEnv("STORAGE_DIR", "./data/recordings"),
		GCSBucketName:       getEnv("GCS_BUCKET_NAME", ""),
		GCSBaseDir:          getEnv("GCS_BASE_DIR", "recordings"),
		ProfilePath:         getEnv("PROFILE_PATH", ""),
		RandomSeed:          getInt64Env("RANDOM_SEED", time.Now().UnixNano()),
	}
}

// Helper functions to get environment variables with defaults

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
