package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Server
	ServerPort   string
	ServerHost   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Database
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Kafka
	KafkaBrokers   []string
	KafkaGroupID   string
	UploadTopic    string
	LifecycleTopic string
	IntakeDedupTTL time.Duration
	DedupKeyPrefix string

	// Engine
	GitCommit          string
	PollInterval       time.Duration
	ClaimTTL           time.Duration
	RetryPolicyPath    string
	BacklogSampleEvery time.Duration

	// Outbound HTTP
	DownloadTimeout     time.Duration
	ConfirmationTimeout time.Duration
	ConfirmationURL     string
}

func Load() *Config {
	return &Config{
		ServerPort:   getEnv("SERVER_PORT", "8080"),
		ServerHost:   getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:  getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout: getDuration("WRITE_TIMEOUT", 30*time.Second),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "verifika"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "verifika123"),
		PostgresDB:       getEnv("POSTGRES_DB", "verifika"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		KafkaBrokers:   getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID:   getEnv("KAFKA_GROUP_ID", "report-engine"),
		UploadTopic:    getEnv("UPLOAD_TOPIC", "platform.upload.reports"),
		LifecycleTopic: getEnv("LIFECYCLE_TOPIC", "report-engine.lifecycle"),
		IntakeDedupTTL: getDuration("INTAKE_DEDUP_TTL", 24*time.Hour),
		DedupKeyPrefix: getEnv("INTAKE_DEDUP_PREFIX", "intake:request:"),

		GitCommit:          getEnv("GIT_COMMIT", "local"),
		PollInterval:       getDuration("POLL_INTERVAL", 10*time.Second),
		ClaimTTL:           getDuration("CLAIM_TTL", 10*time.Minute),
		RetryPolicyPath:    getEnv("RETRY_POLICY_PATH", ""),
		BacklogSampleEvery: getDuration("BACKLOG_SAMPLE_INTERVAL", time.Minute),

		DownloadTimeout:     getDuration("DOWNLOAD_TIMEOUT", 60*time.Second),
		ConfirmationTimeout: getDuration("CONFIRMATION_TIMEOUT", 30*time.Second),
		ConfirmationURL:     getEnv("CONFIRMATION_URL", "http://localhost:8082/api/v1/confirm"),
	}
}

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

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return []string{value}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
