// Package config provides a thin environment-variable loader for the
// values a process wiring this framework together typically needs at
// startup. It is not a DI container — callers are free to build
// poller.Config/manager.Config/fifo.Config/lambdaadapter.Config by hand
// instead, as spec §1 treats configuration loading as an external
// collaborator, not part of the core.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the environment-derived settings for a standalone subscriber
// process: one AWS region/queue plus the concurrency and timing knobs the
// Poller, Manager, and FIFO Scheduler need.
type Config struct {
	AWSRegion string
	QueueURL  string

	MaxConcurrentMessages int
	VisibilityTimeout     time.Duration
	ExtensionThreshold    time.Duration
	HeartbeatInterval     time.Duration
	WaitTimeSeconds       int32

	MaxConcurrentGroups int

	ShutdownGracePeriod time.Duration
}

// Load reads configuration from environment variables, applying the same
// fallbacks-over-env-vars pattern used throughout this framework's lineage.
func Load() *Config {
	return &Config{
		AWSRegion: getEnv("AWS_REGION", "us-east-1"),
		QueueURL:  getEnv("SUBSCRIBER_QUEUE_URL", ""),

		MaxConcurrentMessages: getEnvInt("SUBSCRIBER_MAX_CONCURRENT_MESSAGES", 10),
		VisibilityTimeout:     getEnvDuration("SUBSCRIBER_VISIBILITY_TIMEOUT", 30*time.Second),
		ExtensionThreshold:    getEnvDuration("SUBSCRIBER_EXTENSION_THRESHOLD", 10*time.Second),
		HeartbeatInterval:     getEnvDuration("SUBSCRIBER_HEARTBEAT_INTERVAL", 5*time.Second),
		WaitTimeSeconds:       int32(getEnvInt("SUBSCRIBER_WAIT_TIME_SECONDS", 20)),

		MaxConcurrentGroups: getEnvInt("SUBSCRIBER_MAX_CONCURRENT_GROUPS", 10),

		ShutdownGracePeriod: getEnvDuration("SUBSCRIBER_SHUTDOWN_GRACE_PERIOD", 20*time.Second),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
