// Package config loads process configuration from the environment, .env files
// and YAML operation files.
package config

import (
	"time"
)

// ServiceConfig holds configuration for the coordinator service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // wait for the load balancer to drain (0 to skip)
	CallbackURL       string        // operator webhook for lifecycle events (empty disables)
	CallbackKey       string
	DatabaseURL       string // Postgres DSN for the shared configuration store (empty uses memory)
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		CallbackURL:       GetEnv("CALLBACK_URL", ""),
		CallbackKey:       GetSecretFile(GetEnv("CALLBACK_KEY_FILE", "")),
		DatabaseURL:       GetEnv("DATABASE_URL", ""),
	}
}
