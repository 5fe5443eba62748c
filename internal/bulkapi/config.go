// Package bulkapi implements the remote job client against the bulk write
// REST service, plus an in-process fake of that service.
package bulkapi

import (
	"time"

	"bulkjob/internal/config"
	"bulkjob/pkg/backoff"
	"bulkjob/pkg/circuitbreaker"
)

// Config configures HTTPClient. Zero values use defaults.
type Config struct {
	BaseURL   string
	Token     string
	Timeout   time.Duration  // per request, default 30s
	Retry     backoff.Policy // applied only to requests the server did not process
	RateLimit float64        // requests per second, default 10
	RateBurst int            // default 5
	Breaker   circuitbreaker.Config
	UserAgent string
}

// LoadConfigFromEnv reads BULK_API_* variables.
func LoadConfigFromEnv() Config {
	return Config{
		BaseURL:   config.GetEnv("BULK_API_URL", ""),
		Token:     config.GetSecretFile(config.GetEnv("BULK_API_TOKEN_FILE", "")),
		Timeout:   config.GetDurationEnv("BULK_API_TIMEOUT", 30*time.Second),
		RateLimit: config.GetFloatEnv("BULK_API_RATE_LIMIT", 10),
		RateBurst: config.GetIntEnv("BULK_API_RATE_BURST", 5),
		Retry: backoff.Policy{
			Initial:     config.GetDurationEnv("BULK_API_RETRY_INITIAL", 200*time.Millisecond),
			Max:         config.GetDurationEnv("BULK_API_RETRY_MAX", 5*time.Second),
			MaxAttempts: config.GetIntEnv("BULK_API_MAX_RETRIES", 3) + 1,
		},
		Breaker: circuitbreaker.Config{
			Threshold: config.GetIntEnv("BULK_API_BREAKER_THRESHOLD", 5),
			Cooldown:  config.GetDurationEnv("BULK_API_BREAKER_COOLDOWN", 30*time.Second),
		},
	}
}

// Env renders the settings a task process needs to reach the service. The
// token is passed through its file path, never inline.
func (c Config) Env(tokenFile string) []string {
	env := []string{"BULK_API_URL=" + c.BaseURL}
	if tokenFile != "" {
		env = append(env, "BULK_API_TOKEN_FILE="+tokenFile)
	}
	if c.Timeout > 0 {
		env = append(env, "BULK_API_TIMEOUT="+c.Timeout.String())
	}
	return env
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 10
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 5
	}
	if c.UserAgent == "" {
		c.UserAgent = "bulkjob/1.0"
	}
	return c
}
