// Package config provides configuration loading for the host.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the host process.
type Config struct {
	// Server settings
	Port           int
	Host           string
	AllowedOrigins []string

	// Storage
	DBPath string

	// Port allocator range (§4.1)
	PortRangeStart int
	PortRangeEnd   int

	// Health-check gate (§4.4)
	HealthCheckTimeout  time.Duration // T_hc, per probe
	HealthCheckInterval time.Duration // I_hc, between probes
	HealthCheckAttempts int           // N_hc

	// Stop/restart behaviour (§4.4)
	StopTimeout   time.Duration // grace period before SIGKILL
	RestartBudget int           // M: auto-restarts allowed per window
	RestartWindow time.Duration // W: window, from the first counted crash, that M is counted over

	// Session registry (§4.6)
	SessionExpiry        time.Duration // T_expire
	SessionSweepInterval time.Duration // T_sweep

	// Gateway routing policy (§4.5)
	GatewayLazyStart bool
	GatewayDeadline  time.Duration

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnvInt("HOST_PORT", 8080),
		Host:           getEnv("HOST_BIND_ADDR", "0.0.0.0"),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", []string{"*"}),

		DBPath: getEnv("DB_PATH", "/var/lib/mcp-host/host.db"),

		PortRangeStart: getEnvInt("PORT_RANGE_START", 4100),
		PortRangeEnd:   getEnvInt("PORT_RANGE_END", 4999),

		HealthCheckTimeout:  getEnvDuration("HEALTH_CHECK_TIMEOUT", 2*time.Second),
		HealthCheckInterval: getEnvDuration("HEALTH_CHECK_INTERVAL", 1*time.Second),
		HealthCheckAttempts: getEnvInt("HEALTH_CHECK_ATTEMPTS", 30),

		StopTimeout:   getEnvDuration("STOP_TIMEOUT", 5*time.Second),
		RestartBudget: getEnvInt("RESTART_BUDGET", 3),
		RestartWindow: getEnvDuration("RESTART_WINDOW", 5*time.Minute),

		SessionExpiry:        getEnvDuration("SESSION_EXPIRY", 40*time.Second),
		SessionSweepInterval: getEnvDuration("SESSION_SWEEP_INTERVAL", 15*time.Second),

		GatewayLazyStart: getEnvBool("GATEWAY_LAZY_START", true),
		GatewayDeadline:  getEnvDuration("GATEWAY_DEADLINE", 30*time.Second),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 1024),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 1024),
	}

	if cfg.PortRangeStart <= 0 || cfg.PortRangeEnd <= cfg.PortRangeStart {
		return nil, fmt.Errorf("PORT_RANGE_START/PORT_RANGE_END must describe a non-empty range, got [%d,%d]", cfg.PortRangeStart, cfg.PortRangeEnd)
	}
	if cfg.RestartBudget <= 0 {
		return nil, fmt.Errorf("RESTART_BUDGET must be positive, got %d", cfg.RestartBudget)
	}

	return cfg, nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
