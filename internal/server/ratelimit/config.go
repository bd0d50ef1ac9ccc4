// Package ratelimit provides per-client, per-endpoint request throttling.
package ratelimit

import (
	"strings"
	"time"
)

// EndpointConfig defines rate limiting for a specific endpoint.
type EndpointConfig struct {
	Path   string  // Endpoint path pattern (a trailing slash matches the prefix)
	Method string  // HTTP method (GET, POST, etc.)
	Rate   float64 // Sustained requests per second
	Burst  int     // Burst capacity
}

// Config holds rate limiter configuration.
type Config struct {
	Enabled         bool
	Rate            float64
	Burst           int
	CleanupInterval time.Duration
	IdleTimeout     time.Duration
	Whitelist       map[string]bool
	EndpointConfigs []EndpointConfig
}

// NewConfig builds a configuration with the default endpoint overrides.
func NewConfig(enabled bool, rps float64, burst int, whitelist []string) *Config {
	return &Config{
		Enabled:         enabled,
		Rate:            rps,
		Burst:           burst,
		CleanupInterval: 5 * time.Minute,
		IdleTimeout:     time.Hour,
		Whitelist:       parseIPList(whitelist),
		EndpointConfigs: DefaultEndpointConfigs(),
	}
}

// DefaultEndpointConfigs returns the stricter limits for endpoints that
// write to disk or start subprocesses.
func DefaultEndpointConfigs() []EndpointConfig {
	return []EndpointConfig{
		{Path: "/upload", Method: "POST", Rate: 1, Burst: 5},
		{Path: "/analyze", Method: "POST", Rate: 0.5, Burst: 3},
		{Path: "/download/", Method: "GET", Rate: 1, Burst: 5},
	}
}

func parseIPList(list []string) map[string]bool {
	result := make(map[string]bool)
	for _, ip := range list {
		ip = strings.TrimSpace(ip)
		if ip != "" {
			result[ip] = true
		}
	}
	return result
}
