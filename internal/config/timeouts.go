package config

import "time"

// TimeoutConfig holds timeouts that can be tuned from the command line.
type TimeoutConfig struct {
	// HTTPClient bounds outbound calls (Expo push, Discord, Places, GCS). Default: 30s
	HTTPClient time.Duration

	// WebSocketPing is the keepalive interval for realtime connections. Default: 30s
	WebSocketPing time.Duration

	// Request bounds regular API requests. Default: 60s
	Request time.Duration
}

// DefaultTimeoutConfig returns the default timeouts.
func DefaultTimeoutConfig() *TimeoutConfig {
	return &TimeoutConfig{
		HTTPClient:    30 * time.Second,
		WebSocketPing: 30 * time.Second,
		Request:       60 * time.Second,
	}
}

var globalTimeouts = DefaultTimeoutConfig()

// SetGlobalTimeouts replaces the process-wide timeouts. Zero fields keep their defaults.
func SetGlobalTimeouts(cfg *TimeoutConfig) {
	if cfg == nil {
		return
	}
	def := DefaultTimeoutConfig()
	if cfg.HTTPClient <= 0 {
		cfg.HTTPClient = def.HTTPClient
	}
	if cfg.WebSocketPing <= 0 {
		cfg.WebSocketPing = def.WebSocketPing
	}
	if cfg.Request <= 0 {
		cfg.Request = def.Request
	}
	globalTimeouts = cfg
}

// GetTimeouts returns the process-wide timeouts.
func GetTimeouts() *TimeoutConfig {
	return globalTimeouts
}
