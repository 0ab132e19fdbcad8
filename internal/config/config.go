// Package config carries the bridge's tunables and path layout. Defaults
// match what the Unity editor side expects; every knob can be overridden
// through a UNITY_MCP_* environment variable.
package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Transport selects how callers reach the bridge's dispatch layer.
type Transport string

const (
	// TransportStdio routes commands over the framed TCP socket pool.
	TransportStdio Transport = "stdio"
	// TransportHTTP routes commands through the WebSocket session hub.
	TransportHTTP Transport = "http"
)

// Config groups all bridge tunables.
type Config struct {
	UnityHost   string
	DefaultPort int
	Transport   Transport

	// Socket transport.
	ConnectTimeout     time.Duration
	HandshakeTimeout   time.Duration
	ProbeTimeout       time.Duration
	RequireFraming     bool
	MaxHeartbeatFrames int
	HeartbeatWindow    time.Duration
	BufferSize         int

	// Retry behaviour.
	MaxRetries     int
	RetryDelay     time.Duration
	ReloadRetryMS  int
	ReloadMaxWait  time.Duration
	StatusFreshFor time.Duration

	// Discovery.
	DiscoveryTTL      time.Duration
	DefaultInstanceID string

	// Session hub.
	CommandTimeout    time.Duration
	FastFailTimeout   time.Duration
	KeepAliveInterval time.Duration
	ServerTimeout     time.Duration
	SessionResolveMax time.Duration
	SessionReadyWait  time.Duration

	// HTTP API.
	HTTPBinding string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		UnityHost:   "127.0.0.1",
		DefaultPort: 6400,
		Transport:   TransportStdio,

		ConnectTimeout:     1 * time.Second,
		HandshakeTimeout:   1 * time.Second,
		ProbeTimeout:       300 * time.Millisecond,
		RequireFraming:     true,
		MaxHeartbeatFrames: 16,
		HeartbeatWindow:    2 * time.Second,
		BufferSize:         16 * 1024,

		MaxRetries:     5,
		RetryDelay:     500 * time.Millisecond,
		ReloadRetryMS:  250,
		ReloadMaxWait:  2 * time.Second,
		StatusFreshFor: 60 * time.Second,

		DiscoveryTTL: 5 * time.Second,

		CommandTimeout:    30 * time.Second,
		FastFailTimeout:   2 * time.Second,
		KeepAliveInterval: 15 * time.Second,
		ServerTimeout:     30 * time.Second,
		SessionResolveMax: 2 * time.Second,
		SessionReadyWait:  6 * time.Second,

		HTTPBinding: "127.0.0.1:8450",
	}
}

// FromEnv returns the default configuration with environment overrides
// applied. Invalid values are logged and ignored rather than failing startup.
func FromEnv() Config {
	cfg := Default()

	if v := os.Getenv("UNITY_MCP_TRANSPORT"); v != "" {
		switch Transport(v) {
		case TransportStdio, TransportHTTP:
			cfg.Transport = Transport(v)
		default:
			log.Printf("[Config] invalid UNITY_MCP_TRANSPORT=%q, using %q", v, cfg.Transport)
		}
	}
	if v := os.Getenv("UNITY_MCP_HOST"); v != "" {
		cfg.UnityHost = v
	}
	if v := os.Getenv("UNITY_MCP_DEFAULT_INSTANCE"); v != "" {
		cfg.DefaultInstanceID = v
	}
	if v := os.Getenv("UNITY_MCP_HTTP_BINDING"); v != "" {
		cfg.HTTPBinding = v
	}

	cfg.ReloadMaxWait = envSeconds("UNITY_MCP_RELOAD_MAX_WAIT_S", cfg.ReloadMaxWait)
	cfg.SessionResolveMax = envSeconds("UNITY_MCP_SESSION_RESOLVE_MAX_WAIT_S", cfg.SessionResolveMax)
	cfg.SessionReadyWait = envSeconds("UNITY_MCP_SESSION_READY_WAIT_SECONDS", cfg.SessionReadyWait)

	// Misconfigured waits must never block a caller for minutes.
	cfg.ReloadMaxWait = clampDuration(cfg.ReloadMaxWait, 0, 30*time.Second)
	cfg.SessionResolveMax = clampDuration(cfg.SessionResolveMax, 0, 30*time.Second)
	cfg.SessionReadyWait = clampDuration(cfg.SessionReadyWait, 0, 30*time.Second)

	return cfg
}

func envSeconds(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("[Config] invalid %s=%q, using default %s: %v", name, raw, fallback, err)
		return fallback
	}
	return time.Duration(secs * float64(time.Second))
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
