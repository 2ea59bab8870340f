// Package constants defines magic numbers and default values used throughout the engine
package constants

import "time"

// Connection timeouts and limits
const (
	DefaultIdleTimeout     = 90 * time.Second
	DefaultConnTimeout     = 10 * time.Second
	DefaultReadTimeout     = 30 * time.Second
	DefaultPingInterval    = 15 * time.Second
	MaxConnectionIdleTime  = 5 * time.Minute
	HealthCheckInterval    = 30 * time.Second
	CleanupInterval        = 30 * time.Second
)

// HTTP/2 limits
const (
	MaxTotalStreams       = 10000
	SettingsAckTimeout    = 10 * time.Second
	DefaultHpackTableSize = 4096
)

// HTTP limits
const (
	MaxContentLength  = 1024 * 1024 * 1024 * 1024 // 1TB
	MaxHeaderBytes    = 1024 * 1024               // 1MB of header bytes per message
)

// Buffer limits
const (
	DefaultBodyMemLimit = 4 * 1024 * 1024 // 4MB
	MaxRawBufferSize    = 100 * 1024 * 1024 // 100MB cap for raw buffer
)

// Dispatcher admission control defaults.
const (
	DefaultMaxRequests        = 64
	DefaultMaxRequestsPerHost = 5
)

// Interceptor chain defaults.
const (
	DefaultMaxRedirects = 20
)

// Connection pool defaults.
const (
	DefaultPoolKeepAlive    = 5 * time.Minute
	DefaultMaxIdleConns     = 32
	DefaultMaxIdlePerHost   = 8
	PoolSweepInterval       = 10 * time.Second
)

// Cache policy defaults.
const (
	DefaultMaxHeuristicFreshness = 24 * time.Hour
)

// HTTP/2 flow control defaults (RFC 7540 §6.9.1).
const (
	DefaultStreamWindowSize = 65535
)
