// Package constants defines magic numbers and default values shared across
// the proxy core.
package constants

import "time"

// Socket and dial timeouts.
const (
	DefaultReadTimeout  = 30 * time.Second
	DefaultWriteTimeout = 30 * time.Second
	DefaultIdleTimeout  = 30 * time.Second
	DefaultDialTimeout  = 5 * time.Second
)

// Tcp Buffer (pkg/ringbuffer) defaults.
const (
	DefaultRingCapacity = 1 * 1024 * 1024 // 1 MiB
	MaxHeaderBlockSize  = DefaultRingCapacity
)

// HTTP Client Pool (pkg/pool) defaults.
const (
	PoolSweepInterval = 1 * time.Second
	PoolMaxIdleAge    = 2 * time.Minute
	PoolShrinkToCap   = 32
)

// Gateway Connection defaults.
const (
	GatewayPingInterval   = 5 * time.Second
	GatewayMaxMissedPongs = 3
	GatewayMaxFrameSize   = 16 * 1024 * 1024 // 16 MiB
	GatewayWriteChunkSize = 1 * 1024 * 1024  // 1 MiB
	GatewayMaxBackoff     = 30 * time.Second
	GatewayMinBackoff     = 250 * time.Millisecond
)

// Gateway key material.
const (
	GatewayKeyLength       = 48 // salt-expanded AES key + nonce-prefix material
	GatewayMinSecretLength = 16
)

// Request Slot pending-byte spool.
const (
	DefaultSlotSpillThreshold = 256 * 1024 // 256 KiB before spilling to disk
)

// Scheduling ticks (pkg/scheduler consumers).
const (
	MetricsSnapshotInterval = 1 * time.Second
)
