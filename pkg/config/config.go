package config

import "time"

// Server defaults
const (
	DefaultPort        = "8080"
	DefaultDataDir     = "./data/tinyhelm"
	DefaultMaxMemoryMB = 48
	DefaultStorage     = StorageBadger
	DefaultLogLevel    = "info"
	DefaultConfigFile  = "tinyhelm.toml"
)

// Polling and averaging defaults
const (
	DefaultPulses     = 5
	DefaultUnit       = "second"
	DefaultRetention  = 10 * time.Minute
	DefaultMaxSamples = 1 << 14
	DefaultStrategy   = StrategyWindow
)

// Background task intervals
const (
	CheckpointInterval = 5 * time.Second
	BroadcastInterval  = 1 * time.Second
	BadgerGCInterval   = 10 * time.Minute
	StaleCheckpointAge = 24 * time.Hour
)

// HTTP timeouts
const (
	RequestTimeout    = 5 * time.Second
	ReadHeaderTimeout = 5 * time.Second
	ShutdownTimeout   = 10 * time.Second
	StorageTimeout    = 5 * time.Second
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 64
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)
