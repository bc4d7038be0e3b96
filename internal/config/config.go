// Package config loads the engine's runtime configuration from
// environment variables, mirroring
// _examples/original_source/src/config.rs's field list and defaults.
// Byte-size fields accept human-readable units ("64MiB", "1GB") via
// github.com/docker/go-units, the way
// _examples/launix-de-memcp parses its own size-like settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/docker/go-units"
)

// Config is the full set of tunables for one engine instance. Every
// field has a default so a bare `kissengine serve` with no environment
// overrides starts a usable single-node instance.
type Config struct {
	// DataDir roots every on-disk path the engine uses (event log,
	// snapshots, vector collections, the durable state index). KISS_DATA_DIR,
	// default "./data". Setting it to the empty string is a first-class
	// contract, not just an optimization: the engine then runs purely
	// in-memory with persistence disabled entirely, per the data directory
	// being optional.
	DataDir string

	HTTPAddr     string // KISS_HTTP_ADDR, default ":8088"
	AuthToken    string // KISS_AUTH_TOKEN, empty disables auth
	RequestIDHdr string // KISS_REQUEST_ID_HEADER, default "X-Request-Id"

	SnapshotInterval     time.Duration // KISS_SNAPSHOT_INTERVAL_SECS, default 30s
	SnapshotCompress     bool          // KISS_SNAPSHOT_COMPRESS, default true
	TTLSweepInterval     time.Duration // KISS_TTL_SWEEP_INTERVAL_MS, default 500ms
	EventBufferSize      int           // KISS_EVENT_BUFFER_SIZE, default 10000 (bus ring capacity)
	LiveBroadcastCap     int           // KISS_LIVE_BROADCAST_CAPACITY, default 4096 (per-subscriber channel)
	WALSegmentMaxBytes   int64         // KISS_WAL_SEGMENT_MAX_BYTES, default 64MiB
	WALRetentionSegments int           // KISS_WAL_RETENTION_SEGMENTS, default 8

	DurableStateIndex bool   // KISS_DURABLE_STATE_INDEX, default false
	SQLSidecarPath    string // KISS_SQL_SIDECAR_PATH, empty disables the sidecar

	MetricsEnabled bool // KISS_METRICS_ENABLED, default true
	LogLevel       string // KISS_LOG_LEVEL, default "info"
}

// Default returns the configuration a fresh instance starts with absent
// any environment overrides.
func Default() Config {
	return Config{
		DataDir:              "./data",
		HTTPAddr:             ":8088",
		RequestIDHdr:         "X-Request-Id",
		SnapshotInterval:     30 * time.Second,
		SnapshotCompress:     true,
		TTLSweepInterval:     500 * time.Millisecond,
		EventBufferSize:      10000,
		LiveBroadcastCap:     4096,
		WALSegmentMaxBytes:   64 * 1024 * 1024,
		WALRetentionSegments: 8,
		DurableStateIndex:    false,
		MetricsEnabled:       true,
		LogLevel:             "info",
	}
}

// FromEnv starts from Default and applies any KISS_* environment
// variables present, returning an error on a malformed value rather than
// silently falling back to the default.
func FromEnv() (Config, error) {
	c := Default()

	if v, ok := os.LookupEnv("KISS_DATA_DIR"); ok {
		c.DataDir = v
	}
	if v, ok := os.LookupEnv("KISS_HTTP_ADDR"); ok {
		c.HTTPAddr = v
	}
	if v, ok := os.LookupEnv("KISS_AUTH_TOKEN"); ok {
		c.AuthToken = v
	}
	if v, ok := os.LookupEnv("KISS_REQUEST_ID_HEADER"); ok {
		c.RequestIDHdr = v
	}
	if v, ok := os.LookupEnv("KISS_SNAPSHOT_INTERVAL_SECS"); ok {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return c, fmt.Errorf("config: KISS_SNAPSHOT_INTERVAL_SECS: %w", err)
		}
		c.SnapshotInterval = time.Duration(secs) * time.Second
	}
	if v, ok := os.LookupEnv("KISS_SNAPSHOT_COMPRESS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return c, fmt.Errorf("config: KISS_SNAPSHOT_COMPRESS: %w", err)
		}
		c.SnapshotCompress = b
	}
	if v, ok := os.LookupEnv("KISS_TTL_SWEEP_INTERVAL_MS"); ok {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return c, fmt.Errorf("config: KISS_TTL_SWEEP_INTERVAL_MS: %w", err)
		}
		c.TTLSweepInterval = time.Duration(ms) * time.Millisecond
	}
	if v, ok := os.LookupEnv("KISS_EVENT_BUFFER_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c, fmt.Errorf("config: KISS_EVENT_BUFFER_SIZE: %w", err)
		}
		c.EventBufferSize = n
	}
	if v, ok := os.LookupEnv("KISS_LIVE_BROADCAST_CAPACITY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c, fmt.Errorf("config: KISS_LIVE_BROADCAST_CAPACITY: %w", err)
		}
		c.LiveBroadcastCap = n
	}
	if v, ok := os.LookupEnv("KISS_WAL_SEGMENT_MAX_BYTES"); ok {
		n, err := units.RAMInBytes(v)
		if err != nil {
			return c, fmt.Errorf("config: KISS_WAL_SEGMENT_MAX_BYTES: %w", err)
		}
		c.WALSegmentMaxBytes = n
	}
	if v, ok := os.LookupEnv("KISS_WAL_RETENTION_SEGMENTS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c, fmt.Errorf("config: KISS_WAL_RETENTION_SEGMENTS: %w", err)
		}
		c.WALRetentionSegments = n
	}
	if v, ok := os.LookupEnv("KISS_DURABLE_STATE_INDEX"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return c, fmt.Errorf("config: KISS_DURABLE_STATE_INDEX: %w", err)
		}
		c.DurableStateIndex = b
	}
	if v, ok := os.LookupEnv("KISS_SQL_SIDECAR_PATH"); ok {
		c.SQLSidecarPath = v
	}
	if v, ok := os.LookupEnv("KISS_METRICS_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return c, fmt.Errorf("config: KISS_METRICS_ENABLED: %w", err)
		}
		c.MetricsEnabled = b
	}
	if v, ok := os.LookupEnv("KISS_LOG_LEVEL"); ok {
		c.LogLevel = v
	}

	if c.DataDir == "" && c.DurableStateIndex {
		return c, fmt.Errorf("config: KISS_DURABLE_STATE_INDEX requires KISS_DATA_DIR to be set")
	}

	return c, nil
}

// InMemoryOnly reports whether persistence is disabled: no event log, no
// snapshots, no vector collection record files, no durable state index.
func (c Config) InMemoryOnly() bool { return c.DataDir == "" }

// EventLogDir, SnapshotDir, VectorDir and StateIndexPath are the fixed
// paths the engine lays out under DataDir.
func (c Config) EventLogDir() string { return c.DataDir + "/events" }
func (c Config) SnapshotDir() string { return c.DataDir + "/snapshot" }
func (c Config) VectorDir() string   { return c.DataDir + "/vectors" }
func (c Config) StateIndexPath() string { return c.DataDir + "/state_index.bolt" }
