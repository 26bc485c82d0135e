// Package config loads the single configuration structure described in
// spec §6, populated once at boot from a YAML file plus environment
// variable overrides. Grounded on pkg/config/loader.go's layered merge
// model (teacher), simplified to one process instead of multi-tenant
// layering since spec §5 requires no runtime reconfiguration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the configuration surface enumerated in spec §6.
type Config struct {
	DeviceID      string `yaml:"device_id"`
	PrimaryServer string `yaml:"primary_server"`
	FallbackPeer  string `yaml:"fallback_peer"`

	ChunkSizeBytes         int `yaml:"chunk_size_bytes"`
	MaxInflightChunksPerArtifact int `yaml:"max_inflight_chunks_per_artifact"`

	QueuePath        string `yaml:"queue_path"`
	ArtifactStorePath string `yaml:"artifact_store_path"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`

	StickyCooldown     time.Duration `yaml:"sticky_cooldown"`
	StickyStableWindow time.Duration `yaml:"sticky_stable_window"`

	DeviceKey string `yaml:"device_key"`

	MaxFrameBytes int `yaml:"max_frame_bytes"`

	// AdminAddr is the admin/health/metrics HTTP listen address. Not part
	// of spec §6's enumerated surface; an ambient addition (SPEC_FULL.md).
	AdminAddr string `yaml:"admin_addr"`

	// AntiStarvationN is spec §3 invariant 5's N (default 16).
	AntiStarvationN int `yaml:"anti_starvation_n"`

	// PostgresDSN, when set, backs internal/ingestsrv/seqstore with
	// lib/pq instead of the in-memory high-water map. Server-only.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Defaults returns the spec-mandated default values (§6).
func Defaults() Config {
	return Config{
		ChunkSizeBytes:               1048576,
		MaxInflightChunksPerArtifact: 4,
		HeartbeatInterval:            5 * time.Second,
		HeartbeatTimeout:             30 * time.Second,
		StickyCooldown:               30 * time.Second,
		StickyStableWindow:           5 * time.Minute,
		MaxFrameBytes:                10 * 1024 * 1024,
		AntiStarvationN:              16,
		AdminAddr:                    ":9190",
	}
}

// Load reads a YAML file at path (if non-empty) over the defaults, then
// applies EDGELINK_* environment variable overrides, then validates.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnvOverrides mirrors pkg/config/loader.go's EnvPrefix/PathDelimiter
// scheme but against a single flat struct (no nested paths needed here).
func applyEnvOverrides(cfg *Config) {
	str := func(env string, dst *string) {
		if v, ok := os.LookupEnv(env); ok && strings.TrimSpace(v) != "" {
			*dst = v
		}
	}
	dur := func(env string, dst *time.Duration) {
		if v, ok := os.LookupEnv(env); ok {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	num := func(env string, dst *int) {
		if v, ok := os.LookupEnv(env); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str("EDGELINK_DEVICE_ID", &cfg.DeviceID)
	str("EDGELINK_PRIMARY_SERVER", &cfg.PrimaryServer)
	str("EDGELINK_FALLBACK_PEER", &cfg.FallbackPeer)
	str("EDGELINK_QUEUE_PATH", &cfg.QueuePath)
	str("EDGELINK_ARTIFACT_STORE_PATH", &cfg.ArtifactStorePath)
	str("EDGELINK_DEVICE_KEY", &cfg.DeviceKey)
	str("EDGELINK_ADMIN_ADDR", &cfg.AdminAddr)
	str("EDGELINK_POSTGRES_DSN", &cfg.PostgresDSN)
	num("EDGELINK_CHUNK_SIZE_BYTES", &cfg.ChunkSizeBytes)
	num("EDGELINK_MAX_INFLIGHT_CHUNKS_PER_ARTIFACT", &cfg.MaxInflightChunksPerArtifact)
	num("EDGELINK_MAX_FRAME_BYTES", &cfg.MaxFrameBytes)
	num("EDGELINK_ANTI_STARVATION_N", &cfg.AntiStarvationN)
	dur("EDGELINK_HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval)
	dur("EDGELINK_HEARTBEAT_TIMEOUT", &cfg.HeartbeatTimeout)
	dur("EDGELINK_STICKY_COOLDOWN", &cfg.StickyCooldown)
	dur("EDGELINK_STICKY_STABLE_WINDOW", &cfg.StickyStableWindow)
}

// Validate enforces the bounds named in spec §6 (chunk_size_bytes range
// 64 KiB-4 MiB) and the presence of fields required for edge operation.
func (c Config) Validate() error {
	if strings.TrimSpace(c.DeviceID) == "" {
		return fmt.Errorf("config: device_id is required")
	}
	const minChunk = 64 * 1024
	const maxChunk = 4 * 1024 * 1024
	if c.ChunkSizeBytes < minChunk || c.ChunkSizeBytes > maxChunk {
		return fmt.Errorf("config: chunk_size_bytes must be in [%d, %d], got %d", minChunk, maxChunk, c.ChunkSizeBytes)
	}
	if c.MaxInflightChunksPerArtifact <= 0 {
		return fmt.Errorf("config: max_inflight_chunks_per_artifact must be positive")
	}
	if c.MaxFrameBytes <= 0 || c.MaxFrameBytes > 10*1024*1024 {
		return fmt.Errorf("config: max_frame_bytes must be in (0, 10MiB]")
	}
	return nil
}
