// Package config provides configuration management for the Substrate
// backend.
//
// Configuration is loaded from multiple sources with the following
// precedence:
//  1. Command-line flags (highest priority)
//  2. Environment variables (SUBSTRATE_* prefix)
//  3. Configuration file (config.yaml)
//  4. Default values (lowest priority)
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/substratefs/substrate/internal/backend"
)

// Config holds all configuration for the Substrate backend daemon.
type Config struct {
	// Backend is the dataplane server configuration.
	Backend backend.Config `mapstructure:"backend"`

	// Cache configures the metadata cache.
	Cache CacheConfig `mapstructure:"cache"`

	// FileService configures the file-service collaborator.
	FileService FileServiceConfig `mapstructure:"file_service"`

	// Bootstrap optionally creates a well-known file at startup.
	Bootstrap BootstrapConfig `mapstructure:"bootstrap"`

	// AdminAddr serves health and metrics.
	AdminAddr string `mapstructure:"admin_addr"`

	// LogLevel is the zerolog level name.
	LogLevel string `mapstructure:"log_level"`
}

// CacheConfig configures the cuckoo metadata cache.
type CacheConfig struct {
	// BucketCount must be a power of two.
	BucketCount uint32 `mapstructure:"bucket_count"`

	// PreloadPath, when set, streams packed cache items into the table at
	// startup.
	PreloadPath string `mapstructure:"preload_path"`
}

// FileServiceConfig configures the in-memory file service.
type FileServiceConfig struct {
	CapacityBytes uint64 `mapstructure:"capacity_bytes"`
	Workers       int    `mapstructure:"workers"`
	MetaDir       string `mapstructure:"meta_dir"`
}

// BootstrapConfig creates one file at startup when enabled. This mirrors the
// deployment convenience of provisioning a default file on the device so
// hosts can do I/O before any control traffic.
type BootstrapConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	FileID  uint32 `mapstructure:"file_id"`
	Size    uint64 `mapstructure:"size"`
	Name    string `mapstructure:"name"`
}

// Options are command-line overrides applied over the file and environment.
type Options struct {
	ListenAddr string
	AdminAddr  string
	MaxClients int
	MaxBuffs   int
}

// Load reads the configuration from path (optional) with environment
// overrides and defaults, then applies flag options.
func Load(path string, opts Options) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SUBSTRATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if opts.ListenAddr != "" {
		cfg.Backend.ListenAddr = opts.ListenAddr
	}
	if opts.AdminAddr != "" {
		cfg.AdminAddr = opts.AdminAddr
	}
	if opts.MaxClients > 0 {
		cfg.Backend.MaxClients = opts.MaxClients
	}
	if opts.MaxBuffs > 0 {
		cfg.Backend.MaxBuffs = opts.MaxBuffs
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the backend cannot run with.
func (c *Config) Validate() error {
	if c.Backend.MaxClients <= 0 || c.Backend.MaxBuffs <= 0 {
		return fmt.Errorf("config: session slots must be positive")
	}
	if c.Cache.BucketCount == 0 || c.Cache.BucketCount&(c.Cache.BucketCount-1) != 0 {
		return fmt.Errorf("config: cache.bucket_count must be a power of two")
	}
	if c.Backend.MaxOutstandingIO <= 0 {
		return fmt.Errorf("config: backend.max_outstanding_io must be positive")
	}
	if c.Bootstrap.Enabled && c.Bootstrap.Name == "" {
		return fmt.Errorf("config: bootstrap.name required when bootstrap is enabled")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	def := backend.DefaultConfig()
	v.SetDefault("backend.listen_addr", def.ListenAddr)
	v.SetDefault("backend.max_clients", def.MaxClients)
	v.SetDefault("backend.max_buffs", def.MaxBuffs)
	v.SetDefault("backend.data_plane_weight", def.DataPlaneWeight)
	v.SetDefault("backend.max_outstanding_io", def.MaxOutstandingIO)
	v.SetDefault("backend.response_batching", def.ResponseBatching)
	v.SetDefault("backend.notify_immediate", def.NotifyImmediate)
	v.SetDefault("backend.ctrl_queue_depth", def.CtrlQueueDepth)
	v.SetDefault("backend.buff_queue_depth", def.BuffQueueDepth)

	v.SetDefault("cache.bucket_count", 1<<16)
	v.SetDefault("cache.preload_path", "")

	v.SetDefault("file_service.capacity_bytes", 4<<30)
	v.SetDefault("file_service.workers", 2)
	v.SetDefault("file_service.meta_dir", "")

	v.SetDefault("bootstrap.enabled", false)
	v.SetDefault("bootstrap.file_id", 0)
	v.SetDefault("bootstrap.size", 1<<30)
	v.SetDefault("bootstrap.name", "default")

	v.SetDefault("admin_addr", "127.0.0.1:9605")
	v.SetDefault("log_level", "info")
}
