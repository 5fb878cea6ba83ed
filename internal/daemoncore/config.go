// Package daemoncore wires together the daemon server and its lifecycle:
// socket/runtime-directory layout, configuration, the single-instance PID
// lock, telemetry, and the top-level start/stop/status control flow shared
// by both the terminal and browser variants.
package daemoncore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config is the structural configuration consumed by the core, assembled
// from flags/env/config file by cobra+viper in cmd/termtapd and
// cmd/webtapd — the daemon itself only sees the resolved Config.
type Config struct {
	// RuntimeDir is the per-user runtime directory holding the three
	// sockets and the PID file. Defaults to $XDG_RUNTIME_DIR/<tool>.
	RuntimeDir string `mapstructure:"runtime_dir"`

	// RingBufferMaxLines bounds each per-target Ring Screen Buffer.
	RingBufferMaxLines int `mapstructure:"ring_buffer_max_lines"`

	// WorkerPoolSize bounds the fixed worker pool for blocking handlers.
	WorkerPoolSize int `mapstructure:"worker_pool_size"`

	// BroadcastQueueDepth bounds the event broadcaster's backlog.
	BroadcastQueueDepth int `mapstructure:"broadcast_queue_depth"`

	// ActionQueueMaxResolved bounds the resolved-action map.
	ActionQueueMaxResolved int `mapstructure:"action_queue_max_resolved"`

	// PatternStorePath overrides the default <runtime_dir>/patterns.toml.
	PatternStorePath string `mapstructure:"pattern_store_path"`
}

// toolName is used to build the default per-user runtime directory and the
// config file base name; termtapd/webtapd each pass their own.
func defaultConfig(toolName string) Config {
	return Config{
		RuntimeDir:             defaultRuntimeDir(toolName),
		RingBufferMaxLines:     5000,
		WorkerPoolSize:         6,
		BroadcastQueueDepth:    256,
		ActionQueueMaxResolved: 1024,
	}
}

func defaultRuntimeDir(toolName string) string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, toolName)
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("%s-%d", toolName, os.Getuid()))
}

// LoadConfig builds a Config for toolName from (in increasing precedence)
// built-in defaults, an optional config file, and environment variables
// prefixed TAPTOOLS_. cobra flags are bound into the same viper instance
// by the caller (cmd/termtapd, cmd/webtapd) before LoadConfig runs.
func LoadConfig(v *viper.Viper, toolName string) (Config, error) {
	def := defaultConfig(toolName)
	v.SetDefault("runtime_dir", def.RuntimeDir)
	v.SetDefault("ring_buffer_max_lines", def.RingBufferMaxLines)
	v.SetDefault("worker_pool_size", def.WorkerPoolSize)
	v.SetDefault("broadcast_queue_depth", def.BroadcastQueueDepth)
	v.SetDefault("action_queue_max_resolved", def.ActionQueueMaxResolved)

	v.SetEnvPrefix("TAPTOOLS")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("daemoncore: read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("daemoncore: unmarshal config: %w", err)
	}
	if cfg.PatternStorePath == "" {
		cfg.PatternStorePath = filepath.Join(cfg.RuntimeDir, "patterns.toml")
	}
	return cfg, nil
}

// SocketPaths are the three fixed Unix-domain socket paths under
// RuntimeDir.
type SocketPaths struct {
	RPC       string
	Events    string
	Collector string
}

// Sockets returns the fixed socket paths for cfg. Collector is only
// meaningful for the terminal variant; the browser variant's daemon
// simply never listens on it.
func (c Config) Sockets() SocketPaths {
	return SocketPaths{
		RPC:       filepath.Join(c.RuntimeDir, "rpc.sock"),
		Events:    filepath.Join(c.RuntimeDir, "events.sock"),
		Collector: filepath.Join(c.RuntimeDir, "collector.sock"),
	}
}

// PIDFile is the fixed PID file path under RuntimeDir.
func (c Config) PIDFile() string {
	return filepath.Join(c.RuntimeDir, "daemon.pid")
}

// EnsureRuntimeDir creates RuntimeDir (and parents) with 0700 permissions
// if it does not already exist.
func (c Config) EnsureRuntimeDir() error {
	return os.MkdirAll(c.RuntimeDir, 0o700)
}
