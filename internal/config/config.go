// Package config provides configuration loading from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/usestring/powhttp-proxy/internal/driver"
	"github.com/usestring/powhttp-proxy/internal/logging"
	"github.com/usestring/powhttp-proxy/pkg/layer"
	"github.com/usestring/powhttp-proxy/pkg/layers/httplayer"
)

// Configuration defaults.
const (
	DefaultListenAddr        = "127.0.0.1:8080"
	DefaultMaxHeadBytes      = 65536
	DefaultFlowStoreMaxItems = 1024
)

// Config holds all configuration for the proxy.
type Config struct {
	ListenAddr         string        // LISTEN_ADDR, default "127.0.0.1:8080"
	Mode               string        // PROXY_MODE, regular or transparent
	TransparentTarget  string        // TRANSPARENT_TARGET, host:port
	ConnectionStrategy string        // CONNECTION_STRATEGY, eager or lazy
	StreamLargeBodies  int64         // STREAM_LARGE_BODIES, bytes, 0 disables
	MaxHeadBytes       int           // MAX_HEAD_BYTES, default 65536
	DialTimeout        time.Duration // DIAL_TIMEOUT_MS, default 10000ms
	HookTimeout        time.Duration // HOOK_TIMEOUT_MS, default 60000ms, 0 disables
	MaxClients         int           // MAX_CLIENTS, default 1024, 0 is unlimited
	InsecureTLS        bool          // UPSTREAM_INSECURE_TLS, default false
	PolicyFile         string        // POLICY_FILE, default "" (no rules)
	FlowStoreMaxItems  int           // FLOW_STORE_MAX_ITEMS, default 1024

	// Logging configuration
	LogLevel      string // LOG_LEVEL, default "info"
	LogFormat     string // LOG_FORMAT, text or json
	LogFile       string // LOG_FILE, default "" (stderr only)
	LogMaxSizeMB  int    // LOG_MAX_SIZE_MB, default 10
	LogMaxBackups int    // LOG_MAX_BACKUPS, default 5
	LogMaxAgeDays int    // LOG_MAX_AGE_DAYS, default 28
	LogCompress   bool   // LOG_COMPRESS, default true
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		ListenAddr:         getEnvString("LISTEN_ADDR", DefaultListenAddr),
		Mode:               strings.ToLower(getEnvString("PROXY_MODE", "regular")),
		TransparentTarget:  getEnvString("TRANSPARENT_TARGET", ""),
		ConnectionStrategy: strings.ToLower(getEnvString("CONNECTION_STRATEGY", string(layer.StrategyEager))),
		StreamLargeBodies:  int64(getEnvInt("STREAM_LARGE_BODIES", 0)),
		MaxHeadBytes:       getEnvInt("MAX_HEAD_BYTES", DefaultMaxHeadBytes),
		DialTimeout:        getEnvDurationMs("DIAL_TIMEOUT_MS", 10000),
		HookTimeout:        getEnvDurationMs("HOOK_TIMEOUT_MS", 60000),
		MaxClients:         getEnvInt("MAX_CLIENTS", 1024),
		InsecureTLS:        getEnvBool("UPSTREAM_INSECURE_TLS", false),
		PolicyFile:         getEnvString("POLICY_FILE", ""),
		FlowStoreMaxItems:  getEnvInt("FLOW_STORE_MAX_ITEMS", DefaultFlowStoreMaxItems),

		LogLevel:      getEnvString("LOG_LEVEL", "info"),
		LogFormat:     strings.ToLower(getEnvString("LOG_FORMAT", "text")),
		LogFile:       getEnvString("LOG_FILE", ""),
		LogMaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 10),
		LogMaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
		LogMaxAgeDays: getEnvInt("LOG_MAX_AGE_DAYS", 28),
		LogCompress:   getEnvBool("LOG_COMPRESS", true),
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.ProxyMode(); err != nil {
		errs = append(errs, err)
	}
	switch layer.ConnectionStrategy(c.ConnectionStrategy) {
	case layer.StrategyEager, layer.StrategyLazy:
	default:
		errs = append(errs, fmt.Errorf("CONNECTION_STRATEGY: unknown strategy %q", c.ConnectionStrategy))
	}
	if c.Mode == "transparent" && c.TransparentTarget == "" {
		errs = append(errs, errors.New("TRANSPARENT_TARGET is required in transparent mode"))
	}
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("LISTEN_ADDR must not be empty"))
	}
	if c.MaxHeadBytes <= 0 {
		errs = append(errs, fmt.Errorf("MAX_HEAD_BYTES must be positive, got %d", c.MaxHeadBytes))
	}
	if c.StreamLargeBodies < 0 {
		errs = append(errs, fmt.Errorf("STREAM_LARGE_BODIES must not be negative, got %d", c.StreamLargeBodies))
	}
	if c.MaxClients < 0 {
		errs = append(errs, fmt.Errorf("MAX_CLIENTS must not be negative, got %d", c.MaxClients))
	}
	if c.FlowStoreMaxItems <= 0 {
		errs = append(errs, fmt.Errorf("FLOW_STORE_MAX_ITEMS must be positive, got %d", c.FlowStoreMaxItems))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT: unknown format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// ProxyMode maps PROXY_MODE to the HTTP layer mode.
func (c *Config) ProxyMode() (httplayer.Mode, error) {
	switch c.Mode {
	case "", "regular":
		return httplayer.ModeRegular, nil
	case "transparent":
		return httplayer.ModeTransparent, nil
	}
	return httplayer.ModeRegular, fmt.Errorf("PROXY_MODE: unknown mode %q", c.Mode)
}

// LayerOptions returns the options shared by every layer stack.
func (c *Config) LayerOptions() *layer.Options {
	return &layer.Options{
		ConnectionStrategy: layer.ConnectionStrategy(c.ConnectionStrategy),
		StreamLargeBodies:  c.StreamLargeBodies,
		MaxHeadSize:        c.MaxHeadBytes,
	}
}

// DriverOptions returns the socket driver options. Call Validate first.
func (c *Config) DriverOptions() driver.Options {
	mode, _ := c.ProxyMode()
	return driver.Options{
		Mode:              mode,
		TransparentTarget: c.TransparentTarget,
		Layer:             c.LayerOptions(),
		DialTimeout:       c.DialTimeout,
		HookTimeout:       c.HookTimeout,
		MaxClients:        c.MaxClients,
		InsecureTLS:       c.InsecureTLS,
	}
}

// Logging returns the logging configuration.
func (c *Config) Logging() logging.Config {
	return logging.Config{
		Level:      c.LogLevel,
		Format:     c.LogFormat,
		FilePath:   c.LogFile,
		MaxSizeMB:  c.LogMaxSizeMB,
		MaxBackups: c.LogMaxBackups,
		MaxAgeDays: c.LogMaxAgeDays,
		Compress:   c.LogCompress,
	}
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return defaultVal
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDurationMs(key string, defaultMs int) time.Duration {
	ms := getEnvInt(key, defaultMs)
	return time.Duration(ms) * time.Millisecond
}
