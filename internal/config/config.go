// Package config handles roomsense configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/roomsense/config.yaml, /etc/roomsense/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "roomsense", "config.yaml"))
	}

	paths = append(paths, "/etc/roomsense/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all roomsense configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Mesh      MeshConfig      `yaml:"mesh"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Redis     RedisConfig     `yaml:"redis"`
	Occupancy OccupancyConfig `yaml:"occupancy"`
	LogLevel  string          `yaml:"log_level"`
}

// ListenConfig defines the HTTP API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// MeshConfig defines the MQTT broker connection and the tenant/vertical
// scoping used by the shared topic naming scheme.
type MeshConfig struct {
	Broker    string `yaml:"broker"` // e.g. mqtt://broker:1883 or mqtts://broker:8883
	ClientID  string `yaml:"client_id"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	KeepAlive uint16 `yaml:"keepalive_sec"`

	Namespace string `yaml:"namespace"`
	TenantID  string `yaml:"tenant_id"`
	Vertical  string `yaml:"vertical"` // the business vertical (petala) this instance serves

	// Topics are subscribed on every (re-)connect, in addition to the
	// sensor wildcard derived from namespace/tenant/vertical.
	Topics []string `yaml:"topics"`

	// WillTopic/WillPayload configure an optional last-will message the
	// broker publishes if this client drops off ungracefully.
	WillTopic   string `yaml:"will_topic"`
	WillPayload string `yaml:"will_payload"`

	// MaxReconnects is the number of automatic reconnection attempts
	// before the client gives up and disconnects (default 10).
	MaxReconnects int `yaml:"max_reconnects"`

	// MessageRateLimit caps inbound messages per second; excess messages
	// are dropped and counted. Zero disables limiting.
	MessageRateLimit float64 `yaml:"message_rate_limit"`
	MessageRateBurst int     `yaml:"message_rate_burst"`
}

// BridgeConfig defines the Zigbee bridge integration.
type BridgeConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BaseTopic string `yaml:"base_topic"` // default: zigbee2mqtt

	// DeviceRooms maps device addresses to room IDs so translated events
	// carry the owning room in their metadata.
	DeviceRooms map[string]string `yaml:"device_rooms"`
}

// RedisConfig defines the occupancy store connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// OccupancyConfig defines the state engine behavior.
type OccupancyConfig struct {
	// InactivityTimeoutSec is the per-room eviction window: a room with
	// no sensor activity for this long is auto-vacated (default 300).
	InactivityTimeoutSec int `yaml:"inactivity_timeout_sec"`

	// CacheTTLSec bounds how long store-backed reads are cached in
	// memory for rooms this instance does not own (default 30).
	CacheTTLSec int `yaml:"cache_ttl_sec"`
}

// InactivityTimeout returns the eviction window as a duration.
func (o OccupancyConfig) InactivityTimeout() time.Duration {
	if o.InactivityTimeoutSec <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(o.InactivityTimeoutSec) * time.Second
}

// CacheTTL returns the read-cache lifetime as a duration.
func (o OccupancyConfig) CacheTTL() time.Duration {
	if o.CacheTTLSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(o.CacheTTLSec) * time.Second
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if cfg.Mesh.Broker == "" {
		return nil, fmt.Errorf("mesh.broker is required")
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Mesh: MeshConfig{
			ClientID:         "roomsense",
			KeepAlive:        30,
			Namespace:        "petala",
			MaxReconnects:    10,
			MessageRateLimit: 200,
			MessageRateBurst: 400,
		},
		Bridge: BridgeConfig{
			BaseTopic: "zigbee2mqtt",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Occupancy: OccupancyConfig{
			InactivityTimeoutSec: 300,
			CacheTTLSec:          30,
		},
	}
}
