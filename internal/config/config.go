// Package config handles Ember configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/ember/config.yaml, /etc/ember/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "ember", "config.yaml"))
	}

	paths = append(paths, "/etc/ember/config.yaml")
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

// Config holds all Ember configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Ollama    OllamaConfig    `yaml:"ollama"`
	Auth      AuthConfig      `yaml:"auth"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	DataDir   string          `yaml:"data_dir"`
	PublicURL string          `yaml:"public_url"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// OllamaConfig defines the chat model settings.
type OllamaConfig struct {
	URL   string `yaml:"url"`
	Model string `yaml:"model"`
}

// AuthConfig defines session token settings.
type AuthConfig struct {
	// JWTSecret signs session tokens. Required for serve.
	JWTSecret string `yaml:"jwt_secret"`
	// TokenTTLHours is the session lifetime (default 24).
	TokenTTLHours int `yaml:"token_ttl_hours"`
}

// SchedulerConfig defines the scheduled-change runner settings.
type SchedulerConfig struct {
	// TickIntervalSec is how often due changes are applied (default 30).
	TickIntervalSec int `yaml:"tick_interval_sec"`
}

// MQTTConfig defines the optional Home Assistant MQTT bridge.
type MQTTConfig struct {
	Broker             string               `yaml:"broker"`
	Username           string               `yaml:"username"`
	Password           string               `yaml:"password"`
	DeviceName         string               `yaml:"device_name"`
	DiscoveryPrefix    string               `yaml:"discovery_prefix"`
	PublishIntervalSec int                  `yaml:"publish_interval_sec"`
	RateLimitPerMinute int                  `yaml:"rate_limit_per_minute"`
	Subscriptions      []SubscriptionConfig `yaml:"subscriptions"`
}

// SubscriptionConfig is one inbound topic filter.
type SubscriptionConfig struct {
	Topic string `yaml:"topic"`
	QoS   byte   `yaml:"qos"`
}

// Configured reports whether the MQTT bridge has the minimum settings
// to start.
func (c MQTTConfig) Configured() bool {
	return c.Broker != "" && c.DeviceName != ""
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

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Ollama: OllamaConfig{
			URL:   "http://localhost:11434",
			Model: "qwen3:4b",
		},
		Auth:      AuthConfig{TokenTTLHours: 24},
		Scheduler: SchedulerConfig{TickIntervalSec: 30},
		MQTT: MQTTConfig{
			DiscoveryPrefix:    "homeassistant",
			PublishIntervalSec: 60,
		},
		DataDir: ".",
	}
}

// Validate checks settings that serve cannot run without.
func (c *Config) Validate() error {
	if c.Listen.Port <= 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if c.Ollama.Model == "" {
		return fmt.Errorf("ollama.model is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Scheduler.TickIntervalSec <= 0 {
		return fmt.Errorf("scheduler.tick_interval_sec must be positive")
	}
	return nil
}
