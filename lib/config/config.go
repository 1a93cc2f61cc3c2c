// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the Tether server configuration.
//
// Configuration comes from one YAML file, named by the TETHER_CONFIG
// environment variable or the --config flag. There is no discovery
// and no environment-variable override of individual values — one
// file, deterministic and auditable. The file may carry development,
// staging, and production sections that override base values when the
// environment matches.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written in the
// usual "30s"/"5m" form.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var text string
	if err := value.Decode(&text); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Environment identifies the deployment type.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the Tether server configuration.
type Config struct {
	// Environment selects which override section applies.
	Environment Environment `yaml:"environment"`

	// Server configures the HTTP and websocket listener.
	Server ServerConfig `yaml:"server"`

	// Store configures the SQLite session store.
	Store StoreConfig `yaml:"store"`

	// LLM configures the model provider for turn pipelines and
	// device-proxied calls.
	LLM LLMConfig `yaml:"llm"`

	// Session configures actor lifecycle and caching.
	Session SessionConfig `yaml:"session"`

	// Hub configures device control channels.
	Hub HubConfig `yaml:"hub"`

	// Tunnel configures reverse HTTP tunnels.
	Tunnel TunnelConfig `yaml:"tunnel"`

	// Per-environment overrides, applied after the base values.
	Development *Overrides `yaml:"development,omitempty"`
	Staging     *Overrides `yaml:"staging,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides holds the per-environment override sections.
type Overrides struct {
	Server  *ServerConfig  `yaml:"server,omitempty"`
	Store   *StoreConfig   `yaml:"store,omitempty"`
	LLM     *LLMConfig     `yaml:"llm,omitempty"`
	Session *SessionConfig `yaml:"session,omitempty"`
	Hub     *HubConfig     `yaml:"hub,omitempty"`
	Tunnel  *TunnelConfig  `yaml:"tunnel,omitempty"`
}

// ServerConfig configures the listener.
type ServerConfig struct {
	// Listen is the TCP address, e.g. ":8090".
	Listen string `yaml:"listen"`

	// TunnelHostSuffix enables host-based tunnel routing: a request
	// for name.<suffix> proxies into tunnel "name". Path-based
	// routing under /t/{name}/ always works regardless.
	TunnelHostSuffix string `yaml:"tunnel_host_suffix"`
}

// StoreConfig configures session persistence.
type StoreConfig struct {
	// Path is the SQLite database file.
	Path string `yaml:"path"`

	// PoolSize is the connection pool size. Zero uses the pool
	// default.
	PoolSize int `yaml:"pool_size"`
}

// LLMConfig configures the model provider.
type LLMConfig struct {
	// BaseURL is the OpenAI-compatible API root.
	BaseURL string `yaml:"base_url"`

	// APIKeyFile names a file holding the bearer token. Keeping the
	// key out of the config file keeps the config shareable.
	APIKeyFile string `yaml:"api_key_file"`

	// Model is the default model for session turns.
	Model string `yaml:"model"`

	// MaxTokens caps turn responses. Zero uses the provider default.
	MaxTokens int `yaml:"max_tokens"`
}

// SessionConfig configures actor lifecycle and caches.
type SessionConfig struct {
	// IdleTimeout is how long an actor may sit without events before
	// it hibernates. Zero defaults to 5m.
	IdleTimeout Duration `yaml:"idle_timeout"`

	// ConfigTTL is the agent-config cache lifetime. Zero defaults
	// to 30s.
	ConfigTTL Duration `yaml:"config_ttl"`

	// QuotaTTL is the quota-check cache lifetime. Zero defaults
	// to 60s.
	QuotaTTL Duration `yaml:"quota_ttl"`
}

// HubConfig configures device control channels.
type HubConfig struct {
	// HeartbeatInterval is the ping cadence to connected devices.
	// Zero defaults to 30s.
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`

	// DispatchTimeout bounds a task dispatch round trip. Zero
	// defaults to 5m.
	DispatchTimeout Duration `yaml:"dispatch_timeout"`

	// ExecTimeout bounds a code execution round trip. Zero defaults
	// to 60s.
	ExecTimeout Duration `yaml:"exec_timeout"`
}

// TunnelConfig configures reverse tunnels.
type TunnelConfig struct {
	// RequestTimeout bounds one proxied HTTP exchange. Zero
	// defaults to 30s.
	RequestTimeout Duration `yaml:"request_timeout"`
}

// Default returns the base configuration merged under the loaded
// file. These are development-friendly values; the file is still
// required.
func Default() *Config {
	return &Config{
		Environment: Development,
		Server: ServerConfig{
			Listen: ":8090",
		},
		Store: StoreConfig{
			Path: "tether.db",
		},
		LLM: LLMConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
		},
		Session: SessionConfig{
			IdleTimeout: Duration(5 * time.Minute),
			ConfigTTL:   Duration(30 * time.Second),
			QuotaTTL:    Duration(60 * time.Second),
		},
		Hub: HubConfig{
			HeartbeatInterval: Duration(30 * time.Second),
			DispatchTimeout:   Duration(5 * time.Minute),
			ExecTimeout:       Duration(60 * time.Second),
		},
		Tunnel: TunnelConfig{
			RequestTimeout: Duration(30 * time.Second),
		},
	}
}

// Load reads the file named by TETHER_CONFIG. Fails when the
// variable is unset — there is no fallback path.
func Load() (*Config, error) {
	path := os.Getenv("TETHER_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("config: TETHER_CONFIG not set; point it at your tether.yaml or pass --config")
	}
	return LoadFile(path)
}

// LoadFile reads one configuration file, applies the environment
// override section, and validates the result.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.applyOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}
	if overrides.Server != nil {
		c.Server = *overrides.Server
	}
	if overrides.Store != nil {
		c.Store = *overrides.Store
	}
	if overrides.LLM != nil {
		c.LLM = *overrides.LLM
	}
	if overrides.Session != nil {
		c.Session = *overrides.Session
	}
	if overrides.Hub != nil {
		c.Hub = *overrides.Hub
	}
	if overrides.Tunnel != nil {
		c.Tunnel = *overrides.Tunnel
	}
}

// Validate checks the configuration for values the server cannot
// start with.
func (c *Config) Validate() error {
	switch c.Environment {
	case Development, Staging, Production:
	default:
		return fmt.Errorf("unknown environment %q", c.Environment)
	}
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.LLM.BaseURL == "" {
		return fmt.Errorf("llm.base_url is required")
	}
	return nil
}

// APIKey reads the provider key named by LLM.APIKeyFile. Returns ""
// when no file is configured.
func (c *Config) APIKey() (string, error) {
	if c.LLM.APIKeyFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(c.LLM.APIKeyFile)
	if err != nil {
		return "", fmt.Errorf("config: reading api key file: %w", err)
	}
	key := string(data)
	for len(key) > 0 && (key[len(key)-1] == '\n' || key[len(key)-1] == '\r') {
		key = key[:len(key)-1]
	}
	return key, nil
}
