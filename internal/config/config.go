// Package config handles broker configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config is the top-level broker configuration.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Broker   BrokerConfig   `json:"broker"`
	Auth     AuthConfig     `json:"auth"`
	Storage  StorageConfig  `json:"storage"`
	Adapters AdaptersConfig `json:"adapters"`
}

// ServerConfig defines the HTTP/WebSocket listener.
type ServerConfig struct {
	Listen         string   `json:"listen"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
}

// BrokerConfig defines global broker limits and watchdog timings.
type BrokerConfig struct {
	MaxConsumerMessageSize int64    `json:"max_consumer_message_size"`
	InitializeTimeout      Duration `json:"initialize_timeout"`
	KillGracePeriod        Duration `json:"kill_grace_period"`
	ReconnectGracePeriod   Duration `json:"reconnect_grace_period"`
	IdleSessionTimeout     Duration `json:"idle_session_timeout"`
	RPCTimeout             Duration `json:"rpc_timeout"`
	LogLevel               string   `json:"log_level"`
}

// AuthConfig selects the consumer authenticator.
// Mode "none" hands out anonymous participant identities.
type AuthConfig struct {
	Mode    string `json:"mode"` // "none", "hmac", "jwks"
	Secret  string `json:"secret,omitempty"`
	JWKSURL string `json:"jwks_url,omitempty"`
}

// StorageConfig defines where session and launcher state is persisted.
type StorageConfig struct {
	Dir          string   `json:"dir"`
	SaveDebounce Duration `json:"save_debounce,omitempty"`
}

// AdaptersConfig carries per-backend adapter settings.
type AdaptersConfig struct {
	Claude *ClaudeConfig `json:"claude,omitempty"`
	Codex  *CodexConfig  `json:"codex,omitempty"`
	Gemini *GeminiConfig `json:"gemini,omitempty"`
	Remote *RemoteConfig `json:"remote,omitempty"`
}

// ClaudeConfig is config for the claude adapter (inverted CLI connection).
type ClaudeConfig struct {
	Command string            `json:"command,omitempty"` // default: "claude"
	SDKURL  string            `json:"sdk_url,omitempty"` // base URL the CLI dials back to
	Model   string            `json:"model,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// CodexConfig is config for the codex app-server adapter.
type CodexConfig struct {
	Command string            `json:"command,omitempty"` // default: "codex"
	Port    int               `json:"port,omitempty"`    // default: 4500
	Env     map[string]string `json:"env,omitempty"`
}

// GeminiConfig is config for the gemini ACP adapter.
type GeminiConfig struct {
	Command string            `json:"command,omitempty"` // default: "gemini"
	Env     map[string]string `json:"env,omitempty"`
}

// RemoteConfig is config for the remote WebSocket peer adapter.
type RemoteConfig struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Duration is a JSON-friendly time.Duration (accepts strings like "30s", "5m",
// or numeric seconds).
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Auth.Mode {
	case "", "none":
	case "hmac":
		if c.Auth.Secret == "" {
			return fmt.Errorf("auth.secret is required for hmac mode")
		}
	case "jwks":
		if c.Auth.JWKSURL == "" {
			return fmt.Errorf("auth.jwks_url is required for jwks mode")
		}
	default:
		return fmt.Errorf("auth.mode must be none, hmac, or jwks")
	}
	if c.Broker.MaxConsumerMessageSize < 0 {
		return fmt.Errorf("broker.max_consumer_message_size must not be negative")
	}
	return nil
}

// ApplyDefaults fills in zero values. Exported so tests and embedders can
// build configs without going through Load.
func (c *Config) ApplyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:3284"
	}
	if c.Broker.MaxConsumerMessageSize == 0 {
		c.Broker.MaxConsumerMessageSize = 1024 * 1024 // 1MB
	}
	if c.Broker.InitializeTimeout.Duration == 0 {
		c.Broker.InitializeTimeout.Duration = 10 * time.Second
	}
	if c.Broker.KillGracePeriod.Duration == 0 {
		c.Broker.KillGracePeriod.Duration = 5 * time.Second
	}
	if c.Broker.ReconnectGracePeriod.Duration == 0 {
		c.Broker.ReconnectGracePeriod.Duration = 30 * time.Second
	}
	if c.Broker.RPCTimeout.Duration == 0 {
		c.Broker.RPCTimeout.Duration = 30 * time.Second
	}
	if c.Broker.LogLevel == "" {
		c.Broker.LogLevel = "info"
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = "none"
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = "./beamcode-sessions"
	}
	if c.Storage.SaveDebounce.Duration == 0 {
		c.Storage.SaveDebounce.Duration = 500 * time.Millisecond
	}
}
