package config

import (
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Upstream UpstreamConfig `koanf:"upstream"`
	Poll     PollConfig     `koanf:"poll"`
	Storage  StorageConfig  `koanf:"storage"`
	Location LocationConfig `koanf:"location"`

	// ProvidersFile points at the retailer definitions YAML.
	ProvidersFile string `koanf:"providers_file"`
}

type ServerConfig struct {
	Port int `koanf:"port"`

	// PublicOrigin is the origin login links are rewritten onto, e.g.
	// http://localhost:3000. Empty disables rewriting.
	PublicOrigin string `koanf:"public_origin"`
}

type UpstreamConfig struct {
	// BaseURL is the automation backend, e.g. http://localhost:8000.
	BaseURL string `koanf:"base_url"`

	// MCPPath is appended to BaseURL for the tool-calling endpoint.
	MCPPath string `koanf:"mcp_path"`

	// CustomApp tags every upstream request so the backend can scope
	// profiles per deploying application.
	CustomApp string `koanf:"custom_app"`

	ToolTimeout time.Duration `koanf:"tool_timeout"`
}

type PollConfig struct {
	Interval    time.Duration `koanf:"interval"`
	MaxAttempts int           `koanf:"max_attempts"`
	Timeout     time.Duration `koanf:"timeout"`
}

type StorageConfig struct {
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type LocationConfig struct {
	AccountID  string `koanf:"account_id"`
	LicenseKey string `koanf:"license_key"`
}

// MCPEndpoint is the full tool-calling URL.
func (c UpstreamConfig) MCPEndpoint() string {
	return strings.TrimSuffix(c.BaseURL, "/") + c.MCPPath
}

// Load reads configuration from an optional YAML file and BRIDGE_-prefixed
// environment variables, env winning. Nested keys use double underscores:
// BRIDGE_SERVER__PORT sets server.port.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		}
	}

	if err := k.Load(env.Provider("BRIDGE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "BRIDGE_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	defaults := map[string]any{
		"server.port":           8080,
		"upstream.base_url":     "http://localhost:8000",
		"upstream.mcp_path":     "/mcp/",
		"upstream.custom_app":   "gather-bridge",
		"upstream.tool_timeout": "60s",
		"poll.interval":         "2s",
		"poll.max_attempts":     150,
		"poll.timeout":          "5m",
		"storage.sqlite.path":   "bridge.db",
		"providers_file":        "configs/providers.yaml",
	}
	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
