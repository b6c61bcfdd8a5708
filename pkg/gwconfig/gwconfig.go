// Package gwconfig loads and persists the gateway configuration file
// (camelCase JSON, defaults applied for absent keys).
package gwconfig

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
)

// DefaultConfigPath is used when no --config flag is given.
const DefaultConfigPath = "config.json"

// Load balancing modes.
const (
	LoadBalancingPriority = "priority"
	LoadBalancingBalanced = "balanced"
)

// Config is the gateway configuration. Optional string fields are empty when
// unset; accessor methods apply the documented fallbacks.
type Config struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Region     string `json:"region"`
	AuthRegion string `json:"authRegion,omitempty"`
	APIRegion  string `json:"apiRegion,omitempty"`

	KiroVersion   string `json:"kiroVersion"`
	MachineID     string `json:"machineId,omitempty"`
	SystemVersion string `json:"systemVersion"`
	NodeVersion   string `json:"nodeVersion"`

	APIKey      string `json:"apiKey,omitempty"`
	AdminAPIKey string `json:"adminApiKey,omitempty"`

	CountTokensAPIURL   string `json:"countTokensApiUrl,omitempty"`
	CountTokensAPIKey   string `json:"countTokensApiKey,omitempty"`
	CountTokensAuthType string `json:"countTokensAuthType"`

	ProxyURL      string `json:"proxyUrl,omitempty"`
	ProxyUsername string `json:"proxyUsername,omitempty"`
	ProxyPassword string `json:"proxyPassword,omitempty"`

	LoadBalancingMode   string `json:"loadBalancingMode"`
	ThinkingSuffix      string `json:"thinkingSuffix,omitempty"`
	MaxRequestBodyBytes int    `json:"maxRequestBodyBytes"`

	path string
}

var systemVersions = []string{"darwin#24.6.0", "win32#10.0.22631"}

// Default returns a config with every default applied.
func Default() *Config {
	return &Config{
		Host:                "127.0.0.1",
		Port:                8080,
		Region:              "us-east-1",
		KiroVersion:         "0.9.2",
		SystemVersion:       systemVersions[rand.Intn(len(systemVersions))],
		NodeVersion:         "22.21.1",
		CountTokensAuthType: "x-api-key",
		LoadBalancingMode:   LoadBalancingPriority,
		MaxRequestBodyBytes: 400_000,
	}
}

// Load reads the config file at path, applying defaults for absent keys. A
// missing file yields the default config (still bound to path for Save).
func Load(path string) (*Config, error) {
	cfg := Default()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config back to its file as pretty JSON.
func (c *Config) Save() error {
	if c.path == "" {
		return fmt.Errorf("config file path unknown, cannot save config")
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize config: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("write config file %s: %w", c.path, err)
	}
	return nil
}

// Path returns the config file location.
func (c *Config) Path() string { return c.path }

// SetPath binds the config to a file for Save. Tests use it with temp dirs.
func (c *Config) SetPath(path string) { c.path = path }

// EffectiveThinkingSuffix defaults to "-thinking".
func (c *Config) EffectiveThinkingSuffix() string {
	if c.ThinkingSuffix != "" {
		return c.ThinkingSuffix
	}
	return "-thinking"
}

// EffectiveAuthRegion is the region used for token refresh.
func (c *Config) EffectiveAuthRegion() string {
	if c.AuthRegion != "" {
		return c.AuthRegion
	}
	return c.Region
}

// EffectiveAPIRegion is the region used for API requests.
func (c *Config) EffectiveAPIRegion() string {
	if c.APIRegion != "" {
		return c.APIRegion
	}
	return c.Region
}
