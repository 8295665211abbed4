// Package config handles Concierge configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/concierge/config.yaml, /etc/concierge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "concierge", "config.yaml"))
	}

	paths = append(paths, "/etc/concierge/config.yaml")
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

// Config holds all Concierge configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Agent     AgentConfig     `yaml:"agent"`
	Google    GoogleConfig    `yaml:"google"`
	CalDAV    CalDAVConfig    `yaml:"caldav"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// AgentConfig tunes the conversation loop.
type AgentConfig struct {
	// MaxToolRounds bounds the number of model→tool rounds in a single
	// turn. Zero means the built-in default. The loop fails closed when
	// the bound is reached instead of looping forever.
	MaxToolRounds int `yaml:"max_tool_rounds"`
	// ModelTimeoutSec is the per-call timeout for LLM invocations (default 120).
	ModelTimeoutSec int `yaml:"model_timeout_sec"`
	// ToolTimeoutSec is the per-call timeout for tool invocations (default 30).
	ToolTimeoutSec int `yaml:"tool_timeout_sec"`
	// Ephemeral disables session persistence. Conversations then last a
	// single request. This is a supported degraded mode, not an error.
	Ephemeral bool `yaml:"ephemeral"`
}

// GoogleConfig defines the Google OAuth application and calendar settings.
type GoogleConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
	CalendarID   string `yaml:"calendar_id"` // defaults to "primary"
}

// CalDAVConfig defines an optional self-hosted CalDAV backend. When URL is
// set it is used instead of Google Calendar.
type CalDAVConfig struct {
	URL          string `yaml:"url"`           // server endpoint
	CalendarPath string `yaml:"calendar_path"` // collection path, e.g. /dav/calendars/user/default/
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
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
		Anthropic: AnthropicConfig{
			Model: "claude-sonnet-4-20250514",
		},
		Agent: AgentConfig{
			MaxToolRounds:   10,
			ModelTimeoutSec: 120,
			ToolTimeoutSec:  30,
		},
		Google:  GoogleConfig{CalendarID: "primary"},
		DataDir: ".",
	}
}

// Validate checks settings that have no usable zero value.
func (c *Config) Validate() error {
	if c.Anthropic.APIKey == "" {
		return fmt.Errorf("anthropic.api_key is required")
	}
	if c.CalDAV.URL == "" {
		if c.Google.ClientID == "" || c.Google.ClientSecret == "" {
			return fmt.Errorf("google.client_id and google.client_secret are required unless caldav.url is set")
		}
	}
	return nil
}
