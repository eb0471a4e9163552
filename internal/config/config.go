// Package config provides configuration management for the proxy server.
// It handles loading and parsing of the YAML configuration file, and fills
// in defaults for every field a fresh install can run on.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Port is the network port on which the API server will listen.
	Port int `yaml:"port"`

	// Debug enables or disables debug-level logging.
	Debug bool `yaml:"debug"`

	// ProxyURL is the URL of an optional proxy server to use for outbound
	// requests.
	ProxyURL string `yaml:"proxy-url"`

	// APIKeys is a list of keys for authenticating clients to this server.
	// An empty list leaves the API open.
	APIKeys []string `yaml:"api-keys"`

	// Cookie is the Gemini web session cookie material, either a raw
	// "name=value; name=value" string or a JSON object of fields.
	Cookie string `yaml:"cookie"`

	// Language is the interface language sent upstream.
	Language string `yaml:"language"`

	// Models overrides the advertised model list. Empty keeps the defaults.
	Models []string `yaml:"models"`

	// ModelIDs overrides the frontend model identifiers per variant.
	ModelIDs ModelIDs `yaml:"model-ids"`

	// MediaDir is the directory where generated media is cached.
	MediaDir string `yaml:"media-dir"`

	// MediaBaseURL prefixes the local media links handed to callers, for
	// deployments behind a reverse proxy.
	MediaBaseURL string `yaml:"media-base-url"`

	// ConvStore is the path of the conversation handle database.
	ConvStore string `yaml:"conv-store"`

	// RotateInterval is how often the __Secure-1PSIDTS cookie is
	// refreshed, e.g. "9m". Zero disables rotation.
	RotateInterval Duration `yaml:"rotate-interval"`

	// RequestLog enables logging of request and response bodies.
	RequestLog bool `yaml:"request-log"`
}

// Duration wraps time.Duration so YAML values like "9m" parse directly.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ModelIDs holds per-variant frontend model identifier overrides.
type ModelIDs struct {
	Flash    string `yaml:"flash"`
	Pro      string `yaml:"pro"`
	Thinking string `yaml:"thinking"`
}

// LoadConfig reads a YAML configuration file from the specified path,
// unmarshals it into a Config struct and applies defaults.
func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills in the zero-valued fields that have a usable default.
func (c *Config) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 8000
	}
	if c.Language == "" {
		c.Language = "en"
	}
	if c.MediaDir == "" {
		c.MediaDir = "media_cache"
	}
	if c.ConvStore == "" {
		c.ConvStore = "conv/handles.bolt"
	}
}
