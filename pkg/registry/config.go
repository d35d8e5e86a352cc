package registry

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TransportType identifies how a server is reached.
type TransportType string

const (
	TransportStdio TransportType = "stdio"
	TransportHTTP  TransportType = "http"
	TransportSSE   TransportType = "sse"
)

// ConnectionMode decides whether a server's failure during InitializeFromConfig
// aborts the whole call.
type ConnectionMode string

const (
	// ConnectionModeLenient records the failure and lets startup continue.
	ConnectionModeLenient ConnectionMode = "lenient"
	// ConnectionModeStrict fails InitializeFromConfig when the server cannot
	// be connected.
	ConnectionModeStrict ConnectionMode = "strict"
)

// ServerConfig describes one server. The registry only interprets Enabled,
// ConnectionMode and Retries; the remaining fields are handed to the Client.
type ServerConfig struct {
	Type    TransportType     `yaml:"type" json:"type"`
	Command string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	URL     string            `yaml:"url,omitempty" json:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	// Timeout bounds connect and every request sent to the server. Zero uses
	// the client's default.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	Enabled        *bool          `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	ConnectionMode ConnectionMode `yaml:"connectionMode,omitempty" json:"connectionMode,omitempty"`
	// Retries is the number of additional connect attempts, with exponential
	// backoff, before the server counts as failed.
	Retries int `yaml:"retries,omitempty" json:"retries,omitempty"`
}

// IsEnabled reports whether the server should be connected at all. Servers
// are enabled unless explicitly disabled.
func (c ServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Mode returns the effective connection mode, defaulting to lenient.
func (c ServerConfig) Mode() ConnectionMode {
	if c.ConnectionMode == "" {
		return ConnectionModeLenient
	}
	return c.ConnectionMode
}

// Validate checks the fields required by the configured transport.
func (c ServerConfig) Validate() error {
	switch c.Type {
	case TransportStdio:
		if c.Command == "" {
			return fmt.Errorf("stdio transport requires command")
		}
	case TransportHTTP, TransportSSE:
		if c.URL == "" {
			return fmt.Errorf("%s transport requires url", c.Type)
		}
	case "":
		return fmt.Errorf("transport type is required")
	default:
		return fmt.Errorf("unsupported transport %q", c.Type)
	}
	switch c.ConnectionMode {
	case "", ConnectionModeLenient, ConnectionModeStrict:
	default:
		return fmt.Errorf("unknown connection mode %q", c.ConnectionMode)
	}
	if c.Retries < 0 {
		return fmt.Errorf("retries must not be negative")
	}
	return nil
}

// Config is the on-disk shape of a registry configuration file.
type Config struct {
	Servers map[string]ServerConfig `yaml:"servers" json:"servers"`
}

// Validate checks every server entry and reports all problems at once.
func (c *Config) Validate() error {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	var problems []string
	for _, name := range names {
		if SanitizeServerName(name) == "" {
			problems = append(problems, fmt.Sprintf("%q: name has no usable characters", name))
			continue
		}
		if err := c.Servers[name].Validate(); err != nil {
			problems = append(problems, fmt.Sprintf("%q: %v", name, err))
		}
	}
	if len(problems) > 0 {
		return newError(CodeInvalidConfig, "", "invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ParseConfig decodes YAML (or JSON, which YAML accepts) after expanding
// ${VAR} references against the process environment.
func ParseConfig(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))
	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Servers == nil {
		cfg.Servers = make(map[string]ServerConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfigFile reads and parses the configuration at path.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return ParseConfig(data)
}
