// Package routing holds what the edge and the bridge share: the deployment
// configuration file and the sandbox address resolver.
package routing

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Edge      EdgeConfig        `yaml:"edge" json:"edge"`
	Sandboxes map[string]string `yaml:"sandboxes" json:"sandboxes"`
	Logging   LoggingConfig     `yaml:"logging" json:"logging"`
}

// EdgeConfig contains the listener settings.
type EdgeConfig struct {
	Port         int           `yaml:"port" json:"port"`
	Domain       string        `yaml:"domain" json:"domain"`
	HostTemplate string        `yaml:"host_template" json:"host_template"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Edge: EdgeConfig{
			Port: 8080,
			// {id} is replaced with the sandbox id when no static mapping
			// exists.
			HostTemplate: "http://{id}:3000",
			ReadTimeout:  0,
			WriteTimeout: 0,
		},
		Sandboxes: map[string]string{},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML config file, layering it over the defaults. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Edge.Port < 1 || c.Edge.Port > 65535 {
		return fmt.Errorf("invalid edge port: %d", c.Edge.Port)
	}
	if c.Edge.HostTemplate != "" && !strings.Contains(c.Edge.HostTemplate, "{id}") {
		return fmt.Errorf("host_template must contain {id}")
	}
	for id, addr := range c.Sandboxes {
		if id == "" || addr == "" {
			return fmt.Errorf("sandboxes entries need both id and address")
		}
		if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
			return fmt.Errorf("sandbox address must be http(s): %s", addr)
		}
	}
	return nil
}
