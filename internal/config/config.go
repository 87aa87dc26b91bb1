package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete ganglion gateway configuration.
type Config struct {
	Server  ServerConfig `yaml:"server"`
	App     AppConfig    `yaml:"app"`
	Static  StaticConfig `yaml:"static"`
	Logging LogConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Host            string    `yaml:"host"`
	Port            int       `yaml:"port"`
	PublicURL       string    `yaml:"public_url"`
	HTTP2           bool      `yaml:"http2"`
	TLS             TLSConfig `yaml:"tls"`
	ShutdownTimeout Duration  `yaml:"shutdown_timeout"`
}

type TLSConfig struct {
	Auto bool       `yaml:"auto"`
	Cert string     `yaml:"cert"`
	Key  string     `yaml:"key"`
	ACME ACMEConfig `yaml:"acme"`
}

type ACMEConfig struct {
	Email    string   `yaml:"email"`
	Domains  []string `yaml:"domains"`
	CacheDir string   `yaml:"cache_dir"`
	Staging  bool     `yaml:"staging"`
}

// AppConfig describes the terminal application served by the gateway.
type AppConfig struct {
	Command string            `yaml:"command"` // run through a shell, one process per session
	Title   string            `yaml:"title"`   // landing page title; defaults to the command
	Debug   bool              `yaml:"debug"`
	Env     map[string]string `yaml:"env"` // extra environment for the app process
}

type StaticConfig struct {
	Root         string `yaml:"root"`
	CacheControl string `yaml:"cache_control"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Duration wraps time.Duration for YAML fields written as "30s" or
// "1m30s". Config timeouts are waits, so negative values are rejected at
// parse time.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if parsed < 0 {
		return fmt.Errorf("duration %q must not be negative", s)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration().String(), nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Parse reads config from a YAML file over the defaults, without
// validating. Callers that layer CLI flags on top validate afterwards.
func Parse(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Load reads config from a YAML file, applying defaults for missing values.
func Load(path string) (*Config, error) {
	cfg, err := Parse(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.App.Command == "" {
		return fmt.Errorf("app.command is required")
	}
	if c.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if url := c.Server.PublicURL; url != "" {
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			return fmt.Errorf("server.public_url must start with http:// or https://, got %q", url)
		}
	}
	if c.Server.TLS.Auto && len(c.Server.TLS.ACME.Domains) > 0 && c.Server.TLS.ACME.Email == "" {
		return fmt.Errorf("server.tls.acme.email is required when ACME domains are set")
	}
	return nil
}

// Address returns the listen address in host:port form.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ResolvedPublicURL returns the configured public URL, or one derived from
// the host and port. Port 80 is elided the way browsers print it.
func (c *ServerConfig) ResolvedPublicURL() string {
	if c.PublicURL != "" {
		return strings.TrimRight(c.PublicURL, "/")
	}
	if c.Port == 80 {
		return fmt.Sprintf("http://%s", c.Host)
	}
	return fmt.Sprintf("http://%s:%d", c.Host, c.Port)
}

// AppTitle returns the landing page title, falling back to the command.
func (c *Config) AppTitle() string {
	if c.App.Title != "" {
		return c.App.Title
	}
	return c.App.Command
}
