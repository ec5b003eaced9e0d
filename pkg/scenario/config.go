package scenario

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	compliance "github.com/MegaGrindStone/go-mcp-compliance"
	"gopkg.in/yaml.v3"
)

// Config describes where the runner finds its inputs and how it starts every SDK.
//
// A minimal configuration file looks like:
//
//	catalog: scenarios/data.json
//	goldens: goldens
//	sdks:
//	  typescript-sdk:
//	    client: [tsx, typescript-sdk/test-client]
//	    server: [tsx, typescript-sdk/test-server]
type Config struct {
	Catalog string `yaml:"catalog"`
	Goldens string `yaml:"goldens"`

	// MITM is the command line starting the interceptor; the transport and its flags are
	// appended. It defaults to the mitm sub-command of the running executable.
	MITM []string `yaml:"mitm"`

	// HTTPTransport is used for scenarios flagged http_only: sse or streamable-http.
	HTTPTransport compliance.Transport `yaml:"http_transport"`

	// StartupTimeout bounds how long an HTTP server or interceptor may take to accept
	// connections.
	StartupTimeout time.Duration `yaml:"startup_timeout"`
	// StopTimeout bounds how long a background process may take to exit once interrupted.
	StopTimeout time.Duration `yaml:"stop_timeout"`

	// Parallel is the number of scenarios run at once.
	Parallel int `yaml:"parallel"`

	SDKs map[string]SDK `yaml:"sdks"`
}

// SDK holds the command lines of one SDK's test client and test server.
type SDK struct {
	Client []string `yaml:"client"`
	Server []string `yaml:"server"`
}

const (
	defaultCatalog        = "scenarios/data.json"
	defaultGoldens        = "goldens"
	defaultStartupTimeout = 10 * time.Second
	defaultStopTimeout    = 5 * time.Second
)

// LoadConfig reads the YAML configuration at path and fills in defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes a YAML configuration and fills in defaults. Unknown keys are rejected.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.Catalog == "" {
		c.Catalog = defaultCatalog
	}
	if c.Goldens == "" {
		c.Goldens = defaultGoldens
	}
	if c.HTTPTransport == "" {
		c.HTTPTransport = compliance.TransportSSE
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = defaultStartupTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = defaultStopTimeout
	}
	if c.Parallel <= 0 {
		c.Parallel = 1
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.HTTPTransport != compliance.TransportSSE && c.HTTPTransport != compliance.TransportStreamableHTTP {
		return &compliance.ConfigError{Field: "http_transport", Reason: fmt.Sprintf("must be sse or streamable-http, got %q", c.HTTPTransport)}
	}
	for name, sdk := range c.SDKs {
		if len(sdk.Client) == 0 {
			return &compliance.ConfigError{Field: "sdks." + name + ".client", Reason: "must not be empty"}
		}
		if len(sdk.Server) == 0 {
			return &compliance.ConfigError{Field: "sdks." + name + ".server", Reason: "must not be empty"}
		}
	}
	return nil
}
