package telepathy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ultimaker/telepathy/pkg/daq"
	"github.com/ultimaker/telepathy/pkg/transport"
)

// Config is a Session's full configuration, normally loaded from YAML.
// Exactly one of Serial or TCP must be set.
type Config struct {
	Serial *transport.SerialConfig `yaml:"serial,omitempty"`
	TCP    *transport.TCPConfig    `yaml:"tcp,omitempty"`

	// RootSymbol overrides modelmap.DefaultRootSymbol; empty keeps the
	// default.
	RootSymbol string `yaml:"rootSymbol,omitempty"`

	// LogFilePattern, if set, is an strftime pattern the session's log
	// file is named from (e.g. "telepathy-%Y-%m-%d.log"). Empty means
	// logging stays on stderr only.
	LogFilePattern string `yaml:"logFilePattern,omitempty"`
	LogLevel       string `yaml:"logLevel,omitempty"`

	DAQDefaults daq.Config `yaml:"daqDefaults,omitempty"`
}

// LoadConfig reads and parses a YAML session configuration file.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("telepathy: read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("telepathy: parse config %s: %w", path, err)
	}
	return cfg, nil
}

// buildTransport realises the configured binding. Exactly one of
// Serial/TCP must be set.
func (c Config) buildTransport() (transport.Transport, error) {
	switch {
	case c.Serial != nil && c.TCP != nil:
		return nil, fmt.Errorf("telepathy: config specifies both serial and TCP transports")
	case c.Serial != nil:
		return transport.NewSerial(*c.Serial), nil
	case c.TCP != nil:
		return transport.NewTCP(*c.TCP), nil
	default:
		return nil, fmt.Errorf("telepathy: config specifies no transport")
	}
}
