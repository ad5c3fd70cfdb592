// Package config loads and validates the gateway's YAML configuration:
// transport settings plus the modules/buttons/scenes lists the protocol
// engine consumes. A host embedding the engine may skip this package and
// hand internal/gateway already-parsed structs instead.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Channel describes one output of a module.
type Channel struct {
	Description   string  `yaml:"description"`
	LedOn         string  `yaml:"led_on,omitempty"`
	LedOff        string  `yaml:"led_off,omitempty"`
	OperationTime float64 `yaml:"operation_time,omitempty"` // seconds, rollers only
	EntityType    string  `yaml:"entity_type,omitempty"`
}

// Module is one Nikobus module on the bus.
type Module struct {
	Type     string    `yaml:"type"` // "switch", "dimmer", "roller"
	Address  string    `yaml:"address"`
	Channels []Channel `yaml:"channels"`
}

// ImpactedModule links a button to a module group it affects.
type ImpactedModule struct {
	Address string `yaml:"address"`
	Group   string `yaml:"group"` // "1" or "2"
}

// Button is one physical bus button.
type Button struct {
	Address        string           `yaml:"address"`
	ImpactedModule []ImpactedModule `yaml:"impacted_module,omitempty"`
	OperationTime  float64          `yaml:"operation_time,omitempty"` // seconds, shutter buttons only
}

// SceneChannel is one channel assignment inside a scene.
type SceneChannel struct {
	ModuleID string `yaml:"module_id"`
	Channel  int    `yaml:"channel"`
	State    uint8  `yaml:"state"`
}

// Scene is a named set of channel states applied together.
type Scene struct {
	ID       string         `yaml:"id"`
	Channels []SceneChannel `yaml:"channels"`
}

// Config is the full gateway configuration.
type Config struct {
	Transport struct {
		Mode string `yaml:"mode"` // "serial" or "tcp"
		Port string `yaml:"port"` // serial device path
		Baud int    `yaml:"baud"`
		Host string `yaml:"host"` // "host:port" for tcp mode
	} `yaml:"transport"`

	// FeedbackModule disables the periodic refresh loop when true: the
	// hardware feedback module polls the bus itself and the cache follows
	// its $1C answers.
	FeedbackModule   bool `yaml:"feedback_module"`
	RefreshIntervalS int  `yaml:"refresh_interval_s"`

	LongPressThresholdMS int `yaml:"long_press_threshold_ms"`
	ReleaseWindowMS      int `yaml:"release_window_ms"`

	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`

	Diag struct {
		Enabled bool   `yaml:"enabled"`
		Listen  string `yaml:"listen"`
	} `yaml:"diag"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Modules []Module `yaml:"modules"`
	Buttons []Button `yaml:"buttons"`
	Scenes  []Scene  `yaml:"scenes"`
}

// Load reads, parses, and defaults a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Transport.Mode == "" {
		c.Transport.Mode = "serial"
	}
	if c.Transport.Baud == 0 {
		c.Transport.Baud = 9600
	}
	if c.RefreshIntervalS == 0 {
		c.RefreshIntervalS = 120
	}
	if c.Store.Path == "" {
		c.Store.Path = "nikobus-gateway.db"
	}
	if c.Diag.Listen == "" {
		c.Diag.Listen = "127.0.0.1:8180"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate checks the parts of the config the engine cannot recover from
// at runtime.
func (c *Config) Validate() error {
	switch c.Transport.Mode {
	case "serial":
		if c.Transport.Port == "" {
			return fmt.Errorf("transport.port is required in serial mode")
		}
	case "tcp":
		if c.Transport.Host == "" {
			return fmt.Errorf("transport.host is required in tcp mode")
		}
	default:
		return fmt.Errorf("transport.mode must be \"serial\" or \"tcp\", got %q", c.Transport.Mode)
	}

	seen := make(map[string]bool, len(c.Modules))
	for i, m := range c.Modules {
		if err := validateHexAddr(m.Address, 4); err != nil {
			return fmt.Errorf("modules[%d]: %w", i, err)
		}
		addr := strings.ToUpper(m.Address)
		if seen[addr] {
			return fmt.Errorf("modules[%d]: duplicate address %s", i, addr)
		}
		seen[addr] = true
		switch m.Type {
		case "switch", "dimmer", "roller":
		default:
			return fmt.Errorf("modules[%d]: type must be switch, dimmer, or roller, got %q", i, m.Type)
		}
		switch len(m.Channels) {
		case 4, 6, 12:
		default:
			return fmt.Errorf("modules[%d]: must have 4, 6, or 12 channels, got %d", i, len(m.Channels))
		}
	}

	for i, b := range c.Buttons {
		if err := validateHexAddr(b.Address, 6); err != nil {
			return fmt.Errorf("buttons[%d]: %w", i, err)
		}
		for j, im := range b.ImpactedModule {
			if err := validateHexAddr(im.Address, 4); err != nil {
				return fmt.Errorf("buttons[%d].impacted_module[%d]: %w", i, j, err)
			}
			if !seen[strings.ToUpper(im.Address)] {
				return fmt.Errorf("buttons[%d].impacted_module[%d]: address %s not in modules", i, j, im.Address)
			}
			if im.Group != "1" && im.Group != "2" {
				return fmt.Errorf("buttons[%d].impacted_module[%d]: group must be \"1\" or \"2\", got %q", i, j, im.Group)
			}
		}
	}

	for i, s := range c.Scenes {
		for j, ch := range s.Channels {
			if !seen[strings.ToUpper(ch.ModuleID)] {
				return fmt.Errorf("scenes[%d].channels[%d]: module %s not in modules", i, j, ch.ModuleID)
			}
			if ch.Channel < 1 || ch.Channel > 12 {
				return fmt.Errorf("scenes[%d].channels[%d]: channel %d out of range", i, j, ch.Channel)
			}
		}
	}

	return nil
}

func validateHexAddr(addr string, wantLen int) error {
	if len(addr) != wantLen {
		return fmt.Errorf("address %q must be %d hex chars", addr, wantLen)
	}
	for _, r := range addr {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return fmt.Errorf("address %q is not hexadecimal", addr)
		}
	}
	return nil
}
