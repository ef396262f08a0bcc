package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/nditracker/internal/fsutil"
)

// Defaults applied by the Get* methods when a key is absent.
const (
	DefaultNetworkPort     = 8765
	DefaultPortsToProbe    = 20
	DefaultSmoothingBuffer = 1

	maxConfigFileSize = 1 * 1024 * 1024 // 1MB
)

// Config is the flat key/value tracker configuration as it appears in a JSON
// or YAML file. Keys match the names used by existing tracker set-ups
// ("tracker type", "romfiles", ...). All fields are optional at parse time;
// Resolve decides which ones a given tracker type requires.
type Config struct {
	TrackerType  *string     `json:"tracker type,omitempty" yaml:"tracker type,omitempty"`
	IPAddress    *string     `json:"ip address,omitempty" yaml:"ip address,omitempty"`
	Port         *int        `json:"port,omitempty" yaml:"port,omitempty"`
	ROMFiles     []string    `json:"romfiles,omitempty" yaml:"romfiles,omitempty"`
	SerialPort   *SerialPort `json:"serial port,omitempty" yaml:"serial port,omitempty"`
	PortsToProbe *int        `json:"ports to probe,omitempty" yaml:"ports to probe,omitempty"`
	// NumberOfPortsToProbe is an alias for PortsToProbe; PortsToProbe wins
	// when both are present.
	NumberOfPortsToProbe *int  `json:"number of ports to probe,omitempty" yaml:"number of ports to probe,omitempty"`
	UseQuaternions       *bool `json:"use quaternions,omitempty" yaml:"use quaternions,omitempty"`
	SmoothingBuffer      *int  `json:"smoothing buffer,omitempty" yaml:"smoothing buffer,omitempty"`
	Verbose              *bool `json:"verbose,omitempty" yaml:"verbose,omitempty"`
}

// SerialPort selects a serial device either by its index in the enumerated
// port list or by device name ("/dev/ttyUSB0", "COM3").
type SerialPort struct {
	Index *int
	Name  string
}

// UnmarshalJSON accepts either a number or a string.
func (s *SerialPort) UnmarshalJSON(data []byte) error {
	var idx int
	if err := json.Unmarshal(data, &idx); err == nil {
		s.Index = &idx
		s.Name = ""
		return nil
	}
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("serial port must be an index or a device name: %w", err)
	}
	s.Index = nil
	s.Name = name
	return nil
}

// UnmarshalYAML accepts either an integer or a string scalar.
func (s *SerialPort) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("serial port must be a scalar, line %d", value.Line)
	}
	var idx int
	if err := value.Decode(&idx); err == nil {
		s.Index = &idx
		s.Name = ""
		return nil
	}
	s.Index = nil
	s.Name = value.Value
	return nil
}

// MarshalJSON writes the index or the name, whichever is set.
func (s SerialPort) MarshalJSON() ([]byte, error) {
	if s.Index != nil {
		return json.Marshal(*s.Index)
	}
	return json.Marshal(s.Name)
}

// Ptr returns a pointer to v. Handy for building a Config in code.
func Ptr[T any](v T) *T { return &v }

// Load loads a Config from a .json, .yaml or .yml file.
func Load(path string) (*Config, error) {
	return LoadFS(fsutil.OSFileSystem{}, path)
}

// LoadFS loads a Config from fsys. The file must be under 1MB. Values are
// range-checked with Validate; required keys are only checked by Resolve.
func LoadFS(fsys fsutil.FileSystem, path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	switch ext {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	data, err := fsutil.ReadBounded(fsys, cleanPath, maxConfigFileSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data, ext)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Parse decodes data in the format named by ext (".json", ".yaml", ".yml").
func Parse(data []byte, ext string) (*Config, error) {
	cfg := &Config{}
	switch strings.ToLower(ext) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
	return cfg, nil
}

// Validate checks that the values which are present are in range. It does not
// check for required keys.
func (c *Config) Validate() error {
	if c.Port != nil && (*c.Port < 1 || *c.Port > 65535) {
		return &ConfigError{Field: "port", Err: fmt.Errorf("%w: %d is not a TCP port", ErrInvalidValue, *c.Port)}
	}
	if c.PortsToProbe != nil && *c.PortsToProbe < 1 {
		return &ConfigError{Field: "ports to probe", Err: fmt.Errorf("%w: must be at least 1, got %d", ErrInvalidValue, *c.PortsToProbe)}
	}
	if c.NumberOfPortsToProbe != nil && *c.NumberOfPortsToProbe < 1 {
		return &ConfigError{Field: "number of ports to probe", Err: fmt.Errorf("%w: must be at least 1, got %d", ErrInvalidValue, *c.NumberOfPortsToProbe)}
	}
	if c.SmoothingBuffer != nil && *c.SmoothingBuffer < 1 {
		return &ConfigError{Field: "smoothing buffer", Err: fmt.Errorf("%w: must be at least 1, got %d", ErrInvalidValue, *c.SmoothingBuffer)}
	}
	if c.SerialPort != nil {
		if c.SerialPort.Index != nil && *c.SerialPort.Index < 0 {
			return &ConfigError{Field: "serial port", Err: fmt.Errorf("%w: index must be non-negative, got %d", ErrInvalidValue, *c.SerialPort.Index)}
		}
		if c.SerialPort.Index == nil && strings.TrimSpace(c.SerialPort.Name) == "" {
			return &ConfigError{Field: "serial port", Err: fmt.Errorf("%w: empty device name", ErrInvalidValue)}
		}
	}
	for i, rom := range c.ROMFiles {
		if strings.TrimSpace(rom) == "" {
			return &ConfigError{Field: "romfiles", Err: fmt.Errorf("%w: entry %d is empty", ErrInvalidValue, i)}
		}
	}
	return nil
}

// GetPort returns the network port or the default.
func (c *Config) GetPort() int {
	if c.Port == nil {
		return DefaultNetworkPort
	}
	return *c.Port
}

// GetPortsToProbe returns the serial probe budget or the default.
func (c *Config) GetPortsToProbe() int {
	if c.PortsToProbe != nil {
		return *c.PortsToProbe
	}
	if c.NumberOfPortsToProbe != nil {
		return *c.NumberOfPortsToProbe
	}
	return DefaultPortsToProbe
}

// GetSmoothingBuffer returns the smoothing buffer size or the default.
func (c *Config) GetSmoothingBuffer() int {
	if c.SmoothingBuffer == nil {
		return DefaultSmoothingBuffer
	}
	return *c.SmoothingBuffer
}

// GetUseQuaternions returns the use_quaternions value or the default.
func (c *Config) GetUseQuaternions() bool {
	if c.UseQuaternions == nil {
		return false
	}
	return *c.UseQuaternions
}

// GetVerbose returns the verbose value or the default.
func (c *Config) GetVerbose() bool {
	if c.Verbose == nil {
		return false
	}
	return *c.Verbose
}
