package config

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMissingField    = errors.New("missing required field")
	ErrUnsupportedKind = errors.New("unsupported tracker type")
	ErrInvalidValue    = errors.New("invalid value")
)

// ConfigError reports a bad or missing configuration key.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %q: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Kind is the tracker family. It fixes how a session connects and how tools
// are discovered.
type Kind int

const (
	KindVega Kind = iota + 1
	KindPolaris
	KindAurora
	KindDummy
)

var kindNames = map[Kind]string{
	KindVega:    "vega",
	KindPolaris: "polaris",
	KindAurora:  "aurora",
	KindDummy:   "dummy",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind maps a "tracker type" value to a Kind. Matching ignores case and
// surrounding space.
func ParseKind(s string) (Kind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w %q: expected vega, polaris, aurora or dummy", ErrUnsupportedKind, s)
}

// IsNetwork reports whether the kind connects over TCP.
func (k Kind) IsNetwork() bool { return k == KindVega }

// IsSerial reports whether the kind connects over a serial port.
func (k Kind) IsSerial() bool { return k == KindPolaris || k == KindAurora }

// UsesToolDefinitions reports whether tools come from configured calibration
// files rather than wired-port discovery.
func (k Kind) UsesToolDefinitions() bool {
	return k == KindVega || k == KindPolaris || k == KindDummy
}

// SerialSelector says which serial device to use. When Auto is set the first
// ready device among the first PortsToProbe enumerated ports is chosen.
type SerialSelector struct {
	Auto  bool
	Index int
	Name  string
}

func (s SerialSelector) String() string {
	switch {
	case s.Auto:
		return "auto-probe"
	case s.Name != "":
		return s.Name
	default:
		return fmt.Sprintf("port index %d", s.Index)
	}
}

// Resolved is a validated configuration with all defaults applied.
type Resolved struct {
	Kind            Kind
	Host            string
	Port            int
	Serial          SerialSelector
	PortsToProbe    int
	ROMFiles        []string
	UseQuaternions  bool
	SmoothingBuffer int
	Verbose         bool
}

// Resolve validates cfg for its tracker type and applies defaults. It never
// touches the filesystem or hardware.
func Resolve(cfg *Config) (*Resolved, error) {
	if cfg == nil || cfg.TrackerType == nil || strings.TrimSpace(*cfg.TrackerType) == "" {
		return nil, &ConfigError{Field: "tracker type", Err: ErrMissingField}
	}
	kind, err := ParseKind(*cfg.TrackerType)
	if err != nil {
		return nil, &ConfigError{Field: "tracker type", Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Resolved{
		Kind:            kind,
		Port:            cfg.GetPort(),
		Serial:          SerialSelector{Auto: true},
		PortsToProbe:    cfg.GetPortsToProbe(),
		UseQuaternions:  cfg.GetUseQuaternions(),
		SmoothingBuffer: cfg.GetSmoothingBuffer(),
		Verbose:         cfg.GetVerbose(),
	}

	if kind == KindVega {
		if cfg.IPAddress == nil || strings.TrimSpace(*cfg.IPAddress) == "" {
			return nil, &ConfigError{Field: "ip address", Err: ErrMissingField}
		}
		r.Host = strings.TrimSpace(*cfg.IPAddress)
	}

	if kind == KindVega || kind == KindPolaris {
		if len(cfg.ROMFiles) == 0 {
			return nil, &ConfigError{Field: "romfiles", Err: ErrMissingField}
		}
	}
	if kind.UsesToolDefinitions() {
		r.ROMFiles = append([]string(nil), cfg.ROMFiles...)
	}

	if cfg.SerialPort != nil {
		if cfg.SerialPort.Index != nil {
			r.Serial = SerialSelector{Index: *cfg.SerialPort.Index}
		} else {
			r.Serial = SerialSelector{Name: strings.TrimSpace(cfg.SerialPort.Name)}
		}
	}

	return r, nil
}
