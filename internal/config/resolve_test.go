package config

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var twoROMs = []string{"data/something_else.rom", "data/8700339.rom"}

func TestResolveDefaults(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
		want *Resolved
	}{
		{
			name: "vega",
			cfg:  &Config{TrackerType: Ptr("vega"), IPAddress: Ptr("192.168.2.17"), ROMFiles: twoROMs},
			want: &Resolved{
				Kind:            KindVega,
				Host:            "192.168.2.17",
				Port:            8765,
				Serial:          SerialSelector{Auto: true},
				PortsToProbe:    20,
				ROMFiles:        twoROMs,
				SmoothingBuffer: 1,
			},
		},
		{
			name: "polaris with serial index",
			cfg:  &Config{TrackerType: Ptr("Polaris"), ROMFiles: twoROMs, SerialPort: &SerialPort{Index: Ptr(3)}},
			want: &Resolved{
				Kind:            KindPolaris,
				Port:            8765,
				Serial:          SerialSelector{Index: 3},
				PortsToProbe:    20,
				ROMFiles:        twoROMs,
				SmoothingBuffer: 1,
			},
		},
		{
			name: "aurora ignores romfiles",
			cfg:  &Config{TrackerType: Ptr("aurora"), ROMFiles: twoROMs, SerialPort: &SerialPort{Name: "COM2"}, PortsToProbe: Ptr(10)},
			want: &Resolved{
				Kind:            KindAurora,
				Port:            8765,
				Serial:          SerialSelector{Name: "COM2"},
				PortsToProbe:    10,
				SmoothingBuffer: 1,
			},
		},
		{
			name: "dummy with options",
			cfg:  &Config{TrackerType: Ptr(" dummy "), UseQuaternions: Ptr(true), SmoothingBuffer: Ptr(3), Verbose: Ptr(true)},
			want: &Resolved{
				Kind:            KindDummy,
				Port:            8765,
				Serial:          SerialSelector{Auto: true},
				PortsToProbe:    20,
				UseQuaternions:  true,
				SmoothingBuffer: 3,
				Verbose:         true,
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Resolve(tc.cfg)
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("Resolve() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestResolveErrors(t *testing.T) {
	tests := []struct {
		name   string
		cfg    *Config
		field  string
		target error
	}{
		{"nil config", nil, "tracker type", ErrMissingField},
		{"no tracker type", &Config{IPAddress: Ptr("tracker"), ROMFiles: []string{"rom"}}, "tracker type", ErrMissingField},
		{"unknown tracker", &Config{TrackerType: Ptr("optotrack")}, "tracker type", ErrUnsupportedKind},
		{"polaris without roms", &Config{TrackerType: Ptr("polaris")}, "romfiles", ErrMissingField},
		{"vega without ip", &Config{TrackerType: Ptr("vega"), ROMFiles: []string{"rom"}}, "ip address", ErrMissingField},
		{"vega without roms", &Config{TrackerType: Ptr("vega"), IPAddress: Ptr("tracker")}, "romfiles", ErrMissingField},
		{"bad smoothing", &Config{TrackerType: Ptr("dummy"), SmoothingBuffer: Ptr(0)}, "smoothing buffer", ErrInvalidValue},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Resolve(tc.cfg)
			if !errors.Is(err, tc.target) {
				t.Fatalf("Resolve() error = %v, want %v", err, tc.target)
			}
			var cerr *ConfigError
			if !errors.As(err, &cerr) || cerr.Field != tc.field {
				t.Errorf("Resolve() error = %v, want field %q", err, tc.field)
			}
		})
	}
}

func TestResolveCopiesROMFiles(t *testing.T) {
	roms := []string{"a.rom", "b.rom"}
	r, err := Resolve(&Config{TrackerType: Ptr("polaris"), ROMFiles: roms})
	if err != nil {
		t.Fatal(err)
	}
	roms[0] = "changed.rom"
	if r.ROMFiles[0] != "a.rom" {
		t.Errorf("Resolved shares the caller's slice: %v", r.ROMFiles)
	}
}

func TestKind(t *testing.T) {
	for _, name := range []string{"vega", "polaris", "aurora", "dummy"} {
		k, err := ParseKind(name)
		if err != nil {
			t.Fatalf("ParseKind(%q) error = %v", name, err)
		}
		if k.String() != name {
			t.Errorf("String() = %q, want %q", k.String(), name)
		}
	}
	if Kind(42).String() != "Kind(42)" {
		t.Errorf("unknown kind String() = %q", Kind(42).String())
	}

	if !KindVega.IsNetwork() || KindPolaris.IsNetwork() {
		t.Error("only vega is a network tracker")
	}
	if !KindPolaris.IsSerial() || !KindAurora.IsSerial() || KindVega.IsSerial() || KindDummy.IsSerial() {
		t.Error("polaris and aurora are serial trackers")
	}
	if KindAurora.UsesToolDefinitions() || !KindDummy.UsesToolDefinitions() {
		t.Error("aurora discovers wired tools; the rest use tool definition files")
	}
}

func TestSerialSelectorString(t *testing.T) {
	if s := (SerialSelector{Auto: true}).String(); s != "auto-probe" {
		t.Errorf("auto = %q", s)
	}
	if s := (SerialSelector{Name: "/dev/ttyUSB0"}).String(); s != "/dev/ttyUSB0" {
		t.Errorf("name = %q", s)
	}
	if s := (SerialSelector{Index: 2}).String(); s != "port index 2" {
		t.Errorf("index = %q", s)
	}
}
