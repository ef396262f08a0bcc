package tracker

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/nditracker/internal/config"
	"github.com/banshee-data/nditracker/internal/fsutil"
	"github.com/banshee-data/nditracker/internal/ndilink"
	"github.com/banshee-data/nditracker/internal/timeutil"
)

// fakeLink behaves like a tracker that acknowledges everything unless told
// otherwise. Every call is logged in command form.
type fakeLink struct {
	commands []string
	// replies overrides the OKAY reply per command
	replies map[string]string
	// errs fails the named command
	errs map[string]error

	toFree      []int
	toInit      [][]int
	initForever []int
	toEnable    []int
	nextHandles []int
	loaded      map[int]string
	version     string

	captures []map[string]ndilink.Transform
	current  map[string]ndilink.Transform
	closed   bool
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		replies: map[string]string{},
		errs:    map[string]error{},
		loaded:  map[int]string{},
		version: "Polaris Vega\nFreeze Tag: 7.2.1 Freeze Date: 2019-03-01",
	}
}

func (l *fakeLink) log(command string) error {
	l.commands = append(l.commands, command)
	return l.errs[command]
}

func (l *fakeLink) Command(command string) (string, error) {
	if err := l.log(command); err != nil {
		return "", err
	}
	if reply, ok := l.replies[command]; ok {
		return reply, nil
	}
	return "OKAY", nil
}

func (l *fakeLink) PortHandles(query ndilink.HandleQuery) ([]int, error) {
	if err := l.log(fmt.Sprintf("PHSR:%02X", int(query))); err != nil {
		return nil, err
	}
	switch query {
	case ndilink.HandlesToFree:
		return l.toFree, nil
	case ndilink.HandlesToInitialise:
		if l.initForever != nil {
			return l.initForever, nil
		}
		if len(l.toInit) == 0 {
			return nil, nil
		}
		next := l.toInit[0]
		l.toInit = l.toInit[1:]
		return next, nil
	case ndilink.HandlesToEnable:
		return l.toEnable, nil
	}
	return nil, nil
}

func (l *fakeLink) RequestPortHandle() (int, error) {
	if err := l.log(ndilink.WildcardHandleRequest); err != nil {
		return 0, err
	}
	if len(l.nextHandles) == 0 {
		return 0, &ndilink.ReplyError{Command: ndilink.WildcardHandleRequest, Code: 0x2A}
	}
	h := l.nextHandles[0]
	l.nextHandles = l.nextHandles[1:]
	return h, nil
}

func (l *fakeLink) LoadToolDefinition(handle int, path string) error {
	if err := l.log("PVWR:" + ndilink.EncodeHandle(handle)); err != nil {
		return err
	}
	l.loaded[handle] = path
	return nil
}

func (l *fakeLink) Capture(mode ndilink.CaptureMode) error {
	if err := l.log(mode.Command()); err != nil {
		return err
	}
	if len(l.captures) == 0 {
		return ndilink.ErrTimeout
	}
	l.current = l.captures[0]
	l.captures = l.captures[1:]
	return nil
}

func (l *fakeLink) FrameNumber(handle string) (uint32, error) {
	t, err := l.Transform(handle)
	return t.FrameNumber, err
}

func (l *fakeLink) Transform(handle string) (ndilink.Transform, error) {
	if l.current == nil {
		return ndilink.Transform{}, ndilink.ErrNoCapture
	}
	t, ok := l.current[handle]
	if !ok {
		return ndilink.Transform{Status: ndilink.ToolDisabled}, nil
	}
	return t, nil
}

func (l *fakeLink) Version() (string, error) {
	if err := l.log("VER:0"); err != nil {
		return "", err
	}
	return l.version, nil
}

func (l *fakeLink) Close() error {
	l.closed = true
	return nil
}

// fakeDialer hands out one fakeLink.
type fakeDialer struct {
	link *fakeLink

	reachableErr error
	openErr      error
	portsErr     error
	ports        []string
	ready        map[string]bool

	listed int
	probed []string
	opened []string
}

func newFakeDialer(link *fakeLink) *fakeDialer {
	return &fakeDialer{
		link:  link,
		ports: []string{"/dev/ttyS0", "/dev/ttyUSB0", "/dev/ttyUSB1"},
		ready: map[string]bool{"/dev/ttyUSB0": true},
	}
}

func (d *fakeDialer) Reachable(host string, port int) error {
	return d.reachableErr
}

func (d *fakeDialer) OpenNetwork(host string, port int) (Link, error) {
	d.opened = append(d.opened, fmt.Sprintf("%s:%d", host, port))
	if d.openErr != nil {
		return nil, d.openErr
	}
	return d.link, nil
}

func (d *fakeDialer) SerialPorts() ([]string, error) {
	d.listed++
	return d.ports, d.portsErr
}

func (d *fakeDialer) Probe(name string) error {
	d.probed = append(d.probed, name)
	if !d.ready[name] {
		return errors.New("no reply")
	}
	return nil
}

func (d *fakeDialer) OpenSerial(name string) (Link, error) {
	d.opened = append(d.opened, name)
	if d.openErr != nil {
		return nil, d.openErr
	}
	return d.link, nil
}

var testEpoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// harness bundles the collaborators of a test session.
type harness struct {
	link   *fakeLink
	dialer *fakeDialer
	clock  *timeutil.MockClock
	fs     *fsutil.MemoryFileSystem
}

func newHarness(t *testing.T, files ...string) *harness {
	t.Helper()
	link := newFakeLink()
	h := &harness{
		link:   link,
		dialer: newFakeDialer(link),
		clock:  timeutil.NewMockClock(testEpoch),
		fs:     fsutil.NewMemoryFileSystem(),
	}
	for _, f := range files {
		if err := h.fs.WriteFile(f, []byte("rom"), 0o644); err != nil {
			t.Fatalf("writing %s: %v", f, err)
		}
	}
	return h
}

func (h *harness) options() Options {
	return Options{Dialer: h.dialer, Clock: h.clock, FS: h.fs}
}

func (h *harness) connect(cfg *config.Resolved) (*Session, error) {
	return Connect(cfg, h.options())
}

func resolved(kind config.Kind, roms ...string) *config.Resolved {
	return &config.Resolved{
		Kind:            kind,
		Host:            "192.168.0.10",
		Port:            8765,
		Serial:          config.SerialSelector{Auto: true},
		PortsToProbe:    20,
		ROMFiles:        roms,
		SmoothingBuffer: 1,
	}
}

func valid(x, y, z float64, frame uint32) ndilink.Transform {
	return ndilink.Transform{
		Status:      ndilink.ToolValid,
		Rotation:    quat.Number{Real: 1},
		Translation: r3.Vec{X: x, Y: y, Z: z},
		Error:       0.1,
		FrameNumber: frame,
	}
}

func missing(frame uint32) ndilink.Transform {
	return ndilink.Transform{Status: ndilink.ToolMissing, FrameNumber: frame}
}
