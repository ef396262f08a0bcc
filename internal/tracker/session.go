// Package tracker runs a tracking session against an NDI Polaris, Vega or
// Aurora system, or a dummy that needs no hardware.
//
// Connect brings the device from power-on to a table of enabled tools.
// GetFrame then returns one row per tool in table order. A Session is owned
// by one goroutine; wrap it in a Service to share it.
package tracker

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/nditracker/internal/config"
	"github.com/banshee-data/nditracker/internal/fsutil"
	"github.com/banshee-data/nditracker/internal/monitoring"
	"github.com/banshee-data/nditracker/internal/ndilink"
	"github.com/banshee-data/nditracker/internal/timeutil"
)

// dummyFirmware is reported by dummy sessions.
const dummyFirmware = "unknown 00.0"

// Options supply the collaborators of a Session. Zero values use the real
// clock, filesystem and device dialer.
type Options struct {
	Dialer Dialer
	Clock  timeutil.Clock
	FS     fsutil.FileSystem
	// Timeout bounds each device reply when the default dialer is used.
	Timeout time.Duration
}

// Session is a connected tracker and its tool table.
type Session struct {
	id     uuid.UUID
	cfg    config.Resolved
	state  State
	link   Link
	dialer Dialer
	clock  timeutil.Clock
	fs     fsutil.FileSystem
	logf   func(format string, v ...interface{})

	tools       ToolTable
	firmware    string
	captureMode ndilink.CaptureMode
	smoothing   *smoother
}

// Connect opens the tracker described by cfg and initialises every tool.
// On failure the device is closed again and the error is a
// *config.ConfigError, *ConnectError, ErrNoDeviceFound or *ProtocolError,
// or wraps fs.ErrNotExist for a missing tool definition file.
func Connect(cfg *config.Resolved, opts Options) (*Session, error) {
	if cfg == nil {
		return nil, &config.ConfigError{Field: "tracker type", Err: config.ErrMissingField}
	}
	s := newSession(cfg, opts)

	if err := s.checkToolDefinitions(); err != nil {
		return nil, err
	}

	if s.cfg.Kind == config.KindDummy {
		if err := s.connectDummy(); err != nil {
			return nil, err
		}
	} else {
		if err := s.openTransport(); err != nil {
			return nil, err
		}
		if err := s.initialise(); err != nil {
			return nil, err
		}
	}

	s.state = Ready
	s.logf("connected %s tracker: %d tools, firmware %q, %s capture", s.cfg.Kind, len(s.tools), s.firmware, s.captureMode)
	return s, nil
}

func newSession(cfg *config.Resolved, opts Options) *Session {
	s := &Session{
		id:        uuid.New(),
		cfg:       *cfg,
		dialer:    opts.Dialer,
		clock:     opts.Clock,
		fs:        opts.FS,
		smoothing: newSmoother(cfg.SmoothingBuffer),
	}
	s.cfg.ROMFiles = append([]string(nil), cfg.ROMFiles...)
	if s.clock == nil {
		s.clock = timeutil.RealClock{}
	}
	if s.fs == nil {
		s.fs = fsutil.OSFileSystem{}
	}
	if s.dialer == nil {
		s.dialer = NewDialer(&ndilink.Dialer{
			Timeout: opts.Timeout,
			Clock:   s.clock,
			FS:      s.fs,
			Trace:   cfg.Verbose,
		})
	}
	s.logf = monitoring.Prefixed(fmt.Sprintf("[tracker %s] ", s.id.String()[:8]))
	return s
}

// checkToolDefinitions fails before any device I/O if a configured file is
// missing.
func (s *Session) checkToolDefinitions() error {
	for _, path := range s.cfg.ROMFiles {
		if !s.fs.Exists(path) {
			return fmt.Errorf("tool definition %s: %w", path, fs.ErrNotExist)
		}
	}
	return nil
}

func (s *Session) connectDummy() error {
	for _, path := range s.cfg.ROMFiles {
		if _, err := s.tools.Add(path, NoPortHandle); err != nil {
			return err
		}
	}
	s.firmware = dummyFirmware
	s.captureMode = ndilink.Binary
	return nil
}

// ID identifies the session in log lines.
func (s *Session) ID() uuid.UUID { return s.id }

// State returns the current session state.
func (s *Session) State() State { return s.state }

// Kind returns the tracker family.
func (s *Session) Kind() config.Kind { return s.cfg.Kind }

// CaptureMode is the capture protocol chosen from the firmware version.
func (s *Session) CaptureMode() ndilink.CaptureMode { return s.captureMode }

// FirmwareVersion is the firmware revision reported at connect.
func (s *Session) FirmwareVersion() string { return s.firmware }

// UseQuaternions reports whether transforms are 1×7 pose rows.
func (s *Session) UseQuaternions() bool { return s.cfg.UseQuaternions }

// SmoothingBufferSize is the number of readings averaged per tool.
func (s *Session) SmoothingBufferSize() int { return s.cfg.SmoothingBuffer }

// Tools returns a copy of the tool table.
func (s *Session) Tools() ToolTable {
	return append(ToolTable(nil), s.tools...)
}

func (s *Session) invalid(op string) error {
	return &InvalidStateError{Op: op, State: s.state}
}

// GetToolDescriptions returns parallel lists of tool index and description
// in table order.
func (s *Session) GetToolDescriptions() ([]int, []string, error) {
	if s.state == Uninitialized {
		return nil, nil, s.invalid("get tool descriptions")
	}
	indices, descriptions := s.tools.Descriptions()
	return indices, descriptions, nil
}

// StartTracking puts the device into tracking mode. Only valid when Ready.
func (s *Session) StartTracking() error {
	if s.state != Ready {
		return s.invalid("start tracking")
	}
	if s.link != nil {
		if err := s.expectOK("TSTART:"); err != nil {
			return err
		}
	}
	s.state = Tracking
	s.logf("tracking started")
	return nil
}

// StopTracking leaves tracking mode. Only valid while Tracking.
func (s *Session) StopTracking() error {
	if s.state != Tracking {
		return s.invalid("stop tracking")
	}
	if s.link != nil {
		if err := s.expectOK("TSTOP:"); err != nil {
			return err
		}
	}
	s.state = Ready
	s.logf("tracking stopped")
	return nil
}

// Close stops tracking if needed and releases the device. The session
// cannot be used afterwards.
func (s *Session) Close() error {
	if s.state == Uninitialized {
		return s.invalid("close")
	}
	var stopErr error
	if s.state == Tracking {
		stopErr = s.StopTracking()
	}
	closeErr := s.closeLink()
	s.state = Uninitialized
	s.smoothing.reset()
	s.logf("closed")
	if stopErr != nil {
		// a failed TSTOP has already closed the link
		return stopErr
	}
	return closeErr
}

func (s *Session) closeLink() error {
	if s.link == nil {
		return nil
	}
	err := s.link.Close()
	s.link = nil
	return err
}

// fail closes the device and reports err as a *ProtocolError for command.
// A device left half configured is worse than one that must be reopened.
func (s *Session) fail(command string, err error) error {
	perr := newProtocolError(command, err)
	if cerr := s.closeLink(); cerr != nil {
		s.logf("closing after %s failed: %v", command, cerr)
	}
	s.state = Uninitialized
	s.logf("%v", perr)
	return perr
}

// requireLink is the guard for every operation that talks to the device.
func (s *Session) requireLink(op string) error {
	if s.link == nil {
		return &InvalidStateError{Op: op, State: s.state, Reason: "no device connected"}
	}
	return nil
}

// command sends a raw command, closing the device on any failure.
func (s *Session) command(command string) (string, error) {
	if err := s.requireLink(command); err != nil {
		return "", err
	}
	reply, err := s.link.Command(command)
	if err != nil {
		return "", s.fail(command, err)
	}
	return reply, nil
}

// expectOK sends command and checks the device acknowledged it.
func (s *Session) expectOK(command string) error {
	reply, err := s.command(command)
	if err != nil {
		return err
	}
	return s.checkReply(command, reply)
}

// checkReply turns anything but OKAY into a *ProtocolError.
func (s *Session) checkReply(command, reply string) error {
	if err := s.requireLink("check reply"); err != nil {
		return err
	}
	if len(reply) >= 4 && reply[:4] == "OKAY" {
		return nil
	}
	return s.fail(command, errors.New(reply))
}
