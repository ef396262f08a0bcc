package tracker

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/banshee-data/nditracker/internal/config"
	"github.com/banshee-data/nditracker/internal/ndilink"
)

// Commands sent during initialisation.
const (
	initCommand = "INIT:"
	// commCommand switches serial links to 115200 baud 8N1, no handshake.
	commCommand = "COMM:50000"
)

// maxDiscoveryRounds bounds wired-tool discovery on devices that keep
// reporting handles to initialise.
const maxDiscoveryRounds = 64

// legacyFirmware lists revisions without binary capture support.
var legacyFirmware = map[string]bool{
	"AURORA Rev 007": true,
	"AURORA Rev 008": true,
}

// openTransport connects to the device described by the configuration.
func (s *Session) openTransport() error {
	if s.cfg.Kind.IsNetwork() {
		return s.openNetwork()
	}
	return s.openSerial()
}

func (s *Session) openNetwork() error {
	target := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	if err := s.dialer.Reachable(s.cfg.Host, s.cfg.Port); err != nil {
		return &ConnectError{Target: target, Err: err}
	}
	link, err := s.dialer.OpenNetwork(s.cfg.Host, s.cfg.Port)
	if err != nil {
		return &ConnectError{Target: target, Err: err}
	}
	s.link = link
	s.logf("opened %s", target)
	return nil
}

// serialCandidates lists the serial devices to probe, in order.
func (s *Session) serialCandidates() ([]string, error) {
	sel := s.cfg.Serial
	if sel.Name != "" {
		return []string{sel.Name}, nil
	}
	ports, err := s.dialer.SerialPorts()
	if err != nil {
		return nil, &ConnectError{Target: "serial ports", Err: err}
	}
	if !sel.Auto {
		if sel.Index >= len(ports) {
			s.logf("serial port index %d out of range, %d ports found", sel.Index, len(ports))
			return nil, nil
		}
		return ports[sel.Index : sel.Index+1], nil
	}
	if len(ports) > s.cfg.PortsToProbe {
		ports = ports[:s.cfg.PortsToProbe]
	}
	return ports, nil
}

func (s *Session) openSerial() error {
	candidates, err := s.serialCandidates()
	if err != nil {
		return err
	}
	for _, name := range candidates {
		if err := s.dialer.Probe(name); err != nil {
			s.logf("no tracker on %s: %v", name, err)
			continue
		}
		link, err := s.dialer.OpenSerial(name)
		if err != nil {
			return &ConnectError{Target: name, Err: err}
		}
		s.link = link
		s.logf("opened %s", name)
		return nil
	}
	return ErrNoDeviceFound
}

// initialise runs every step after the transport is open. Any failure
// leaves the device closed.
func (s *Session) initialise() error {
	if err := s.initialiseDevice(); err != nil {
		return err
	}
	if err := s.freeHandles(); err != nil {
		return err
	}
	if err := s.acquireTools(); err != nil {
		return err
	}
	if err := s.enableTools(); err != nil {
		return err
	}
	return s.readFirmware()
}

// initialiseDevice sends INIT and, on serial links, raises the line rate.
func (s *Session) initialiseDevice() error {
	if err := s.expectOK(initCommand); err != nil {
		return err
	}
	if s.cfg.Kind.IsSerial() {
		return s.expectOK(commCommand)
	}
	return nil
}

// freeHandles releases handles left allocated by an earlier session.
func (s *Session) freeHandles() error {
	if err := s.requireLink("free handles"); err != nil {
		return err
	}
	handles, err := s.link.PortHandles(ndilink.HandlesToFree)
	if err != nil {
		return s.fail("PHSR:01", err)
	}
	for _, h := range handles {
		if err := s.expectOK("PHF:" + ndilink.EncodeHandle(h)); err != nil {
			return err
		}
	}
	return nil
}

// acquireTools fills the tool table for the kind.
func (s *Session) acquireTools() error {
	if s.cfg.Kind == config.KindAurora {
		return s.discoverWiredTools()
	}
	if err := s.readCalibrations(); err != nil {
		return err
	}
	return s.initialisePorts()
}

// readCalibrations requests a wildcard handle for every tool definition and
// loads the file onto it, in configuration order.
func (s *Session) readCalibrations() error {
	if err := s.requireLink("read calibrations"); err != nil {
		return err
	}
	for _, path := range s.cfg.ROMFiles {
		handle, err := s.link.RequestPortHandle()
		if err != nil {
			return s.fail(ndilink.WildcardHandleRequest, err)
		}
		if _, err := s.tools.Add(path, handle); err != nil {
			return s.fail(ndilink.WildcardHandleRequest, err)
		}
		if err := s.link.LoadToolDefinition(handle, path); err != nil {
			return s.fail("PVWR:"+ndilink.EncodeHandle(handle), err)
		}
		s.logf("loaded %s on port handle %s", path, ndilink.EncodeHandle(handle))
	}
	return nil
}

// initialisePorts sends PINIT for every tool in the table.
func (s *Session) initialisePorts() error {
	if err := s.requireLink("initialise ports"); err != nil {
		return err
	}
	for _, tool := range s.tools {
		if err := s.expectOK("PINIT:" + tool.EncodedHandle); err != nil {
			return err
		}
	}
	return nil
}

// discoverWiredTools polls for handles awaiting initialisation, adding and
// initialising each, until none remain. Wired tools are detected one after
// another, so a single query is not enough.
func (s *Session) discoverWiredTools() error {
	if err := s.requireLink("discover wired tools"); err != nil {
		return err
	}
	for round := 0; round < maxDiscoveryRounds; round++ {
		handles, err := s.link.PortHandles(ndilink.HandlesToInitialise)
		if err != nil {
			return s.fail("PHSR:02", err)
		}
		if len(handles) == 0 {
			return nil
		}
		for i, h := range handles {
			if _, known := s.tools.Find(h); !known {
				if _, err := s.tools.Add(strconv.Itoa(i), h); err != nil {
					return s.fail("PHSR:02", err)
				}
			}
			if err := s.expectOK("PINIT:" + ndilink.EncodeHandle(h)); err != nil {
				return err
			}
		}
	}
	return s.fail("PHSR:02", fmt.Errorf("handles still awaiting initialisation after %d rounds", maxDiscoveryRounds))
}

// enableTools enables every handle the device reports as ready, adding
// handles not yet in the table.
func (s *Session) enableTools() error {
	if err := s.requireLink("enable tools"); err != nil {
		return err
	}
	handles, err := s.link.PortHandles(ndilink.HandlesToEnable)
	if err != nil {
		return s.fail("PHSR:03", err)
	}
	for _, h := range handles {
		if _, known := s.tools.Find(h); !known {
			if _, err := s.tools.Add(strconv.Itoa(len(s.tools)), h); err != nil {
				return s.fail("PHSR:03", err)
			}
		}
		// D: dynamic tracking priority
		if err := s.expectOK("PENA:" + ndilink.EncodeHandle(h) + "D"); err != nil {
			return err
		}
	}
	return nil
}

// readFirmware caches the firmware revision and the capture mode it
// supports.
func (s *Session) readFirmware() error {
	if err := s.requireLink("read firmware"); err != nil {
		return err
	}
	reply, err := s.link.Version()
	if err != nil {
		return s.fail("VER:0", err)
	}
	s.firmware = firmwareRevision(reply)
	s.captureMode = captureModeFor(s.firmware)
	return nil
}

// firmwareRevision extracts the text between "Freeze Tag:" and
// "Freeze Date" from a VER reply, or returns the trimmed reply when the
// markers are absent.
func firmwareRevision(reply string) string {
	const tag, date = "Freeze Tag:", "Freeze Date"
	start := strings.Index(reply, tag)
	if start < 0 {
		return strings.TrimSpace(reply)
	}
	rest := reply[start+len(tag):]
	if end := strings.Index(rest, date); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

func captureModeFor(firmware string) ndilink.CaptureMode {
	if legacyFirmware[firmware] {
		return ndilink.LegacyText
	}
	return ndilink.Binary
}

// ReloadCalibrations frees every tool, acquires and enables them again and
// clears the smoothing history. Tracking is resumed if it was active.
func (s *Session) ReloadCalibrations() error {
	if s.state == Uninitialized {
		return s.invalid("reload calibrations")
	}
	if err := s.requireLink("reload calibrations"); err != nil {
		return err
	}
	if err := s.checkToolDefinitions(); err != nil {
		return err
	}

	wasTracking := s.state == Tracking
	if wasTracking {
		if err := s.StopTracking(); err != nil {
			return err
		}
	}

	for _, tool := range s.tools {
		if err := s.expectOK("PHF:" + tool.EncodedHandle); err != nil {
			return err
		}
	}
	s.tools = nil
	s.smoothing.reset()

	if err := s.acquireTools(); err != nil {
		return err
	}
	if err := s.enableTools(); err != nil {
		return err
	}
	s.logf("reloaded %d tools", len(s.tools))

	if wasTracking {
		return s.StartTracking()
	}
	return nil
}
