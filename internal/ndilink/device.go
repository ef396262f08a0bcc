// Package ndilink talks to NDI Polaris, Vega and Aurora tracking systems over
// a serial port or a TCP connection using the combined API command set.
//
// A Device is strictly request/reply: every Command writes one command and
// blocks until its reply (or a timeout) arrives. A Device must not be used
// from more than one goroutine at a time.
package ndilink

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/nditracker/internal/fsutil"
	"github.com/banshee-data/nditracker/internal/monitoring"
	"github.com/banshee-data/nditracker/internal/timeutil"
)

// Commands with fixed arguments.
const (
	// WildcardHandleRequest asks for a port handle for a wireless passive
	// tool whose definition will be loaded with PVWR.
	WildcardHandleRequest = "PHRQ:*********1****"

	toolDefinitionSize  = 1024
	toolDefinitionChunk = 64

	binaryReplyStart = 0xA5C4
)

// HandleQuery selects which port handles a PHSR command reports.
type HandleQuery int

const (
	HandlesAll          HandleQuery = 0x00
	HandlesToFree       HandleQuery = 0x01
	HandlesToInitialise HandleQuery = 0x02
	HandlesToEnable     HandleQuery = 0x03
	HandlesEnabled      HandleQuery = 0x04
)

// CaptureMode is the protocol variant used to fetch tracking data.
type CaptureMode int

const (
	// Binary uses BX replies.
	Binary CaptureMode = iota
	// LegacyText uses TX replies, for firmware without BX support.
	LegacyText
)

// Command is the capture command for the mode: all transforms including
// those outside the characterised volume.
func (m CaptureMode) Command() string {
	if m == LegacyText {
		return "TX:0001"
	}
	return "BX:0801"
}

func (m CaptureMode) String() string {
	if m == LegacyText {
		return "legacy-text"
	}
	return "binary"
}

// Device is an open connection to a tracker.
type Device struct {
	port    SerialPorter
	name    string
	clock   timeutil.Clock
	fs      fsutil.FileSystem
	timeout time.Duration
	logf    func(format string, v ...interface{})

	pending []byte
	closed  bool

	handles      []PortHandleStatus
	records      map[string]Transform
	systemStatus uint16
}

// DeviceOptions configure NewDevice. Zero values pick sensible defaults.
type DeviceOptions struct {
	Clock   timeutil.Clock
	FS      fsutil.FileSystem
	Timeout time.Duration
	// Trace logs every command and reply when set.
	Trace bool
}

// DefaultTimeout bounds the wait for a single reply.
const DefaultTimeout = 3 * time.Second

// NewDevice wraps an already open transport.
func NewDevice(port SerialPorter, name string, opts DeviceOptions) *Device {
	d := &Device{
		port:    port,
		name:    name,
		clock:   opts.Clock,
		fs:      opts.FS,
		timeout: opts.Timeout,
		logf:    monitoring.Discard,
	}
	if d.clock == nil {
		d.clock = timeutil.RealClock{}
	}
	if d.fs == nil {
		d.fs = fsutil.OSFileSystem{}
	}
	if d.timeout <= 0 {
		d.timeout = DefaultTimeout
	}
	if opts.Trace {
		d.logf = monitoring.Prefixed(fmt.Sprintf("[%s] ", name))
	}
	return d
}

func (d *Device) String() string { return d.name }

// Close closes the transport. Further calls fail with ErrClosed.
func (d *Device) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	return d.port.Close()
}

// Command sends command, waits for the reply and returns it without its CRC.
// An ERRORxx reply is returned as *ReplyError. Replies to PHSR, BX and TX are
// also decoded and cached for PortHandles, FrameNumber and Transform.
func (d *Device) Command(command string) (string, error) {
	if d.closed {
		return "", ErrClosed
	}

	if err := d.write(command); err != nil {
		return "", fmt.Errorf("writing %q to %s: %w", command, d.name, err)
	}

	isBinary := strings.HasPrefix(command, "BX")
	text, body, err := d.readReply(isBinary)
	if err != nil {
		return "", fmt.Errorf("reading reply to %q from %s: %w", command, d.name, err)
	}

	if body != nil {
		d.logf("<- binary reply, %d bytes", len(body))
		records, status, err := parseBX(body)
		if err != nil {
			return "", err
		}
		d.records, d.systemStatus = records, status
		return "", nil
	}

	d.logf("<- %q", text)
	if strings.HasPrefix(text, "ERROR") {
		code, perr := strconv.ParseUint(strings.TrimSpace(text[5:]), 16, 8)
		if perr != nil {
			return text, fmt.Errorf("%w: %q", ErrMalformedReply, text)
		}
		return text, &ReplyError{Command: command, Code: int(code)}
	}

	if err := d.interpret(command, text); err != nil {
		return text, err
	}
	return text, nil
}

// interpret caches decoded replies and applies side effects of commands.
func (d *Device) interpret(command, reply string) error {
	switch {
	case strings.HasPrefix(command, "PHSR"):
		handles, err := parsePHSR(reply)
		if err != nil {
			return err
		}
		d.handles = handles
	case strings.HasPrefix(command, "TX"):
		records, status, err := parseTX(reply)
		if err != nil {
			return err
		}
		d.records, d.systemStatus = records, status
	case strings.HasPrefix(command, "COMM"):
		return d.applyCOMM(command)
	}
	return nil
}

// applyCOMM switches the host side of a serial link to the settings the
// device just accepted. Network links ignore it.
func (d *Device) applyCOMM(command string) error {
	setter, ok := d.port.(ModeSetter)
	if !ok {
		return nil
	}
	opts, err := ParseCOMM(command)
	if err != nil {
		return err
	}
	mode, err := opts.SerialMode()
	if err != nil {
		return err
	}
	// the device needs a moment before it listens at the new rate
	d.clock.Sleep(100 * time.Millisecond)
	if err := setter.SetMode(mode); err != nil {
		return fmt.Errorf("switching %s to %d baud: %w", d.name, opts.BaudRate, err)
	}
	return nil
}

func (d *Device) write(command string) error {
	d.logf("-> %q", command)
	frame := command
	if strings.Contains(command, ":") {
		frame += fmt.Sprintf("%04X", checksum([]byte(command)))
	}
	frame += "\r"
	n, err := d.port.Write([]byte(frame))
	if err != nil {
		return err
	}
	if n != len(frame) {
		return io.ErrShortWrite
	}
	return nil
}

// fill reads more bytes into the pending buffer.
func (d *Device) fill(start time.Time) error {
	buf := make([]byte, 512)
	for {
		n, err := d.port.Read(buf)
		if n > 0 {
			d.pending = append(d.pending, buf[:n]...)
			return nil
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return ErrTimeout
			}
			return err
		}
		if d.clock.Since(start) > d.timeout {
			return ErrTimeout
		}
	}
}

// readReply returns either a text reply (without CRC and CR) or, when
// binary is allowed and the device answers with the binary start sequence,
// the binary body.
func (d *Device) readReply(binaryAllowed bool) (string, []byte, error) {
	start := d.clock.Now()
	for len(d.pending) < 2 {
		if err := d.fill(start); err != nil {
			return "", nil, err
		}
	}

	if binaryAllowed && binary.LittleEndian.Uint16(d.pending) == binaryReplyStart {
		body, err := d.readBinary(start)
		return "", body, err
	}
	text, err := d.readText(start)
	return text, nil, err
}

func (d *Device) readText(start time.Time) (string, error) {
	for {
		if i := bytes.IndexByte(d.pending, '\r'); i >= 0 {
			line := string(d.pending[:i])
			d.pending = d.pending[i+1:]
			return checkTextCRC(line)
		}
		if err := d.fill(start); err != nil {
			return "", err
		}
	}
}

func checkTextCRC(line string) (string, error) {
	if len(line) < 4 {
		return "", fmt.Errorf("%w: reply %q too short", ErrMalformedReply, line)
	}
	body, sum := line[:len(line)-4], line[len(line)-4:]
	want, err := strconv.ParseUint(sum, 16, 16)
	if err != nil {
		return "", fmt.Errorf("%w: reply %q has no CRC", ErrMalformedReply, line)
	}
	if got := checksum([]byte(body)); got != uint16(want) {
		return "", fmt.Errorf("%w: %q computed %04X", ErrBadCRC, line, got)
	}
	return body, nil
}

// readBinary reads start sequence, length, header CRC, body and body CRC.
func (d *Device) readBinary(start time.Time) ([]byte, error) {
	le := binary.LittleEndian
	for len(d.pending) < 6 {
		if err := d.fill(start); err != nil {
			return nil, err
		}
	}
	if got := checksum(d.pending[:4]); got != le.Uint16(d.pending[4:6]) {
		d.pending = nil
		return nil, fmt.Errorf("%w: binary header", ErrBadCRC)
	}
	size := int(le.Uint16(d.pending[2:4]))
	total := 6 + size + 2
	for len(d.pending) < total {
		if err := d.fill(start); err != nil {
			return nil, err
		}
	}
	body := append([]byte(nil), d.pending[6:6+size]...)
	sum := le.Uint16(d.pending[6+size : total])
	d.pending = d.pending[total:]
	if got := checksum(body); got != sum {
		return nil, fmt.Errorf("%w: binary body", ErrBadCRC)
	}
	return body, nil
}

// PortHandles sends PHSR for query and returns the reported handles.
func (d *Device) PortHandles(query HandleQuery) ([]int, error) {
	if _, err := d.Command(fmt.Sprintf("PHSR:%02X", int(query))); err != nil {
		return nil, err
	}
	handles := make([]int, len(d.handles))
	for i, h := range d.handles {
		handles[i] = h.Handle
	}
	return handles, nil
}

// RequestPortHandle asks the device for a new wildcard port handle.
func (d *Device) RequestPortHandle() (int, error) {
	reply, err := d.Command(WildcardHandleRequest)
	if err != nil {
		return 0, err
	}
	return parsePHRQ(reply)
}

// LoadToolDefinition writes the tool definition file at path to handle in
// 64 byte PVWR chunks, zero padded to 1024 bytes.
func (d *Device) LoadToolDefinition(handle int, path string) error {
	data, err := fsutil.ReadBounded(d.fs, path, toolDefinitionSize)
	if err != nil {
		if errors.Is(err, fsutil.ErrTooLarge) {
			return fmt.Errorf("%s: %w", path, ErrToolDefTooLarge)
		}
		return fmt.Errorf("reading tool definition: %w", err)
	}
	padded := make([]byte, toolDefinitionSize)
	copy(padded, data)

	for addr := 0; addr < toolDefinitionSize; addr += toolDefinitionChunk {
		chunk := strings.ToUpper(hex.EncodeToString(padded[addr : addr+toolDefinitionChunk]))
		if _, err := d.Command(fmt.Sprintf("PVWR:%02X%04X%s", handle, addr, chunk)); err != nil {
			return err
		}
	}
	return nil
}

// Capture issues the capture command for mode once; FrameNumber and
// Transform then answer from that reply.
func (d *Device) Capture(mode CaptureMode) error {
	d.records = nil
	_, err := d.Command(mode.Command())
	if err == nil && d.records == nil {
		return fmt.Errorf("%w: capture produced no records", ErrMalformedReply)
	}
	return err
}

// FrameNumber returns the device frame number for handle from the last
// capture. Disabled or unreported handles have frame number 0.
func (d *Device) FrameNumber(handle string) (uint32, error) {
	t, err := d.Transform(handle)
	if err != nil {
		return 0, err
	}
	return t.FrameNumber, nil
}

// Transform returns handle's record from the last capture. Handles absent from
// the reply are reported as disabled.
func (d *Device) Transform(handle string) (Transform, error) {
	if d.records == nil {
		return Transform{}, ErrNoCapture
	}
	t, ok := d.records[strings.ToUpper(handle)]
	if !ok {
		return Transform{Status: ToolDisabled}, nil
	}
	return t, nil
}

// SystemStatus is the system status word of the last capture.
func (d *Device) SystemStatus() uint16 { return d.systemStatus }

// Version returns the reply to VER:0, the firmware revision text.
func (d *Device) Version() (string, error) {
	return d.Command("VER:0")
}

// reset sends a serial break and waits for the RESET reply, which puts the
// device back to 9600 baud. Transports that cannot break are left alone.
func (d *Device) reset() error {
	b, ok := d.port.(Breaker)
	if !ok {
		return nil
	}
	if err := b.Break(250 * time.Millisecond); err != nil {
		return fmt.Errorf("sending break to %s: %w", d.name, err)
	}
	reply, _, err := d.readReply(false)
	if err != nil {
		return fmt.Errorf("waiting for RESET from %s: %w", d.name, err)
	}
	if !strings.HasPrefix(reply, "RESET") {
		return fmt.Errorf("%w: expected RESET from %s, got %q", ErrMalformedReply, d.name, reply)
	}
	return nil
}
