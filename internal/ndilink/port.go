package ndilink

import (
	"fmt"
	"io"
	"strings"
	"time"

	"go.bug.st/serial"
)

// SerialPorter defines the minimal interface needed for a device transport.
// Serial ports and TCP connections both satisfy it; the abstraction enables
// unit testing without real hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// TimeoutSerialPorter extends SerialPorter with timeout capabilities.
// This is an optional interface that transports may implement.
type TimeoutSerialPorter interface {
	SerialPorter
	// SetReadTimeout sets the read timeout for the port.
	SetReadTimeout(timeout time.Duration) error
}

// ModeSetter is implemented by transports whose line parameters can be
// changed after opening (serial.Port does).
type ModeSetter interface {
	SetMode(mode *serial.Mode) error
}

// Breaker is implemented by transports that can send a serial break, which
// resets the tracker to its power-on line settings.
type Breaker interface {
	Break(d time.Duration) error
}

// PortOptions describes the serial connection parameters used when opening a
// real serial port.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// ResetPortOptions are the line settings a tracker uses after power-on or a
// serial break.
var ResetPortOptions = PortOptions{BaudRate: 9600, DataBits: 8, StopBits: 1, Parity: "N"}

var supportedBaudRates = map[int]bool{
	9600: true, 14400: true, 19200: true, 38400: true, 57600: true,
	115200: true, 230400: true, 921600: true, 1228739: true,
}

// Normalise validates the options and applies defaults for any unset values.
func (o PortOptions) Normalise() (PortOptions, error) {
	opts := o

	if opts.BaudRate <= 0 {
		opts.BaudRate = 9600
	}
	if !supportedBaudRates[opts.BaudRate] {
		return opts, fmt.Errorf("unsupported baud rate %d", opts.BaudRate)
	}

	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits != 7 && opts.DataBits != 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be 7 or 8", opts.DataBits)
	}

	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	parity := strings.TrimSpace(strings.ToUpper(opts.Parity))
	if parity == "" {
		parity = "N"
	}

	switch parity {
	case "N", "NONE":
		parity = "N"
	case "E", "EVEN":
		parity = "E"
	case "O", "ODD":
		parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}

	opts.Parity = parity
	return opts, nil
}

// SerialMode converts the port options into the serial.Mode structure required by
// go.bug.st/serial when opening a port.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalise()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
	}

	switch opts.StopBits {
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		mode.StopBits = serial.OneStopBit
	}

	switch opts.Parity {
	case "N":
		mode.Parity = serial.NoParity
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	default:
		return nil, fmt.Errorf("unsupported parity %q", opts.Parity)
	}

	return mode, nil
}

// COMM command parameter codes.
var baudCodes = map[byte]int{
	'0': 9600, '1': 14400, '2': 19200, '3': 38400, '4': 57600,
	'5': 115200, '6': 921600, '7': 1228739, 'A': 230400,
}

// ParseCOMM returns the host-side line settings requested by a COMM command
// such as "COMM:50000" (115200 baud, 8 data bits, no parity, 1 stop bit, no
// handshake).
func ParseCOMM(command string) (PortOptions, error) {
	params := strings.TrimPrefix(strings.TrimPrefix(command, "COMM:"), "COMM ")
	if len(params) != 5 {
		return PortOptions{}, fmt.Errorf("malformed COMM command %q", command)
	}

	baud, ok := baudCodes[params[0]]
	if !ok {
		return PortOptions{}, fmt.Errorf("unknown baud code %q in %q", params[0], command)
	}
	opts := PortOptions{BaudRate: baud}

	switch params[1] {
	case '0':
		opts.DataBits = 8
	case '1':
		opts.DataBits = 7
	default:
		return PortOptions{}, fmt.Errorf("unknown data bits code %q in %q", params[1], command)
	}

	switch params[2] {
	case '0':
		opts.Parity = "N"
	case '1':
		opts.Parity = "O"
	case '2':
		opts.Parity = "E"
	default:
		return PortOptions{}, fmt.Errorf("unknown parity code %q in %q", params[2], command)
	}

	switch params[3] {
	case '0':
		opts.StopBits = 1
	case '1':
		opts.StopBits = 2
	default:
		return PortOptions{}, fmt.Errorf("unknown stop bits code %q in %q", params[3], command)
	}

	return opts.Normalise()
}
