package ndilink

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"go.bug.st/serial"

	"github.com/banshee-data/nditracker/internal/fsutil"
	"github.com/banshee-data/nditracker/internal/timeutil"
)

// SerialPortOpener is a function type for opening serial ports.
// This allows for easier testing by replacing the opener function.
type SerialPortOpener func(path string, opts PortOptions) (SerialPorter, error)

// PortLister enumerates candidate serial devices.
type PortLister func() ([]string, error)

// pollInterval is the serial read timeout; Device keeps polling until its own
// reply timeout expires.
const pollInterval = 100 * time.Millisecond

// OpenSerialPort opens path with go.bug.st/serial.
func OpenSerialPort(path string, opts PortOptions) (SerialPorter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(pollInterval); err != nil {
		port.Close()
		return nil, err
	}
	return port, nil
}

// Dialer opens Devices over TCP or serial. The zero value uses real
// transports.
type Dialer struct {
	Timeout time.Duration
	Clock   timeutil.Clock
	FS      fsutil.FileSystem
	Trace   bool

	// OpenSerial and ListPorts default to go.bug.st/serial.
	SerialOpener SerialPortOpener
	ListPorts    PortLister
	// DialTCP defaults to net.DialTimeout.
	DialTCP func(network, addr string, timeout time.Duration) (net.Conn, error)
}

func (d *Dialer) timeout() time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return DefaultTimeout
}

func (d *Dialer) deviceOptions() DeviceOptions {
	return DeviceOptions{Clock: d.Clock, FS: d.FS, Timeout: d.timeout(), Trace: d.Trace}
}

func (d *Dialer) dial(host string, port int) (net.Conn, error) {
	dial := d.DialTCP
	if dial == nil {
		dial = net.DialTimeout
	}
	return dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)), d.timeout())
}

// Reachable checks that host accepts TCP connections on port.
func (d *Dialer) Reachable(host string, port int) error {
	conn, err := d.dial(host, port)
	if err != nil {
		return err
	}
	return conn.Close()
}

// OpenNetwork connects to a tracker listening on host:port.
func (d *Dialer) OpenNetwork(host string, port int) (*Device, error) {
	conn, err := d.dial(host, port)
	if err != nil {
		return nil, err
	}
	name := conn.RemoteAddr().String()
	return NewDevice(&netPort{Conn: conn, timeout: d.timeout()}, name, d.deviceOptions()), nil
}

// SerialPorts lists the serial devices present on the host.
func (d *Dialer) SerialPorts() ([]string, error) {
	list := d.ListPorts
	if list == nil {
		list = serial.GetPortsList
	}
	return list()
}

func (d *Dialer) openSerial(name string) (*Device, error) {
	opener := d.SerialOpener
	if opener == nil {
		opener = OpenSerialPort
	}
	port, err := opener(name, ResetPortOptions)
	if err != nil {
		return nil, err
	}
	return NewDevice(port, name, d.deviceOptions()), nil
}

// Probe checks whether a tracker answers on the serial device name: it
// resets the device and expects INIT to be acknowledged. The port is closed
// again before returning.
func (d *Dialer) Probe(name string) error {
	dev, err := d.openSerial(name)
	if err != nil {
		return err
	}
	defer dev.Close()

	if err := dev.reset(); err != nil {
		return err
	}
	reply, err := dev.Command("INIT:")
	if err != nil {
		return err
	}
	if !strings.HasPrefix(reply, "OKAY") {
		return fmt.Errorf("%w: INIT on %s answered %q", ErrMalformedReply, name, reply)
	}
	return nil
}

// OpenSerial opens the serial device name and resets the tracker to its
// power-on line settings.
func (d *Dialer) OpenSerial(name string) (*Device, error) {
	dev, err := d.openSerial(name)
	if err != nil {
		return nil, err
	}
	if err := dev.reset(); err != nil {
		dev.Close()
		return nil, err
	}
	return dev, nil
}

// netPort adapts a net.Conn to TimeoutSerialPorter: each Read is bounded by
// the configured timeout.
type netPort struct {
	net.Conn
	timeout time.Duration
}

func (p *netPort) SetReadTimeout(timeout time.Duration) error {
	p.timeout = timeout
	return nil
}

func (p *netPort) Read(b []byte) (int, error) {
	if p.timeout > 0 {
		if err := p.Conn.SetReadDeadline(time.Now().Add(p.timeout)); err != nil {
			return 0, err
		}
	}
	n, err := p.Conn.Read(b)
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return n, ErrTimeout
	}
	return n, err
}
