package tracker

import (
	"github.com/banshee-data/nditracker/internal/ndilink"
)

// Link is the open connection to a tracker that a Session drives.
// *ndilink.Device implements it.
type Link interface {
	// Command sends a raw command and returns the reply text.
	Command(command string) (string, error)
	PortHandles(query ndilink.HandleQuery) ([]int, error)
	RequestPortHandle() (int, error)
	LoadToolDefinition(handle int, path string) error
	// Capture fetches one frame for all handles; FrameNumber and Transform
	// then answer from it.
	Capture(mode ndilink.CaptureMode) error
	FrameNumber(handle string) (uint32, error)
	Transform(handle string) (ndilink.Transform, error)
	Version() (string, error)
	Close() error
}

// Dialer finds and opens trackers.
type Dialer interface {
	// Reachable checks a network tracker answers before it is opened.
	Reachable(host string, port int) error
	OpenNetwork(host string, port int) (Link, error)
	SerialPorts() ([]string, error)
	// Probe reports whether a tracker answers on the serial port name. It
	// leaves the port closed.
	Probe(name string) error
	OpenSerial(name string) (Link, error)
}

// NewDialer adapts an ndilink.Dialer to Dialer.
func NewDialer(d *ndilink.Dialer) Dialer {
	return deviceDialer{d}
}

type deviceDialer struct {
	*ndilink.Dialer
}

func (d deviceDialer) OpenNetwork(host string, port int) (Link, error) {
	dev, err := d.Dialer.OpenNetwork(host, port)
	if err != nil {
		return nil, err
	}
	return dev, nil
}

func (d deviceDialer) OpenSerial(name string) (Link, error) {
	dev, err := d.Dialer.OpenSerial(name)
	if err != nil {
		return nil, err
	}
	return dev, nil
}
