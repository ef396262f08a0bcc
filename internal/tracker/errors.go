package tracker

import (
	"errors"
	"fmt"

	"github.com/banshee-data/nditracker/internal/ndilink"
)

var (
	// ErrInvalidState matches every *InvalidStateError.
	ErrInvalidState = errors.New("invalid session state")
	// ErrProtocol matches every *ProtocolError.
	ErrProtocol = errors.New("tracker protocol error")
	// ErrConnect matches every *ConnectError and ErrNoDeviceFound.
	ErrConnect = errors.New("tracker connection failed")
	// ErrNoDeviceFound is returned when no probed serial port answers.
	ErrNoDeviceFound = fmt.Errorf("%w: no tracker found on any probed serial port", ErrConnect)
)

// ConnectError reports a transport that could not be reached or opened.
type ConnectError struct {
	Target string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connecting to %s: %v", e.Target, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

func (e *ConnectError) Is(target error) bool { return target == ErrConnect }

// ProtocolError reports a command the device rejected or answered
// unexpectedly. Code is the device error code when it sent one, else 0.
type ProtocolError struct {
	Command string
	Code    int
	Message string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s failed: error 0x%02X: %s", e.Command, e.Code, e.Message)
	}
	return fmt.Sprintf("%s failed: %s", e.Command, e.Message)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// newProtocolError classifies err from the link for command.
func newProtocolError(command string, err error) *ProtocolError {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return perr
	}
	pe := &ProtocolError{Command: command, Message: err.Error(), Err: err}
	var replyErr *ndilink.ReplyError
	if errors.As(err, &replyErr) {
		pe.Code = replyErr.Code
		pe.Message = replyErr.Message()
	}
	return pe
}

// InvalidStateError reports an operation attempted in the wrong session
// state or without an open device.
type InvalidStateError struct {
	Op     string
	State  State
	Reason string
}

func (e *InvalidStateError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("%s: not allowed while %s", e.Op, e.State)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }
