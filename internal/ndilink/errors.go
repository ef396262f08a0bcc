package ndilink

import (
	"errors"
	"fmt"
)

var (
	ErrTimeout         = errors.New("timed out waiting for device reply")
	ErrBadCRC          = errors.New("reply failed CRC check")
	ErrClosed          = errors.New("device link closed")
	ErrMalformedReply  = errors.New("malformed device reply")
	ErrNoCapture       = errors.New("no tracking data captured yet")
	ErrToolDefTooLarge = errors.New("tool definition file larger than 1024 bytes")
)

// ReplyError is an ERRORxx reply from the device.
type ReplyError struct {
	Command string
	Code    int
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("%s: error 0x%02X: %s", e.Command, e.Code, ErrorString(e.Code))
}

// Message is the vendor description of the error code.
func (e *ReplyError) Message() string { return ErrorString(e.Code) }

var errorStrings = map[int]string{
	0x01: "Invalid command",
	0x02: "Command too long",
	0x03: "Command too short",
	0x04: "Invalid CRC calculated for command",
	0x05: "Time-out on command execution",
	0x06: "Unable to set up new communication parameters",
	0x07: "Incorrect number of command parameters",
	0x08: "Invalid port handle selected",
	0x09: "Invalid tracking priority selected",
	0x0A: "Invalid LED selected",
	0x0B: "Invalid LED state selected",
	0x0C: "Command is invalid while in the current operating mode",
	0x0D: "No tool assigned to the selected port handle",
	0x0E: "Selected port handle not initialized",
	0x0F: "Selected port handle not enabled",
	0x10: "System not initialized",
	0x11: "Unable to stop tracking",
	0x12: "Unable to start tracking",
	0x13: "Unable to initialize tool",
	0x14: "Invalid Position Sensor characterization parameters",
	0x15: "Unable to initialize the system",
	0x16: "Unable to start diagnostic mode",
	0x17: "Unable to stop diagnostic mode",
	0x19: "Unable to read device's firmware version information",
	0x1A: "Internal system error",
	0x1D: "Unable to search for SROM IDs",
	0x1E: "Unable to read SROM device data",
	0x1F: "Unable to write SROM device data",
	0x20: "Unable to select SROM device",
	0x22: "Enabled tools are not supported by selected volume parameters",
	0x23: "Command parameter is out of range",
	0x24: "Unable to select parameters by volume",
	0x25: "Unable to determine the system's supported features list",
	0x29: "Too many tools of this type are enabled",
	0x2A: "No more port handles available",
	0x2B: "Port handle previously requested",
	0x2C: "Unable to perform test",
	0x2D: "Failed to load tool definition",
	0x31: "Invalid input or output state",
	0x32: "No camera parameters for this wavelength",
	0x33: "Command parameter out of range",
	0x34: "No camera parameters for this volume",
	0x35: "Failed to set configuration",
}

// ErrorString returns the vendor description of an error code.
func ErrorString(code int) string {
	if s, ok := errorStrings[code]; ok {
		return s
	}
	return "Unrecognized error code"
}
