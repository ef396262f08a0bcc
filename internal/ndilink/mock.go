package ndilink

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
)

// TextReply frames text the way a tracker does: CRC as four hex digits,
// then a carriage return.
func TextReply(text string) []byte {
	return []byte(fmt.Sprintf("%s%04X\r", text, checksum([]byte(text))))
}

// BinaryReply frames body as a binary reply with start sequence, length and
// both CRCs.
func BinaryReply(body []byte) []byte {
	le := binary.LittleEndian
	out := make([]byte, 6, 6+len(body)+2)
	le.PutUint16(out[0:], binaryReplyStart)
	le.PutUint16(out[2:], uint16(len(body)))
	le.PutUint16(out[4:], checksum(out[:4]))
	out = append(out, body...)
	return le.AppendUint16(out, checksum(body))
}

// TestableSerialPort implements SerialPorter, ModeSetter and Breaker with
// configurable behaviour for testing. Reads from an empty buffer return
// (0, nil), as a serial port does when its read timeout expires.
type TestableSerialPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// Respond, if set, is called with every written frame and its result is
	// queued for reading.
	Respond func(frame string) []byte

	// BreakReply is queued for reading when Break is called.
	BreakReply []byte

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// CloseError is returned by Close if set
	CloseError error

	// Closed indicates whether Close was called
	Closed bool

	// Modes records every SetMode call
	Modes []*serial.Mode

	// Breaks counts Break calls
	Breaks int

	// ReadTimeout is the current read timeout
	ReadTimeout time.Duration

	// MaxRead limits the bytes returned by a single Read when positive
	MaxRead int
}

// NewTestableSerialPort creates a new TestableSerialPort for testing.
func NewTestableSerialPort() *TestableSerialPort {
	return &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
}

// Read reads from the read buffer.
func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Closed {
		return 0, errors.New("serial port closed")
	}
	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}
	if t.ReadBuffer.Len() == 0 {
		return 0, nil
	}
	if t.MaxRead > 0 && len(p) > t.MaxRead {
		p = p[:t.MaxRead]
	}
	return t.ReadBuffer.Read(p)
}

// Write records p and queues the Respond output, if any.
func (t *TestableSerialPort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Closed {
		return 0, errors.New("serial port closed")
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}
	n, err := t.WriteBuffer.Write(p)
	if t.Respond != nil {
		t.ReadBuffer.Write(t.Respond(string(p)))
	}
	return n, err
}

// Close marks the port as closed.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	return t.CloseError
}

// SetReadTimeout implements TimeoutSerialPorter.
func (t *TestableSerialPort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadTimeout = timeout
	return nil
}

// SetMode implements ModeSetter.
func (t *TestableSerialPort) SetMode(mode *serial.Mode) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Modes = append(t.Modes, mode)
	return nil
}

// Break implements Breaker.
func (t *TestableSerialPort) Break(time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Breaks++
	t.ReadBuffer.Write(t.BreakReply)
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Write(data)
}

// Written returns the frames written so far, split at carriage returns.
func (t *TestableSerialPort) Written() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var frames []string
	for _, f := range bytes.Split(t.WriteBuffer.Bytes(), []byte{'\r'}) {
		if len(f) > 0 {
			frames = append(frames, string(f))
		}
	}
	return frames
}

// Commands returns the written frames with their CRC suffix removed.
func (t *TestableSerialPort) Commands() []string {
	frames := t.Written()
	cmds := make([]string, len(frames))
	for i, f := range frames {
		if bytes.IndexByte([]byte(f), ':') >= 0 && len(f) > 4 {
			f = f[:len(f)-4]
		}
		cmds[i] = f
	}
	return cmds
}
