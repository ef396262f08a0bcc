package ndilink

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// ToolStatus is the per-handle status reported in a tracking reply.
type ToolStatus int

const (
	ToolValid ToolStatus = iota + 1
	ToolMissing
	ToolDisabled
)

func (s ToolStatus) String() string {
	switch s {
	case ToolValid:
		return "valid"
	case ToolMissing:
		return "missing"
	case ToolDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("ToolStatus(%d)", int(s))
	}
}

// Transform is one tool's entry in a tracking reply. Rotation and
// Translation are only meaningful when Status is ToolValid. Translation is in
// millimetres; Error is the RMS fit error reported by the device.
type Transform struct {
	Status      ToolStatus
	Rotation    quat.Number
	Translation r3.Vec
	Error       float64
	PortStatus  uint32
	FrameNumber uint32
}

// PortHandleStatus is one entry of a PHSR reply.
type PortHandleStatus struct {
	Handle int
	Status int
}

// EncodeHandle returns the two-digit hex form used for port handles in
// commands and replies.
func EncodeHandle(handle int) string {
	return fmt.Sprintf("%02X", handle)
}

func parseHex(s string, bits int) (uint64, error) {
	v, err := strconv.ParseUint(s, 16, bits)
	if err != nil {
		return 0, fmt.Errorf("%w: bad hex field %q", ErrMalformedReply, s)
	}
	return v, nil
}

// parsePHSR decodes "nn" followed by nn entries of handle (2 hex) + status
// (3 hex).
func parsePHSR(reply string) ([]PortHandleStatus, error) {
	if len(reply) < 2 {
		return nil, fmt.Errorf("%w: PHSR reply %q", ErrMalformedReply, reply)
	}
	n, err := parseHex(reply[:2], 8)
	if err != nil {
		return nil, err
	}
	if len(reply) < 2+int(n)*5 {
		return nil, fmt.Errorf("%w: PHSR reply announces %d handles, got %q", ErrMalformedReply, n, reply)
	}
	handles := make([]PortHandleStatus, 0, n)
	for i := 0; i < int(n); i++ {
		off := 2 + i*5
		h, err := parseHex(reply[off:off+2], 8)
		if err != nil {
			return nil, err
		}
		st, err := parseHex(reply[off+2:off+5], 16)
		if err != nil {
			return nil, err
		}
		handles = append(handles, PortHandleStatus{Handle: int(h), Status: int(st)})
	}
	return handles, nil
}

// parsePHRQ decodes the two hex digit handle returned by PHRQ.
func parsePHRQ(reply string) (int, error) {
	if len(reply) < 2 {
		return 0, fmt.Errorf("%w: PHRQ reply %q", ErrMalformedReply, reply)
	}
	h, err := parseHex(reply[:2], 8)
	if err != nil {
		return 0, err
	}
	return int(h), nil
}

const (
	bxStatusValid    = 0x01
	bxStatusMissing  = 0x02
	bxStatusDisabled = 0x04
)

// parseBX decodes the body of a binary BX reply requested with option 0x0001
// (transforms). Records are keyed by encoded handle.
func parseBX(body []byte) (map[string]Transform, uint16, error) {
	short := func() error {
		return fmt.Errorf("%w: BX reply truncated at %d bytes", ErrMalformedReply, len(body))
	}
	if len(body) < 1 {
		return nil, 0, short()
	}
	n := int(body[0])
	pos := 1
	records := make(map[string]Transform, n)
	le := binary.LittleEndian

	for i := 0; i < n; i++ {
		if len(body) < pos+2 {
			return nil, 0, short()
		}
		handle := EncodeHandle(int(body[pos]))
		status := body[pos+1]
		pos += 2

		var t Transform
		switch status {
		case bxStatusValid:
			if len(body) < pos+40 {
				return nil, 0, short()
			}
			var f [8]float64
			for j := range f {
				f[j] = float64(math.Float32frombits(le.Uint32(body[pos+4*j:])))
			}
			pos += 32
			t = Transform{
				Status:      ToolValid,
				Rotation:    quat.Number{Real: f[0], Imag: f[1], Jmag: f[2], Kmag: f[3]},
				Translation: r3.Vec{X: f[4], Y: f[5], Z: f[6]},
				Error:       f[7],
				PortStatus:  le.Uint32(body[pos:]),
				FrameNumber: le.Uint32(body[pos+4:]),
			}
			pos += 8
		case bxStatusMissing:
			if len(body) < pos+8 {
				return nil, 0, short()
			}
			t = Transform{
				Status:      ToolMissing,
				PortStatus:  le.Uint32(body[pos:]),
				FrameNumber: le.Uint32(body[pos+4:]),
			}
			pos += 8
		case bxStatusDisabled:
			t = Transform{Status: ToolDisabled}
		default:
			return nil, 0, fmt.Errorf("%w: BX handle %s has unknown status 0x%02X", ErrMalformedReply, handle, status)
		}
		records[handle] = t
	}

	var system uint16
	if len(body) >= pos+2 {
		system = le.Uint16(body[pos:])
	}
	return records, system, nil
}

// parseTX decodes a text TX reply requested with option 0001. Each handle's
// record is terminated by a line feed; the system status follows the last
// one.
func parseTX(reply string) (map[string]Transform, uint16, error) {
	if len(reply) < 2 {
		return nil, 0, fmt.Errorf("%w: TX reply %q", ErrMalformedReply, reply)
	}
	n, err := parseHex(reply[:2], 8)
	if err != nil {
		return nil, 0, err
	}

	rest := reply[2:]
	records := make(map[string]Transform, n)
	for i := 0; i < int(n); i++ {
		nl := strings.IndexByte(rest, '\n')
		if nl < 0 {
			return nil, 0, fmt.Errorf("%w: TX record %d not terminated", ErrMalformedReply, i)
		}
		line := rest[:nl]
		rest = rest[nl+1:]
		if len(line) < 2 {
			return nil, 0, fmt.Errorf("%w: TX record %q", ErrMalformedReply, line)
		}
		handle := strings.ToUpper(line[:2])
		t, err := parseTXRecord(line[2:])
		if err != nil {
			return nil, 0, fmt.Errorf("handle %s: %w", handle, err)
		}
		records[handle] = t
	}

	var system uint16
	if s := strings.TrimSpace(rest); len(s) >= 4 {
		v, err := parseHex(s[:4], 16)
		if err != nil {
			return nil, 0, err
		}
		system = uint16(v)
	}
	return records, system, nil
}

func parseTXRecord(rec string) (Transform, error) {
	switch {
	case strings.HasPrefix(rec, "DISABLED"):
		return Transform{Status: ToolDisabled}, nil
	case strings.HasPrefix(rec, "MISSING"):
		t := Transform{Status: ToolMissing}
		tail := rec[len("MISSING"):]
		if len(tail) >= 16 {
			ps, err := parseHex(tail[:8], 32)
			if err != nil {
				return t, err
			}
			fn, err := parseHex(tail[8:16], 32)
			if err != nil {
				return t, err
			}
			t.PortStatus, t.FrameNumber = uint32(ps), uint32(fn)
		}
		return t, nil
	}

	// Q0 Qx Qy Qz (6 chars, 1e-4), Tx Ty Tz (7 chars, 1e-2), error (6
	// chars, 1e-4), port status (8 hex), frame number (8 hex).
	const width = 4*6 + 3*7 + 6 + 8 + 8
	if len(rec) < width {
		return Transform{}, fmt.Errorf("%w: TX transform record %q too short", ErrMalformedReply, rec)
	}
	fields := []struct {
		width int
		scale float64
	}{
		{6, 1e-4}, {6, 1e-4}, {6, 1e-4}, {6, 1e-4},
		{7, 1e-2}, {7, 1e-2}, {7, 1e-2},
		{6, 1e-4},
	}
	var v [8]float64
	pos := 0
	for i, f := range fields {
		raw := rec[pos : pos+f.width]
		x, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Transform{}, fmt.Errorf("%w: TX field %q", ErrMalformedReply, raw)
		}
		v[i] = x * f.scale
		pos += f.width
	}
	ps, err := parseHex(rec[pos:pos+8], 32)
	if err != nil {
		return Transform{}, err
	}
	fn, err := parseHex(rec[pos+8:pos+16], 32)
	if err != nil {
		return Transform{}, err
	}

	return Transform{
		Status:      ToolValid,
		Rotation:    quat.Number{Real: v[0], Imag: v[1], Jmag: v[2], Kmag: v[3]},
		Translation: r3.Vec{X: v[4], Y: v[5], Z: v[6]},
		Error:       v[7],
		PortStatus:  uint32(ps),
		FrameNumber: uint32(fn),
	}, nil
}
