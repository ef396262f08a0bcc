package ndilink

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/nditracker/internal/fsutil"
	"github.com/banshee-data/nditracker/internal/timeutil"
)

func newTestDevice(t *testing.T) (*Device, *TestableSerialPort, *timeutil.MockClock, *fsutil.MemoryFileSystem) {
	t.Helper()
	port := NewTestableSerialPort()
	clock := timeutil.NewMockClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	clock.SetStep(time.Second)
	fs := fsutil.NewMemoryFileSystem()
	dev := NewDevice(port, "test", DeviceOptions{Clock: clock, FS: fs, Timeout: 3 * time.Second})
	return dev, port, clock, fs
}

func okay(string) []byte { return TextReply("OKAY") }

func TestDevice_CommandFraming(t *testing.T) {
	dev, port, _, _ := newTestDevice(t)
	port.AddReadData(TextReply("OKAY"))

	reply, err := dev.Command("INIT:")
	if err != nil {
		t.Fatalf("Command error = %v", err)
	}
	if reply != "OKAY" {
		t.Errorf("reply = %q, want OKAY", reply)
	}
	if got := port.Written(); len(got) != 1 || got[0] != "INIT:E3A5" {
		t.Errorf("written = %q, want [INIT:E3A5]", got)
	}
}

func TestDevice_CommandWithoutColonHasNoCRC(t *testing.T) {
	dev, port, _, _ := newTestDevice(t)
	port.AddReadData(TextReply("OKAY"))

	if _, err := dev.Command("BEEP 1"); err != nil {
		t.Fatalf("Command error = %v", err)
	}
	if got := string(port.WriteBuffer.Bytes()); got != "BEEP 1\r" {
		t.Errorf("written = %q", got)
	}
}

func TestDevice_RepliesSplitAcrossReads(t *testing.T) {
	dev, port, _, _ := newTestDevice(t)
	port.MaxRead = 3
	port.AddReadData(TextReply("OKAY"))

	reply, err := dev.Command("INIT:")
	if err != nil || reply != "OKAY" {
		t.Fatalf("Command = %q, %v", reply, err)
	}
}

func TestDevice_QueuedReplies(t *testing.T) {
	dev, port, _, _ := newTestDevice(t)
	port.AddReadData(append(TextReply("OKAY"), TextReply("0A")...))

	if _, err := dev.Command("INIT:"); err != nil {
		t.Fatalf("INIT error = %v", err)
	}
	h, err := dev.RequestPortHandle()
	if err != nil {
		t.Fatalf("RequestPortHandle error = %v", err)
	}
	if h != 0x0A {
		t.Errorf("handle = %d, want 10", h)
	}
}

func TestDevice_ErrorReply(t *testing.T) {
	dev, port, _, _ := newTestDevice(t)
	port.AddReadData(TextReply("ERROR0D"))

	_, err := dev.Command("PINIT:0A")
	var replyErr *ReplyError
	if !errors.As(err, &replyErr) {
		t.Fatalf("error = %v, want *ReplyError", err)
	}
	if replyErr.Code != 0x0D || replyErr.Command != "PINIT:0A" {
		t.Errorf("ReplyError = %+v", replyErr)
	}
	if replyErr.Message() != "No tool assigned to the selected port handle" {
		t.Errorf("Message() = %q", replyErr.Message())
	}
	if !strings.Contains(replyErr.Error(), "0x0D") {
		t.Errorf("Error() = %q", replyErr.Error())
	}
}

func TestDevice_MalformedErrorReply(t *testing.T) {
	dev, port, _, _ := newTestDevice(t)
	port.AddReadData(TextReply("ERRORZZ"))

	if _, err := dev.Command("INIT:"); !errors.Is(err, ErrMalformedReply) {
		t.Errorf("error = %v, want ErrMalformedReply", err)
	}
}

func TestDevice_BadCRC(t *testing.T) {
	dev, port, _, _ := newTestDevice(t)
	port.AddReadData([]byte("OKAY0000\r"))

	if _, err := dev.Command("INIT:"); !errors.Is(err, ErrBadCRC) {
		t.Errorf("error = %v, want ErrBadCRC", err)
	}
}

func TestDevice_Timeout(t *testing.T) {
	dev, _, _, _ := newTestDevice(t)

	if _, err := dev.Command("INIT:"); !errors.Is(err, ErrTimeout) {
		t.Errorf("error = %v, want ErrTimeout", err)
	}
}

func TestDevice_DeadlineExceededIsTimeout(t *testing.T) {
	dev, port, _, _ := newTestDevice(t)
	port.ReadError = os.ErrDeadlineExceeded

	if _, err := dev.Command("INIT:"); !errors.Is(err, ErrTimeout) {
		t.Errorf("error = %v, want ErrTimeout", err)
	}
}

func TestDevice_WriteError(t *testing.T) {
	dev, port, _, _ := newTestDevice(t)
	port.WriteError = errors.New("unplugged")

	if _, err := dev.Command("INIT:"); err == nil || !strings.Contains(err.Error(), "unplugged") {
		t.Errorf("error = %v", err)
	}
}

func TestDevice_Close(t *testing.T) {
	dev, port, _, _ := newTestDevice(t)

	if err := dev.Close(); err != nil {
		t.Fatalf("Close error = %v", err)
	}
	if !port.Closed {
		t.Error("port not closed")
	}
	if err := dev.Close(); err != nil {
		t.Errorf("second Close error = %v", err)
	}
	if _, err := dev.Command("INIT:"); !errors.Is(err, ErrClosed) {
		t.Errorf("Command after Close error = %v, want ErrClosed", err)
	}
}

func TestDevice_PortHandles(t *testing.T) {
	dev, port, _, _ := newTestDevice(t)
	port.AddReadData(TextReply("020A0010B031"))

	handles, err := dev.PortHandles(HandlesToFree)
	if err != nil {
		t.Fatalf("PortHandles error = %v", err)
	}
	if len(handles) != 2 || handles[0] != 0x0A || handles[1] != 0x0B {
		t.Errorf("handles = %v", handles)
	}
	if got := port.Commands(); len(got) != 1 || got[0] != "PHSR:01" {
		t.Errorf("commands = %q", got)
	}
}

func TestDevice_LoadToolDefinition(t *testing.T) {
	dev, port, _, fs := newTestDevice(t)
	rom := bytes.Repeat([]byte{0xAB}, 100)
	fs.WriteFile("/roms/probe.rom", rom, 0o644)
	port.Respond = okay

	if err := dev.LoadToolDefinition(0x0A, "/roms/probe.rom"); err != nil {
		t.Fatalf("LoadToolDefinition error = %v", err)
	}

	cmds := port.Commands()
	if len(cmds) != 16 {
		t.Fatalf("sent %d commands, want 16", len(cmds))
	}
	if want := "PVWR:0A0000" + strings.Repeat("AB", 64); cmds[0] != want {
		t.Errorf("first chunk = %q, want %q", cmds[0], want)
	}
	if want := "PVWR:0A0040" + strings.Repeat("AB", 36) + strings.Repeat("00", 28); cmds[1] != want {
		t.Errorf("second chunk = %q, want %q", cmds[1], want)
	}
	if want := "PVWR:0A03C0" + strings.Repeat("00", 64); cmds[15] != want {
		t.Errorf("last chunk = %q, want %q", cmds[15], want)
	}
}

func TestDevice_LoadToolDefinition_Errors(t *testing.T) {
	dev, port, _, fs := newTestDevice(t)
	fs.WriteFile("/roms/big.rom", make([]byte, 1025), 0o644)
	port.Respond = okay

	if err := dev.LoadToolDefinition(0x0A, "/roms/big.rom"); !errors.Is(err, ErrToolDefTooLarge) {
		t.Errorf("oversized error = %v, want ErrToolDefTooLarge", err)
	}
	if err := dev.LoadToolDefinition(0x0A, "/roms/none.rom"); err == nil {
		t.Error("expected error for missing file")
	}
	if n := len(port.Written()); n != 0 {
		t.Errorf("wrote %d frames for failed loads", n)
	}
}

func TestDevice_COMMSwitchesHostMode(t *testing.T) {
	dev, port, clock, _ := newTestDevice(t)
	port.AddReadData(TextReply("OKAY"))

	if _, err := dev.Command("COMM:50000"); err != nil {
		t.Fatalf("COMM error = %v", err)
	}
	if len(port.Modes) != 1 || port.Modes[0].BaudRate != 115200 {
		t.Errorf("modes = %+v, want one 115200 switch", port.Modes)
	}
	if sleeps := clock.Sleeps(); len(sleeps) != 1 || sleeps[0] != 100*time.Millisecond {
		t.Errorf("sleeps = %v", sleeps)
	}
}

func TestDevice_CaptureBinary(t *testing.T) {
	dev, port, _, _ := newTestDevice(t)
	body := newBX(2).
		valid(0x0A, quat.Number{Real: 1}, r3.Vec{X: 1, Y: 2, Z: 3}, 0.25, 0x31, 42).
		missing(0x0B, 0x11, 43).
		system(0x0001)
	port.AddReadData(BinaryReply(body))

	if _, err := dev.Transform("0A"); !errors.Is(err, ErrNoCapture) {
		t.Errorf("Transform before capture error = %v, want ErrNoCapture", err)
	}

	if err := dev.Capture(Binary); err != nil {
		t.Fatalf("Capture error = %v", err)
	}
	if got := port.Written(); len(got) != 1 || got[0] != "BX:080100EC" {
		t.Errorf("written = %q", got)
	}

	tr, err := dev.Transform("0a")
	if err != nil {
		t.Fatalf("Transform error = %v", err)
	}
	if tr.Status != ToolValid || tr.Translation != (r3.Vec{X: 1, Y: 2, Z: 3}) || tr.Error != 0.25 {
		t.Errorf("0A = %+v", tr)
	}
	fn, err := dev.FrameNumber("0B")
	if err != nil || fn != 43 {
		t.Errorf("FrameNumber(0B) = %d, %v", fn, err)
	}
	if tr, _ := dev.Transform("0C"); tr.Status != ToolDisabled {
		t.Errorf("unreported handle = %+v, want disabled", tr)
	}
	if dev.SystemStatus() != 0x0001 {
		t.Errorf("SystemStatus = %04X", dev.SystemStatus())
	}
}

func TestDevice_CaptureBinaryBadCRC(t *testing.T) {
	dev, port, _, _ := newTestDevice(t)
	frame := BinaryReply(newBX(1).disabled(0x0A).system(0))
	frame[len(frame)-1] ^= 0xFF
	port.AddReadData(frame)

	if err := dev.Capture(Binary); !errors.Is(err, ErrBadCRC) {
		t.Errorf("error = %v, want ErrBadCRC", err)
	}
}

func TestDevice_CaptureLegacyText(t *testing.T) {
	dev, port, _, _ := newTestDevice(t)
	port.AddReadData(TextReply(txReply))

	if err := dev.Capture(LegacyText); err != nil {
		t.Fatalf("Capture error = %v", err)
	}
	if got := port.Commands(); len(got) != 1 || got[0] != "TX:0001" {
		t.Errorf("commands = %q", got)
	}
	tr, err := dev.Transform("0A")
	if err != nil || tr.Status != ToolValid || tr.FrameNumber != 0x2A {
		t.Errorf("0A = %+v, %v", tr, err)
	}
	if tr, _ := dev.Transform("0B"); tr.Status != ToolMissing {
		t.Errorf("0B = %+v", tr)
	}
}

func TestDevice_CaptureWithoutRecords(t *testing.T) {
	dev, port, _, _ := newTestDevice(t)
	port.AddReadData(TextReply("OKAY"))

	if err := dev.Capture(Binary); !errors.Is(err, ErrMalformedReply) {
		t.Errorf("error = %v, want ErrMalformedReply", err)
	}
}

func TestDevice_Version(t *testing.T) {
	dev, port, _, _ := newTestDevice(t)
	port.AddReadData(TextReply("Polaris Vega\nFreeze Tag: 7.2.1 Freeze Date: 2019"))

	v, err := dev.Version()
	if err != nil {
		t.Fatalf("Version error = %v", err)
	}
	if !strings.Contains(v, "Freeze Tag: 7.2.1") {
		t.Errorf("Version = %q", v)
	}
}

func TestCaptureMode(t *testing.T) {
	if Binary.Command() != "BX:0801" || Binary.String() != "binary" {
		t.Errorf("Binary = %q/%q", Binary.Command(), Binary.String())
	}
	if LegacyText.Command() != "TX:0001" || LegacyText.String() != "legacy-text" {
		t.Errorf("LegacyText = %q/%q", LegacyText.Command(), LegacyText.String())
	}
}
