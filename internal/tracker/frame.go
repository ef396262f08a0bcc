package tracker

import (
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/nditracker/internal/config"
	"github.com/banshee-data/nditracker/internal/ndilink"
)

// Frame is one acquisition cycle: one row per tool in table order.
//
// Timestamps are the host clock at the start of GetFrame and are shared by
// every row; they are not synchronised with the device, so use FrameNumbers
// for timing.
type Frame struct {
	PortHandles  []int
	Timestamps   []time.Time
	FrameNumbers []uint32
	// Transforms are 4×4 rigid transforms, or 1×7 [qw qx qy qz x y z] rows
	// in quaternion mode. Tools without a valid reading get all-NaN values.
	Transforms []*mat.Dense
	// Qualities are the device RMS fit errors, NaN without a valid reading.
	Qualities []float64
}

func newFrame(n int) *Frame {
	return &Frame{
		PortHandles:  make([]int, 0, n),
		Timestamps:   make([]time.Time, 0, n),
		FrameNumbers: make([]uint32, 0, n),
		Transforms:   make([]*mat.Dense, 0, n),
		Qualities:    make([]float64, 0, n),
	}
}

func (f *Frame) add(handle int, ts time.Time, frame uint32, transform *mat.Dense, quality float64) {
	f.PortHandles = append(f.PortHandles, handle)
	f.Timestamps = append(f.Timestamps, ts)
	f.FrameNumbers = append(f.FrameNumbers, frame)
	f.Transforms = append(f.Transforms, transform)
	f.Qualities = append(f.Qualities, quality)
}

// Len is the number of rows.
func (f *Frame) Len() int { return len(f.PortHandles) }

// GetFrame captures one frame. Dummy sessions answer from Ready or Tracking
// without device I/O; live sessions must be Tracking.
func (s *Session) GetFrame() (*Frame, error) {
	switch {
	case s.state == Uninitialized:
		return nil, s.invalid("get frame")
	case s.cfg.Kind == config.KindDummy:
		return s.dummyFrame(), nil
	case s.state != Tracking:
		return nil, s.invalid("get frame")
	}
	return s.liveFrame()
}

func (s *Session) dummyFrame() *Frame {
	ts := s.clock.Now()
	f := newFrame(len(s.tools))
	for _, tool := range s.tools {
		f.add(tool.PortHandle, ts, 0, nanTransform(s.cfg.UseQuaternions), 0)
	}
	return f
}

func (s *Session) liveFrame() (*Frame, error) {
	if err := s.requireLink("get frame"); err != nil {
		return nil, err
	}
	ts := s.clock.Now()
	command := s.captureMode.Command()
	if err := s.link.Capture(s.captureMode); err != nil {
		return nil, s.fail(command, err)
	}

	f := newFrame(len(s.tools))
	for _, tool := range s.tools {
		frameNumber, err := s.link.FrameNumber(tool.EncodedHandle)
		if err != nil {
			return nil, s.fail(command, err)
		}
		t, err := s.link.Transform(tool.EncodedHandle)
		if err != nil {
			return nil, s.fail(command, err)
		}
		transform, quality := s.decode(tool.Index, t)
		f.add(tool.PortHandle, ts, frameNumber, transform, quality)
	}
	return f, nil
}

// decode converts one device record, applying smoothing to valid readings.
// Missing and disabled readings leave the smoothing history untouched.
func (s *Session) decode(tool int, t ndilink.Transform) (*mat.Dense, float64) {
	if t.Status != ndilink.ToolValid {
		return nanTransform(s.cfg.UseQuaternions), math.NaN()
	}
	q, pos := t.Rotation, t.Translation
	if s.smoothing.enabled() {
		q, pos = s.smoothing.add(tool, q, pos)
	}
	return decodeTransform(q, pos, s.cfg.UseQuaternions), t.Error
}
