package tracker

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// pose is a packed (qw, qx, qy, qz, x, y, z) reading.
type pose [7]float64

func packPose(q quat.Number, t r3.Vec) pose {
	return pose{q.Real, q.Imag, q.Jmag, q.Kmag, t.X, t.Y, t.Z}
}

func (p pose) unpack() (quat.Number, r3.Vec) {
	return quat.Number{Real: p[0], Imag: p[1], Jmag: p[2], Kmag: p[3]}, r3.Vec{X: p[4], Y: p[5], Z: p[6]}
}

// poseWindow holds the last size valid readings of one tool.
type poseWindow struct {
	size    int
	entries []pose
}

// push adds p, evicting the oldest reading when full, and returns the
// component-wise mean of the window. q and -q are the same rotation, so p's
// quaternion is first flipped into the hemisphere of the oldest entry;
// otherwise the components are averaged like any other and not
// renormalised.
func (w *poseWindow) push(p pose) pose {
	if len(w.entries) == w.size {
		w.entries = append(w.entries[:0], w.entries[1:]...)
	}
	if len(w.entries) > 0 && floats.Dot(p[:4], w.entries[0][:4]) < 0 {
		floats.Scale(-1, p[:4])
	}
	w.entries = append(w.entries, p)

	sum := make([]float64, len(p))
	for _, e := range w.entries {
		floats.Add(sum, e[:])
	}
	floats.Scale(1/float64(len(w.entries)), sum)

	var mean pose
	copy(mean[:], sum)
	return mean
}

// smoother keeps one window per tool index.
type smoother struct {
	size    int
	windows map[int]*poseWindow
}

func newSmoother(size int) *smoother {
	return &smoother{size: size, windows: make(map[int]*poseWindow)}
}

func (s *smoother) enabled() bool { return s != nil && s.size > 1 }

// add records a valid reading for tool and returns the smoothed pose.
func (s *smoother) add(tool int, q quat.Number, t r3.Vec) (quat.Number, r3.Vec) {
	w, ok := s.windows[tool]
	if !ok {
		w = &poseWindow{size: s.size}
		s.windows[tool] = w
	}
	return w.push(packPose(q, t)).unpack()
}

// depth is the number of readings held for tool.
func (s *smoother) depth(tool int) int {
	if w, ok := s.windows[tool]; ok {
		return len(w.entries)
	}
	return 0
}

func (s *smoother) reset() {
	s.windows = make(map[int]*poseWindow)
}
