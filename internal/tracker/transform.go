package tracker

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// rotationMatrix converts a quaternion to a 3×3 rotation matrix. q need not
// be unit length: smoothed means and rounded text replies are not, so the
// terms are scaled by 2/|q|². The zero quaternion gives the identity.
func rotationMatrix(q quat.Number) *mat.Dense {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	n := w*w + x*x + y*y + z*z
	if n == 0 {
		return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	}
	s := 2 / n
	return mat.NewDense(3, 3, []float64{
		1 - s*(y*y+z*z), s * (x*y - w*z), s * (x*z + w*y),
		s * (x*y + w*z), 1 - s*(x*x+z*z), s * (y*z - w*x),
		s * (x*z - w*y), s * (y*z + w*x), 1 - s*(x*x+y*y),
	})
}

// quaternionFromMatrix recovers a quaternion with non-negative real part
// from a rotation matrix.
func quaternionFromMatrix(r mat.Matrix) quat.Number {
	m := func(i, j int) float64 { return r.At(i, j) }
	trace := m(0, 0) + m(1, 1) + m(2, 2)

	var q quat.Number
	switch {
	case trace > 0:
		s := 2 * math.Sqrt(trace+1)
		q = quat.Number{
			Real: s / 4,
			Imag: (m(2, 1) - m(1, 2)) / s,
			Jmag: (m(0, 2) - m(2, 0)) / s,
			Kmag: (m(1, 0) - m(0, 1)) / s,
		}
	case m(0, 0) > m(1, 1) && m(0, 0) > m(2, 2):
		s := 2 * math.Sqrt(1+m(0, 0)-m(1, 1)-m(2, 2))
		q = quat.Number{
			Real: (m(2, 1) - m(1, 2)) / s,
			Imag: s / 4,
			Jmag: (m(0, 1) + m(1, 0)) / s,
			Kmag: (m(0, 2) + m(2, 0)) / s,
		}
	case m(1, 1) > m(2, 2):
		s := 2 * math.Sqrt(1+m(1, 1)-m(0, 0)-m(2, 2))
		q = quat.Number{
			Real: (m(0, 2) - m(2, 0)) / s,
			Imag: (m(0, 1) + m(1, 0)) / s,
			Jmag: s / 4,
			Kmag: (m(1, 2) + m(2, 1)) / s,
		}
	default:
		s := 2 * math.Sqrt(1+m(2, 2)-m(0, 0)-m(1, 1))
		q = quat.Number{
			Real: (m(1, 0) - m(0, 1)) / s,
			Imag: (m(0, 2) + m(2, 0)) / s,
			Jmag: (m(1, 2) + m(2, 1)) / s,
			Kmag: s / 4,
		}
	}
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	return q
}

// homogeneous builds the 4×4 rigid transform for rotation q and
// translation t.
func homogeneous(q quat.Number, t r3.Vec) *mat.Dense {
	out := mat.NewDense(4, 4, nil)
	out.Slice(0, 3, 0, 3).(*mat.Dense).Copy(rotationMatrix(q))
	out.Set(0, 3, t.X)
	out.Set(1, 3, t.Y)
	out.Set(2, 3, t.Z)
	out.Set(3, 3, 1)
	return out
}

// poseRow builds the 1×7 row [qw qx qy qz x y z]. The quaternion is taken
// from the rotation matrix, so it is q/|q| with a non-negative real part and
// always matches the 4×4 form of the same reading.
func poseRow(q quat.Number, t r3.Vec) *mat.Dense {
	r := quaternionFromMatrix(rotationMatrix(q))
	return mat.NewDense(1, 7, []float64{r.Real, r.Imag, r.Jmag, r.Kmag, t.X, t.Y, t.Z})
}

// nanTransform is the transform reported for tools without a valid
// reading, shaped like a regular one.
func nanTransform(quaternions bool) *mat.Dense {
	r, c := 4, 4
	if quaternions {
		r, c = 1, 7
	}
	data := make([]float64, r*c)
	for i := range data {
		data[i] = math.NaN()
	}
	return mat.NewDense(r, c, data)
}

func decodeTransform(q quat.Number, t r3.Vec, quaternions bool) *mat.Dense {
	if quaternions {
		return poseRow(q, t)
	}
	return homogeneous(q, t)
}
