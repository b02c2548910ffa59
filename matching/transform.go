package matching

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// Pose is a rigid 4x4 transform stored row-major. The rotation block is
// T[0:3], T[4:7], T[8:11] and the translation is T[3], T[7], T[11].
// A Pose maps sensor-frame points into the map frame.
type Pose [16]float64

// Identity returns the identity pose
func Identity() Pose {
	return Pose{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// Translation creates a translation-only pose
func Translation(x, y, z float64) Pose {
	p := Identity()
	p[3], p[7], p[11] = x, y, z
	return p
}

// RotationZ creates a pose rotating by yaw radians around the z axis
func RotationZ(yaw float64) Pose {
	c, s := math.Cos(yaw), math.Sin(yaw)
	return Pose{
		c, -s, 0, 0,
		s, c, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// NewPose builds a pose from a translation and an orientation quaternion.
// The quaternion is normalized first; a zero quaternion yields no rotation.
func NewPose(t r3.Vector, q quat.Number) Pose {
	n := quat.Abs(q)
	if n == 0 {
		q = quat.Number{Real: 1}
	} else {
		q = quat.Scale(1/n, q)
	}
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag

	return Pose{
		1 - 2*(y*y+z*z), 2 * (x*y - z*w), 2 * (x*z + y*w), t.X,
		2 * (x*y + z*w), 1 - 2*(x*x+z*z), 2 * (y*z - x*w), t.Y,
		2 * (x*z - y*w), 2 * (y*z + x*w), 1 - 2*(x*x+y*y), t.Z,
		0, 0, 0, 1,
	}
}

// FromYPR builds a pose from a translation and yaw/pitch/roll in radians (Z-Y-X order)
func FromYPR(t r3.Vector, yaw, pitch, roll float64) Pose {
	cy, sy := math.Cos(yaw*0.5), math.Sin(yaw*0.5)
	cp, sp := math.Cos(pitch*0.5), math.Sin(pitch*0.5)
	cr, sr := math.Cos(roll*0.5), math.Sin(roll*0.5)
	q := quat.Number{
		Real: cr*cp*cy + sr*sp*sy,
		Imag: sr*cp*cy - cr*sp*sy,
		Jmag: cr*sp*cy + sr*cp*sy,
		Kmag: cr*cp*sy - sr*sp*cy,
	}
	return NewPose(t, q)
}

// Mul composes two poses: result = p * q.
// Applying the result is equivalent to applying q first, then p.
func (p Pose) Mul(q Pose) Pose {
	var r Pose
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			var sum float64
			for k := 0; k < 4; k++ {
				sum += p[i*4+k] * q[k*4+j]
			}
			r[i*4+j] = sum
		}
	}
	return r
}

// Inverse returns the inverse of a rigid pose using R^T and -R^T*t.
func (p Pose) Inverse() Pose {
	var r Pose
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i*4+j] = p[j*4+i]
		}
	}
	t := p.Translation()
	r[3] = -(r[0]*t.X + r[1]*t.Y + r[2]*t.Z)
	r[7] = -(r[4]*t.X + r[5]*t.Y + r[6]*t.Z)
	r[11] = -(r[8]*t.X + r[9]*t.Y + r[10]*t.Z)
	r[15] = 1
	return r
}

// Translation returns the translation component
func (p Pose) Translation() r3.Vector {
	return r3.Vector{X: p[3], Y: p[7], Z: p[11]}
}

// Apply transforms a single point
func (p Pose) Apply(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: p[0]*v.X + p[1]*v.Y + p[2]*v.Z + p[3],
		Y: p[4]*v.X + p[5]*v.Y + p[6]*v.Z + p[7],
		Z: p[8]*v.X + p[9]*v.Y + p[10]*v.Z + p[11],
	}
}

// Yaw returns the heading around the z axis in radians
func (p Pose) Yaw() float64 {
	return math.Atan2(p[4], p[0])
}

// Quaternion returns the rotation block as a unit quaternion
func (p Pose) Quaternion() quat.Number {
	m00, m01, m02 := p[0], p[1], p[2]
	m10, m11, m12 := p[4], p[5], p[6]
	m20, m21, m22 := p[8], p[9], p[10]

	var q quat.Number
	trace := m00 + m11 + m22
	switch {
	case trace > 0:
		s := math.Sqrt(trace+1) * 2
		q = quat.Number{Real: 0.25 * s, Imag: (m21 - m12) / s, Jmag: (m02 - m20) / s, Kmag: (m10 - m01) / s}
	case m00 > m11 && m00 > m22:
		s := math.Sqrt(1+m00-m11-m22) * 2
		q = quat.Number{Real: (m21 - m12) / s, Imag: 0.25 * s, Jmag: (m01 + m10) / s, Kmag: (m02 + m20) / s}
	case m11 > m22:
		s := math.Sqrt(1+m11-m00-m22) * 2
		q = quat.Number{Real: (m02 - m20) / s, Imag: (m01 + m10) / s, Jmag: 0.25 * s, Kmag: (m12 + m21) / s}
	default:
		s := math.Sqrt(1+m22-m00-m11) * 2
		q = quat.Number{Real: (m10 - m01) / s, Imag: (m02 + m20) / s, Jmag: (m12 + m21) / s, Kmag: 0.25 * s}
	}
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	return q
}

// IsRigid reports whether the rotation block is orthonormal with determinant 1
// and the last row is [0 0 0 1], within tol.
func (p Pose) IsRigid(tol float64) bool {
	if math.Abs(p[12]) > tol || math.Abs(p[13]) > tol || math.Abs(p[14]) > tol || math.Abs(p[15]-1) > tol {
		return false
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var dot float64
			for k := 0; k < 3; k++ {
				dot += p[i*4+k] * p[j*4+k]
			}
			want := 0.0
			if i == j {
				want = 1
			}
			if math.Abs(dot-want) > tol {
				return false
			}
		}
	}
	return math.Abs(p.rotationDet()-1) <= tol
}

func (p Pose) rotationDet() float64 {
	return p[0]*(p[5]*p[10]-p[6]*p[9]) -
		p[1]*(p[4]*p[10]-p[6]*p[8]) +
		p[2]*(p[4]*p[9]-p[5]*p[8])
}

// ApproxEqual reports whether every element differs by at most tol
func (p Pose) ApproxEqual(q Pose, tol float64) bool {
	for i := range p {
		if math.Abs(p[i]-q[i]) > tol {
			return false
		}
	}
	return true
}

// Centroid calculates the center of mass of a set of points
func Centroid(points []r3.Vector) r3.Vector {
	if len(points) == 0 {
		return r3.Vector{}
	}
	var sum r3.Vector
	for _, p := range points {
		sum = sum.Add(p)
	}
	return sum.Mul(1 / float64(len(points)))
}

// CalculateRigidTransform finds the rotation and translation that best maps
// source onto target (paired by index) in the least-squares sense, using the
// SVD of the cross-covariance matrix. ok is false when fewer than 3 pairs are
// given or the decomposition fails.
func CalculateRigidTransform(source, target []r3.Vector) (Pose, bool) {
	n := len(source)
	if n < 3 || len(target) != n {
		return Identity(), false
	}

	cs := Centroid(source)
	ct := Centroid(target)

	h := mat.NewDense(3, 3, nil)
	for i := 0; i < n; i++ {
		a := source[i].Sub(cs)
		b := target[i].Sub(ct)
		av := [3]float64{a.X, a.Y, a.Z}
		bv := [3]float64{b.X, b.Y, b.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+av[r]*bv[c])
			}
		}
	}

	var svd mat.SVD
	if !svd.Factorize(h, mat.SVDFull) {
		return Identity(), false
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var rot mat.Dense
	rot.Mul(&v, u.T())
	if mat.Det(&rot) < 0 {
		// Reflection: flip the axis with the smallest singular value.
		var vd mat.Dense
		vd.Mul(&v, mat.NewDiagDense(3, []float64{1, 1, -1}))
		rot.Mul(&vd, u.T())
	}

	p := Identity()
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			p[r*4+c] = rot.At(r, c)
		}
	}
	rc := p.Apply(cs)
	p[3] = ct.X - rc.X
	p[7] = ct.Y - rc.Y
	p[11] = ct.Z - rc.Z
	return p, true
}
