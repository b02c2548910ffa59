package matching

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

const poseTol = 1e-9

func TestPose_IdentityMul(t *testing.T) {
	p := FromYPR(r3.Vector{X: 1, Y: 2, Z: 3}, 0.3, 0.1, -0.2)
	if got := Identity().Mul(p); !got.ApproxEqual(p, poseTol) {
		t.Errorf("I*p = %v, want %v", got, p)
	}
	if got := p.Mul(Identity()); !got.ApproxEqual(p, poseTol) {
		t.Errorf("p*I = %v, want %v", got, p)
	}
}

func TestPose_InverseRoundTrip(t *testing.T) {
	p := FromYPR(r3.Vector{X: -4, Y: 7.5, Z: 0.25}, 1.2, -0.3, 0.4)
	if got := p.Mul(p.Inverse()); !got.ApproxEqual(Identity(), poseTol) {
		t.Errorf("p*p^-1 = %v, want identity", got)
	}
	if got := p.Inverse().Mul(p); !got.ApproxEqual(Identity(), poseTol) {
		t.Errorf("p^-1*p = %v, want identity", got)
	}
}

func TestPose_ApplyTranslation(t *testing.T) {
	p := Translation(1, 2, 3)
	got := p.Apply(r3.Vector{X: 1, Y: 1, Z: 1})
	want := r3.Vector{X: 2, Y: 3, Z: 4}
	if got != want {
		t.Errorf("Apply = %v, want %v", got, want)
	}
	if tr := p.Translation(); tr != (r3.Vector{X: 1, Y: 2, Z: 3}) {
		t.Errorf("Translation() = %v", tr)
	}
}

func TestPose_RotationZ(t *testing.T) {
	p := RotationZ(math.Pi / 2)
	got := p.Apply(r3.Vector{X: 1})
	if math.Abs(got.X) > 1e-12 || math.Abs(got.Y-1) > 1e-12 {
		t.Errorf("RotZ(90) * x = %v, want (0,1,0)", got)
	}
	if math.Abs(p.Yaw()-math.Pi/2) > 1e-12 {
		t.Errorf("Yaw = %f, want %f", p.Yaw(), math.Pi/2)
	}
}

func TestPose_QuaternionRoundTrip(t *testing.T) {
	tests := []struct {
		name             string
		yaw, pitch, roll float64
	}{
		{"identity", 0, 0, 0},
		{"yaw only", 2.5, 0, 0},
		{"mixed", -0.7, 0.4, 1.1},
		{"half turn", math.Pi, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := FromYPR(r3.Vector{X: 1, Y: -2, Z: 3}, tt.yaw, tt.pitch, tt.roll)
			q := p.Quaternion()
			if n := quat.Abs(q); math.Abs(n-1) > 1e-9 {
				t.Errorf("|q| = %f, want 1", n)
			}
			back := NewPose(p.Translation(), q)
			if !back.ApproxEqual(p, 1e-9) {
				t.Errorf("NewPose(Quaternion()) = %v, want %v", back, p)
			}
		})
	}
}

func TestNewPose_ZeroQuaternion(t *testing.T) {
	p := NewPose(r3.Vector{X: 5}, quat.Number{})
	if !p.ApproxEqual(Translation(5, 0, 0), poseTol) {
		t.Errorf("NewPose with zero quaternion = %v, want pure translation", p)
	}
}

func TestPose_IsRigid(t *testing.T) {
	if !FromYPR(r3.Vector{X: 1}, 0.5, 0.2, 0.1).IsRigid(1e-9) {
		t.Error("FromYPR pose should be rigid")
	}
	scaled := Identity()
	scaled[0] = 2
	if scaled.IsRigid(1e-6) {
		t.Error("scaled pose should not be rigid")
	}
	mirrored := Identity()
	mirrored[10] = -1
	if mirrored.IsRigid(1e-6) {
		t.Error("mirrored pose should not be rigid")
	}
}

func TestCalculateRigidTransform(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	source := make([]r3.Vector, 50)
	for i := range source {
		source[i] = r3.Vector{X: rng.Float64() * 10, Y: rng.Float64() * 10, Z: rng.Float64() * 3}
	}
	want := FromYPR(r3.Vector{X: 2, Y: -1, Z: 0.5}, 0.4, 0.05, -0.02)
	target := make([]r3.Vector, len(source))
	for i, p := range source {
		target[i] = want.Apply(p)
	}

	got, ok := CalculateRigidTransform(source, target)
	if !ok {
		t.Fatal("CalculateRigidTransform failed")
	}
	if !got.ApproxEqual(want, 1e-9) {
		t.Errorf("CalculateRigidTransform = %v, want %v", got, want)
	}
	if !got.IsRigid(1e-9) {
		t.Error("result should be rigid")
	}
}

func TestCalculateRigidTransform_TooFewPoints(t *testing.T) {
	pts := []r3.Vector{{X: 1}, {Y: 1}}
	if _, ok := CalculateRigidTransform(pts, pts); ok {
		t.Error("expected failure for two points")
	}
	if _, ok := CalculateRigidTransform(pts, pts[:1]); ok {
		t.Error("expected failure for mismatched lengths")
	}
}

func TestCentroid(t *testing.T) {
	got := Centroid([]r3.Vector{{X: 0}, {X: 2, Y: 4}, {X: 4, Z: 6}})
	want := r3.Vector{X: 2, Y: 4.0 / 3, Z: 2}
	if got.Sub(want).Norm() > 1e-12 {
		t.Errorf("Centroid = %v, want %v", got, want)
	}
	if c := Centroid(nil); c != (r3.Vector{}) {
		t.Errorf("Centroid(nil) = %v, want zero", c)
	}
}
