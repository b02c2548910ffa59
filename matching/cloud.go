package matching

import (
	"math"

	"github.com/golang/geo/r3"
)

// PointCloud is an unordered set of 3D points in a single coordinate frame
type PointCloud []r3.Vector

// Clone returns a copy that shares no memory with c
func (c PointCloud) Clone() PointCloud {
	if c == nil {
		return nil
	}
	out := make(PointCloud, len(c))
	copy(out, c)
	return out
}

// RemoveNonFinite returns the points whose coordinates are all finite.
// The result may be empty.
func (c PointCloud) RemoveNonFinite() PointCloud {
	out := make(PointCloud, 0, len(c))
	for _, p := range c {
		if isFinite(p.X) && isFinite(p.Y) && isFinite(p.Z) {
			out = append(out, p)
		}
	}
	return out
}

// Transform applies a pose to every point
func (c PointCloud) Transform(p Pose) PointCloud {
	out := make(PointCloud, len(c))
	for i, v := range c {
		out[i] = p.Apply(v)
	}
	return out
}

// Bounds returns the axis-aligned extent of the cloud. ok is false for an empty cloud.
func (c PointCloud) Bounds() (min, max r3.Vector, ok bool) {
	if len(c) == 0 {
		return r3.Vector{}, r3.Vector{}, false
	}
	min, max = c[0], c[0]
	for _, p := range c[1:] {
		min.X = math.Min(min.X, p.X)
		min.Y = math.Min(min.Y, p.Y)
		min.Z = math.Min(min.Z, p.Z)
		max.X = math.Max(max.X, p.X)
		max.Y = math.Max(max.Y, p.Y)
		max.Z = math.Max(max.Z, p.Z)
	}
	return min, max, true
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
