package matching

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// BoxFilter keeps the points inside an axis-aligned box placed relative to an origin.
// Size holds per-axis offsets from the origin in the order
// minX, maxX, minY, maxY, minZ, maxZ.
type BoxFilter struct {
	size   [6]float64
	origin r3.Vector
	edge   [6]float64
}

// NewBoxFilter creates a box filter from six offsets. Each max offset must be
// greater than its min offset.
func NewBoxFilter(size []float64) (*BoxFilter, error) {
	if len(size) != 6 {
		return nil, errors.Errorf("box filter needs 6 values, got %d", len(size))
	}
	b := &BoxFilter{}
	copy(b.size[:], size)
	for i := 0; i < 3; i++ {
		if b.size[2*i] >= b.size[2*i+1] {
			return nil, errors.Errorf("box filter axis %d: min %.3f must be below max %.3f",
				i, b.size[2*i], b.size[2*i+1])
		}
	}
	b.SetOrigin(r3.Vector{})
	return b, nil
}

// NewBoxFilterHalfExtent creates a box symmetric around the origin
func NewBoxFilterHalfExtent(half r3.Vector) (*BoxFilter, error) {
	return NewBoxFilter([]float64{-half.X, half.X, -half.Y, half.Y, -half.Z, half.Z})
}

// SetOrigin recenters the box
func (b *BoxFilter) SetOrigin(origin r3.Vector) {
	b.origin = origin
	o := [3]float64{origin.X, origin.Y, origin.Z}
	for i := 0; i < 3; i++ {
		b.edge[2*i] = o[i] + b.size[2*i]
		b.edge[2*i+1] = o[i] + b.size[2*i+1]
	}
}

// Origin returns the current box origin
func (b *BoxFilter) Origin() r3.Vector {
	return b.origin
}

// Bounds returns the box edges as minX, maxX, minY, maxY, minZ, maxZ
func (b *BoxFilter) Bounds() [6]float64 {
	return b.edge
}

// Contains reports whether p lies inside the box, edges included
func (b *BoxFilter) Contains(p r3.Vector) bool {
	return p.X >= b.edge[0] && p.X <= b.edge[1] &&
		p.Y >= b.edge[2] && p.Y <= b.edge[3] &&
		p.Z >= b.edge[4] && p.Z <= b.edge[5]
}

// Filter returns the points inside the box in input order
func (b *BoxFilter) Filter(in PointCloud) PointCloud {
	out := make(PointCloud, 0)
	for _, p := range in {
		if b.Contains(p) {
			out = append(out, p)
		}
	}
	return out
}
