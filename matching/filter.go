package matching

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// CloudFilter reduces a cloud. Implementations are deterministic for a fixed
// configuration and keep no state between calls.
type CloudFilter interface {
	Filter(in PointCloud) PointCloud
}

// FilterKind selects a CloudFilter implementation
type FilterKind int

const (
	// FilterNone passes clouds through unchanged
	FilterNone FilterKind = iota
	// FilterVoxel replaces the points inside each voxel by their centroid
	FilterVoxel
)

var filterKindNames = map[FilterKind]string{
	FilterNone:  "no_filter",
	FilterVoxel: "voxel_filter",
}

func (k FilterKind) String() string {
	if name, ok := filterKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseFilterKind maps a configuration name to a FilterKind
func ParseFilterKind(name string) (FilterKind, error) {
	for k, n := range filterKindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, errors.Errorf("filter method %q not found", name)
}

// NewCloudFilter builds the filter for kind. leafSize is only used by voxel filters.
func NewCloudFilter(kind FilterKind, leafSize r3.Vector) (CloudFilter, error) {
	switch kind {
	case FilterNone:
		return NoFilter{}, nil
	case FilterVoxel:
		return NewVoxelFilter(leafSize)
	default:
		return nil, errors.Errorf("unsupported filter kind %d", kind)
	}
}

// NoFilter returns a copy of its input
type NoFilter struct{}

// Filter implements CloudFilter
func (NoFilter) Filter(in PointCloud) PointCloud {
	return in.Clone()
}

// VoxelFilter downsamples by replacing all points in each voxel with their centroid
type VoxelFilter struct {
	leaf r3.Vector
}

// NewVoxelFilter creates a voxel filter; every leaf dimension must be positive.
func NewVoxelFilter(leaf r3.Vector) (*VoxelFilter, error) {
	if !(leaf.X > 0 && leaf.Y > 0 && leaf.Z > 0) {
		return nil, errors.Errorf("voxel leaf size must be positive, got %v", leaf)
	}
	return &VoxelFilter{leaf: leaf}, nil
}

// LeafSize returns the voxel dimensions
func (f *VoxelFilter) LeafSize() r3.Vector {
	return f.leaf
}

type voxelKey struct {
	I, J, K int64
}

type voxelAccum struct {
	sum   r3.Vector
	count int
}

// Filter implements CloudFilter. Output order is sorted by voxel index.
func (f *VoxelFilter) Filter(in PointCloud) PointCloud {
	voxels := make(map[voxelKey]*voxelAccum)
	for _, p := range in {
		key := voxelKey{
			I: int64(math.Floor(p.X / f.leaf.X)),
			J: int64(math.Floor(p.Y / f.leaf.Y)),
			K: int64(math.Floor(p.Z / f.leaf.Z)),
		}
		acc, ok := voxels[key]
		if !ok {
			acc = &voxelAccum{}
			voxels[key] = acc
		}
		acc.sum = acc.sum.Add(p)
		acc.count++
	}

	keys := make([]voxelKey, 0, len(voxels))
	for k := range voxels {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(a, b int) bool {
		ka, kb := keys[a], keys[b]
		if ka.I != kb.I {
			return ka.I < kb.I
		}
		if ka.J != kb.J {
			return ka.J < kb.J
		}
		return ka.K < kb.K
	})

	out := make(PointCloud, 0, len(keys))
	for _, k := range keys {
		acc := voxels[k]
		out = append(out, acc.sum.Mul(1/float64(acc.count)))
	}
	return out
}
