package matching

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var approxCloud = cmpopts.EquateApprox(0, 1e-9)

func TestNoFilter_ReturnsCopy(t *testing.T) {
	in := PointCloud{{X: 1}, {Y: 2}}
	out := NoFilter{}.Filter(in)
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("NoFilter changed the cloud (-in +out):\n%s", diff)
	}
	out[0].X = 99
	if in[0].X != 1 {
		t.Error("NoFilter output aliases its input")
	}
}

func TestVoxelFilter_Centroids(t *testing.T) {
	f, err := NewVoxelFilter(r3.Vector{X: 1, Y: 1, Z: 1})
	if err != nil {
		t.Fatalf("NewVoxelFilter: %v", err)
	}
	in := PointCloud{
		{X: 0.1, Y: 0.1, Z: 0.1},
		{X: 0.3, Y: 0.5, Z: 0.9},
		{X: 1.5, Y: 0.5, Z: 0.5},
		{X: -0.5, Y: 0.5, Z: 0.5},
	}
	got := f.Filter(in)
	want := PointCloud{
		{X: -0.5, Y: 0.5, Z: 0.5},
		{X: 0.2, Y: 0.3, Z: 0.5},
		{X: 1.5, Y: 0.5, Z: 0.5},
	}
	if diff := cmp.Diff(want, got, approxCloud); diff != "" {
		t.Errorf("VoxelFilter (-want +got):\n%s", diff)
	}
}

func TestVoxelFilter_Deterministic(t *testing.T) {
	f, _ := NewVoxelFilter(r3.Vector{X: 0.5, Y: 0.5, Z: 0.5})
	cloud := cubeSurface(10, 0.25)
	first := f.Filter(cloud)
	for i := 0; i < 5; i++ {
		if diff := cmp.Diff(first, f.Filter(cloud)); diff != "" {
			t.Fatalf("VoxelFilter output differs between runs:\n%s", diff)
		}
	}
	if len(first) >= len(cloud) {
		t.Errorf("VoxelFilter kept %d of %d points, expected fewer", len(first), len(cloud))
	}
}

func TestNewVoxelFilter_InvalidLeaf(t *testing.T) {
	for _, leaf := range []r3.Vector{{X: 0, Y: 1, Z: 1}, {X: 1, Y: -1, Z: 1}, {X: 1, Y: 1, Z: math.NaN()}} {
		if _, err := NewVoxelFilter(leaf); err == nil {
			t.Errorf("NewVoxelFilter(%v) expected error", leaf)
		}
	}
}

func TestParseFilterKind(t *testing.T) {
	tests := []struct {
		name    string
		want    FilterKind
		wantErr bool
	}{
		{"voxel_filter", FilterVoxel, false},
		{"no_filter", FilterNone, false},
		{"NDT", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFilterKind(tt.name)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFilterKind(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseFilterKind(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestNewCloudFilter(t *testing.T) {
	f, err := NewCloudFilter(FilterNone, r3.Vector{})
	if err != nil {
		t.Fatalf("NewCloudFilter(none): %v", err)
	}
	if _, ok := f.(NoFilter); !ok {
		t.Errorf("NewCloudFilter(none) = %T, want NoFilter", f)
	}
	if _, err := NewCloudFilter(FilterVoxel, r3.Vector{}); err == nil {
		t.Error("NewCloudFilter(voxel) with zero leaf expected error")
	}
}

func TestBoxFilter_BoundsFollowOrigin(t *testing.T) {
	b, err := NewBoxFilter([]float64{-20, 20, -10, 10, -5, 5})
	if err != nil {
		t.Fatalf("NewBoxFilter: %v", err)
	}
	if got, want := b.Bounds(), [6]float64{-20, 20, -10, 10, -5, 5}; got != want {
		t.Errorf("Bounds at origin = %v, want %v", got, want)
	}
	b.SetOrigin(r3.Vector{X: 45, Y: 1, Z: -1})
	if got, want := b.Bounds(), [6]float64{25, 65, -9, 11, -6, 4}; got != want {
		t.Errorf("Bounds after SetOrigin = %v, want %v", got, want)
	}
	if b.Origin() != (r3.Vector{X: 45, Y: 1, Z: -1}) {
		t.Errorf("Origin = %v", b.Origin())
	}
}

func TestBoxFilter_InclusiveEdges(t *testing.T) {
	b, _ := NewBoxFilterHalfExtent(r3.Vector{X: 1, Y: 1, Z: 1})
	in := PointCloud{
		{X: 1, Y: 1, Z: 1},
		{X: -1, Y: 0, Z: 0},
		{X: 1.0001, Y: 0, Z: 0},
		{X: 0, Y: 0, Z: -1.5},
	}
	got := b.Filter(in)
	want := PointCloud{{X: 1, Y: 1, Z: 1}, {X: -1, Y: 0, Z: 0}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("BoxFilter (-want +got):\n%s", diff)
	}
}

func TestBoxFilter_EmptyResult(t *testing.T) {
	b, _ := NewBoxFilterHalfExtent(r3.Vector{X: 1, Y: 1, Z: 1})
	b.SetOrigin(r3.Vector{X: 1000})
	got := b.Filter(PointCloud{{X: 0}})
	if got == nil || len(got) != 0 {
		t.Errorf("Filter = %v, want empty non-nil cloud", got)
	}
}

func TestNewBoxFilter_Invalid(t *testing.T) {
	tests := map[string][]float64{
		"too few":      {-1, 1, -1, 1},
		"inverted x":   {1, -1, -1, 1, -1, 1},
		"zero width z": {-1, 1, -1, 1, 2, 2},
	}
	for name, size := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := NewBoxFilter(size); err == nil {
				t.Errorf("NewBoxFilter(%v) expected error", size)
			}
		})
	}
}

func TestPointCloud_RemoveNonFinite(t *testing.T) {
	in := PointCloud{{X: 1}, {X: math.NaN()}, {Y: math.Inf(1)}, {Z: 2}}
	got := in.RemoveNonFinite()
	want := PointCloud{{X: 1}, {Z: 2}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("RemoveNonFinite (-want +got):\n%s", diff)
	}
}

func TestPointCloud_Bounds(t *testing.T) {
	if _, _, ok := (PointCloud{}).Bounds(); ok {
		t.Error("empty cloud should report no bounds")
	}
	lo, hi, ok := PointCloud{{X: 1, Y: -2, Z: 3}, {X: -1, Y: 2, Z: 0}}.Bounds()
	if !ok || lo != (r3.Vector{X: -1, Y: -2, Z: 0}) || hi != (r3.Vector{X: 1, Y: 2, Z: 3}) {
		t.Errorf("Bounds = %v %v %v", lo, hi, ok)
	}
}

// cubeSurface samples the six faces of an axis-aligned cube of the given
// edge length centred at the origin
func cubeSurface(edge, step float64) PointCloud {
	h := edge / 2
	var cloud PointCloud
	for a := -h; a <= h+1e-9; a += step {
		for b := -h; b <= h+1e-9; b += step {
			cloud = append(cloud,
				r3.Vector{X: -h, Y: a, Z: b}, r3.Vector{X: h, Y: a, Z: b},
				r3.Vector{X: a, Y: -h, Z: b}, r3.Vector{X: a, Y: h, Z: b},
				r3.Vector{X: a, Y: b, Z: -h}, r3.Vector{X: a, Y: b, Z: h},
			)
		}
	}
	return cloud
}
