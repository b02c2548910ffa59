package matching

import (
	"math"

	"github.com/golang/geo/r3"
	"go.uber.org/zap"
)

// SubmapManager owns the global map and the local submap cut out of it by the
// ROI box. Every rebuild rebinds the registration target before the new
// submap becomes visible.
type SubmapManager struct {
	global       PointCloud
	box          *BoxFilter
	registration Registration
	local        PointCloud
	changed      bool
	rebuilds     int
	logger       *zap.SugaredLogger
}

// NewSubmapManager creates a manager with an empty submap. Call Rebuild before
// the first alignment.
func NewSubmapManager(global PointCloud, box *BoxFilter, registration Registration, logger *zap.SugaredLogger) *SubmapManager {
	return &SubmapManager{
		global:       global,
		box:          box,
		registration: registration,
		local:        PointCloud{},
		logger:       logger,
	}
}

// Rebuild recenters the box at origin, refilters the global map and rebinds the
// registration target. An empty submap is a valid result.
func (s *SubmapManager) Rebuild(origin r3.Vector) {
	s.box.SetOrigin(origin)
	submap := s.box.Filter(s.global)

	s.registration.SetTarget(submap)
	s.local = submap
	s.changed = true
	s.rebuilds++

	edge := s.box.Bounds()
	if len(submap) == 0 {
		s.logger.Warnw("local submap is empty", "origin", origin, "bounds", edge)
		return
	}
	s.logger.Infow("new local submap",
		"points", len(submap),
		"minX", edge[0], "maxX", edge[1],
		"minY", edge[2], "maxY", edge[3],
		"minZ", edge[4], "maxZ", edge[5])
}

// NeedsRebuild reports whether the pose translation is closer than margin to
// either edge of the box on any axis. A distance equal to margin does not
// trigger a rebuild.
func (s *SubmapManager) NeedsRebuild(pose Pose, margin float64) bool {
	edge := s.box.Bounds()
	t := pose.Translation()
	coords := [3]float64{t.X, t.Y, t.Z}
	for i := 0; i < 3; i++ {
		if math.Abs(coords[i]-edge[2*i]) >= margin && math.Abs(coords[i]-edge[2*i+1]) >= margin {
			continue
		}
		return true
	}
	return false
}

// GlobalMap returns the global map.
func (s *SubmapManager) GlobalMap() PointCloud {
	return s.global
}

// Submap returns the current submap. Callers must not modify it.
func (s *SubmapManager) Submap() PointCloud {
	return s.local
}

// Bounds returns the current box edges.
func (s *SubmapManager) Bounds() [6]float64 {
	return s.box.Bounds()
}

// Changed reports whether a rebuild happened since the flag was last cleared.
func (s *SubmapManager) Changed() bool {
	return s.changed
}

// ClearChanged resets the changed flag.
func (s *SubmapManager) ClearChanged() {
	s.changed = false
}

// Rebuilds returns the number of rebuilds performed.
func (s *SubmapManager) Rebuilds() int {
	return s.rebuilds
}
