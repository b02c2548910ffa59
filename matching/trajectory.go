package matching

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"
	"github.com/pkg/errors"
)

// TrajectoryPoint is one accepted pose
type TrajectoryPoint struct {
	Timestamp int64 `json:"timestamp"`
	Pose      Pose  `json:"pose"`
}

// Trajectory is the ordered list of poses produced by the registration loop
type Trajectory struct {
	Points []TrajectoryPoint `json:"points"`
}

// Append records a pose
func (t *Trajectory) Append(timestamp int64, pose Pose) {
	t.Points = append(t.Points, TrajectoryPoint{Timestamp: timestamp, Pose: pose})
}

// Len returns the number of recorded poses
func (t *Trajectory) Len() int {
	return len(t.Points)
}

// Clone returns an independent copy
func (t *Trajectory) Clone() Trajectory {
	out := Trajectory{Points: make([]TrajectoryPoint, len(t.Points))}
	copy(out.Points, t.Points)
	return out
}

// LineString projects the trajectory onto the XY plane
func (t *Trajectory) LineString() orb.LineString {
	ls := make(orb.LineString, len(t.Points))
	for i, p := range t.Points {
		ls[i] = orb.Point{p.Pose[3], p.Pose[7]}
	}
	return ls
}

// Simplified applies Douglas-Peucker with the given tolerance. A tolerance
// of zero or less returns the full line.
func (t *Trajectory) Simplified(tolerance float64) orb.LineString {
	ls := t.LineString()
	if tolerance <= 0 || len(ls) < 3 {
		return ls
	}
	simplified, ok := simplify.DouglasPeucker(tolerance).Simplify(ls.Clone()).(orb.LineString)
	if !ok {
		return ls
	}
	return simplified
}

// Length returns the planar path length
func (t *Trajectory) Length() float64 {
	return planar.Length(t.LineString())
}

// GeoJSON renders the trajectory as a FeatureCollection with the path as a
// LineString and the latest pose as a Point carrying its yaw
func (t *Trajectory) GeoJSON(tolerance float64) ([]byte, error) {
	fc := geojson.NewFeatureCollection()

	path := geojson.NewFeature(t.Simplified(tolerance))
	path.Properties["kind"] = "trajectory"
	path.Properties["poses"] = len(t.Points)
	path.Properties["length"] = t.Length()
	fc.Append(path)

	if n := len(t.Points); n > 0 {
		last := t.Points[n-1]
		current := geojson.NewFeature(orb.Point{last.Pose[3], last.Pose[7]})
		current.Properties["kind"] = "pose"
		current.Properties["z"] = last.Pose[11]
		current.Properties["yaw"] = last.Pose.Yaw()
		current.Properties["timestamp"] = last.Timestamp
		fc.Append(current)
	}

	data, err := fc.MarshalJSON()
	if err != nil {
		return nil, errors.Wrap(err, "encoding trajectory GeoJSON")
	}
	return data, nil
}
