package matching

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// ICPConfig holds configuration for the ICP algorithm.
// Distances are in map units (metres for typical LiDAR maps).
type ICPConfig struct {
	MaxIterations             int     `yaml:"max_iterations" json:"maxIterations"`                         // Maximum number of iterations
	MaxCorrespondenceDistance float64 `yaml:"max_correspondence_distance" json:"maxCorrespondenceDistance"` // Ignore pairs farther apart than this
	TransformationEpsilon     float64 `yaml:"transformation_epsilon" json:"transformationEpsilon"`         // Stop when the incremental step is below this
	EuclideanFitnessEpsilon   float64 `yaml:"euclidean_fitness_epsilon" json:"euclideanFitnessEpsilon"`    // Stop when the mean error changes less than this
	OutlierPercentile         float64 `yaml:"outlier_percentile" json:"outlierPercentile"`                 // Keep correspondences up to this distance percentile (0-1]
}

// DefaultICPConfig returns sensible defaults for vehicle-scale LiDAR maps
func DefaultICPConfig() ICPConfig {
	return ICPConfig{
		MaxIterations:             30,
		MaxCorrespondenceDistance: 1.0,
		TransformationEpsilon:     1e-8,
		EuclideanFitnessEpsilon:   1e-6,
		OutlierPercentile:         1.0,
	}
}

// Validate checks the configuration for values ICP cannot run with
func (c ICPConfig) Validate() error {
	if c.MaxIterations <= 0 {
		return errors.Errorf("ICP.max_iterations must be positive, got %d", c.MaxIterations)
	}
	if c.MaxCorrespondenceDistance <= 0 {
		return errors.Errorf("ICP.max_correspondence_distance must be positive, got %f", c.MaxCorrespondenceDistance)
	}
	if c.OutlierPercentile <= 0 || c.OutlierPercentile > 1 {
		return errors.Errorf("ICP.outlier_percentile must be in (0, 1], got %f", c.OutlierPercentile)
	}
	return nil
}

// ICP is a point-to-point iterative closest point registration with k-d tree
// correspondence search
type ICP struct {
	config ICPConfig
	target PointCloud
	tree   *kdtree.Tree
}

// NewICP creates an ICP registration with no target
func NewICP(config ICPConfig) (*ICP, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &ICP{config: config}, nil
}

// SetTarget implements Registration. The tree is rebuilt from a private copy.
func (r *ICP) SetTarget(target PointCloud) {
	r.target = target
	r.tree = nil
	if len(target) == 0 {
		return
	}
	pts := make(kdtree.Points, len(target))
	for i, p := range target {
		pts[i] = kdtree.Point{p.X, p.Y, p.Z}
	}
	r.tree = kdtree.New(pts, false)
}

// Target returns the bound target
func (r *ICP) Target() PointCloud {
	return r.target
}

// Align implements Registration. An empty source or target yields the seed
// with infinite fitness.
func (r *ICP) Align(source PointCloud, seed Pose) Alignment {
	result := Alignment{
		Pose:    seed,
		Fitness: math.Inf(1),
	}
	if r.tree == nil || len(source) == 0 {
		result.Cloud = source.Transform(seed)
		return result
	}

	current := seed
	prevError := math.Inf(1)
	maxDist2 := r.config.MaxCorrespondenceDistance * r.config.MaxCorrespondenceDistance

	for iter := 0; iter < r.config.MaxIterations; iter++ {
		result.Iterations = iter + 1

		transformed := source.Transform(current)
		srcCorr, tgtCorr, distances := r.findCorrespondences(transformed, maxDist2)
		if len(srcCorr) < 3 {
			break
		}

		srcCorr, tgtCorr, distances = rejectOutliers(srcCorr, tgtCorr, distances, r.config.OutlierPercentile)
		if len(srcCorr) < 3 {
			break
		}

		incremental, ok := CalculateRigidTransform(srcCorr, tgtCorr)
		if !ok {
			break
		}

		// Compose: new = incremental * current
		current = incremental.Mul(current)

		meanError := mean(distances)
		if incrementMagnitude(incremental) < r.config.TransformationEpsilon ||
			math.Abs(prevError-meanError) < r.config.EuclideanFitnessEpsilon {
			result.Converged = true
			break
		}
		prevError = meanError
	}

	result.Pose = current
	result.Cloud = source.Transform(current)
	result.Fitness = r.fitness(result.Cloud)
	return result
}

// findCorrespondences pairs each source point with its nearest target point
// within the squared distance limit. distances are squared.
func (r *ICP) findCorrespondences(source PointCloud, maxDist2 float64) (srcCorr, tgtCorr []r3.Vector, distances []float64) {
	for _, sp := range source {
		nearest, d2 := r.tree.Nearest(kdtree.Point{sp.X, sp.Y, sp.Z})
		if nearest == nil || d2 > maxDist2 {
			continue
		}
		np := nearest.(kdtree.Point)
		srcCorr = append(srcCorr, sp)
		tgtCorr = append(tgtCorr, r3.Vector{X: np[0], Y: np[1], Z: np[2]})
		distances = append(distances, d2)
	}
	return srcCorr, tgtCorr, distances
}

// fitness is the mean squared distance from each aligned point to its nearest target point
func (r *ICP) fitness(aligned PointCloud) float64 {
	if r.tree == nil || len(aligned) == 0 {
		return math.Inf(1)
	}
	var sum float64
	for _, p := range aligned {
		_, d2 := r.tree.Nearest(kdtree.Point{p.X, p.Y, p.Z})
		sum += d2
	}
	return sum / float64(len(aligned))
}

// rejectOutliers drops correspondences whose distance exceeds the given percentile
func rejectOutliers(srcCorr, tgtCorr []r3.Vector, distances []float64, percentile float64) ([]r3.Vector, []r3.Vector, []float64) {
	if len(distances) == 0 || percentile >= 1.0 {
		return srcCorr, tgtCorr, distances
	}

	// Find threshold distance at percentile
	sortedDists := make([]float64, len(distances))
	copy(sortedDists, distances)
	sort.Float64s(sortedDists)

	idx := int(float64(len(sortedDists)) * percentile)
	if idx >= len(sortedDists) {
		idx = len(sortedDists) - 1
	}
	threshold := sortedDists[idx]

	var filteredSrc, filteredTgt []r3.Vector
	var filteredDists []float64
	for i, d := range distances {
		if d <= threshold {
			filteredSrc = append(filteredSrc, srcCorr[i])
			filteredTgt = append(filteredTgt, tgtCorr[i])
			filteredDists = append(filteredDists, d)
		}
	}

	return filteredSrc, filteredTgt, filteredDists
}

// incrementMagnitude combines the squared translation of a step with its
// rotation angle expressed as 1 - cos(theta)
func incrementMagnitude(p Pose) float64 {
	t := p.Translation()
	cosTheta := (p[0] + p[5] + p[10] - 1) / 2
	return t.Norm2() + (1 - math.Min(1, cosTheta))
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
