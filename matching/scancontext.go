package matching

import (
	"math"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// ScanContextConfig configures descriptor extraction and matching
type ScanContextConfig struct {
	NumRings          int     `yaml:"num_rings" json:"numRings"`
	NumSectors        int     `yaml:"num_sectors" json:"numSectors"`
	MaxRadius         float64 `yaml:"max_radius" json:"maxRadius"`
	LidarHeight       float64 `yaml:"lidar_height" json:"lidarHeight"`               // added to z so ground returns are positive
	NumCandidates     int     `yaml:"num_candidates" json:"numCandidates"`           // ring-key neighbours compared in full
	DistanceThreshold float64 `yaml:"distance_threshold" json:"distanceThreshold"` // accept matches below this distance
}

// DefaultScanContextConfig returns the usual 20x60 descriptor layout
func DefaultScanContextConfig() ScanContextConfig {
	return ScanContextConfig{
		NumRings:          20,
		NumSectors:        60,
		MaxRadius:         80,
		LidarHeight:       2.0,
		NumCandidates:     10,
		DistanceThreshold: 0.2,
	}
}

// Validate checks the descriptor layout
func (c ScanContextConfig) Validate() error {
	if c.NumRings <= 0 || c.NumSectors <= 0 {
		return errors.Errorf("scan_context needs positive num_rings and num_sectors, got %d x %d", c.NumRings, c.NumSectors)
	}
	if c.MaxRadius <= 0 {
		return errors.Errorf("scan_context.max_radius must be positive, got %f", c.MaxRadius)
	}
	if c.NumCandidates <= 0 {
		return errors.Errorf("scan_context.num_candidates must be positive, got %d", c.NumCandidates)
	}
	return nil
}

// ScanContext is a polar height descriptor stored row-major, rings by sectors
type ScanContext struct {
	Rings   int
	Sectors int
	Cells   []float64
}

// MakeScanContext computes the descriptor of a scan in its sensor frame
func MakeScanContext(scan PointCloud, cfg ScanContextConfig) ScanContext {
	sc := ScanContext{
		Rings:   cfg.NumRings,
		Sectors: cfg.NumSectors,
		Cells:   make([]float64, cfg.NumRings*cfg.NumSectors),
	}
	for i := range sc.Cells {
		sc.Cells[i] = math.Inf(-1)
	}

	for _, p := range scan {
		r := math.Hypot(p.X, p.Y)
		if r > cfg.MaxRadius {
			continue
		}
		ring := int(r / cfg.MaxRadius * float64(cfg.NumRings))
		if ring >= cfg.NumRings {
			ring = cfg.NumRings - 1
		}
		angle := math.Atan2(p.Y, p.X) + math.Pi
		sector := int(angle / (2 * math.Pi) * float64(cfg.NumSectors))
		if sector >= cfg.NumSectors {
			sector = cfg.NumSectors - 1
		}
		idx := ring*cfg.NumSectors + sector
		sc.Cells[idx] = math.Max(sc.Cells[idx], p.Z+cfg.LidarHeight)
	}

	for i, v := range sc.Cells {
		if math.IsInf(v, -1) {
			sc.Cells[i] = 0
		}
	}
	return sc
}

// RingKey returns the mean of each ring, a rotation-invariant summary
func (sc ScanContext) RingKey() []float64 {
	key := make([]float64, sc.Rings)
	for r := 0; r < sc.Rings; r++ {
		var sum float64
		for s := 0; s < sc.Sectors; s++ {
			sum += sc.Cells[r*sc.Sectors+s]
		}
		key[r] = sum / float64(sc.Sectors)
	}
	return key
}

// Distance compares two descriptors over every column shift and returns the
// smallest cosine distance along with the shift that produced it. Column j of
// sc is compared with column j+shift of other.
func (sc ScanContext) Distance(other ScanContext) (float64, int) {
	best, bestShift := 1.0, 0
	if sc.Rings != other.Rings || sc.Sectors != other.Sectors {
		return best, bestShift
	}
	for shift := 0; shift < sc.Sectors; shift++ {
		d := sc.shiftedDistance(other, shift)
		if d < best {
			best, bestShift = d, shift
		}
	}
	return best, bestShift
}

func (sc ScanContext) shiftedDistance(other ScanContext, shift int) float64 {
	var simSum float64
	var count int
	for j := 0; j < sc.Sectors; j++ {
		k := (j + shift) % sc.Sectors
		var dot, na, nb float64
		for r := 0; r < sc.Rings; r++ {
			a := sc.Cells[r*sc.Sectors+j]
			b := other.Cells[r*other.Sectors+k]
			dot += a * b
			na += a * a
			nb += b * b
		}
		if na == 0 || nb == 0 {
			continue
		}
		simSum += dot / (math.Sqrt(na) * math.Sqrt(nb))
		count++
	}
	if count == 0 {
		return 1
	}
	return 1 - simSum/float64(count)
}

// Keyframe is one indexed place
type Keyframe struct {
	Pose       Pose
	Descriptor ScanContext
}

// ScanContextIndex recognizes places by comparing Scan Context descriptors
// against a set of keyframes with known poses
type ScanContextIndex struct {
	config    ScanContextConfig
	keyframes []Keyframe
	tree      *kdtree.Tree
	logger    *zap.SugaredLogger
}

// NewScanContextIndex creates an empty index
func NewScanContextIndex(config ScanContextConfig, logger *zap.SugaredLogger) (*ScanContextIndex, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ScanContextIndex{config: config, logger: logger}, nil
}

// Config returns the descriptor configuration
func (idx *ScanContextIndex) Config() ScanContextConfig {
	return idx.config
}

// Len returns the number of keyframes
func (idx *ScanContextIndex) Len() int {
	return len(idx.keyframes)
}

// Keyframes returns the indexed keyframes
func (idx *ScanContextIndex) Keyframes() []Keyframe {
	return idx.keyframes
}

// Add indexes a scan (in its sensor frame) taken at pose
func (idx *ScanContextIndex) Add(scan PointCloud, pose Pose) {
	idx.addKeyframe(Keyframe{
		Pose:       pose,
		Descriptor: MakeScanContext(scan.RemoveNonFinite(), idx.config),
	})
}

func (idx *ScanContextIndex) addKeyframe(kf Keyframe) {
	idx.keyframes = append(idx.keyframes, kf)
	idx.tree = nil
}

// Query looks for the keyframe most similar to frame. The returned pose is the
// keyframe pose rotated by the yaw offset implied by the best column shift.
func (idx *ScanContextIndex) Query(frame PointCloud) (Pose, bool) {
	if len(idx.keyframes) == 0 || len(frame) == 0 {
		return Identity(), false
	}
	if idx.tree == nil {
		idx.buildTree()
	}

	query := MakeScanContext(frame, idx.config)
	keeper := kdtree.NewNKeeper(idx.config.NumCandidates)
	idx.tree.NearestSet(keeper, ringKey{vec: query.RingKey(), index: -1})

	bestDist, bestShift, bestIndex := math.Inf(1), 0, -1
	for _, c := range keeper.Heap {
		if c.Comparable == nil {
			continue
		}
		i := c.Comparable.(ringKey).index
		d, shift := query.Distance(idx.keyframes[i].Descriptor)
		if d < bestDist {
			bestDist, bestShift, bestIndex = d, shift, i
		}
	}

	if bestIndex < 0 || bestDist >= idx.config.DistanceThreshold {
		idx.logger.Debugw("scan context miss", "bestDistance", bestDist, "threshold", idx.config.DistanceThreshold)
		return Identity(), false
	}

	yaw := float64(bestShift) * 2 * math.Pi / float64(idx.config.NumSectors)
	if yaw > math.Pi {
		yaw -= 2 * math.Pi
	}
	idx.logger.Infow("scan context match", "keyframe", bestIndex, "distance", bestDist, "yaw", yaw)
	return idx.keyframes[bestIndex].Pose.Mul(RotationZ(yaw)), true
}

func (idx *ScanContextIndex) buildTree() {
	keys := make(ringKeys, len(idx.keyframes))
	for i, kf := range idx.keyframes {
		keys[i] = ringKey{vec: kf.Descriptor.RingKey(), index: i}
	}
	idx.tree = kdtree.New(keys, false)
}

// ringKey is a k-d tree point that remembers which keyframe it came from
type ringKey struct {
	vec   kdtree.Point
	index int
}

func (k ringKey) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return k.vec[d] - c.(ringKey).vec[d]
}

func (k ringKey) Dims() int { return len(k.vec) }

func (k ringKey) Distance(c kdtree.Comparable) float64 {
	return k.vec.Distance(c.(ringKey).vec)
}

type ringKeys []ringKey

func (k ringKeys) Index(i int) kdtree.Comparable { return k[i] }
func (k ringKeys) Len() int                      { return len(k) }
func (k ringKeys) Slice(start, end int) kdtree.Interface {
	return k[start:end]
}
func (k ringKeys) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(ringKeyPlane{ringKeys: k, Dim: d}, kdtree.MedianOfMedians(ringKeyPlane{ringKeys: k, Dim: d}))
}

type ringKeyPlane struct {
	kdtree.Dim
	ringKeys
}

func (p ringKeyPlane) Less(i, j int) bool {
	return p.ringKeys[i].vec[p.Dim] < p.ringKeys[j].vec[p.Dim]
}
func (p ringKeyPlane) Slice(start, end int) kdtree.SortSlicer {
	return ringKeyPlane{Dim: p.Dim, ringKeys: p.ringKeys[start:end]}
}
func (p ringKeyPlane) Swap(i, j int) {
	p.ringKeys[i], p.ringKeys[j] = p.ringKeys[j], p.ringKeys[i]
}
