package matching

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// InitState tracks whether the matcher has a trustworthy pose
type InitState int

const (
	// Uninitialized means no initial pose has been committed
	Uninitialized InitState = iota
	// Converging means an absolute sample was adopted but the debounce has not finished
	Converging
	// Initialized means predicted poses may seed alignment
	Initialized
)

func (s InitState) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Converging:
		return "converging"
	case Initialized:
		return "initialized"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON payloads
func (s InitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// absoluteSamplesToInitialize is the number of absolute samples after which
// the state becomes Initialized (strictly more than this many).
const absoluteSamplesToInitialize = 3

// PlaceRecognizer proposes an absolute pose for a frame
type PlaceRecognizer interface {
	Query(frame PointCloud) (Pose, bool)
}

// FitnessGate rejects alignments whose fitness exceeds MaxFitness. Disabled by default.
type FitnessGate struct {
	Enabled    bool    `yaml:"enabled" json:"enabled"`
	MaxFitness float64 `yaml:"max_fitness" json:"maxFitness"`
}

// MatcherStats counts what the registration loop has done
type MatcherStats struct {
	Frames         int     `json:"frames"`
	Rebuilds       int     `json:"rebuilds"`
	GateRejections int     `json:"gateRejections"`
	LastFitness    float64 `json:"lastFitness"`
	LastConverged  bool    `json:"lastConverged"`
	LastIterations int     `json:"lastIterations"`
}

// MatcherConfig holds the collaborators a Matcher is assembled from
type MatcherConfig struct {
	Registration    Registration
	GlobalMapFilter CloudFilter // applied by GetGlobalMap for visualization
	FrameFilter     CloudFilter // applied to every frame before alignment
	Box             *BoxFilter
	PlaceIndex      PlaceRecognizer // optional
	Margin          float64
	FitnessGate     FitnessGate
	Logger          *zap.SugaredLogger
}

// Matcher localizes frames against a global map. It is not safe for
// concurrent use; see Session for a synchronized wrapper.
type Matcher struct {
	submap          *SubmapManager
	registration    Registration
	globalMapFilter CloudFilter
	frameFilter     CloudFilter
	placeIndex      PlaceRecognizer
	margin          float64
	gate            FitnessGate
	logger          *zap.SugaredLogger

	state           InitState
	absoluteSamples int
	absolutePose    Pose
	initialPose     Pose

	hasHistory    bool
	lastPose      Pose
	predictedPose Pose

	currentFrame    PointCloud
	hasNewGlobalMap bool
	stats           MatcherStats
}

// NewMatcher builds a matcher over an already loaded (and filtered) global map
// and centers the first submap at the origin.
func NewMatcher(globalMap PointCloud, cfg MatcherConfig) (*Matcher, error) {
	if cfg.Registration == nil {
		return nil, errors.New("matcher requires a registration")
	}
	if cfg.Box == nil {
		return nil, errors.New("matcher requires a box filter")
	}
	if cfg.FrameFilter == nil {
		cfg.FrameFilter = NoFilter{}
	}
	if cfg.GlobalMapFilter == nil {
		cfg.GlobalMapFilter = NoFilter{}
	}
	if cfg.Margin < 0 {
		return nil, errors.Errorf("rebuild margin must not be negative, got %f", cfg.Margin)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}

	m := &Matcher{
		registration:    cfg.Registration,
		globalMapFilter: cfg.GlobalMapFilter,
		frameFilter:     cfg.FrameFilter,
		placeIndex:      cfg.PlaceIndex,
		margin:          cfg.Margin,
		gate:            cfg.FitnessGate,
		logger:          cfg.Logger,
		absolutePose:    Identity(),
		initialPose:     Identity(),
		lastPose:        Identity(),
		predictedPose:   Identity(),
		currentFrame:    PointCloud{},
		hasNewGlobalMap: true,
	}
	m.submap = NewSubmapManager(globalMap, cfg.Box, cfg.Registration, cfg.Logger.Named("submap"))
	m.submap.Rebuild(r3.Vector{})
	return m, nil
}

// ProcessFrame aligns one frame against the local submap and returns the refined pose
func (m *Matcher) ProcessFrame(frame PointCloud) Pose {
	validated := frame.RemoveNonFinite()
	filtered := m.frameFilter.Filter(validated)

	if !m.hasHistory {
		m.lastPose = m.initialPose
		m.predictedPose = m.initialPose
		m.hasHistory = true
	}

	seed := m.predictedPose
	if m.state != Initialized {
		seed = m.absolutePose
	}

	alignment := m.registration.Align(filtered, seed)
	refined := alignment.Pose
	m.stats.Frames++
	m.stats.LastFitness = alignment.Fitness
	m.stats.LastConverged = alignment.Converged
	m.stats.LastIterations = alignment.Iterations

	if m.gate.Enabled && alignment.Fitness > m.gate.MaxFitness {
		m.stats.GateRejections++
		m.logger.Warnw("alignment rejected by fitness gate",
			"fitness", alignment.Fitness, "maxFitness", m.gate.MaxFitness)
		refined = seed
	}

	m.currentFrame = validated.Transform(refined)

	delta := m.lastPose.Inverse().Mul(refined)
	m.predictedPose = refined.Mul(delta)
	m.lastPose = refined

	if m.submap.NeedsRebuild(refined, m.margin) {
		m.submap.Rebuild(refined.Translation())
	}
	m.stats.Rebuilds = m.submap.Rebuilds()

	m.logger.Debugw("frame matched",
		"points", len(validated), "filtered", len(filtered),
		"fitness", alignment.Fitness, "iterations", alignment.Iterations,
		"x", refined[3], "y", refined[7], "z", refined[11])
	return refined
}

// OnAbsolutePositionSample records an absolute pose sample. The first sample
// commits the initial pose; more than three samples complete initialization.
func (m *Matcher) OnAbsolutePositionSample(pose Pose) {
	m.absolutePose = pose
	m.absoluteSamples++

	switch {
	case m.absoluteSamples == 1:
		m.SetInitialPose(pose)
		if m.state == Uninitialized {
			m.state = Converging
		}
	case m.absoluteSamples > absoluteSamplesToInitialize:
		if m.state != Initialized {
			m.logger.Infow("initialized from absolute position samples", "samples", m.absoluteSamples)
		}
		m.state = Initialized
	}
}

// OnPlaceRecognitionQuery tries to recover an absolute pose for frame. On a miss
// the matcher is left untouched.
func (m *Matcher) OnPlaceRecognitionQuery(frame PointCloud) (Pose, bool) {
	if m.placeIndex == nil {
		return Identity(), false
	}
	pose, ok := m.placeIndex.Query(frame.RemoveNonFinite())
	if !ok {
		m.logger.Debugw("place recognition found no match", "points", len(frame))
		return Identity(), false
	}

	m.restartAt(pose)
	m.logger.Infow("initialized from place recognition",
		"x", pose[3], "y", pose[7], "z", pose[11], "yaw", pose.Yaw())
	return pose, true
}

// SetInitialPose commits pose as the initial pose and recenters the submap on it
func (m *Matcher) SetInitialPose(pose Pose) {
	m.initialPose = pose
	m.submap.Rebuild(pose.Translation())
}

// Relocate places the vehicle at pose: the pose is committed as the initial
// pose, the motion history restarts from it and the matcher is Initialized.
func (m *Matcher) Relocate(pose Pose) {
	m.restartAt(pose)
	m.logger.Infow("relocated", "x", pose[3], "y", pose[7], "z", pose[11], "yaw", pose.Yaw())
}

// restartAt commits pose and drops the motion history so the next frame is
// seeded with pose itself.
func (m *Matcher) restartAt(pose Pose) {
	m.SetInitialPose(pose)
	m.absolutePose = pose
	m.lastPose = pose
	m.hasHistory = false
	m.state = Initialized
}

// MarkInitialized forces the Initialized state
func (m *Matcher) MarkInitialized() {
	m.state = Initialized
}

// GetGlobalMap returns the global map through the visualization filter and
// clears the global map flag
func (m *Matcher) GetGlobalMap() PointCloud {
	out := m.globalMapFilter.Filter(m.submap.GlobalMap())
	m.hasNewGlobalMap = false
	return out
}

// GetLocalSubmap returns the current submap and clears the local map flag.
// The returned cloud must not be modified.
func (m *Matcher) GetLocalSubmap() PointCloud {
	m.submap.ClearChanged()
	return m.submap.Submap()
}

// GetCurrentFrame returns the latest frame in the map frame
func (m *Matcher) GetCurrentFrame() PointCloud {
	return m.currentFrame
}

// IsInitialized reports whether predicted poses seed alignment
func (m *Matcher) IsInitialized() bool {
	return m.state == Initialized
}

// HasNewGlobalMap reports whether the global map has not been fetched yet
func (m *Matcher) HasNewGlobalMap() bool {
	return m.hasNewGlobalMap
}

// HasNewLocalMap reports whether the submap changed since the last fetch
func (m *Matcher) HasNewLocalMap() bool {
	return m.submap.Changed()
}

// State returns the initialization state
func (m *Matcher) State() InitState {
	return m.state
}

// InitialPose returns the committed initial pose
func (m *Matcher) InitialPose() Pose {
	return m.initialPose
}

// PredictedPose returns the seed the next frame will use once initialized
func (m *Matcher) PredictedPose() Pose {
	return m.predictedPose
}

// LastPose returns the last accepted pose
func (m *Matcher) LastPose() Pose {
	return m.lastPose
}

// Bounds returns the current ROI box edges
func (m *Matcher) Bounds() [6]float64 {
	return m.submap.Bounds()
}

// Stats returns the loop counters
func (m *Matcher) Stats() MatcherStats {
	s := m.stats
	s.Rebuilds = m.submap.Rebuilds()
	return s
}
