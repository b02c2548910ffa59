package matching

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Status is a snapshot of the localization state for HTTP and MQTT
type Status struct {
	RunID           string      `json:"runId"`
	State           InitState   `json:"state"`
	Initialized     bool        `json:"initialized"`
	Pose            PoseMessage `json:"pose"`
	Bounds          [6]float64  `json:"bounds"`
	Frames          int         `json:"frames"`
	Rebuilds        int         `json:"rebuilds"`
	GateRejections  int         `json:"gateRejections"`
	LastFitness     *float64    `json:"lastFitness"` // nil until a finite fitness is known
	LastConverged   bool        `json:"lastConverged"`
	LastIterations  int         `json:"lastIterations"`
	LocalMapPoints  int         `json:"localMapPoints"`
	HasNewLocalMap  bool        `json:"hasNewLocalMap"`
	TrajectoryPoses int         `json:"trajectoryPoses"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// Session serializes access to a Matcher and records the trajectory it
// produces. All methods are safe for concurrent use.
type Session struct {
	mu             sync.Mutex
	matcher        *Matcher
	runID          string
	trajectory     Trajectory
	trajectoryPath string // empty disables persistence
	updatedAt      time.Time
	now            func() time.Time
	logger         *zap.SugaredLogger
}

// NewSession wraps a matcher in a new run
func NewSession(matcher *Matcher, logger *zap.SugaredLogger) *Session {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Session{
		matcher: matcher,
		runID:   uuid.NewString(),
		now:     time.Now,
		logger:  logger,
	}
}

// NewSessionWithCache creates a session that persists its trajectory to
// path. An existing trajectory file is loaded and continued.
func NewSessionWithCache(matcher *Matcher, path string, logger *zap.SugaredLogger) *Session {
	s := NewSession(matcher, logger)
	s.trajectoryPath = path
	if path != "" {
		if t, err := LoadTrajectory(path); err == nil {
			s.trajectory = *t
			s.logger.Infow("resumed trajectory", "path", path, "poses", t.Len())
		}
	}
	return s
}

// RunID identifies this session in published messages
func (s *Session) RunID() string {
	return s.runID
}

// HandleFrame runs one frame through the registration loop and records the result
func (s *Session) HandleFrame(frame PointCloud) Pose {
	s.mu.Lock()
	defer s.mu.Unlock()

	pose := s.matcher.ProcessFrame(frame)
	s.updatedAt = s.now()
	s.trajectory.Append(s.updatedAt.UnixMilli(), pose)
	return pose
}

// HandleAbsolutePose feeds an absolute position sample to the matcher
func (s *Session) HandleAbsolutePose(pose Pose) InitState {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.matcher.OnAbsolutePositionSample(pose)
	s.updatedAt = s.now()
	return s.matcher.State()
}

// HandleRelocalize queries place recognition with frame
func (s *Session) HandleRelocalize(frame PointCloud) (Pose, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pose, ok := s.matcher.OnPlaceRecognitionQuery(frame)
	if ok {
		s.updatedAt = s.now()
	}
	return pose, ok
}

// SetInitialPose relocates the matcher to an operator supplied pose
func (s *Session) SetInitialPose(pose Pose) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.matcher.Relocate(pose)
	s.updatedAt = s.now()
}

// Status returns the current state snapshot
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.matcher.Stats()
	st := Status{
		RunID:           s.runID,
		State:           s.matcher.State(),
		Initialized:     s.matcher.IsInitialized(),
		Pose:            NewPoseMessage(s.matcher.LastPose(), s.updatedAt.UnixMilli()),
		Bounds:          s.matcher.Bounds(),
		Frames:          stats.Frames,
		Rebuilds:        stats.Rebuilds,
		GateRejections:  stats.GateRejections,
		LastConverged:   stats.LastConverged,
		LastIterations:  stats.LastIterations,
		LocalMapPoints:  len(s.matcher.submap.Submap()),
		HasNewLocalMap:  s.matcher.HasNewLocalMap(),
		TrajectoryPoses: s.trajectory.Len(),
		UpdatedAt:       s.updatedAt,
	}
	if stats.Frames > 0 && !math.IsInf(stats.LastFitness, 0) && !math.IsNaN(stats.LastFitness) {
		f := stats.LastFitness
		st.LastFitness = &f
	}
	return st
}

// GlobalMap returns the visualization copy of the global map
func (s *Session) GlobalMap() PointCloud {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matcher.GetGlobalMap()
}

// LocalSubmap returns a copy of the current submap and its box edges
func (s *Session) LocalSubmap() (PointCloud, [6]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matcher.GetLocalSubmap().Clone(), s.matcher.Bounds()
}

// CurrentFrame returns a copy of the latest frame in the map frame
func (s *Session) CurrentFrame() PointCloud {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matcher.GetCurrentFrame().Clone()
}

// Trajectory returns a copy of the recorded trajectory
func (s *Session) Trajectory() Trajectory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trajectory.Clone()
}

// Flush writes the trajectory to the cache path, if one is configured
func (s *Session) Flush() error {
	if s.trajectoryPath == "" {
		return nil
	}
	t := s.Trajectory()
	return SaveTrajectory(&t, s.trajectoryPath)
}

// SaveTrajectory writes a trajectory to disk as JSON
func SaveTrajectory(t *Trajectory, path string) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal trajectory")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create trajectory directory")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, "write trajectory")
	}
	return nil
}

// LoadTrajectory reads a trajectory written by SaveTrajectory
func LoadTrajectory(path string) (*Trajectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read trajectory")
	}
	var t Trajectory
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, errors.Wrap(err, "unmarshal trajectory")
	}
	return &t, nil
}
