package matching

import (
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestSession(t *testing.T, reg Registration) *Session {
	t.Helper()
	m := newTestMatcher(t, uniformBlock(60, 60, 4, 2), reg, nil)
	s := NewSession(m, zaptest.NewLogger(t).Sugar())
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		clock = clock.Add(100 * time.Millisecond)
		return clock
	}
	return s
}

func TestSession_RunID(t *testing.T) {
	s := newTestSession(t, &Passthrough{})
	_, err := uuid.Parse(s.RunID())
	assert.NoError(t, err)
	assert.NotEqual(t, s.RunID(), newTestSession(t, &Passthrough{}).RunID())
}

func TestSession_StatusBeforeFrames(t *testing.T) {
	s := newTestSession(t, &Passthrough{})
	st := s.Status()
	assert.Equal(t, Uninitialized, st.State)
	assert.False(t, st.Initialized)
	assert.Nil(t, st.LastFitness)
	assert.Zero(t, st.Frames)
	assert.Equal(t, 1, st.Rebuilds)
	assert.NotZero(t, st.LocalMapPoints)

	data, err := json.Marshal(st)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"uninitialized"`)
	assert.Contains(t, string(data), `"lastFitness":null`)
}

func TestSession_HandleFrameRecordsTrajectory(t *testing.T) {
	reg := &scriptedRegistration{poses: []Pose{Translation(1, 0, 0), Translation(2, 0, 0)}}
	s := newTestSession(t, reg)

	assert.Equal(t, Translation(1, 0, 0), s.HandleFrame(PointCloud{{X: 1}}))
	s.HandleFrame(PointCloud{{X: 1}})

	tr := s.Trajectory()
	require.Equal(t, 2, tr.Len())
	assert.Equal(t, Translation(2, 0, 0), tr.Points[1].Pose)
	assert.Equal(t, int64(100), tr.Points[1].Timestamp-tr.Points[0].Timestamp)

	st := s.Status()
	assert.Equal(t, 2, st.Frames)
	assert.Equal(t, 2, st.TrajectoryPoses)
	require.NotNil(t, st.LastFitness)
	assert.Zero(t, *st.LastFitness)
	assert.Equal(t, 2.0, st.Pose.X)
	assert.Equal(t, PointCloud{{X: 3}}, s.CurrentFrame())
}

func TestSession_NonFiniteFitnessIsNil(t *testing.T) {
	s := newTestSession(t, &Passthrough{})
	s.HandleFrame(PointCloud{})
	st := s.Status()
	assert.Equal(t, 1, st.Frames)
	assert.Nil(t, st.LastFitness)

	_, err := json.Marshal(st)
	assert.NoError(t, err)
}

func TestSession_AbsolutePoseAndRelocalize(t *testing.T) {
	s := newTestSession(t, &Passthrough{})
	for i := 0; i < 3; i++ {
		assert.Equal(t, Converging, s.HandleAbsolutePose(Translation(4, 0, 0)))
	}
	assert.Equal(t, Initialized, s.HandleAbsolutePose(Translation(4, 0, 0)))

	_, ok := s.HandleRelocalize(PointCloud{{X: 1}})
	assert.False(t, ok, "no place index configured")
}

func TestSession_SetInitialPose(t *testing.T) {
	s := newTestSession(t, &Passthrough{})
	s.SetInitialPose(FromYPR(r3.Vector{X: 10, Y: 10}, 0.2, 0, 0))

	st := s.Status()
	assert.True(t, st.Initialized)
	assert.Equal(t, [6]float64{-10, 30, -10, 30, -20, 20}, st.Bounds)
	assert.True(t, st.HasNewLocalMap)

	submap, bounds := s.LocalSubmap()
	assert.Equal(t, st.Bounds, bounds)
	assert.NotEmpty(t, submap)
	assert.False(t, s.Status().HasNewLocalMap)
}

func TestSession_LocalSubmapIsACopy(t *testing.T) {
	s := newTestSession(t, &Passthrough{})
	first, _ := s.LocalSubmap()
	first[0].X = 1e6
	second, _ := s.LocalSubmap()
	assert.NotEqual(t, 1e6, second[0].X)
}

func TestSession_GlobalMap(t *testing.T) {
	s := newTestSession(t, &Passthrough{})
	assert.Len(t, s.GlobalMap(), 31*31*3)
}

func TestSession_Concurrent(t *testing.T) {
	s := newTestSession(t, &Passthrough{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				s.HandleFrame(PointCloud{{X: float64(j)}})
				_ = s.Status()
				_ = s.Trajectory()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 160, s.Status().Frames)
}

func TestSession_FlushAndResume(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache", "trajectory.json")
	reg := &scriptedRegistration{poses: []Pose{Translation(1, 0, 0), Translation(2, 0, 0)}}
	m := newTestMatcher(t, PointCloud{}, reg, nil)

	s := NewSessionWithCache(m, path, zaptest.NewLogger(t).Sugar())
	s.HandleFrame(PointCloud{{X: 1}})
	s.HandleFrame(PointCloud{{X: 1}})
	require.NoError(t, s.Flush())

	resumed := NewSessionWithCache(newTestMatcher(t, PointCloud{}, &Passthrough{}, nil), path, nil)
	tr := resumed.Trajectory()
	require.Equal(t, 2, tr.Len())
	assert.Equal(t, Translation(2, 0, 0), tr.Points[1].Pose)
	assert.NotEqual(t, s.RunID(), resumed.RunID())
}

func TestSession_FlushWithoutCache(t *testing.T) {
	s := newTestSession(t, &Passthrough{})
	assert.NoError(t, s.Flush())
}
