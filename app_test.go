package main

import (
	"context"
	"encoding/json"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/kwv/mapmatch/matching"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// gridCloud is a flat square of points, step metres apart
func gridCloud(half, step float64) matching.PointCloud {
	var cloud matching.PointCloud
	for x := -half; x <= half; x += step {
		for y := -half; y <= half; y += step {
			cloud = append(cloud, r3.Vector{X: x, Y: y, Z: 0})
		}
	}
	return cloud
}

// testAppConfig returns a config without filtering or registration so
// results are exact
func testAppConfig(mapPath string) *matching.Config {
	cfg := matching.DefaultConfig()
	cfg.MapPath = mapPath
	cfg.GlobalMapFilter = matching.FilterNone.String()
	cfg.LocalMapFilter = matching.FilterNone.String()
	cfg.FrameFilter = matching.FilterNone.String()
	cfg.RegistrationMethod = matching.RegistrationPassthrough.String()
	cfg.BoxFilterSize = []float64{-10, 10, -10, 10, -5, 5}
	cfg.RebuildMargin = 2
	return &cfg
}

// writeDataDir creates a data directory holding a map and config.yaml
func writeDataDir(t *testing.T) (string, *matching.Config) {
	t.Helper()
	t.Setenv("MAPMATCH_MAP_PATH", "")
	t.Setenv("MQTT_BROKER", "")

	dir := t.TempDir()
	mapPath := filepath.Join(dir, "map.pcd")
	require.NoError(t, matching.SaveCloud(mapPath, gridCloud(20, 2)))

	cfg := testAppConfig(mapPath)
	require.NoError(t, matching.SaveConfig(filepath.Join(dir, "config.yaml"), cfg))
	return dir, cfg
}

func newTestApp(t *testing.T, dataDir string) *App {
	t.Helper()
	app := NewApp()
	app.ApplyOptions(AppOptions{DataDir: dataDir, ConfigFile: "config.yaml", PosesFile: "poses.json"})
	return app
}

// ---------------------------------------------------------------------------
// options and config
// ---------------------------------------------------------------------------

func TestNewApp(t *testing.T) {
	app := NewApp()
	if app == nil {
		t.Fatal("NewApp returned nil")
	}
	if app.Logger == nil {
		t.Error("Logger should be initialized")
	}
	if app.DataDir != "." || app.ConfigFile != "config.yaml" {
		t.Errorf("unexpected defaults: DataDir=%q ConfigFile=%q", app.DataDir, app.ConfigFile)
	}
}

func TestApplyOptions(t *testing.T) {
	app := NewApp()
	opts := AppOptions{
		ConfigFile: "test-config.yaml",
		DataDir:    "/test/data",
		LogLevel:   "warn",
		MqttMode:   true,
		HttpMode:   false,
		HttpPort:   8081,
		BuildIndex: "keyframes",
		PosesFile:  "kf.json",
		IndexOut:   "sc.db",
		ReplayDir:  "frames",
		OutputFile: "out.geojson",
	}

	app.ApplyOptions(opts)

	want := App{
		DataDir:       "/test/data",
		ConfigFile:    "test-config.yaml",
		LogLevel:      "warn",
		MqttMode:      true,
		HttpPort:      8081,
		BuildIndexDir: "keyframes",
		PosesFile:     "kf.json",
		IndexOut:      "sc.db",
		ReplayDir:     "frames",
		OutputFile:    "out.geojson",
	}
	want.Logger = app.Logger
	assert.Equal(t, want, *app)
}

func TestLoadConfig_FromDataDir(t *testing.T) {
	dir, cfg := writeDataDir(t)
	app := newTestApp(t, dir)
	app.LogLevel = "debug"

	require.NoError(t, app.loadConfig())
	assert.Equal(t, cfg.MapPath, app.Config.MapPath)
	assert.Equal(t, "debug", app.Config.Log.Level)
	assert.NotNil(t, app.Logger)
}

func TestLoadConfig_ExplicitPath(t *testing.T) {
	dir, _ := writeDataDir(t)
	moved := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.Rename(filepath.Join(dir, "config.yaml"), moved))

	app := newTestApp(t, dir)
	app.ConfigFile = moved
	require.NoError(t, app.loadConfig())
}

func TestLoadConfig_Missing(t *testing.T) {
	app := newTestApp(t, t.TempDir())
	err := app.loadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "looked at")
}

func TestLoadConfig_BadLogLevel(t *testing.T) {
	dir, _ := writeDataDir(t)
	app := newTestApp(t, dir)
	app.LogLevel = "chatty"
	assert.Error(t, app.loadConfig())
}

func TestHTTPPort(t *testing.T) {
	app := NewApp()
	assert.Equal(t, defaultHTTPPort, app.httpPort())

	app.Config = testAppConfig("unused.pcd")
	assert.Equal(t, 4040, app.httpPort())

	app.HttpPort = 9000
	assert.Equal(t, 9000, app.httpPort())
}

func TestOutputPath(t *testing.T) {
	app := NewApp()
	app.DataDir = "/data"
	assert.Equal(t, filepath.Join("/data", "x.png"), app.outputPath("x.png"))
	app.OutputFile = "elsewhere.png"
	assert.Equal(t, "elsewhere.png", app.outputPath("x.png"))
}

// ---------------------------------------------------------------------------
// RunReplay
// ---------------------------------------------------------------------------

func TestRunReplay(t *testing.T) {
	dir, _ := writeDataDir(t)
	frames := filepath.Join(dir, "frames")
	require.NoError(t, os.Mkdir(frames, 0o755))
	for _, name := range []string{"0002.pcd", "0001.pcd", "0003.PCD"} {
		require.NoError(t, matching.SaveCloud(filepath.Join(frames, name), gridCloud(4, 1)))
	}
	require.NoError(t, os.WriteFile(filepath.Join(frames, "notes.txt"), []byte("skip me"), 0o644))

	app := newTestApp(t, dir)
	app.ReplayDir = frames
	require.NoError(t, app.RunReplay())

	data, err := os.ReadFile(filepath.Join(dir, "trajectory.geojson"))
	require.NoError(t, err)
	fc, err := geojson.UnmarshalFeatureCollection(data)
	require.NoError(t, err)
	require.NotEmpty(t, fc.Features)
	assert.Equal(t, "trajectory", fc.Features[0].Properties["kind"])
	assert.EqualValues(t, 3, fc.Features[0].Properties["poses"])
}

func TestListClouds_NameOrder(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.las", "a.pcd", "c.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "d.pcd"), 0o755))

	got, err := listClouds(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.pcd"), filepath.Join(dir, "b.las")}, got)
}

func TestRunReplay_Errors(t *testing.T) {
	dir, _ := writeDataDir(t)

	app := newTestApp(t, dir)
	app.ReplayDir = t.TempDir()
	err := app.RunReplay()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no .pcd or .las frames")

	app.ReplayDir = filepath.Join(dir, "missing")
	assert.Error(t, app.RunReplay())

	bad := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bad, "0001.pcd"), []byte("garbage"), 0o644))
	app.ReplayDir = bad
	assert.Error(t, app.RunReplay())
}

// ---------------------------------------------------------------------------
// RunBuildIndex
// ---------------------------------------------------------------------------

func TestRunBuildIndex(t *testing.T) {
	dir, cfg := writeDataDir(t)
	keyframes := filepath.Join(dir, "keyframes")
	require.NoError(t, os.Mkdir(keyframes, 0o755))

	scan := matching.PointCloud{{X: 3, Y: 1, Z: 1}, {X: -5, Y: 2, Z: 2}, {X: 0, Y: -8, Z: 0.5}}
	require.NoError(t, matching.SaveCloud(filepath.Join(keyframes, "a.pcd"), scan))
	require.NoError(t, matching.SaveCloud(filepath.Join(keyframes, "b.pcd"), scan.Transform(matching.RotationZ(1))))

	poses := map[string]matching.PoseMessage{
		"a.pcd": {X: 1, Y: 2, Qw: 1},
		"b.pcd": {X: 10, Y: -3, Yaw: 0.5},
	}
	data, err := json.Marshal(poses)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(keyframes, "poses.json"), data, 0o644))

	out := filepath.Join(dir, "index.db")
	app := newTestApp(t, dir)
	app.BuildIndexDir = keyframes
	app.IndexOut = out
	require.NoError(t, app.RunBuildIndex())

	idx, err := matching.NewScanContextIndex(cfg.ScanContext, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	require.NoError(t, idx.Load(out))
	require.Equal(t, 2, idx.Len())
	assert.True(t, idx.Keyframes()[0].Pose.ApproxEqual(matching.Translation(1, 2, 0), 1e-12))
}

func TestRunBuildIndex_DefaultOutput(t *testing.T) {
	dir, _ := writeDataDir(t)
	keyframes := t.TempDir()
	require.NoError(t, matching.SaveCloud(filepath.Join(keyframes, "k.pcd"), gridCloud(3, 1)))
	posesPath := filepath.Join(dir, "kf.json")
	require.NoError(t, os.WriteFile(posesPath, []byte(`{"k.pcd": {"x": 1, "qw": 1}}`), 0o644))

	app := newTestApp(t, dir)
	app.BuildIndexDir = keyframes
	app.PosesFile = posesPath
	require.NoError(t, app.RunBuildIndex())

	_, err := os.Stat(filepath.Join(dir, "scan_context.db"))
	assert.NoError(t, err)
}

func TestRunBuildIndex_Errors(t *testing.T) {
	dir, _ := writeDataDir(t)
	tests := []struct {
		name    string
		poses   string
		wantErr string
	}{
		{"missing poses file", "", "reading keyframe poses"},
		{"invalid JSON", "{", "parsing"},
		{"empty", "{}", "no keyframe poses"},
		{"missing cloud", `{"nope.pcd": {"qw": 1}}`, "keyframe nope.pcd"},
		{"invalid pose", `{"nope.pcd": {"matrix": [1,2,3,4,5,6,7,8,9,10,11,12,13,14,15,16]}}`, "pose for nope.pcd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keyframes := t.TempDir()
			if tt.poses != "" {
				require.NoError(t, os.WriteFile(filepath.Join(keyframes, "poses.json"), []byte(tt.poses), 0o644))
			}
			app := newTestApp(t, dir)
			app.BuildIndexDir = keyframes
			err := app.RunBuildIndex()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// ---------------------------------------------------------------------------
// RunRender
// ---------------------------------------------------------------------------

func TestRunRender(t *testing.T) {
	dir, _ := writeDataDir(t)
	trajectory := &matching.Trajectory{}
	trajectory.Append(1, matching.Translation(0, 0, 0))
	trajectory.Append(2, matching.Translation(5, 5, 0))
	require.NoError(t, matching.SaveTrajectory(trajectory, filepath.Join(dir, "trajectory.json")))

	app := newTestApp(t, dir)
	require.NoError(t, app.RunRender())

	f, err := os.Open(filepath.Join(dir, "global-map.png"))
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Greater(t, img.Bounds().Dx(), 40)
}

func TestRunRender_MissingMap(t *testing.T) {
	dir, cfg := writeDataDir(t)
	require.NoError(t, os.Remove(cfg.MapPath))
	app := newTestApp(t, dir)
	err := app.RunRender()
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "global map"), err.Error())
}

// ---------------------------------------------------------------------------
// service lifecycle
// ---------------------------------------------------------------------------

func TestServe_FlushesTrajectoryOnShutdown(t *testing.T) {
	dir, _ := writeDataDir(t)
	app := newTestApp(t, dir)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, app.serve(ctx))

	require.NotNil(t, app.Session)
	_, err := matching.LoadTrajectory(filepath.Join(dir, "trajectory.json"))
	assert.NoError(t, err)
}

func TestServe_ResumesTrajectory(t *testing.T) {
	dir, _ := writeDataDir(t)
	previous := &matching.Trajectory{}
	previous.Append(1, matching.Translation(1, 1, 0))
	require.NoError(t, matching.SaveTrajectory(previous, filepath.Join(dir, "trajectory.json")))

	app := newTestApp(t, dir)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, app.serve(ctx))
	assert.Equal(t, 1, app.Session.Status().TrajectoryPoses)
}

func TestServe_MQTTWithoutBroker(t *testing.T) {
	dir, _ := writeDataDir(t)
	app := newTestApp(t, dir)
	app.MqttMode = true

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := app.serve(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mqtt.broker is not configured")
}

func TestServe_ConfigError(t *testing.T) {
	app := newTestApp(t, t.TempDir())
	assert.Error(t, app.serve(context.Background()))
}
