package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/kwv/mapmatch/matching"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	defaultConfigFile = "config.yaml"
	defaultPosesFile  = "poses.json"
	defaultHTTPPort   = 8080
	trajectoryFile    = "trajectory.json"
	scanContextFile   = "scan_context.db"
)

// App encapsulates the application state and dependencies
type App struct {
	Config     *matching.Config
	Logger     *zap.SugaredLogger
	Session    *matching.Session
	MQTTClient *matching.MQTTClient
	Publisher  *matching.Publisher

	// CLI Flags (effectively dependencies)
	DataDir       string
	ConfigFile    string
	LogLevel      string
	MqttMode      bool
	HttpMode      bool
	HttpPort      int
	BuildIndexDir string
	PosesFile     string
	IndexOut      string
	ReplayDir     string
	OutputFile    string
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		DataDir:    ".",
		ConfigFile: defaultConfigFile,
		Logger:     zap.NewNop().Sugar(),
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.DataDir = opts.DataDir
	a.ConfigFile = opts.ConfigFile
	a.LogLevel = opts.LogLevel
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode
	a.HttpPort = opts.HttpPort
	a.BuildIndexDir = opts.BuildIndex
	a.PosesFile = opts.PosesFile
	a.IndexOut = opts.IndexOut
	a.ReplayDir = opts.ReplayDir
	a.OutputFile = opts.OutputFile
}

// dataPath resolves name inside the data directory
func (a *App) dataPath(name string) string {
	dir := a.DataDir
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, name)
}

// outputPath returns --output, or def inside the data directory
func (a *App) outputPath(def string) string {
	if a.OutputFile != "" {
		return a.OutputFile
	}
	return a.dataPath(def)
}

// loadConfig reads the config file and builds the logger from it. A config
// path left at its default is looked up inside the data directory.
func (a *App) loadConfig() error {
	path := a.ConfigFile
	if path == "" || path == defaultConfigFile {
		path = a.dataPath(defaultConfigFile)
	}

	config, err := matching.LoadConfig(path)
	if err != nil {
		return errors.Wrapf(err, "loading config (looked at %s)", path)
	}
	if a.LogLevel != "" {
		config.Log.Level = a.LogLevel
	}
	logger, err := matching.NewLogger(config.Log)
	if err != nil {
		return err
	}

	a.Config = config
	a.Logger = logger
	a.Logger.Infow("loaded config", "path", path, "map", config.MapPath)
	return nil
}

func (a *App) ensureConfig() error {
	if a.Config != nil {
		return nil
	}
	return a.loadConfig()
}

func (a *App) httpPort() int {
	switch {
	case a.HttpPort > 0:
		return a.HttpPort
	case a.Config != nil && a.Config.HTTP.Port > 0:
		return a.Config.HTTP.Port
	}
	return defaultHTTPPort
}

// RunService localizes frames until SIGINT or SIGTERM
func (a *App) RunService() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.serve(ctx)
}

func (a *App) serve(ctx context.Context) error {
	if err := a.ensureConfig(); err != nil {
		return err
	}

	matcher, err := matching.LoadMatcher(ctx, a.Config, a.Logger)
	if err != nil {
		return err
	}
	a.Session = matching.NewSessionWithCache(matcher, a.dataPath(trajectoryFile), a.Logger.Named("session"))
	a.Logger.Infow("session started", "runId", a.Session.RunID())

	if a.MqttMode {
		client, err := matching.InitMQTT(a.Config.MQTT, a.Session, a.Logger.Named("mqtt"))
		if err != nil {
			return errors.Wrap(err, "initializing MQTT")
		}
		if client == nil {
			return errors.New("MQTT mode requested but mqtt.broker is not configured")
		}
		a.startPublishing(client)
	}

	var server *http.Server
	if a.HttpMode || a.Config.HTTP.Enabled {
		server = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.httpPort()),
			Handler:           newHTTPServer(a.Session, a.Logger.Named("http")),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			a.Logger.Infow("HTTP server starting", "addr", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.Logger.Errorw("HTTP server error", "error", err)
			}
		}()
	}

	a.Logger.Info("service running, press Ctrl+C to stop")
	<-ctx.Done()
	return a.shutdown(server)
}

// startPublishing wires refined poses from client to a Publisher
func (a *App) startPublishing(client *matching.MQTTClient) {
	a.MQTTClient = client
	a.Publisher = matching.NewPublisher(client.GetClient(), a.Config.MQTT.PublishPrefix)
	client.SetPoseHandler(a.publishPose)
	a.Logger.Infow("publishing poses",
		"poseTopic", a.Publisher.PoseTopic(),
		"statusTopic", a.Publisher.StatusTopic())
}

func (a *App) publishPose(pose matching.Pose) {
	if a.Publisher == nil {
		return
	}
	if err := a.Publisher.PublishPose(pose); err != nil {
		a.Logger.Warnw("publishing pose", "error", err)
	}
	if a.Session == nil {
		return
	}
	if err := a.Publisher.PublishStatus(a.Session.Status()); err != nil {
		a.Logger.Warnw("publishing status", "error", err)
	}
}

func (a *App) shutdown(server *http.Server) error {
	a.Logger.Info("shutting down")
	var errs error
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs = multierr.Append(errs, server.Shutdown(ctx))
	}
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	if a.Session != nil {
		errs = multierr.Append(errs, errors.Wrap(a.Session.Flush(), "saving trajectory"))
	}
	a.Logger.Info("service stopped")
	return errs
}

// RunBuildIndex builds a Scan Context database from the keyframe clouds in
// BuildIndexDir and their poses
func (a *App) RunBuildIndex() error {
	if err := a.ensureConfig(); err != nil {
		return err
	}
	logger := a.Logger.Named("index")

	posesPath := a.PosesFile
	if posesPath == "" || posesPath == defaultPosesFile {
		posesPath = filepath.Join(a.BuildIndexDir, defaultPosesFile)
	}
	poses, err := loadKeyframePoses(posesPath)
	if err != nil {
		return err
	}

	idx, err := matching.NewScanContextIndex(a.Config.ScanContext, logger)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(poses))
	for name := range poses {
		names = append(names, name)
	}
	sort.Strings(names)

	ctx := context.Background()
	for _, name := range names {
		pose, err := poses[name].Pose()
		if err != nil {
			return errors.Wrapf(err, "pose for %s", name)
		}
		scan, err := matching.LoadCloud(ctx, filepath.Join(a.BuildIndexDir, name))
		if err != nil {
			return errors.Wrapf(err, "keyframe %s", name)
		}
		idx.Add(scan, pose)
		logger.Debugw("added keyframe", "file", name, "points", len(scan))
	}

	out := a.IndexOut
	if out == "" {
		out = a.Config.ScanContextPath
	}
	if out == "" {
		out = a.dataPath(scanContextFile)
	}
	if err := idx.Save(out); err != nil {
		return err
	}
	logger.Infow("saved scan context index", "path", out, "keyframes", idx.Len())
	return nil
}

// loadKeyframePoses reads a JSON object mapping cloud file names to poses
func loadKeyframePoses(path string) (map[string]matching.PoseMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading keyframe poses")
	}
	var poses map[string]matching.PoseMessage
	if err := json.Unmarshal(data, &poses); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	if len(poses) == 0 {
		return nil, errors.Errorf("no keyframe poses in %s", path)
	}
	return poses, nil
}

// RunReplay runs the matcher over the recorded frames in ReplayDir and
// writes the trajectory as GeoJSON
func (a *App) RunReplay() error {
	if err := a.ensureConfig(); err != nil {
		return err
	}
	frames, err := listClouds(a.ReplayDir)
	if err != nil {
		return err
	}
	if len(frames) == 0 {
		return errors.Errorf("no .pcd or .las frames in %s", a.ReplayDir)
	}

	ctx := context.Background()
	matcher, err := matching.LoadMatcher(ctx, a.Config, a.Logger)
	if err != nil {
		return err
	}
	session := matching.NewSession(matcher, a.Logger.Named("session"))

	for _, path := range frames {
		frame, err := matching.LoadCloud(ctx, path)
		if err != nil {
			return errors.Wrapf(err, "frame %s", filepath.Base(path))
		}
		pose := session.HandleFrame(frame)
		a.Logger.Debugw("replayed frame", "file", filepath.Base(path), "x", pose[3], "y", pose[7], "yaw", pose.Yaw())
	}

	trajectory := session.Trajectory()
	data, err := trajectory.GeoJSON(0)
	if err != nil {
		return err
	}
	out := a.outputPath("trajectory.geojson")
	if err := os.WriteFile(out, data, 0644); err != nil {
		return errors.Wrap(err, "writing trajectory")
	}

	status := session.Status()
	a.Logger.Infow("replay finished",
		"frames", status.Frames,
		"rebuilds", status.Rebuilds,
		"length", trajectory.Length(),
		"output", out)
	return nil
}

// listClouds returns the cloud files in dir in name order
func listClouds(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "reading frame directory")
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".pcd", ".las":
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	return paths, nil
}

// RunRender writes a PNG of the global map, with the cached trajectory when
// one exists in the data directory
func (a *App) RunRender() error {
	if err := a.ensureConfig(); err != nil {
		return err
	}
	matcher, err := matching.LoadMatcher(context.Background(), a.Config, a.Logger)
	if err != nil {
		return err
	}

	renderer := matching.NewMapRenderer(matcher.GetGlobalMap())
	if t, err := matching.LoadTrajectory(a.dataPath(trajectoryFile)); err == nil {
		renderer.Trajectory = t
	}

	out := a.outputPath("global-map.png")
	if err := renderer.SavePNG(out); err != nil {
		return err
	}
	a.Logger.Infow("rendered global map", "output", out, "points", len(renderer.Cloud))
	return nil
}
