package main

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/kwv/mapmatch/matching"
	"go.uber.org/zap"
)

// maxBodyBytes bounds uploaded poses and relocalize frames
const maxBodyBytes = 64 << 20

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(session *matching.Session, logger *zap.SugaredLogger) http.Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		status := struct {
			Status      string    `json:"status"`
			Timestamp   time.Time `json:"timestamp"`
			RunID       string    `json:"runId"`
			Initialized bool      `json:"initialized"`
		}{
			Status:      "ok",
			Timestamp:   time.Now(),
			RunID:       session.RunID(),
			Initialized: session.Status().Initialized,
		}
		writeJSON(w, logger, status)
	})

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, logger, session.Status())
	})

	mux.HandleFunc("GET /map/global.pcd", func(w http.ResponseWriter, r *http.Request) {
		writeCloud(w, r, logger, session.GlobalMap())
	})

	mux.HandleFunc("GET /map/global.png", func(w http.ResponseWriter, r *http.Request) {
		cloud := session.GlobalMap()
		if len(cloud) == 0 {
			http.Error(w, "No global map available", http.StatusServiceUnavailable)
			return
		}
		_, bounds := session.LocalSubmap()
		trajectory := session.Trajectory()

		renderer := matching.NewMapRenderer(cloud)
		renderer.Bounds = &bounds
		renderer.Trajectory = &trajectory

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := renderer.RenderPNG(w); err != nil {
			logger.Errorw("encoding global map PNG", "error", err)
		}
	})

	mux.HandleFunc("GET /map/local.pcd", func(w http.ResponseWriter, r *http.Request) {
		submap, _ := session.LocalSubmap()
		writeCloud(w, r, logger, submap)
	})

	mux.HandleFunc("GET /map/local.svg", func(w http.ResponseWriter, r *http.Request) {
		renderer := submapRenderer(session)
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		if err := renderer.RenderToSVG(w); err != nil {
			logger.Errorw("rendering local map SVG", "error", err)
		}
	})

	mux.HandleFunc("GET /map/local.png", func(w http.ResponseWriter, r *http.Request) {
		renderer := submapRenderer(session)
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := renderer.RenderToPNG(w); err != nil {
			logger.Errorw("rendering local map PNG", "error", err)
		}
	})

	mux.HandleFunc("GET /frame/current.pcd", func(w http.ResponseWriter, r *http.Request) {
		writeCloud(w, r, logger, session.CurrentFrame())
	})

	mux.HandleFunc("GET /trajectory.geojson", func(w http.ResponseWriter, r *http.Request) {
		tolerance := 0.0
		if s := r.URL.Query().Get("simplify"); s != "" {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil || v < 0 {
				http.Error(w, "simplify must be a non-negative number", http.StatusBadRequest)
				return
			}
			tolerance = v
		}
		trajectory := session.Trajectory()
		data, err := trajectory.GeoJSON(tolerance)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		if _, err := w.Write(data); err != nil {
			logger.Warnw("writing trajectory", "error", err)
		}
	})

	mux.HandleFunc("POST /pose/initial", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			http.Error(w, "reading body: "+err.Error(), http.StatusBadRequest)
			return
		}
		pose, err := matching.DecodePoseMessage(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		session.SetInitialPose(pose)
		logger.Infow("initial pose set over HTTP", "x", pose[3], "y", pose[7], "z", pose[11], "yaw", pose.Yaw())
		writeJSON(w, logger, session.Status())
	})

	mux.HandleFunc("POST /relocalize", func(w http.ResponseWriter, r *http.Request) {
		frame, err := matching.ReadPCD(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		pose, ok := session.HandleRelocalize(frame)
		resp := struct {
			Matched bool                  `json:"matched"`
			Pose    *matching.PoseMessage `json:"pose,omitempty"`
		}{Matched: ok}
		if ok {
			msg := matching.NewPoseMessage(pose, time.Now().UnixMilli())
			resp.Pose = &msg
		}
		writeJSON(w, logger, resp)
	})

	return logRequests(mux, logger)
}

func logRequests(next http.Handler, logger *zap.SugaredLogger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Debugw("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, logger *zap.SugaredLogger, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorw("encoding JSON response", "error", err)
	}
}

// writeCloud streams cloud as PCD; ?format= picks ascii, binary or
// binary_compressed (default)
func writeCloud(w http.ResponseWriter, r *http.Request, logger *zap.SugaredLogger, cloud matching.PointCloud) {
	format := matching.PCDBinaryCompressed
	if s := r.URL.Query().Get("format"); s != "" {
		f, err := matching.ParsePCDFormat(s)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		format = f
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "no-cache")
	if err := matching.WritePCD(w, cloud, format); err != nil {
		logger.Errorw("writing PCD", "path", r.URL.Path, "error", err)
	}
}

// submapRenderer draws the submap with the latest frame, the trajectory and
// the current pose
func submapRenderer(session *matching.Session) *matching.SubmapRenderer {
	submap, bounds := session.LocalSubmap()
	trajectory := session.Trajectory()

	renderer := matching.NewSubmapRenderer(submap, bounds)
	renderer.Frame = session.CurrentFrame()
	renderer.Trajectory = trajectory.LineString()
	if pose, err := session.Status().Pose.Pose(); err == nil {
		renderer.Pose = &pose
	}
	return renderer
}
