package matching

// Config is the full matching service configuration file
type Config struct {
	MapPath            string            `yaml:"map_path" json:"mapPath"`
	GlobalMapFilter    string            `yaml:"global_map_filter" json:"globalMapFilter"` // visualization only
	LocalMapFilter     string            `yaml:"local_map_filter" json:"localMapFilter"`   // applied once to the loaded map
	FrameFilter        string            `yaml:"frame_filter" json:"frameFilter"`
	VoxelFilter        VoxelFilterConfig `yaml:"voxel_filter" json:"voxelFilter"`
	BoxFilterSize      []float64         `yaml:"box_filter_size" json:"boxFilterSize"` // minX maxX minY maxY minZ maxZ
	RebuildMargin      float64           `yaml:"rebuild_margin" json:"rebuildMargin"`
	RegistrationMethod string            `yaml:"registration_method" json:"registrationMethod"`
	ICP                ICPConfig         `yaml:"ICP" json:"icp"`
	LoopClosureMethod  string            `yaml:"loop_closure_method" json:"loopClosureMethod"`
	ScanContext        ScanContextConfig `yaml:"scan_context" json:"scanContext"`
	ScanContextPath    string            `yaml:"scan_context_path,omitempty" json:"scanContextPath,omitempty"`
	FitnessGate        FitnessGate       `yaml:"fitness_gate" json:"fitnessGate"`
	MQTT               MQTTConfig        `yaml:"mqtt" json:"mqtt"`
	HTTP               HTTPConfig        `yaml:"http" json:"http"`
	Log                LogConfig         `yaml:"log" json:"log"`
}

// VoxelFilterConfig holds the leaf sizes per filter user
type VoxelFilterConfig struct {
	GlobalMap LeafSizeConfig `yaml:"global_map" json:"globalMap"`
	LocalMap  LeafSizeConfig `yaml:"local_map" json:"localMap"`
	Frame     LeafSizeConfig `yaml:"frame" json:"frame"`
}

// LeafSizeConfig is a voxel edge length per axis
type LeafSizeConfig struct {
	LeafSize []float64 `yaml:"leaf_size" json:"leafSize"`
}

// MQTTConfig holds MQTT connection settings and topics
type MQTTConfig struct {
	Broker          string `yaml:"broker" json:"broker"`
	PublishPrefix   string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID        string `yaml:"clientId" json:"clientId"`
	Username        string `yaml:"username,omitempty" json:"username,omitempty"`
	Password        string `yaml:"password,omitempty" json:"password,omitempty"`
	FrameTopic      string `yaml:"frameTopic" json:"frameTopic"`           // PCD payloads
	PoseTopic       string `yaml:"poseTopic" json:"poseTopic"`             // absolute pose samples as JSON
	RelocalizeTopic string `yaml:"relocalizeTopic" json:"relocalizeTopic"` // PCD payloads for place recognition
}

// HTTPConfig controls the embedded HTTP server
type HTTPConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	Port    int  `yaml:"port" json:"port"`
}

// LogConfig selects the log level and encoder
type LogConfig struct {
	Level       string `yaml:"level" json:"level"`
	Development bool   `yaml:"development" json:"development"`
}

// Loop closure method names
const (
	LoopClosureNone        = "none"
	LoopClosureScanContext = "scan_context"
)

// DefaultConfig returns the configuration used when a key is left out
func DefaultConfig() Config {
	return Config{
		GlobalMapFilter: FilterVoxel.String(),
		LocalMapFilter:  FilterVoxel.String(),
		FrameFilter:     FilterVoxel.String(),
		VoxelFilter: VoxelFilterConfig{
			GlobalMap: LeafSizeConfig{LeafSize: []float64{0.9, 0.9, 0.9}},
			LocalMap:  LeafSizeConfig{LeafSize: []float64{0.5, 0.5, 0.5}},
			Frame:     LeafSizeConfig{LeafSize: []float64{1.5, 1.5, 1.5}},
		},
		BoxFilterSize:      []float64{-150, 150, -150, 150, -150, 150},
		RebuildMargin:      50,
		RegistrationMethod: RegistrationICP.String(),
		ICP:                DefaultICPConfig(),
		LoopClosureMethod:  LoopClosureNone,
		ScanContext:        DefaultScanContextConfig(),
		MQTT: MQTTConfig{
			PublishPrefix:   "mapmatch",
			ClientID:        "mapmatch",
			FrameTopic:      "lidar/points",
			PoseTopic:       "gnss/pose",
			RelocalizeTopic: "lidar/relocalize",
		},
		HTTP: HTTPConfig{Port: 4040},
		Log:  LogConfig{Level: "info"},
	}
}
