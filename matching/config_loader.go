package matching

import (
	"os"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// LoadConfig loads the configuration from a YAML file. Keys left out keep
// their DefaultConfig values and environment overrides are applied before
// validation.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Errorf("config file not found: %s", path)
		}
		return nil, errors.Wrap(err, "reading config file")
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML config bytes
func ParseConfig(data []byte) (*Config, error) {
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.Wrap(err, "parsing config YAML")
	}
	config.ApplyEnv()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return errors.Wrap(err, "marshaling config YAML")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(err, "writing config file")
	}
	return nil
}

// ApplyEnv overrides fields from MQTT_* and MAPMATCH_* environment variables
func (c *Config) ApplyEnv() {
	overrides := []struct {
		env   string
		field *string
	}{
		{"MQTT_BROKER", &c.MQTT.Broker},
		{"MQTT_CLIENT_ID", &c.MQTT.ClientID},
		{"MQTT_USERNAME", &c.MQTT.Username},
		{"MQTT_PASSWORD", &c.MQTT.Password},
		{"MQTT_PUBLISH_PREFIX", &c.MQTT.PublishPrefix},
		{"MAPMATCH_MAP_PATH", &c.MapPath},
		{"MAPMATCH_LOG_LEVEL", &c.Log.Level},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.field = v
		}
	}
}

// Validate checks every section of the configuration
func (c *Config) Validate() error {
	if c.MapPath == "" {
		return errors.New("map_path is required")
	}

	filters := []struct {
		user   string
		method string
		leaf   LeafSizeConfig
	}{
		{"global_map", c.GlobalMapFilter, c.VoxelFilter.GlobalMap},
		{"local_map", c.LocalMapFilter, c.VoxelFilter.LocalMap},
		{"frame", c.FrameFilter, c.VoxelFilter.Frame},
	}
	for _, f := range filters {
		kind, err := ParseFilterKind(f.method)
		if err != nil {
			return errors.Wrapf(err, "%s_filter", f.user)
		}
		if kind == FilterVoxel {
			if _, err := f.leaf.Vector(); err != nil {
				return errors.Wrapf(err, "voxel_filter.%s", f.user)
			}
		}
	}

	if _, err := NewBoxFilter(c.BoxFilterSize); err != nil {
		return errors.Wrap(err, "box_filter_size")
	}
	if c.RebuildMargin < 0 {
		return errors.Errorf("rebuild_margin must not be negative, got %f", c.RebuildMargin)
	}

	kind, err := ParseRegistrationKind(c.RegistrationMethod)
	if err != nil {
		return err
	}
	if kind == RegistrationICP {
		if err := c.ICP.Validate(); err != nil {
			return err
		}
	}

	switch c.LoopClosureMethod {
	case LoopClosureNone:
	case LoopClosureScanContext:
		if err := c.ScanContext.Validate(); err != nil {
			return err
		}
		if c.ScanContextPath == "" {
			return errors.New("scan_context_path is required when loop_closure_method is scan_context")
		}
	default:
		return errors.Errorf("loop closure method %q not found", c.LoopClosureMethod)
	}

	if c.FitnessGate.Enabled && c.FitnessGate.MaxFitness <= 0 {
		return errors.Errorf("fitness_gate.max_fitness must be positive, got %f", c.FitnessGate.MaxFitness)
	}
	if c.HTTP.Enabled && (c.HTTP.Port <= 0 || c.HTTP.Port > 65535) {
		return errors.Errorf("http.port out of range: %d", c.HTTP.Port)
	}
	return nil
}

// Vector returns the leaf size as a vector
func (l LeafSizeConfig) Vector() (r3.Vector, error) {
	if len(l.LeafSize) != 3 {
		return r3.Vector{}, errors.Errorf("leaf_size needs 3 values, got %d", len(l.LeafSize))
	}
	v := r3.Vector{X: l.LeafSize[0], Y: l.LeafSize[1], Z: l.LeafSize[2]}
	if v.X <= 0 || v.Y <= 0 || v.Z <= 0 {
		return r3.Vector{}, errors.Errorf("leaf_size must be positive, got %v", l.LeafSize)
	}
	return v, nil
}
