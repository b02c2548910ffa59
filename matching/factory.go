package matching

import (
	"context"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// LoadMatcher loads the global map named by cfg.MapPath and assembles a
// Matcher over it
func LoadMatcher(ctx context.Context, cfg *Config, logger *zap.SugaredLogger, opts ...FetchOption) (*Matcher, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	globalMap, err := LoadCloud(ctx, cfg.MapPath, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "loading global map")
	}
	logger.Infow("loaded global map", "path", cfg.MapPath, "points", len(globalMap))
	return BuildMatcher(cfg, globalMap, logger)
}

// BuildMatcher assembles filters, box, registration and the optional place
// index from cfg. The local map filter is applied to globalMap once here so
// that the submap and frames share the same resolution.
func BuildMatcher(cfg *Config, globalMap PointCloud, logger *zap.SugaredLogger) (*Matcher, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	localMapFilter, err := buildFilter(cfg.LocalMapFilter, cfg.VoxelFilter.LocalMap)
	if err != nil {
		return nil, errors.Wrap(err, "local_map_filter")
	}
	globalMapFilter, err := buildFilter(cfg.GlobalMapFilter, cfg.VoxelFilter.GlobalMap)
	if err != nil {
		return nil, errors.Wrap(err, "global_map_filter")
	}
	frameFilter, err := buildFilter(cfg.FrameFilter, cfg.VoxelFilter.Frame)
	if err != nil {
		return nil, errors.Wrap(err, "frame_filter")
	}

	box, err := NewBoxFilter(cfg.BoxFilterSize)
	if err != nil {
		return nil, errors.Wrap(err, "box_filter_size")
	}

	kind, err := ParseRegistrationKind(cfg.RegistrationMethod)
	if err != nil {
		return nil, err
	}
	registration, err := NewRegistration(kind, cfg.ICP)
	if err != nil {
		return nil, err
	}

	mc := MatcherConfig{
		Registration:    registration,
		GlobalMapFilter: globalMapFilter,
		FrameFilter:     frameFilter,
		Box:             box,
		Margin:          cfg.RebuildMargin,
		FitnessGate:     cfg.FitnessGate,
		Logger:          logger.Named("matcher"),
	}

	if cfg.LoopClosureMethod == LoopClosureScanContext {
		index, err := NewScanContextIndex(cfg.ScanContext, logger.Named("index"))
		if err != nil {
			return nil, err
		}
		if err := index.Load(cfg.ScanContextPath); err != nil {
			return nil, errors.Wrap(err, "loading scan context index")
		}
		mc.PlaceIndex = index
	}

	filtered := localMapFilter.Filter(globalMap)
	logger.Infow("filtered global map", "method", cfg.LocalMapFilter, "before", len(globalMap), "after", len(filtered))
	return NewMatcher(filtered, mc)
}

func buildFilter(method string, leaf LeafSizeConfig) (CloudFilter, error) {
	kind, err := ParseFilterKind(method)
	if err != nil {
		return nil, err
	}
	var size r3.Vector
	if kind == FilterVoxel {
		if size, err = leaf.Vector(); err != nil {
			return nil, err
		}
	}
	return NewCloudFilter(kind, size)
}
