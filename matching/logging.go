package matching

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// NewLogger builds the service logger. Development mode uses the console
// encoder; otherwise logs are JSON.
func NewLogger(cfg LogConfig) (*zap.SugaredLogger, error) {
	level := cfg.Level
	if level == "" {
		level = "info"
	}
	atomic, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, errors.Wrapf(err, "log level %q", level)
	}

	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = atomic

	logger, err := zc.Build()
	if err != nil {
		return nil, errors.Wrap(err, "building logger")
	}
	return logger.Sugar(), nil
}
