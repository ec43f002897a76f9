package cmd

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevels are the values --log accepts
var LogLevels = []string{"debug", "info", "output", "warning", "error", "critical"}

// logLevel maps a --log value onto a zap level. "output" is the level at which
// measurement results are printed, so it behaves as info.
func logLevel(name string) (zapcore.Level, error) {
	switch name {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info", "output":
		return zapcore.InfoLevel, nil
	case "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	case "critical":
		return zapcore.DPanicLevel, nil
	}
	return zapcore.InfoLevel, errors.Errorf("invalid log level %q, must be one of %v", name, LogLevels)
}

// setupLogger builds the logger for a run, console formatted for people or json for machines
func setupLogger(level, format string) (*zap.Logger, error) {
	lvl, err := logLevel(level)
	if err != nil {
		return nil, err
	}

	var zapConfig zap.Config
	switch format {
	case "console":
		zapConfig = zap.NewDevelopmentConfig()
	case "json":
		zapConfig = zap.NewProductionConfig()
	default:
		return nil, errors.Errorf("invalid log format %q, must be console or json", format)
	}
	zapConfig.Level = zap.NewAtomicLevelAt(lvl)
	zapConfig.OutputPaths = []string{"stderr"}

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create logger")
	}
	return logger, nil
}
