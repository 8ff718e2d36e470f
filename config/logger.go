package config

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger: JSON in production and staging,
// console output otherwise.
func NewLogger(app AppConfig) (*zap.Logger, error) {
	var cfg zap.Config
	if app.Environment == "production" || app.Environment == "staging" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	if app.LogLevel != "" {
		level, err := zapcore.ParseLevel(app.LogLevel)
		if err != nil {
			return nil, err
		}
		cfg.Level = zap.NewAtomicLevelAt(level)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("app", app.Name), zap.String("environment", app.Environment)), nil
}
