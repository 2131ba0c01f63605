// Package vpclog builds the process-wide logger used by every vpcctl
// component. All components log through a *zap.SugaredLogger with
// structured key/value pairs, never through fmt.Println or the stdlib
// log package.
package vpclog

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a logger that writes structured records to both stderr and
// the append-only log file at logDir/vpcctl.log, creating logDir if needed.
func New(logDir string, verbose bool) (*zap.SugaredLogger, error) {
	if logDir == "" {
		logDir = "./logs"
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("creating log directory %s: %w", logDir, err)
	}

	logPath := filepath.Join(logDir, "vpcctl.log")
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening log file %s: %w", logPath, err)
	}

	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.AddSync(logFile),
		level,
	)
	stderrCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderCfg),
		zapcore.AddSync(os.Stderr),
		level,
	)

	core := zapcore.NewTee(fileCore, stderrCore)
	logger := zap.New(core)
	return logger.Sugar(), nil
}

// Discard returns a logger that drops everything, for use in tests.
func Discard() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
