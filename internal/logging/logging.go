// Package logging builds the process zap logger and adapts it to the
// logger interfaces of embedded libraries.
package logging

import (
	"fmt"

	"go.etcd.io/etcd/raft/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the log level and output format.
type Config struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// New builds a logger. Development mode uses the console encoder.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

// Nop returns a logger that discards everything.
func Nop() *zap.Logger { return zap.NewNop() }

// RaftLogger routes etcd raft logs into zap.
type RaftLogger struct {
	s *zap.SugaredLogger
}

var _ raft.Logger = (*RaftLogger)(nil)

// NewRaftLogger wraps logger for raft.Config.Logger.
func NewRaftLogger(logger *zap.Logger) *RaftLogger {
	return &RaftLogger{s: logger.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (l *RaftLogger) Debug(v ...interface{})                   { l.s.Debug(v...) }
func (l *RaftLogger) Debugf(format string, v ...interface{})   { l.s.Debugf(format, v...) }
func (l *RaftLogger) Error(v ...interface{})                   { l.s.Error(v...) }
func (l *RaftLogger) Errorf(format string, v ...interface{})   { l.s.Errorf(format, v...) }
func (l *RaftLogger) Info(v ...interface{})                    { l.s.Info(v...) }
func (l *RaftLogger) Infof(format string, v ...interface{})    { l.s.Infof(format, v...) }
func (l *RaftLogger) Warning(v ...interface{})                 { l.s.Warn(v...) }
func (l *RaftLogger) Warningf(format string, v ...interface{}) { l.s.Warnf(format, v...) }
func (l *RaftLogger) Fatal(v ...interface{})                   { l.s.Fatal(v...) }
func (l *RaftLogger) Fatalf(format string, v ...interface{})   { l.s.Fatalf(format, v...) }
func (l *RaftLogger) Panic(v ...interface{})                   { l.s.Panic(v...) }
func (l *RaftLogger) Panicf(format string, v ...interface{})   { l.s.Panicf(format, v...) }
