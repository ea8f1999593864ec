// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: debug.go - process logger and cold-path drop helpers
//
// Purpose:
//   - Builds the zap logger every tile derives its named logger from.
//   - DropMessage / DropError stay as one-line helpers for cold paths
//     (boot, halt, operator commands) where a structured field list is noise.
//
// Notes:
//   - Development mode logs console-encoded to stderr, otherwise JSON.
//   - Init replaces the zap globals, so zap.L() inside packages that take no
//     logger still lands in the configured sink.
//
// ⚠️ Never invoke the drop helpers in hot loops - use only in failure diagnostics.
// ─────────────────────────────────────────────────────────────────────────────

package debug

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects level and encoding.
type Config struct {
	Level       string   `envconfig:"LEVEL" default:"info" yaml:"level"`
	Development bool     `envconfig:"DEV" default:"false" yaml:"development"`
	OutputPaths []string `envconfig:"OUTPUT" default:"stderr" yaml:"output_paths"`
}

// DefaultConfig is info-level JSON on stderr.
func DefaultConfig() Config {
	return Config{Level: "info", OutputPaths: []string{"stderr"}}
}

// New builds a logger from cfg.
func New(cfg Config) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("debug: log level %q: %w", cfg.Level, err)
	}
	out := cfg.OutputPaths
	if len(out) == 0 {
		out = []string{"stderr"}
	}

	zc := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       cfg.Development,
		Encoding:          "json",
		EncoderConfig:     zap.NewProductionEncoderConfig(),
		OutputPaths:       out,
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: !cfg.Development,
	}
	if cfg.Development {
		zc.Encoding = "console"
		zc.EncoderConfig = zap.NewDevelopmentEncoderConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build()
}

// Init builds the process logger and installs it as the zap global. The
// returned function restores the previous globals.
func Init(cfg Config) (*zap.Logger, func(), error) {
	l, err := New(cfg)
	if err != nil {
		return nil, nil, err
	}
	undo := zap.ReplaceGlobals(l)
	return l, func() {
		_ = l.Sync()
		undo()
	}, nil
}

// L returns the global logger.
func L() *zap.Logger { return zap.L() }

// DropError logs a cold-path failure under prefix. A nil err logs the bare
// prefix, which is how tagged one-off warnings are emitted.
func DropError(prefix string, err error) {
	if err != nil {
		zap.L().Warn(prefix, zap.Error(err))
		return
	}
	zap.L().Warn(prefix)
}

// DropMessage logs a cold-path diagnostic.
func DropMessage(prefix, message string) {
	zap.L().Info(message, zap.String("tag", prefix))
}
