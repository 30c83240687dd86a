// Package logging builds the process-wide zap logger from configuration and
// exposes the atomic level used for hot reloads.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects the logger's level, encoding, and destination.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // json or console
	File   string // empty writes to stderr
}

// New builds a production-style logger. The returned atomic level can be
// adjusted at runtime without rebuilding the logger.
func New(opts Options) (*zap.Logger, zap.AtomicLevel, error) {
	level, err := zapcore.ParseLevel(opts.Level)
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("logging: bad level %q: %w", opts.Level, err)
	}
	atomic := zap.NewAtomicLevelAt(level)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch opts.Format {
	case "console":
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	case "json", "":
		encoder = zapcore.NewJSONEncoder(encCfg)
	default:
		return nil, zap.AtomicLevel{}, fmt.Errorf("logging: bad format %q", opts.Format)
	}

	sink := zapcore.Lock(os.Stderr)
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, zap.AtomicLevel{}, fmt.Errorf("logging: open %s: %w", opts.File, err)
		}
		sink = zapcore.Lock(f)
	}

	core := zapcore.NewCore(encoder, sink, atomic)
	return zap.New(core, zap.AddCaller()), atomic, nil
}
