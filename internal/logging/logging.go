// Package logging builds the process logger and names the structured fields
// shared across packages.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Field names used in every batch log line.
const (
	FieldRun        = "run"
	FieldIndex      = "index"
	FieldIdentifier = "identifier"
	FieldAttempt    = "attempt"
	FieldState      = "state"
	FieldFault      = "fault"
	FieldWait       = "wait"
	FieldOutcome    = "outcome"
)

type Options struct {
	// JSON switches from the console encoder to JSON lines.
	JSON bool
	// Level is debug, info, warn or error. Empty means info.
	Level string
	// Output defaults to stderr so stdout stays free for command output.
	Output io.Writer
}

// New builds a logger. Console output is for people at a terminal; JSON is for
// log shippers.
func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if s := strings.TrimSpace(opts.Level); s != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
			return nil, errors.Wrapf(err, "invalid log level %q", opts.Level)
		}
	}
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	var enc zapcore.Encoder
	if opts.JSON {
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(cfg)
	} else {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		cfg.CallerKey = ""
		enc = zapcore.NewConsoleEncoder(cfg)
	}
	core := zapcore.NewCore(enc, zapcore.AddSync(out), level)
	return zap.New(core, zap.AddCaller()), nil
}

// Run scopes logger to one batch.
func Run(logger *zap.Logger, runID string) *zap.Logger {
	return logger.With(zap.String(FieldRun, runID))
}
