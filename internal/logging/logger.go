// Package logging builds the logr.Logger handed to every lampstack component.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	crzap "sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// New returns a zap-backed logger writing to stderr at the given level.
func New(level string) (logr.Logger, error) {
	return NewWithWriter(level, os.Stderr)
}

// NewWithWriter is New with an explicit destination. Debug switches zap to
// development mode (console encoder, caller info); other levels log JSON.
func NewWithWriter(level string, w io.Writer) (logr.Logger, error) {
	lvl, dev, err := ParseLevel(level)
	if err != nil {
		return logr.Logger{}, err
	}
	atomic := zap.NewAtomicLevelAt(lvl)
	opts := crzap.Options{
		Development: dev,
		Level:       &atomic,
		DestWriter:  w,
	}
	return crzap.New(crzap.UseFlagOptions(&opts)).WithName("lampstack"), nil
}

// ParseLevel maps a level name to a zap level and whether it implies development mode.
func ParseLevel(level string) (zapcore.Level, bool, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel, true, nil
	case "info", "":
		return zapcore.InfoLevel, false, nil
	case "warn", "warning":
		return zapcore.WarnLevel, false, nil
	case "error":
		return zapcore.ErrorLevel, false, nil
	default:
		return zapcore.InfoLevel, false, fmt.Errorf("unknown log level %q (expected debug, info, warn, or error)", level)
	}
}
